package domain

import "time"

// Operator represents a control-plane account.
type Operator struct {
	ID           string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}
