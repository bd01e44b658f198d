package domain

import "time"

// DesiredStateRecord mirrors the last value conveyor wrote into the
// configuration repository for an application. The repository itself is the
// source of truth; this row feeds the status surface.
type DesiredStateRecord struct {
	AppID       string
	Environment string
	Path        string
	Key         string
	Value       string
	Revision    string
	RunID       string
	WrittenAt   time.Time
}
