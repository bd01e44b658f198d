package domain

import "time"

// RunLog represents a log line emitted while executing a pipeline run.
type RunLog struct {
	ID        int64
	RunID     string
	Stage     StageName
	Source    string
	Level     string
	Message   string
	CreatedAt time.Time
}
