package domain

import (
	"encoding/json"
	"time"
)

// RunStatus enumerates the lifecycle of a pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// TriggerSource identifies what started a run.
type TriggerSource string

const (
	TriggerWebhook  TriggerSource = "webhook"
	TriggerManual   TriggerSource = "manual"
	TriggerRollback TriggerSource = "rollback"
)

// PipelineRun captures one end-to-end promotion attempt for a revision.
type PipelineRun struct {
	ID              string
	AppID           string
	Revision        string
	Branch          string
	Trigger         TriggerSource
	Status          RunStatus
	Error           *RunError
	CancelRequested bool
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

// RunError describes why a run failed: the stage it failed in, the error
// kind from the pipeline taxonomy, and for test failures the first failing
// test identifier.
type RunError struct {
	Stage            StageName `json:"stage"`
	Kind             ErrorKind `json:"kind"`
	Message          string    `json:"message"`
	FirstFailingTest string    `json:"first_failing_test,omitempty"`
}

// StageName enumerates pipeline stages in promotion order.
type StageName string

const (
	StageBuildTest    StageName = "build_test"
	StagePublish      StageName = "publish"
	StageConfigUpdate StageName = "config_update"
)

// StageOrder is the fixed execution order of pipeline stages.
var StageOrder = []StageName{StageBuildTest, StagePublish, StageConfigUpdate}

// StageIndex returns the position of a stage in StageOrder, or -1.
func StageIndex(name StageName) int {
	for i, s := range StageOrder {
		if s == name {
			return i
		}
	}
	return -1
}

// StageStatus enumerates the lifecycle of a single stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Terminal reports whether the stage status admits no further transitions.
func (s StageStatus) Terminal() bool {
	return s == StageSucceeded || s == StageFailed || s == StageSkipped
}

// StageResult is the outcome of one stage, owned by its parent run.
type StageResult struct {
	RunID       string
	Name        StageName
	Status      StageStatus
	LogKey      string
	Metadata    json.RawMessage
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// Duration returns the elapsed stage time, zero until both timestamps exist.
func (r StageResult) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// StageUpdate captures the mutable fields applied by a runner callback.
type StageUpdate struct {
	RunID       string
	Name        StageName
	Status      StageStatus
	LogKey      string
	Metadata    json.RawMessage
	StartedAt   *time.Time
	CompletedAt *time.Time
}
