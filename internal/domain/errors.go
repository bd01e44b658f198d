package domain

import "fmt"

// ErrorKind classifies pipeline failures for operator-visible reporting.
type ErrorKind string

const (
	ErrBuildFailure     ErrorKind = "build_failure"
	ErrTestFailure      ErrorKind = "test_failure"
	ErrPublishAuth      ErrorKind = "publish_auth_error"
	ErrPublishConflict  ErrorKind = "publish_conflict"
	ErrPublishTransient ErrorKind = "publish_transient_error"
	ErrConfigConflict   ErrorKind = "config_write_conflict"
	ErrConfigAuth       ErrorKind = "config_auth_error"
	ErrReconcileDegrade ErrorKind = "reconciliation_degraded"
	ErrCanceled         ErrorKind = "canceled"
	ErrRunnerInternal   ErrorKind = "runner_internal"
)

// Retryable reports whether the kind is eligible for bounded local retry
// before it surfaces as fatal.
func (k ErrorKind) Retryable() bool {
	return k == ErrPublishTransient || k == ErrConfigConflict
}

// StageError carries a classified failure out of a pipeline stage.
type StageError struct {
	Stage            StageName
	Kind             ErrorKind
	Message          string
	FirstFailingTest string
	Attempts         int
	Err              error
}

// NewStageError wraps err with stage and kind classification.
func NewStageError(stage StageName, kind ErrorKind, err error) *StageError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &StageError{Stage: stage, Kind: kind, Message: msg, Err: err}
}

func (e *StageError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Stage, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// RunErrorFrom converts a stage error into the persisted run error form.
func RunErrorFrom(e *StageError) *RunError {
	if e == nil {
		return nil
	}
	return &RunError{
		Stage:            e.Stage,
		Kind:             e.Kind,
		Message:          e.Message,
		FirstFailingTest: e.FirstFailingTest,
	}
}
