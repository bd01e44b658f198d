package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorci/conveyor/internal/domain"
	"github.com/conveyorci/conveyor/internal/repository"
)

// ErrBadPayload rejects malformed runner callbacks.
var ErrBadPayload = errors.New("run: invalid callback payload")

// StageEventPayload is a stage transition reported by the runner.
type StageEventPayload struct {
	RunID     string             `json:"run_id"`
	Stage     domain.StageName   `json:"stage"`
	Status    domain.StageStatus `json:"status"`
	Message   string             `json:"message"`
	Error     *domain.RunError   `json:"error"`
	Artifact  *ArtifactPayload   `json:"artifact"`
	Config    *ConfigPayload     `json:"config"`
	LogKey    string             `json:"log_key"`
	Metadata  map[string]any     `json:"metadata"`
	Timestamp time.Time          `json:"timestamp"`
}

// ArtifactPayload describes the image a publish stage produced.
type ArtifactPayload struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
	Digest     string `json:"digest"`
}

// ConfigPayload describes the config entry a config stage wrote.
type ConfigPayload struct {
	Path     string `json:"path"`
	Key      string `json:"key"`
	Value    string `json:"value"`
	Revision string `json:"revision"`
	Changed  bool   `json:"changed"`
}

// CompletionPayload is the runner's final verdict for a run.
type CompletionPayload struct {
	RunID     string           `json:"run_id"`
	Status    string           `json:"status"`
	Error     *domain.RunError `json:"error"`
	Timestamp time.Time        `json:"timestamp"`
}

// LogPayload is one line of stage output forwarded by the runner.
type LogPayload struct {
	RunID     string           `json:"run_id"`
	Stage     domain.StageName `json:"stage"`
	Level     string           `json:"level"`
	Line      string           `json:"line"`
	Timestamp time.Time        `json:"timestamp"`
}

// ProcessStageEvent applies a runner stage transition. Terminal stages are
// immutable; a redelivered or out-of-order event is refused with
// repository.ErrImmutable.
func (s Service) ProcessStageEvent(ctx context.Context, payload StageEventPayload) error {
	if strings.TrimSpace(payload.RunID) == "" {
		return fmt.Errorf("%w: run_id required", ErrBadPayload)
	}
	if domain.StageIndex(payload.Stage) < 0 {
		return fmt.Errorf("%w: unknown stage %q", ErrBadPayload, payload.Stage)
	}
	switch payload.Status {
	case domain.StageRunning, domain.StageSucceeded, domain.StageFailed, domain.StageSkipped:
	default:
		return fmt.Errorf("%w: invalid stage status %q", ErrBadPayload, payload.Status)
	}

	run, err := s.runs.GetRunByID(ctx, payload.RunID)
	if err != nil {
		return err
	}

	ts := payload.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	update := domain.StageUpdate{
		RunID:  run.ID,
		Name:   payload.Stage,
		Status: payload.Status,
		LogKey: payload.LogKey,
	}
	if len(payload.Metadata) > 0 {
		if data, err := json.Marshal(payload.Metadata); err == nil {
			update.Metadata = data
		}
	}
	if payload.Status == domain.StageRunning {
		update.StartedAt = &ts
	} else {
		update.CompletedAt = &ts
	}
	if err := s.runs.UpdateStage(ctx, update); err != nil {
		return err
	}

	if payload.Status == domain.StageSucceeded {
		switch payload.Stage {
		case domain.StagePublish:
			s.recordArtifact(ctx, run, payload.Artifact, ts)
		case domain.StageConfigUpdate:
			s.recordDesiredState(ctx, run, payload.Config, ts)
		}
	}

	s.appendStageLog(ctx, run.ID, payload)
	s.logger.Info("stage reported",
		"run_id", run.ID,
		"stage", payload.Stage,
		"status", payload.Status,
	)
	return nil
}

// ProcessCompletion finalizes a run from the runner's completion callback.
func (s Service) ProcessCompletion(ctx context.Context, payload CompletionPayload) error {
	if strings.TrimSpace(payload.RunID) == "" {
		return fmt.Errorf("%w: run_id required", ErrBadPayload)
	}
	var status domain.RunStatus
	switch strings.ToLower(payload.Status) {
	case string(domain.RunSucceeded):
		status = domain.RunSucceeded
	case string(domain.RunFailed):
		status = domain.RunFailed
	default:
		return fmt.Errorf("%w: invalid terminal status %q", ErrBadPayload, payload.Status)
	}

	ts := payload.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	if err := s.runs.CompleteRun(ctx, payload.RunID, status, payload.Error, ts); err != nil {
		return err
	}
	if err := s.runs.SkipPendingStages(ctx, payload.RunID, ts); err != nil {
		s.logger.Warn("skip pending stages failed", "run_id", payload.RunID, "error", err)
	}

	s.appendCompletionLog(ctx, payload, status)
	s.logger.Info("run completed", "run_id", payload.RunID, "status", status)
	return nil
}

// ProcessLogLine persists and broadcasts one runner log line.
func (s Service) ProcessLogLine(ctx context.Context, payload LogPayload) error {
	if strings.TrimSpace(payload.RunID) == "" {
		return fmt.Errorf("%w: run_id required", ErrBadPayload)
	}
	level := payload.Level
	if level == "" {
		level = "info"
	}
	ts := payload.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	return s.logSvc.Append(ctx, domain.RunLog{
		RunID:     payload.RunID,
		Stage:     payload.Stage,
		Source:    "runner",
		Level:     level,
		Message:   payload.Line,
		CreatedAt: ts,
	})
}

func (s Service) recordArtifact(ctx context.Context, run *domain.PipelineRun, payload *ArtifactPayload, at time.Time) {
	if payload == nil || payload.Tag == "" {
		return
	}
	artifact := &domain.ImageArtifact{
		ID:         uuid.NewString(),
		RunID:      run.ID,
		AppID:      run.AppID,
		Repository: payload.Repository,
		Tag:        payload.Tag,
		Digest:     payload.Digest,
		PushedAt:   at,
	}
	if err := s.artifacts.CreateArtifact(ctx, artifact); err != nil {
		// A republished revision maps to an artifact recorded by an earlier
		// run; the unique tag constraint refuses the duplicate row.
		if errors.Is(err, repository.ErrInvalidArgument) {
			s.logger.Info("artifact already recorded", "run_id", run.ID, "tag", payload.Tag)
			return
		}
		s.logger.Warn("record artifact failed", "run_id", run.ID, "tag", payload.Tag, "error", err)
	}
}

func (s Service) recordDesiredState(ctx context.Context, run *domain.PipelineRun, payload *ConfigPayload, at time.Time) {
	if payload == nil || payload.Key == "" {
		return
	}
	environment := ""
	if app, err := s.apps.Get(ctx, run.AppID); err == nil {
		environment = app.Environment
	} else {
		s.logger.Warn("load app for desired state failed", "run_id", run.ID, "error", err)
	}
	record := &domain.DesiredStateRecord{
		AppID:       run.AppID,
		Environment: environment,
		Path:        payload.Path,
		Key:         payload.Key,
		Value:       payload.Value,
		Revision:    payload.Revision,
		RunID:       run.ID,
		WrittenAt:   at,
	}
	if err := s.desired.UpsertDesiredState(ctx, record); err != nil {
		s.logger.Warn("record desired state failed", "run_id", run.ID, "error", err)
	}
}

func (s Service) appendStageLog(ctx context.Context, runID string, payload StageEventPayload) {
	message := payload.Message
	if message == "" {
		message = fmt.Sprintf("stage %s: %s", payload.Stage, payload.Status)
	}
	level := "info"
	if payload.Status == domain.StageFailed {
		level = "error"
		if payload.Error != nil && payload.Error.Message != "" {
			message = payload.Error.Message
		}
	}
	entry := domain.RunLog{
		RunID:     runID,
		Stage:     payload.Stage,
		Source:    "control-plane",
		Level:     level,
		Message:   message,
		CreatedAt: payload.Timestamp,
	}
	if err := s.logSvc.Append(ctx, entry); err != nil {
		s.logger.Warn("append stage log failed", "run_id", runID, "error", err)
	}
}

func (s Service) appendCompletionLog(ctx context.Context, payload CompletionPayload, status domain.RunStatus) {
	message := fmt.Sprintf("run %s", status)
	level := "info"
	if status == domain.RunFailed {
		level = "error"
		if payload.Error != nil {
			message = fmt.Sprintf("run failed: %s in stage %s", payload.Error.Kind, payload.Error.Stage)
			if payload.Error.FirstFailingTest != "" {
				message += fmt.Sprintf(" (first failing test %s)", payload.Error.FirstFailingTest)
			}
		}
	}
	entry := domain.RunLog{
		RunID:     payload.RunID,
		Source:    "control-plane",
		Level:     level,
		Message:   message,
		CreatedAt: payload.Timestamp,
	}
	if err := s.logSvc.Append(ctx, entry); err != nil {
		s.logger.Warn("append completion log failed", "run_id", payload.RunID, "error", err)
	}
}
