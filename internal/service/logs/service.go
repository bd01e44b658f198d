package logs

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/conveyorci/conveyor/internal/domain"
	"github.com/conveyorci/conveyor/internal/repository"
	"github.com/conveyorci/conveyor/internal/ws"
)

// Service handles run log persistence and streaming.
type Service struct {
	repo   repository.LogRepository
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs a log service.
func New(repo repository.LogRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, hub: hub, logger: logger}
}

// Append stores and broadcasts a log entry.
func (s Service) Append(ctx context.Context, entry domain.RunLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	if err := s.repo.AppendLog(ctx, entry); err != nil {
		return err
	}
	s.broadcast(entry)
	return nil
}

// List returns stored logs for a run, oldest first.
func (s Service) List(ctx context.Context, runID string, limit, offset int) ([]domain.RunLog, error) {
	return s.repo.ListLogsByRun(ctx, runID, limit, offset)
}

func (s Service) broadcast(entry domain.RunLog) {
	if s.hub == nil {
		return
	}
	data, err := MarshalEntry(entry)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	s.hub.Broadcast(entry.RunID, data)
}

// Hub returns the streaming hub for HTTP handlers.
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// MarshalEntry formats a run log for streaming payloads.
func MarshalEntry(entry domain.RunLog) ([]byte, error) {
	payload := map[string]any{
		"id":         entry.ID,
		"run_id":     entry.RunID,
		"stage":      entry.Stage,
		"source":     entry.Source,
		"level":      entry.Level,
		"message":    entry.Message,
		"created_at": entry.CreatedAt.Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}
