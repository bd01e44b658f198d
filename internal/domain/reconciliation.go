package domain

import "time"

// ReconcileState is the sync state reported by the external reconciliation
// agent. Conveyor observes it and never drives it.
type ReconcileState string

const (
	ReconcileSynced      ReconcileState = "synced"
	ReconcileOutOfSync   ReconcileState = "out_of_sync"
	ReconcileProgressing ReconcileState = "progressing"
	ReconcileDegraded    ReconcileState = "degraded"
	ReconcileError       ReconcileState = "error"
	ReconcileUnknown     ReconcileState = "unknown"
)

// ReconcileObservation is one polled sample of an application's sync state.
type ReconcileObservation struct {
	ID           int64
	AppID        string
	State        ReconcileState
	SyncRevision string
	Message      string
	ObservedAt   time.Time
}
