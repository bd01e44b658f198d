package reconcile

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/conveyorci/conveyor/internal/domain"
	"github.com/conveyorci/conveyor/internal/repository"
	"github.com/conveyorci/conveyor/internal/service/application"
	"github.com/conveyorci/conveyor/pkg/config"
)

const (
	defaultInterval = 30 * time.Second
	defaultTimeout  = 10 * time.Second
)

// Poller samples the reconciliation agent for every registered application
// and appends the observed states. The pipeline never reacts to them; they
// exist for the status surface and for operators watching drift.
type Poller struct {
	apps         application.Service
	observations repository.ReconcileRepository
	agent        AgentClient
	logger       *slog.Logger

	interval time.Duration
	timeout  time.Duration

	// lastState is only touched from the poll loop goroutine.
	lastState map[string]domain.ReconcileState

	metricsOnce        sync.Once
	metricsInitialized bool
	observed           *prometheus.CounterVec
	transitions        *prometheus.CounterVec

	now func() time.Time
}

// NewPoller constructs the agent poller. It returns nil when no agent is
// configured; a nil poller is safe to Run.
func NewPoller(apps application.Service, observations repository.ReconcileRepository, agent AgentClient, logger *slog.Logger, cfg config.ServerConfig) *Poller {
	if agent == nil {
		return nil
	}
	interval := cfg.ReconcileInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	timeout := cfg.ReconcileTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger != nil {
		logger = logger.With("component", "reconcile")
	}
	poller := &Poller{
		apps:         apps,
		observations: observations,
		agent:        agent,
		logger:       logger,
		interval:     interval,
		timeout:      timeout,
		lastState:    make(map[string]domain.ReconcileState),
		now:          func() time.Time { return time.Now().UTC() },
	}
	poller.initMetrics()
	return poller
}

// Run polls until the context is cancelled. Poll spacing is jittered so a
// fleet of restarts does not align against the agent.
func (p *Poller) Run(ctx context.Context) {
	if p == nil {
		return
	}
	p.logger.Info("reconcile poller started", "interval", p.interval)
	p.pollOnce(ctx)

	timer := time.NewTimer(p.nextInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("reconcile poller stopped")
			return
		case <-timer.C:
			p.pollOnce(ctx)
			timer.Reset(p.nextInterval())
		}
	}
}

func (p *Poller) pollOnce(parent context.Context) {
	opCtx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()

	apps, err := p.apps.List(opCtx)
	if err != nil {
		p.logger.Warn("list applications failed", "error", err)
		return
	}
	for _, app := range apps {
		p.observe(opCtx, app)
	}
}

// observe queries the agent for one application and records what it said.
// Transport failures are themselves observations with state error.
func (p *Poller) observe(ctx context.Context, app domain.Application) {
	reported, err := p.agent.Status(ctx, app.Name)
	state := mapState(reported.Status)
	revision := reported.Revision
	message := reported.Message
	if err != nil {
		state = domain.ReconcileError
		revision = ""
		message = err.Error()
		p.logger.Warn("agent status query failed", "app", app.Name, "error", err)
	}

	obs := &domain.ReconcileObservation{
		AppID:        app.ID,
		State:        state,
		SyncRevision: revision,
		Message:      message,
		ObservedAt:   p.now(),
	}
	if err := p.observations.InsertObservation(ctx, obs); err != nil {
		p.logger.Warn("record observation failed", "app", app.Name, "error", err)
	}
	p.recordObserved(state)

	previous, seen := p.lastState[app.ID]
	p.lastState[app.ID] = state
	if seen && previous != state {
		p.recordTransition(previous, state)
		p.logger.Info("reconcile state changed",
			"app", app.Name,
			"from", previous,
			"to", state,
			"revision", revision,
		)
	}
	if state == domain.ReconcileDegraded {
		p.logger.Warn("application degraded", "app", app.Name, "message", message)
	}
}

func (p *Poller) nextInterval() time.Duration {
	jitter := p.interval / 10
	if jitter <= 0 {
		return p.interval
	}
	return p.interval + rand.N(2*jitter) - jitter
}

func (p *Poller) initMetrics() {
	p.metricsOnce.Do(func() {
		p.observed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "reconcile",
			Name:      "observations_total",
			Help:      "Agent states sampled by the poller",
		}, []string{"state"})

		p.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "reconcile",
			Name:      "transitions_total",
			Help:      "Observed agent state transitions",
		}, []string{"from", "to"})

		collectors := []prometheus.Collector{p.observed, p.transitions}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
					if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
						if collector == p.observed {
							p.observed = existing
						} else {
							p.transitions = existing
						}
					}
				}
			}
		}
		p.metricsInitialized = true
	})
}

func (p *Poller) recordObserved(state domain.ReconcileState) {
	if !p.metricsInitialized {
		return
	}
	p.observed.With(prometheus.Labels{"state": string(state)}).Inc()
}

func (p *Poller) recordTransition(from, to domain.ReconcileState) {
	if !p.metricsInitialized {
		return
	}
	p.transitions.With(prometheus.Labels{"from": string(from), "to": string(to)}).Inc()
}

// mapState normalizes an agent-reported status to the known state set.
func mapState(status string) domain.ReconcileState {
	switch domain.ReconcileState(strings.ToLower(strings.TrimSpace(status))) {
	case domain.ReconcileSynced:
		return domain.ReconcileSynced
	case domain.ReconcileOutOfSync:
		return domain.ReconcileOutOfSync
	case domain.ReconcileProgressing:
		return domain.ReconcileProgressing
	case domain.ReconcileDegraded:
		return domain.ReconcileDegraded
	case domain.ReconcileError:
		return domain.ReconcileError
	default:
		return domain.ReconcileUnknown
	}
}
