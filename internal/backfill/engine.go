package backfill

import (
	"time"

	"github.com/wolfman30/waitlist-backfill/internal/messaging"
	"github.com/wolfman30/waitlist-backfill/internal/observability/metrics"
	"github.com/wolfman30/waitlist-backfill/internal/waitlist"
	"github.com/wolfman30/waitlist-backfill/pkg/logging"
)

// Deps wires the engine to its collaborators.
type Deps struct {
	Store    Store
	Waitlist waitlist.Registry
	Bookings BookingStore
	Gateway  messaging.Gateway
	Settings SettingsSource
	// Locker serializes per-slot work. Use a RedisLocker when more than one
	// engine instance shares the same stores.
	Locker  SlotLocker
	Clock   Clock
	Events  EventSink
	Metrics *metrics.BackfillMetrics
	Logger  *logging.Logger

	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Locker == nil {
		d.Locker = NewKeyedLocker()
	}
	if d.Clock == nil {
		d.Clock = SystemClock()
	}
	if d.Events == nil {
		d.Events = discardSink{}
	}
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	if d.RetryBaseDelay <= 0 {
		d.RetryBaseDelay = 30 * time.Second
	}
	if d.RetryMaxDelay <= 0 {
		d.RetryMaxDelay = 30 * time.Minute
	}
	if d.RetryMaxDelay < d.RetryBaseDelay {
		d.RetryMaxDelay = d.RetryBaseDelay
	}
	return d
}

// Engine bundles the components that make up the backfill engine.
type Engine struct {
	Manager      *OfferManager
	Arbiter      *Arbiter
	Orchestrator *Orchestrator
}

// NewEngine builds every component over one shared locker and clock and
// routes offer outcomes back to the orchestrator.
func NewEngine(deps Deps) *Engine {
	deps = deps.withDefaults()
	manager := NewOfferManager(deps)
	arbiter := NewArbiter(deps, manager)
	orchestrator := NewOrchestrator(deps, manager)
	manager.SetOutcomeHandler(orchestrator.HandleOutcome)
	return &Engine{Manager: manager, Arbiter: arbiter, Orchestrator: orchestrator}
}
