// Package strategy implements the strategy registry and runtime: a set of
// polymorphic, stateful strategy instances dispatched against the event
// stream under a cooperative time budget.
package strategy

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	terrors "github.com/atlas-desktop/trading-backend/internal/errors"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// dispatchRateLimit and dispatchBurst cap how often any single strategy
// can be handed an event, independent of the per-call wall-clock budget:
// the wall-clock budget bounds how long one call may run, this bounds how
// many calls a bursty stream can schedule against one strategy per
// second, so a single noisy token can't starve the others sharing the
// dispatch loop.
const (
	dispatchRateLimit rate.Limit = 500
	dispatchBurst                = 50
)

// Strategy is the capability set every strategy variant implements:
// initialize from typed parameters, declare subscriptions, react to one
// event at a time, and expose a snapshot of internal state for
// observability. Implementations must be deterministic given their event
// stream — no wall-clock reads outside the event's own Timestamp, no
// external I/O.
type Strategy interface {
	ID() string
	Subscriptions() map[types.EventType]struct{}
	Init(params json.RawMessage) error
	OnEvent(event types.MarketEvent) (types.StrategyAction, error)
	SnapshotState() map[string]any
}

// Factory constructs a fresh, uninitialized Strategy instance.
type Factory func() Strategy

// Action pairs a non-Hold action with the strategy that produced it.
type Action struct {
	StrategyID string
	Action     types.StrategyAction
}

type entry struct {
	instance      Strategy
	subscriptions map[types.EventType]struct{}
	limiter       *rate.Limiter

	paused     bool
	violations []time.Time
}

// Registry holds registered strategy instances and dispatches events to
// them under a per-call time budget, pausing strategies that repeatedly
// blow it.
type Registry struct {
	mu     sync.RWMutex
	logger *zap.Logger

	timeBudget      time.Duration
	violationWindow time.Duration
	maxViolations   int

	entries map[string]*entry
	order   []string // registration order, for stable List()/status output
}

// NewRegistry creates a Registry with the default 50ms dispatch budget and
// a pause threshold of 3 violations within a 5-minute rolling window.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:          logger,
		timeBudget:      50 * time.Millisecond,
		violationWindow: 5 * time.Minute,
		maxViolations:   3,
		entries:         make(map[string]*entry),
	}
}

// Register installs a strategy under id, idempotently: a second call with
// the same id is a no-op. mode governs init-failure handling: in live mode
// an init error evicts the strategy (Register returns the tagged error and
// nothing is installed); in paper mode the strategy is installed anyway so
// simulated trading can still exercise it, with the failure only logged.
func (r *Registry) Register(id string, factory Factory, params json.RawMessage, mode types.TradeMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return nil
	}

	inst := factory()
	if err := inst.Init(params); err != nil {
		r.logger.Warn("strategy init failed",
			zap.String("strategy", id), zap.String("mode", string(mode)), zap.Error(err))
		if mode == types.ModeLive {
			return terrors.New(terrors.KindStrategy, "init:"+id, err)
		}
	}

	r.entries[id] = &entry{
		instance:      inst,
		subscriptions: inst.Subscriptions(),
		limiter:       rate.NewLimiter(dispatchRateLimit, dispatchBurst),
	}
	r.order = append(r.order, id)
	return nil
}

// Dispatch routes event to every registered, unpaused strategy subscribed
// to event.Type, running each under the registry's time budget, and
// returns the non-Hold actions collected from this round.
func (r *Registry) Dispatch(event types.MarketEvent) []Action {
	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.entries))
	for _, id := range r.order {
		e := r.entries[id]
		if e.paused {
			continue
		}
		if _, ok := e.subscriptions[event.Type]; ok {
			candidates = append(candidates, e)
		}
	}
	r.mu.RUnlock()

	out := make([]Action, 0, len(candidates))
	for _, e := range candidates {
		if !e.limiter.Allow() {
			r.logger.Debug("strategy dispatch budget exhausted, event dropped",
				zap.String("strategy", e.instance.ID()))
			continue
		}
		action, delivered := r.runWithBudget(e, event)
		if delivered && action.Kind != types.ActionHold {
			out = append(out, Action{StrategyID: e.instance.ID(), Action: action})
		}
	}
	return out
}

// runWithBudget runs one strategy's OnEvent on its own goroutine and
// enforces the cooperative time budget with a select/timeout. A strategy
// that blows its budget keeps running in the abandoned goroutine — its
// state may still mutate after the timeout fires — but its action for
// this round is discarded and the violation is recorded.
func (r *Registry) runWithBudget(e *entry, event types.MarketEvent) (types.StrategyAction, bool) {
	type result struct {
		action types.StrategyAction
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		action, err := e.instance.OnEvent(event)
		ch <- result{action: action, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			r.logger.Warn("strategy on_event error, treating as hold",
				zap.String("strategy", e.instance.ID()), zap.Error(res.err))
			return types.Hold(), true
		}
		return res.action, true
	case <-time.After(r.timeBudget):
		r.recordViolation(e)
		r.logger.Warn("strategy exceeded dispatch time budget, action discarded",
			zap.String("strategy", e.instance.ID()), zap.Duration("budget", r.timeBudget))
		return types.StrategyAction{}, false
	}
}

func (r *Registry) recordViolation(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.violationWindow)
	kept := e.violations[:0]
	for _, t := range e.violations {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.violations = append(kept, now)

	if len(e.violations) >= r.maxViolations && !e.paused {
		e.paused = true
		r.logger.Error("strategy paused after repeated time-budget violations",
			zap.String("strategy", e.instance.ID()), zap.Int("violations", len(e.violations)))
	}
}

// Resume clears a strategy's paused state and violation history, for
// operator use after investigating a slow strategy.
func (r *Registry) Resume(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("strategy %q not registered", id)
	}
	e.paused = false
	e.violations = nil
	return nil
}

// List returns the registered strategy IDs in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// StatusEntry is a status snapshot for one registered strategy.
type StatusEntry struct {
	ID         string         `json:"id"`
	Paused     bool           `json:"paused"`
	Violations int            `json:"violations_in_window"`
	State      map[string]any `json:"state"`
}

// Status returns a snapshot of every registered strategy's runtime state.
func (r *Registry) Status() []StatusEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StatusEntry, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		out = append(out, StatusEntry{
			ID:         id,
			Paused:     e.paused,
			Violations: len(e.violations),
			State:      e.instance.SnapshotState(),
		})
	}
	return out
}
