// Package pressure implements the cascade: the single-writer state
// machine that reduces per-source pressure signals to one global system
// state and drives load shedding.
//
// Signals arrive on bounded per-source queues that drop the oldest entry
// under overflow; losing a signal is safe because levels are re-derived
// from the latest signal per source on every evaluation. Escalation uses
// a hold time so one spike never degrades the system, and recovery uses a
// lower threshold than escalation so the state cannot flap around a
// boundary.
package pressure

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	rootcfg "github.com/xtxerr/capstore/config"
	"github.com/xtxerr/capstore/internal/errors"
	"github.com/xtxerr/capstore/internal/logging"
	"github.com/xtxerr/capstore/internal/storage/config"
	"github.com/xtxerr/capstore/internal/storage/types"
)

// Action is a control decision attached to a state transition.
type Action int

const (
	// ActionReduceRate asks the capture producer to slow down.
	ActionReduceRate Action = iota
	// ActionDropNonCritical suspends the non-critical storage classes.
	ActionDropNonCritical
	// ActionEmergencySave persists an index snapshot while the system can
	// still write.
	ActionEmergencySave
	// ActionResumeNormal lifts all shedding.
	ActionResumeNormal
)

// String returns the string representation of the action.
func (a Action) String() string {
	switch a {
	case ActionReduceRate:
		return "reduce_rate"
	case ActionDropNonCritical:
		return "drop_non_critical"
	case ActionEmergencySave:
		return "emergency_save"
	case ActionResumeNormal:
		return "resume_normal"
	default:
		return "unknown"
	}
}

// RateController receives rate decisions for the capture producer.
type RateController interface {
	ReduceRate(factor float64)
	ResumeNormalRate()
}

// ControlNotifier receives state transitions and their actions. The
// callback runs on the cascade goroutine and must not block.
type ControlNotifier interface {
	PressureStateChanged(tr types.StateTransition, actions []Action)
}

// signalQueue is a bounded per-source queue that drops the oldest signal
// on overflow.
type signalQueue struct {
	mu      sync.Mutex
	buf     []types.PressureSignal
	cap     int
	dropped int64
}

func newSignalQueue(capacity int) *signalQueue {
	return &signalQueue{cap: capacity}
}

func (q *signalQueue) offer(sig types.PressureSignal) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.buf) >= q.cap {
		q.buf = q.buf[1:]
		q.dropped++
	}
	q.buf = append(q.buf, sig)
}

func (q *signalQueue) drain() []types.PressureSignal {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.buf
	q.buf = nil
	return out
}

// Stats holds cascade statistics.
type Stats struct {
	State          types.SystemState
	Overlay        types.Overlay
	Transitions    int64
	SignalsDropped int64
	HoldTicks      int
	WorstMetric    float64
}

// Cascade is the pressure state machine. All state mutation happens on
// the run goroutine; Offer and the setters only touch their own locks.
type Cascade struct {
	mu  sync.Mutex
	cfg config.PressureConfig

	queues map[types.PressureSource]*signalQueue
	wake   chan struct{}

	state     types.SystemState
	overlay   types.Overlay
	latest    map[types.PressureSource]types.PressureSignal
	holdTicks int
	history   []types.StateTransition

	rate     RateController
	notifier ControlNotifier

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger *slog.Logger

	transitions atomic.Int64
}

const signalQueueCap = 16

// NewCascade creates a cascade in the INIT state.
func NewCascade(cfg config.PressureConfig) *Cascade {
	c := &Cascade{
		cfg:    cfg,
		queues: make(map[types.PressureSource]*signalQueue),
		wake:   make(chan struct{}, 1),
		state:  types.StateInit,
		latest: make(map[types.PressureSource]types.PressureSignal),
		logger: logging.Component("pressure"),
	}
	for _, src := range types.AllSources() {
		c.queues[src] = newSignalQueue(signalQueueCap)
	}
	return c
}

// SetRateController installs the capture rate collaborator.
func (c *Cascade) SetRateController(r RateController) {
	c.mu.Lock()
	c.rate = r
	c.mu.Unlock()
}

// SetNotifier installs the control notifier.
func (c *Cascade) SetNotifier(n ControlNotifier) {
	c.mu.Lock()
	c.notifier = n
	c.mu.Unlock()
}

// Start completes warm-up and launches the evaluation loop.
func (c *Cascade) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	ctx, c.cancel = context.WithCancel(ctx)

	c.mu.Lock()
	c.transition(types.StateNormal, "warm-up complete")
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop moves the cascade to SHUTTING_DOWN and halts the loop.
func (c *Cascade) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return errors.ErrNotRunning
	}

	c.mu.Lock()
	c.transition(types.StateShuttingDown, "stop requested")
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

// Offer delivers a signal without blocking. Safe from any goroutine.
func (c *Cascade) Offer(sig types.PressureSignal) {
	q, ok := c.queues[sig.Source]
	if !ok {
		return
	}
	q.offer(sig)

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// SetOverlay enters an overlay state. Any active overlay freezes pressure
// evaluation until cleared; AWS lifecycle notices additionally request an
// emergency save on entry.
func (c *Cascade) SetOverlay(o types.Overlay) {
	c.mu.Lock()
	prev := c.overlay
	c.overlay = o
	state := c.state
	notifier := c.notifier
	c.mu.Unlock()

	if prev == o {
		return
	}
	c.logger.Warn("overlay changed", "from", prev, "to", o)

	if o == types.OverlayAWSLifecycle && notifier != nil {
		notifier.PressureStateChanged(types.StateTransition{
			From:      state,
			To:        state,
			Reason:    "aws lifecycle notice",
			Timestamp: time.Now(),
		}, []Action{ActionEmergencySave})
	}
}

// Overlay returns the active overlay.
func (c *Cascade) Overlay() types.Overlay {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlay
}

// State returns the current system state.
func (c *Cascade) State() types.SystemState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns the retained transitions, oldest first.
func (c *Cascade) History() []types.StateTransition {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.StateTransition, len(c.history))
	copy(out, c.history)
	return out
}

// UpdateThresholds applies validated threshold changes atomically.
func (c *Cascade) UpdateThresholds(escalation, recovery float64, holdTicks int) {
	c.mu.Lock()
	c.cfg.EscalationThreshold = escalation
	c.cfg.RecoveryThreshold = recovery
	c.cfg.HoldTimeTicks = holdTicks
	c.mu.Unlock()

	c.logger.Info("pressure thresholds updated",
		"escalation", escalation,
		"recovery", recovery,
		"hold_time_ticks", holdTicks,
	)
}

func (c *Cascade) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			c.absorb()
			c.evaluate(false)
		case <-ticker.C:
			c.absorb()
			c.evaluate(true)
		}
	}
}

// absorb folds queued signals into the latest-per-source view.
func (c *Cascade) absorb() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for src, q := range c.queues {
		for _, sig := range q.drain() {
			c.latest[src] = sig
		}
	}
}

// worstLocked performs the worst-of reduction across sources.
func (c *Cascade) worstLocked() (types.PressureLevel, float64) {
	level := types.LevelNormal
	var metric float64
	for _, sig := range c.latest {
		if sig.Level > level {
			level = sig.Level
		}
		if sig.Metric > metric {
			metric = sig.Metric
		}
	}
	return level, metric
}

// evaluate advances the state machine. tick marks hold-time progress; the
// signal-driven path never counts toward sustained-pressure escalation.
func (c *Cascade) evaluate(tick bool) {
	c.mu.Lock()

	// Any active overlay preempts evaluation. The state is preserved, not
	// erased; evaluation resumes from it when the overlay clears.
	if c.state == types.StateShuttingDown || c.overlay != types.OverlayNone {
		c.mu.Unlock()
		return
	}

	level, metric := c.worstLocked()

	switch c.state {
	case types.StateNormal:
		switch level {
		case types.LevelElevated:
			c.holdTicks = 0
			c.transition(types.StatePressure, reason("elevated pressure", metric))
		case types.LevelCritical:
			c.holdTicks = 0
			if metric >= c.cfg.SecondaryThreshold {
				c.transition(types.StateCritical, reason("secondary threshold breached", metric))
			} else {
				c.transition(types.StateDegraded, reason("critical pressure", metric))
			}
		}

	case types.StatePressure:
		switch {
		case level == types.LevelCritical:
			if metric >= c.cfg.SecondaryThreshold {
				c.transition(types.StateCritical, reason("secondary threshold breached", metric))
			} else {
				c.transition(types.StateDegraded, reason("critical pressure", metric))
			}
			c.holdTicks = 0
		case level == types.LevelNormal && metric < c.cfg.RecoveryThreshold:
			c.holdTicks = 0
			c.transition(types.StateNormal, reason("pressure recovered", metric))
		case tick && metric >= c.cfg.EscalationThreshold:
			c.holdTicks++
			if c.holdTicks >= c.cfg.HoldTimeTicks {
				c.transition(types.StateDegraded, reason("sustained pressure", metric))
				c.holdTicks = 0
			}
		case tick:
			c.holdTicks = 0
		}

	case types.StateDegraded:
		switch {
		case level == types.LevelCritical && metric >= c.cfg.SecondaryThreshold:
			c.transition(types.StateCritical, reason("secondary threshold breached", metric))
		case level == types.LevelNormal && metric < c.cfg.RecoveryThreshold:
			c.transition(types.StateNormal, reason("pressure recovered", metric))
		}

	case types.StateCritical:
		if level < types.LevelCritical {
			c.transition(types.StateDegraded, reason("critical pressure eased", metric))
		}
	}

	c.mu.Unlock()
}

func reason(what string, metric float64) string {
	return fmt.Sprintf("%s (metric %.2f)", what, metric)
}

// transition records and announces a state change. Caller holds c.mu.
func (c *Cascade) transition(to types.SystemState, why string) {
	if c.state == to {
		return
	}

	tr := types.StateTransition{
		From:      c.state,
		To:        to,
		Reason:    why,
		Timestamp: time.Now(),
	}
	c.state = to

	c.history = append(c.history, tr)
	if len(c.history) > rootcfg.DefaultTransitionHistory {
		c.history = c.history[1:]
	}
	c.transitions.Add(1)

	actions := c.actionsFor(tr)
	rate := c.rate
	notifier := c.notifier

	c.logger.Warn("pressure state changed",
		"from", tr.From,
		"to", tr.To,
		"reason", tr.Reason,
		"actions", actionNames(actions),
	)

	// Announce outside the critical decisions but still on the cascade
	// goroutine; callbacks must not block.
	if rate != nil {
		for _, a := range actions {
			switch a {
			case ActionReduceRate:
				rate.ReduceRate(c.cfg.ReduceRateFactor)
			case ActionResumeNormal:
				rate.ResumeNormalRate()
			}
		}
	}
	if notifier != nil {
		notifier.PressureStateChanged(tr, actions)
	}
}

func (c *Cascade) actionsFor(tr types.StateTransition) []Action {
	var actions []Action
	switch tr.To {
	case types.StatePressure:
		actions = append(actions, ActionReduceRate)
	case types.StateDegraded:
		if tr.From < types.StateDegraded {
			actions = append(actions, ActionReduceRate, ActionDropNonCritical)
		}
	case types.StateCritical:
		actions = append(actions, ActionDropNonCritical, ActionEmergencySave)
	case types.StateNormal:
		if tr.From > types.StateNormal {
			actions = append(actions, ActionResumeNormal)
		}
	}
	return actions
}

func actionNames(actions []Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.String()
	}
	return out
}

// Stats returns cascade statistics.
func (c *Cascade) Stats() Stats {
	c.mu.Lock()
	_, metric := c.worstLocked()
	s := Stats{
		State:       c.state,
		Overlay:     c.overlay,
		HoldTicks:   c.holdTicks,
		WorstMetric: metric,
	}
	c.mu.Unlock()

	s.Transitions = c.transitions.Load()
	for _, q := range c.queues {
		q.mu.Lock()
		s.SignalsDropped += q.dropped
		q.mu.Unlock()
	}
	return s
}
