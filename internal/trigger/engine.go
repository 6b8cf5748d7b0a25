// Package trigger fans a persisted signal set out into one unified event
// stream, owning cron ticks, wall-clock timers, and state-regex/state-range
// matching against the hub's event stream.
package trigger

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/beatrix-ha/beatrix/internal/hub"
	"github.com/beatrix-ha/beatrix/internal/model"
	"github.com/beatrix-ha/beatrix/internal/store"
)

var cronParser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// Fired is one item on the engine's unified output stream.
type Fired struct {
	AutomationHash string
	Signal         *model.Signal
	FiredAt        time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger overrides the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithNow overrides the engine's clock (for deterministic tests).
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithTickInterval overrides the polling interval driving cron/timer/range
// checks (default 1s).
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tickInterval = d
		}
	}
}

// WithTimezone sets the timezone cron expressions are evaluated in.
func WithTimezone(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// Engine owns the fan-in of every signal kind into one Fired stream. It
// holds only a read handle to the signal store; the runtime owns starting
// it and reacting to its output.
type Engine struct {
	store store.Store
	hub   hub.Hub

	now          func() time.Time
	loc          *time.Location
	tickInterval time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	crons  map[string]*trackedCron
	timers map[string]*trackedTimer
	states map[string]*trackedState
	ranges map[string]*trackedRange

	out chan Fired
}

// New creates an Engine over store and hub.
func New(st store.Store, h hub.Hub, opts ...Option) *Engine {
	e := &Engine{
		store:        st,
		hub:          h,
		now:          time.Now,
		loc:          time.Local,
		tickInterval: time.Second,
		logger:       slog.Default(),
		crons:        make(map[string]*trackedCron),
		timers:       make(map[string]*trackedTimer),
		states:       make(map[string]*trackedState),
		ranges:       make(map[string]*trackedRange),
		out:          make(chan Fired, 64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Events returns the engine's unified output stream.
func (e *Engine) Events() <-chan Fired {
	return e.out
}

// Start reconstitutes every alive signal from the store, then drives the
// poll loop and hub event subscription until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	signals, err := e.store.AliveSignals(ctx)
	if err != nil {
		return err
	}
	now := e.now()
	for _, sig := range signals {
		e.track(sig, now)
	}
	e.seedRanges(ctx)
	// Catch-up: any one-shot timer whose deadline already passed fires
	// immediately; missed cron ticks are intentionally not backfilled.
	e.Tick(ctx, now)

	go e.pollLoop(ctx)
	go e.subscribeLoop(ctx)
	return nil
}

// pollLoop drives cron/timer/range evaluation at tickInterval. Deadlines are
// stored as absolute wall-clock times rather than monotonic offsets, so a
// detected time jump (system clock stepped, e.g. after suspend) needs no
// special recomputation: the next Tick simply compares the new now() against
// the same absolute deadlines.
func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	last := e.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := e.now()
			if jump := now.Sub(last) - e.tickInterval; jump > 30*time.Second || jump < -30*time.Second {
				e.logger.Warn("trigger: detected time jump", "delta", now.Sub(last))
			}
			last = now
			e.Tick(ctx, now)
		}
	}
}

func (e *Engine) subscribeLoop(ctx context.Context) {
	events, err := e.hub.Events(ctx)
	if err != nil {
		e.logger.Error("trigger: subscribe to hub events failed", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			e.HandleEvent(ctx, evt)
		}
	}
}

// AddSignal begins tracking a newly inserted signal without waiting for a
// restart (the runtime calls this immediately after a scheduling pass
// persists a new trigger).
func (e *Engine) AddSignal(sig *model.Signal) {
	e.track(sig, e.now())
}

// RemoveSignal stops tracking one signal id, e.g. after cancel-all or a
// one-shot's atomic kill-and-log commits.
func (e *Engine) RemoveSignal(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.crons, id)
	delete(e.timers, id)
	delete(e.states, id)
	delete(e.ranges, id)
}

// RemoveHash stops tracking every signal for an automation hash, e.g. when
// the notebook file is removed or its content hash changes.
func (e *Engine) RemoveHash(hash string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.crons {
		if t.sig.AutomationHash == hash {
			delete(e.crons, id)
		}
	}
	for id, t := range e.timers {
		if t.sig.AutomationHash == hash {
			delete(e.timers, id)
		}
	}
	for id, t := range e.states {
		if t.sig.AutomationHash == hash {
			delete(e.states, id)
		}
	}
	for id, t := range e.ranges {
		if t.sig.AutomationHash == hash {
			delete(e.ranges, id)
		}
	}
}

func (e *Engine) track(sig *model.Signal, now time.Time) {
	switch sig.Kind {
	case model.KindCron:
		var data model.CronData
		if err := json.Unmarshal(sig.Data, &data); err != nil {
			e.logger.Warn("trigger: bad cron signal data", "id", sig.ID, "error", err)
			return
		}
		schedule, err := cronParser.Parse(data.Expr)
		if err != nil {
			e.logger.Warn("trigger: bad cron expression", "id", sig.ID, "expr", data.Expr, "error", err)
			return
		}
		e.mu.Lock()
		e.crons[sig.ID] = &trackedCron{sig: sig, schedule: schedule, next: schedule.Next(now.In(e.loc))}
		e.mu.Unlock()

	case model.KindTime:
		var data model.TimeData
		if err := json.Unmarshal(sig.Data, &data); err != nil {
			e.logger.Warn("trigger: bad time signal data", "id", sig.ID, "error", err)
			return
		}
		deadline, err := time.Parse(time.RFC3339, data.ISO8601)
		if err != nil {
			e.logger.Warn("trigger: bad time signal instant", "id", sig.ID, "error", err)
			return
		}
		e.mu.Lock()
		e.timers[sig.ID] = &trackedTimer{sig: sig, deadline: deadline}
		e.mu.Unlock()

	case model.KindOffset:
		var data model.OffsetData
		if err := json.Unmarshal(sig.Data, &data); err != nil {
			e.logger.Warn("trigger: bad offset signal data", "id", sig.ID, "error", err)
			return
		}
		deadline := data.Anchor.Add(time.Duration(data.OffsetSeconds) * time.Second)
		e.mu.Lock()
		e.timers[sig.ID] = &trackedTimer{
			sig:           sig,
			deadline:      deadline,
			repeatForever: data.RepeatForever,
			offset:        time.Duration(data.OffsetSeconds) * time.Second,
		}
		e.mu.Unlock()

	case model.KindState:
		var data model.StateData
		if err := json.Unmarshal(sig.Data, &data); err != nil {
			e.logger.Warn("trigger: bad state signal data", "id", sig.ID, "error", err)
			return
		}
		re, err := regexp.Compile(data.Regex)
		if err != nil {
			e.logger.Warn("trigger: bad state regex", "id", sig.ID, "error", err)
			return
		}
		entityIDs := make(map[string]struct{}, len(data.EntityIDs))
		for _, id := range data.EntityIDs {
			entityIDs[id] = struct{}{}
		}
		e.mu.Lock()
		e.states[sig.ID] = &trackedState{sig: sig, entityIDs: entityIDs, regex: re}
		e.mu.Unlock()

	case model.KindStateRange:
		var data model.StateRangeData
		if err := json.Unmarshal(sig.Data, &data); err != nil {
			e.logger.Warn("trigger: bad state-range signal data", "id", sig.ID, "error", err)
			return
		}
		e.mu.Lock()
		e.ranges[sig.ID] = &trackedRange{sig: sig, data: data}
		e.mu.Unlock()
	}
}

// emit pushes a Fired event, dropping it (with a log line) rather than
// blocking forever if the consumer has stalled and the buffer is full.
func (e *Engine) emit(sig *model.Signal, firedAt time.Time) {
	select {
	case e.out <- Fired{AutomationHash: sig.AutomationHash, Signal: sig, FiredAt: firedAt}:
	default:
		e.logger.Warn("trigger: output buffer full, dropping fired event", "signal", sig.ID)
	}
}
