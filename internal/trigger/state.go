package trigger

import (
	"context"
	"strconv"
	"time"

	"github.com/beatrix-ha/beatrix/internal/hub"
)

// HandleEvent routes one hub state_changed event to the state-regex and
// state-range sources. Exported so tests can drive it without a live hub
// event stream.
func (e *Engine) HandleEvent(ctx context.Context, evt hub.Event) {
	if evt.Data.NewState == nil {
		return
	}
	now := e.now()
	e.matchStateRegex(evt.Data.EntityID, evt.Data.NewState.State, now)
	e.updateStateRange(evt.Data.EntityID, evt.Data.NewState.State, now)
}

// matchStateRegex fires every alive state signal whose entity list contains
// entityID and whose regex matches the new state value. Matching is
// unanchored/partial: regexp.MatchString already behaves this way unless
// the pattern itself anchors with ^$.
func (e *Engine) matchStateRegex(entityID, newState string, now time.Time) {
	e.mu.Lock()
	var due []*trackedState
	for _, t := range e.states {
		if _, ok := t.entityIDs[entityID]; !ok {
			continue
		}
		if t.regex.MatchString(newState) {
			due = append(due, t)
		}
	}
	e.mu.Unlock()

	for _, t := range due {
		e.emit(t.sig, now)
	}
}

// updateStateRange tracks continuous residency in [min,max] per signal,
// re-arming only when the state leaves the range.
func (e *Engine) updateStateRange(entityID, newState string, now time.Time) {
	value, err := strconv.ParseFloat(newState, 64)
	hasValue := err == nil

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.ranges {
		if r.data.EntityID != entityID {
			continue
		}
		if !hasValue || !r.inRange(value) {
			r.enteredAt = nil
			r.fired = false
			continue
		}
		if r.enteredAt == nil {
			t := now
			r.enteredAt = &t
		}
	}
}

// seedRanges initializes residency tracking from a fetched state snapshot,
// so a value already inside [min,max] before startup counts toward
// forSeconds instead of requiring a fresh state-changed event.
func (e *Engine) seedRanges(ctx context.Context) {
	states, err := e.hub.FetchStates(ctx)
	if err != nil {
		e.logger.Warn("trigger: seed ranges: fetch states failed", "error", err)
		return
	}
	now := e.now()
	byEntity := make(map[string]string, len(states))
	for _, s := range states {
		byEntity[s.EntityID] = s.State
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.ranges {
		state, ok := byEntity[r.data.EntityID]
		if !ok {
			continue
		}
		value, err := strconv.ParseFloat(state, 64)
		if err != nil || !r.inRange(value) {
			continue
		}
		t := now
		r.enteredAt = &t
	}
}
