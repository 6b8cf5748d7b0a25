package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/beatrix-ha/beatrix/internal/hub"
	"github.com/beatrix-ha/beatrix/internal/model"
	"github.com/beatrix-ha/beatrix/internal/store"
)

func TestCronFiresTwelveTimesOverTwentyFourHours(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	ctx := context.Background()
	st := store.NewMemoryStore()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, loc)
	if _, err := st.InsertSignal(ctx, "h1", model.KindCron, model.CronData{Expr: "0 */2 * * *"}); err != nil {
		t.Fatalf("InsertSignal: %v", err)
	}

	cur := start
	// A long tick interval keeps the background poll loop quiet; the test
	// drives every evaluation through Tick with its own stepped clock.
	e := New(st, hub.NewMockHub(nil, nil), WithNow(func() time.Time { return cur }), WithTimezone(loc), WithTickInterval(time.Hour))
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var fires int
	done := make(chan struct{})
	go func() {
		for range e.Events() {
			fires++
		}
		close(done)
	}()

	for i := 0; i < 24*60; i++ {
		cur = cur.Add(time.Minute)
		e.Tick(ctx, cur)
	}
	// Drain asynchronously emitted events before counting.
	time.Sleep(50 * time.Millisecond)

	if fires != 12 {
		t.Fatalf("fires=%d want 12", fires)
	}
}

func TestAbsoluteOneShotFiresOnceOnCatchUp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	cur := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fireAt := cur.Add(50 * time.Millisecond)
	_, err := st.InsertSignal(ctx, "h1", model.KindTime, model.TimeData{ISO8601: fireAt.Format(time.RFC3339Nano)})
	if err != nil {
		t.Fatalf("InsertSignal: %v", err)
	}

	e := New(st, hub.NewMockHub(nil, nil), WithNow(func() time.Time { return cur }), WithTickInterval(time.Hour))
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var fires int
	done := make(chan struct{})
	go func() {
		for range e.Events() {
			fires++
		}
		close(done)
	}()

	cur = cur.Add(60 * time.Millisecond)
	e.Tick(ctx, cur)
	cur = cur.Add(time.Second)
	e.Tick(ctx, cur) // must not refire
	time.Sleep(20 * time.Millisecond)

	if fires != 1 {
		t.Fatalf("fires=%d want exactly 1", fires)
	}
}

func TestStateRegexUnanchoredMatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.InsertSignal(ctx, "h1", model.KindState, model.StateData{
		EntityIDs: []string{"binary_sensor.front_door"},
		Regex:     "open",
	})
	if err != nil {
		t.Fatalf("InsertSignal: %v", err)
	}
	e := New(st, hub.NewMockHub(nil, nil))
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var got []Fired
	done := make(chan struct{})
	go func() {
		for f := range e.Events() {
			got = append(got, f)
		}
		close(done)
	}()

	e.HandleEvent(ctx, hub.Event{Data: hub.EventData{
		EntityID: "binary_sensor.front_door",
		NewState: &hub.State{EntityID: "binary_sensor.front_door", State: "wide_open_now"},
	}})
	time.Sleep(20 * time.Millisecond)
	if len(got) != 1 {
		t.Fatalf("got %d fires, want 1 (unanchored partial match)", len(got))
	}
}

func TestStateRangeFiresOnceAfterForSeconds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	minV := 68.0
	maxV := 72.0
	_, err := st.InsertSignal(ctx, "h1", model.KindStateRange, model.StateRangeData{
		EntityID: "sensor.bedroom_temp", Min: &minV, Max: &maxV, ForSeconds: 10,
	})
	if err != nil {
		t.Fatalf("InsertSignal: %v", err)
	}
	cur := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := New(st, hub.NewMockHub(nil, nil), WithNow(func() time.Time { return cur }), WithTickInterval(time.Hour))
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var fires int
	done := make(chan struct{})
	go func() {
		for range e.Events() {
			fires++
		}
		close(done)
	}()

	e.HandleEvent(ctx, hub.Event{Data: hub.EventData{
		EntityID: "sensor.bedroom_temp",
		NewState: &hub.State{EntityID: "sensor.bedroom_temp", State: "70"},
	}})
	cur = cur.Add(5 * time.Second)
	e.Tick(ctx, cur)
	if fires != 0 {
		t.Fatalf("fired too early: fires=%d", fires)
	}
	cur = cur.Add(6 * time.Second)
	e.Tick(ctx, cur)
	time.Sleep(20 * time.Millisecond)
	if fires != 1 {
		t.Fatalf("fires=%d want 1", fires)
	}

	// Firing again without re-arming must not duplicate.
	cur = cur.Add(time.Second)
	e.Tick(ctx, cur)
	time.Sleep(20 * time.Millisecond)
	if fires != 1 {
		t.Fatalf("fires=%d want still 1 (no re-arm without leaving range)", fires)
	}
}
