package scheduling

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/beatrix-ha/beatrix/internal/model"
	"github.com/beatrix-ha/beatrix/internal/store"
)

func TestCreateCronTrigger(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()
	suite := &Suite{Store: st, AutomationHash: "h1"}
	reg := suite.Registry()

	res := reg.Call(context.Background(), "create-cron-trigger", json.RawMessage(`{"expr":"0 7 * * *"}`))
	if res.IsError {
		t.Fatalf("expected success, got error: %s", res.Output)
	}

	signals, err := st.AliveSignalsForHash(context.Background(), "h1")
	if err != nil {
		t.Fatalf("AliveSignalsForHash: %v", err)
	}
	if len(signals) != 1 || signals[0].Kind != model.KindCron {
		t.Fatalf("signals=%+v", signals)
	}
	var data model.CronData
	if err := json.Unmarshal(signals[0].Data, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if data.Expr != "0 7 * * *" {
		t.Fatalf("expr=%q", data.Expr)
	}
}

func TestCreateCronTriggerInvalidExprDoesNotInsert(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()
	suite := &Suite{Store: st, AutomationHash: "h1"}
	reg := suite.Registry()

	res := reg.Call(context.Background(), "create-cron-trigger", json.RawMessage(`{"expr":"not a cron"}`))
	if !res.IsError {
		t.Fatalf("expected validation error, got: %s", res.Output)
	}
	signals, _ := st.AliveSignalsForHash(context.Background(), "h1")
	if len(signals) != 0 {
		t.Fatalf("expected no signal inserted, got %d", len(signals))
	}
}

func TestCreateAbsoluteTimeTriggerRejectsPast(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	suite := &Suite{Store: st, AutomationHash: "h1", Now: func() time.Time { return fixedNow }}
	reg := suite.Registry()

	past := fixedNow.Add(-time.Hour).Format(time.RFC3339)
	res := reg.Call(context.Background(), "create-absolute-time-trigger", json.RawMessage(`{"iso8601":"`+past+`"}`))
	if !res.IsError {
		t.Fatalf("expected rejection for past instant, got: %s", res.Output)
	}

	future := fixedNow.Add(time.Hour).Format(time.RFC3339)
	res = reg.Call(context.Background(), "create-absolute-time-trigger", json.RawMessage(`{"iso8601":"`+future+`"}`))
	if res.IsError {
		t.Fatalf("expected success for future instant, got: %s", res.Output)
	}
}

func TestCancelAllScheduledTriggers(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()
	suite := &Suite{Store: st, AutomationHash: "h1"}
	reg := suite.Registry()

	reg.Call(context.Background(), "create-cron-trigger", json.RawMessage(`{"expr":"* * * * *"}`))
	reg.Call(context.Background(), "cancel-all-scheduled-triggers", json.RawMessage(`{}`))

	signals, _ := st.AliveSignalsForHash(context.Background(), "h1")
	if len(signals) != 0 {
		t.Fatalf("expected all signals cancelled, got %d alive", len(signals))
	}
}

func TestCreateStateRegexTriggerWarnsOnUnknownEntity(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()
	suite := &Suite{
		Store:          st,
		AutomationHash: "h1",
		KnownEntities:  func(ctx context.Context) []string { return []string{"binary_sensor.front_door"} },
	}
	reg := suite.Registry()

	res := reg.Call(context.Background(), "create-state-regex-trigger",
		json.RawMessage(`{"entityIds":["binary_sensor.unknown"],"regex":"open"}`))
	if res.IsError {
		t.Fatalf("expected soft warning, not hard error: %s", res.Output)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(res.Output), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["warning"] == nil {
		t.Fatalf("expected warning field, got %s", res.Output)
	}
}
