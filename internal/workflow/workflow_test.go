package workflow

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	xerrors "AgentPilot/internal/errors"
	"AgentPilot/internal/intent"
	"AgentPilot/internal/market"
	"AgentPilot/internal/plan"
)

func TestRepositorySaveDraftAndStatus(t *testing.T) {
	var snapshots [][]Workflow
	repo := NewRepository(WithRepositoryObserver(func(s []Workflow) { snapshots = append(snapshots, s) }))

	draft, err := repo.Save(plan.WorkflowDefinition{Name: "empty draft"})
	if err != nil {
		t.Fatalf("saving a draft must succeed: %v", err)
	}
	if draft.Status != StatusActive || draft.ID == "" {
		t.Fatalf("unexpected draft: %+v", draft)
	}
	if _, err := plan.NewBuilder().FromWorkflow(draft.Definition()); !plan.IsInvalidPlan(err) {
		t.Fatalf("running an empty draft must be rejected, got %v", err)
	}

	weekly, err := repo.Save(plan.WorkflowDefinition{
		Name:    "weekly dca",
		Steps:   []plan.StepSpec{{Kind: intent.KindSwap, Parameters: map[string]string{"amount": "50", "from": "USDC", "to": "ETH"}}},
		Trigger: plan.Trigger{Type: plan.TriggerTime, At: "09:00", Weekday: "monday"},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if weekly.Status != StatusScheduled {
		t.Fatalf("triggered workflow should be scheduled, got %s", weekly.Status)
	}

	paused, err := repo.SetStatus(weekly.ID, StatusPaused)
	if err != nil || paused.Status != StatusPaused {
		t.Fatalf("pause: %+v %v", paused, err)
	}
	// 保存已暂停的模板不会恢复其状态。
	again, err := repo.Save(weekly.Definition())
	if err != nil || again.Status != StatusPaused {
		t.Fatalf("resave: %+v %v", again, err)
	}

	if len(repo.List()) != 2 || len(snapshots) != 4 {
		t.Fatalf("list=%d snapshots=%d", len(repo.List()), len(snapshots))
	}
	if err := repo.Delete(draft.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.Get(draft.ID); !xerrors.HasCode(err, xerrors.CodeWorkflowNotFound) {
		t.Fatalf("expected WORKFLOW_NOT_FOUND, got %v", err)
	}
}

func TestRepositoryRejectsBadDefinitions(t *testing.T) {
	repo := NewRepository()
	cases := []plan.WorkflowDefinition{
		{Name: ""},
		{Name: "bad kind", Steps: []plan.StepSpec{{Kind: "FLY"}}},
		{Name: "bad trigger", Trigger: plan.Trigger{Type: plan.TriggerTime, Every: "soon"}},
		{Name: "bad condition", Trigger: plan.Trigger{Type: plan.TriggerThreshold, Condition: `price("ETH") +`}},
	}
	for _, def := range cases {
		if _, err := repo.Save(def); err == nil {
			t.Fatalf("%q: expected error", def.Name)
		}
	}
}

func TestCommandHistory(t *testing.T) {
	var persisted []string
	h := NewCommandHistory(3, func(items []string) { persisted = items })
	for _, text := range []string{"swap 1 ETH for USDC", "check balance", "  ", "swap 1 ETH for USDC", "bridge 5 USDC to base", "sentiment ETH"} {
		h.Add(text)
	}
	want := []string{"sentiment ETH", "bridge 5 USDC to base", "swap 1 ETH for USDC"}
	if got := h.Recent(0); !slices.Equal(got, want) {
		t.Fatalf("recent = %v, want %v", got, want)
	}
	if !slices.Equal(persisted, want) {
		t.Fatalf("observer saw %v", persisted)
	}
	if got := h.Suggest("SW", 5); !slices.Equal(got, []string{"swap 1 ETH for USDC"}) {
		t.Fatalf("suggest = %v", got)
	}
	if got := h.Recent(1); len(got) != 1 || got[0] != "sentiment ETH" {
		t.Fatalf("recent(1) = %v", got)
	}

	restored := NewCommandHistory(2)
	restored.Restore([]string{"a", "a", "b", "c"})
	if got := restored.Recent(0); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("restore = %v", got)
	}
}

func TestParseDefinitions(t *testing.T) {
	single := `
name: morning check
steps:
  - kind: CHECK
    parameters: {asset: ETH}
  - kind: SENTIMENT
    parameters: {asset: ETH}
    max_retries: 2
trigger:
  type: time
  at: "08:30"
`
	defs, err := ParseDefinitions([]byte(single))
	if err != nil || len(defs) != 1 {
		t.Fatalf("single: %v %v", defs, err)
	}
	if defs[0].Steps[1].MaxRetries == nil || *defs[0].Steps[1].MaxRetries != 2 || defs[0].Trigger.At != "08:30" {
		t.Fatalf("unexpected definition: %+v", defs[0])
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "workflows.yaml")
	multi := "workflows:\n  - name: a\n    steps: [{kind: CHECK}]\n  - name: b\n    steps: [{kind: SENTIMENT}]\n---\nname: c\nsteps: [{kind: ALERT}]\n"
	if err := os.WriteFile(path, []byte(multi), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	defs, err = LoadDefinitionFile(path)
	if err != nil || len(defs) != 3 || defs[2].Name != "c" {
		t.Fatalf("multi: %+v %v", defs, err)
	}
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestSchedulerTimeTriggers(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)} // 周一
	repo := NewRepository(WithRepositoryClock(clock.Now))
	every, _ := repo.Save(plan.WorkflowDefinition{
		Name: "hourly", Steps: []plan.StepSpec{{Kind: intent.KindCheck}},
		Trigger: plan.Trigger{Type: plan.TriggerTime, Every: "1h"},
	})
	weekly, _ := repo.Save(plan.WorkflowDefinition{
		Name: "monday", Steps: []plan.StepSpec{{Kind: intent.KindCheck}},
		Trigger: plan.Trigger{Type: plan.TriggerTime, At: "09:00", Weekday: "monday"},
	})
	paused, _ := repo.Save(plan.WorkflowDefinition{
		Name: "paused", Steps: []plan.StepSpec{{Kind: intent.KindCheck}},
		Trigger: plan.Trigger{Type: plan.TriggerTime, Every: "1m"},
	})
	if _, err := repo.SetStatus(paused.ID, StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := repo.SetStatus(every.ID, StatusActive); err != nil {
		t.Fatalf("activate: %v", err)
	}

	var submitted []string
	s := NewScheduler(repo, nil, func(_ context.Context, id string) error {
		submitted = append(submitted, id)
		return nil
	}, WithSchedulerClock(clock.Now))

	if fired := s.Tick(context.Background()); len(fired) != 0 {
		t.Fatalf("nothing is due yet, fired %v", fired)
	}

	clock.now = clock.now.Add(65 * time.Minute) // 09:05
	fired := s.Tick(context.Background())
	slices.Sort(fired)
	want := []string{every.ID, weekly.ID}
	slices.Sort(want)
	if !slices.Equal(fired, want) {
		t.Fatalf("fired %v, want %v", fired, want)
	}

	clock.now = clock.now.Add(10 * time.Minute)
	if fired := s.Tick(context.Background()); len(fired) != 0 {
		t.Fatalf("nothing should fire twice, got %v", fired)
	}
	if len(submitted) != 2 {
		t.Fatalf("submitted %v", submitted)
	}
}

func TestSchedulerThresholdFiresOnRisingEdge(t *testing.T) {
	prices := market.NewTable(map[string]float64{"ETH": 2900})
	repo := NewRepository()
	wf, err := repo.Save(plan.WorkflowDefinition{
		Name:    "eth breakout",
		Steps:   []plan.StepSpec{{Kind: intent.KindAlert, Parameters: map[string]string{"asset": "ETH"}}},
		Trigger: plan.Trigger{Type: plan.TriggerThreshold, Condition: `price("ETH") > 3000`},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	count := 0
	s := NewScheduler(repo, prices, func(context.Context, string) error { count++; return nil })

	s.Tick(context.Background())
	prices.Set("ETH", 3100)
	if fired := s.Tick(context.Background()); len(fired) != 1 || fired[0] != wf.ID {
		t.Fatalf("expected breakout to fire, got %v", fired)
	}
	s.Tick(context.Background())
	prices.Set("ETH", 2800)
	s.Tick(context.Background())
	prices.Set("ETH", 3200)
	s.Tick(context.Background())
	if count != 2 {
		t.Fatalf("expected two rising edges, got %d", count)
	}
}
