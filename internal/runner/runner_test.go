package runner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"AgentPilot/internal/activity"
	"AgentPilot/internal/approval"
	"AgentPilot/internal/connector"
	xerrors "AgentPilot/internal/errors"
	"AgentPilot/internal/intent"
	"AgentPilot/internal/permission"
	"AgentPilot/internal/plan"
)

var fastDefaults = Defaults{
	ApprovalTimeout: time.Second,
	StepTimeout:     time.Second,
	BackoffInitial:  time.Millisecond,
	BackoffMax:      2 * time.Millisecond,
}

// scripted 按步骤 ID 返回预设结果，未配置的步骤成功。
type scripted struct {
	mu    sync.Mutex
	fail  map[string]int
	hooks map[string]func(ctx context.Context)
	calls []string
}

func newScripted() *scripted {
	return &scripted{fail: map[string]int{}, hooks: map[string]func(context.Context){}}
}

func (s *scripted) Execute(ctx context.Context, kind intent.Kind, params map[string]string) (connector.Result, error) {
	ref, _ := connector.StepFrom(ctx)
	s.mu.Lock()
	s.calls = append(s.calls, ref.StepID)
	hook := s.hooks[ref.StepID]
	remaining := s.fail[ref.StepID]
	if remaining > 0 {
		s.fail[ref.StepID] = remaining - 1
	}
	s.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	if remaining != 0 {
		return connector.Result{}, xerrors.New(xerrors.CodeConnectorFailure, "rpc unavailable")
	}
	return connector.Result{Success: true, Data: map[string]string{"tx_hash": "0x" + ref.StepID}}, nil
}

type approverFunc func(ctx context.Context, planID, stepID string) (bool, error)

func (f approverFunc) Await(ctx context.Context, planID, stepID string) (bool, error) {
	return f(ctx, planID, stepID)
}

func chain(t *testing.T, specs ...plan.StepSpec) *plan.Plan {
	t.Helper()
	p, err := plan.NewBuilder().FromWorkflow(plan.WorkflowDefinition{Name: "test", Steps: specs})
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	return p
}

func stepEntries(log *activity.Log, planID string, status plan.StepStatus) []activity.Entry {
	var out []activity.Entry
	for e := range log.List(activity.ForPlan(planID), activity.WithKinds(activity.KindStep)) {
		if e.Status == string(status) {
			out = append(out, e)
		}
	}
	return out
}

func statuses(p *plan.Plan) []plan.StepStatus {
	out := make([]plan.StepStatus, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Status
	}
	return out
}

func TestConnectorFailureAbortsChain(t *testing.T) {
	log := activity.New(100)
	conn := newScripted()
	conn.fail["step-2"] = -1
	r := New(permission.NewStore(nil), conn, WithRecorder(log), WithDefaults(fastDefaults))

	p := chain(t,
		plan.StepSpec{Kind: intent.KindCheck, Parameters: map[string]string{"asset": "ETH"}},
		plan.StepSpec{Kind: intent.KindSwap, Parameters: map[string]string{"amount": "0.1", "from": "ETH", "to": "USDC"}},
		plan.StepSpec{Kind: intent.KindSentiment, Parameters: map[string]string{"asset": "ETH"}},
	)
	out, err := r.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []plan.StepStatus{plan.StepCompleted, plan.StepFailed, plan.StepSkipped}
	if got := statuses(p); !slices.Equal(got, want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	if out.Status != plan.StatusAborted || p.Status != plan.StatusAborted {
		t.Fatalf("plan status = %s", out.Status)
	}
	if n := len(stepEntries(log, p.ID, plan.StepFailed)); n != 1 {
		t.Fatalf("failed entries = %d", n)
	}
	if n := len(stepEntries(log, p.ID, plan.StepSkipped)); n != 1 {
		t.Fatalf("skipped entries = %d", n)
	}
	if p.Steps[1].Code != string(xerrors.CodeConnectorFailure) {
		t.Fatalf("failed step code = %s", p.Steps[1].Code)
	}
	if slices.Contains(conn.calls, "step-3") {
		t.Fatalf("step-3 must not be dispatched")
	}
}

func TestLimitExceededBlocksThenSkips(t *testing.T) {
	log := activity.New(100)
	store := permission.NewStore(nil)
	if _, err := store.Set(permission.CapabilitySwap, permission.Update{Limit: &permission.Limit{Value: 100, Unit: "USD"}}); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	r := New(store, newScripted(), WithRecorder(log), WithDefaults(fastDefaults))

	p, err := plan.NewBuilder().FromIntent(intent.Classify("swap 500 USDC for ETH"), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	out, err := r.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if p.Steps[0].Status != plan.StepSkipped || p.Steps[0].Reason != "limit exceeded" {
		t.Fatalf("step = %+v", p.Steps[0])
	}
	if out.Status != plan.StatusCompleted {
		t.Fatalf("gate denial must not abort the plan, got %s", out.Status)
	}
	var denies []activity.Entry
	for e := range log.List(activity.WithKinds(activity.KindGate)) {
		if e.Decision == "DENY" {
			denies = append(denies, e)
		}
	}
	if len(denies) != 1 || denies[0].Reason != "limit exceeded" {
		t.Fatalf("gate entries = %+v", denies)
	}
	if n := len(stepEntries(log, p.ID, plan.StepBlocked)); n != 1 {
		t.Fatalf("expected blocked transition to be logged, got %d", n)
	}
}

func TestDisabledCapabilityNeverCompletes(t *testing.T) {
	store := permission.NewStore(nil)
	off := false
	if _, err := store.Set(permission.CapabilityRead, permission.Update{Enabled: &off}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	r := New(store, newScripted(), WithDefaults(fastDefaults))
	p := chain(t,
		plan.StepSpec{Kind: intent.KindSentiment},
		plan.StepSpec{Kind: intent.KindCheck},
		plan.StepSpec{Kind: intent.KindSentiment},
	)
	if _, err := r.Run(context.Background(), p); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []plan.StepStatus{plan.StepCompleted, plan.StepSkipped, plan.StepSkipped}
	if got := statuses(p); !slices.Equal(got, want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
}

func TestCancelBetweenSteps(t *testing.T) {
	log := activity.New(100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newScripted()
	var interrupted bool
	conn.hooks["step-1"] = func(callCtx context.Context) {
		cancel()
		time.Sleep(5 * time.Millisecond)
		interrupted = callCtx.Err() != nil
	}
	r := New(permission.NewStore(nil), conn, WithRecorder(log), WithDefaults(fastDefaults))
	p := chain(t,
		plan.StepSpec{Kind: intent.KindCheck},
		plan.StepSpec{Kind: intent.KindSentiment},
		plan.StepSpec{Kind: intent.KindCheck},
	)
	out, err := r.Run(ctx, p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if interrupted {
		t.Fatalf("running step must not observe cancellation")
	}
	want := []plan.StepStatus{plan.StepCompleted, plan.StepSkipped, plan.StepSkipped}
	if got := statuses(p); !slices.Equal(got, want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	if out.Status != plan.StatusCancelled {
		t.Fatalf("plan status = %s", out.Status)
	}
	for _, e := range stepEntries(log, p.ID, plan.StepRunning) {
		if e.Subject != "step-1" {
			t.Fatalf("%s was observed running after cancellation", e.Subject)
		}
	}
}

func TestRetriesWithBackoff(t *testing.T) {
	conn := newScripted()
	conn.fail["step-1"] = 2
	r := New(permission.NewStore(nil), conn, WithDefaults(fastDefaults))
	p := chain(t, plan.StepSpec{Kind: intent.KindCheck, MaxRetries: plan.Retries(2)})
	if _, err := r.Run(context.Background(), p); err != nil {
		t.Fatalf("run: %v", err)
	}
	if p.Steps[0].Status != plan.StepCompleted || p.Steps[0].Attempts != 3 {
		t.Fatalf("step = %+v", p.Steps[0])
	}

	conn.fail["step-1"] = 5
	p = chain(t, plan.StepSpec{Kind: intent.KindCheck, MaxRetries: plan.Retries(1)})
	if _, err := r.Run(context.Background(), p); err != nil {
		t.Fatalf("run: %v", err)
	}
	if p.Steps[0].Status != plan.StepFailed || p.Steps[0].Attempts != 2 {
		t.Fatalf("step = %+v", p.Steps[0])
	}
}

func TestStepTimeoutFails(t *testing.T) {
	slow := connector.Func(func(ctx context.Context, _ intent.Kind, _ map[string]string) (connector.Result, error) {
		<-ctx.Done()
		return connector.Result{}, ctx.Err()
	})
	r := New(permission.NewStore(nil), slow, WithDefaults(fastDefaults))
	p := chain(t, plan.StepSpec{Kind: intent.KindCheck, Timeout: "20ms"})
	out, err := r.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if p.Steps[0].Status != plan.StepFailed || p.Steps[0].Code != string(xerrors.CodeConnectorFailure) {
		t.Fatalf("step = %+v", p.Steps[0])
	}
	if out.Status != plan.StatusAborted {
		t.Fatalf("plan status = %s", out.Status)
	}
}

func TestApprovalFlow(t *testing.T) {
	sendStep := plan.StepSpec{Kind: intent.KindSend, Parameters: map[string]string{"amount": "10", "token": "USDC", "to": "alice.eth"}}

	t.Run("approved", func(t *testing.T) {
		broker := approval.NewBroker()
		broker.AddNotifier(func(req approval.Request) {
			go func() { _ = broker.Resolve(req.PlanID, req.StepID, true) }()
		})
		r := New(permission.NewStore(nil), newScripted(), WithApprover(broker), WithDefaults(fastDefaults))
		p := chain(t, sendStep)
		if _, err := r.Run(context.Background(), p); err != nil {
			t.Fatalf("run: %v", err)
		}
		if p.Steps[0].Status != plan.StepCompleted {
			t.Fatalf("step = %+v", p.Steps[0])
		}
	})

	t.Run("denied", func(t *testing.T) {
		broker := approval.NewBroker()
		broker.AddNotifier(func(req approval.Request) {
			go func() { _ = broker.Resolve(req.PlanID, req.StepID, false) }()
		})
		r := New(permission.NewStore(nil), newScripted(), WithApprover(broker), WithDefaults(fastDefaults))
		p := chain(t, sendStep, plan.StepSpec{Kind: intent.KindCheck})
		if _, err := r.Run(context.Background(), p); err != nil {
			t.Fatalf("run: %v", err)
		}
		if got := statuses(p); !slices.Equal(got, []plan.StepStatus{plan.StepSkipped, plan.StepSkipped}) {
			t.Fatalf("statuses = %v", got)
		}
		if p.Steps[0].Code != string(xerrors.CodeApprovalDenied) {
			t.Fatalf("code = %s", p.Steps[0].Code)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		defaults := fastDefaults
		defaults.ApprovalTimeout = 20 * time.Millisecond
		r := New(permission.NewStore(nil), newScripted(), WithApprover(approval.NewBroker()), WithDefaults(defaults))
		p := chain(t, sendStep)
		out, err := r.Run(context.Background(), p)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if p.Steps[0].Status != plan.StepSkipped || p.Steps[0].Code != string(xerrors.CodeApprovalTimeout) {
			t.Fatalf("step = %+v", p.Steps[0])
		}
		if out.Status != plan.StatusCompleted {
			t.Fatalf("approval timeout must not abort, got %s", out.Status)
		}
	})

	t.Run("cancelled as approved", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		approve := approverFunc(func(context.Context, string, string) (bool, error) {
			cancel()
			return true, nil
		})
		conn := newScripted()
		r := New(permission.NewStore(nil), conn, WithApprover(approve), WithDefaults(fastDefaults))
		p := chain(t, sendStep, plan.StepSpec{Kind: intent.KindCheck})
		out, err := r.Run(ctx, p)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if len(conn.calls) != 0 {
			t.Fatalf("connector must not run after cancellation, calls = %v", conn.calls)
		}
		if got := statuses(p); !slices.Equal(got, []plan.StepStatus{plan.StepSkipped, plan.StepSkipped}) {
			t.Fatalf("statuses = %v", got)
		}
		if p.Steps[0].Code != string(xerrors.CodePlanCancelled) || out.Status != plan.StatusCancelled {
			t.Fatalf("step = %+v, plan = %s", p.Steps[0], out.Status)
		}
	})

	t.Run("disabled while waiting", func(t *testing.T) {
		store := permission.NewStore(nil)
		broker := approval.NewBroker()
		broker.AddNotifier(func(req approval.Request) {
			off := false
			_, _ = store.Set(permission.CapabilitySend, permission.Update{Enabled: &off})
			go func() { _ = broker.Resolve(req.PlanID, req.StepID, true) }()
		})
		r := New(store, newScripted(), WithApprover(broker), WithDefaults(fastDefaults))
		p := chain(t, sendStep)
		if _, err := r.Run(context.Background(), p); err != nil {
			t.Fatalf("run: %v", err)
		}
		if p.Steps[0].Status != plan.StepSkipped || p.Steps[0].Reason != "capability disabled" {
			t.Fatalf("step = %+v", p.Steps[0])
		}
	})
}

func TestNoStepRunsBeforeDependencies(t *testing.T) {
	var violations []string
	observer := func(snapshot *plan.Plan) {
		for _, s := range snapshot.Steps {
			if s.Status != plan.StepRunning {
				continue
			}
			for _, dep := range s.DependsOn {
				if d := snapshot.Step(dep); d.Status != plan.StepCompleted {
					violations = append(violations, fmt.Sprintf("%s running while %s is %s", s.ID, dep, d.Status))
				}
			}
		}
	}
	conn := newScripted()
	conn.fail["step-3"] = 1
	r := New(permission.NewStore(nil), conn, WithObserver(observer), WithDefaults(fastDefaults))

	specs := make([]plan.StepSpec, 6)
	for i := range specs {
		specs[i] = plan.StepSpec{Kind: intent.KindCheck}
	}
	p := chain(t, specs...)
	if _, err := r.Run(context.Background(), p); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(violations) > 0 {
		t.Fatalf("ordering violated: %v", violations)
	}
}

func TestInvalidPlanIsRejected(t *testing.T) {
	log := activity.New(10)
	conn := newScripted()
	r := New(permission.NewStore(nil), conn, WithRecorder(log))
	_, err := r.Run(context.Background(), &plan.Plan{ID: "empty"})
	if !plan.IsInvalidPlan(err) {
		t.Fatalf("expected invalid plan error, got %v", err)
	}
	if len(conn.calls) != 0 {
		t.Fatalf("nothing should be executed")
	}

	p := chain(t, plan.StepSpec{Kind: intent.KindCheck})
	if _, err := r.Run(context.Background(), p); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := r.Run(context.Background(), p); !errors.Is(err, xerrors.New(xerrors.CodeConflict, "")) {
		t.Fatalf("re-running a finished plan should conflict, got %v", err)
	}
}
