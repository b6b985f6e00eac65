package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"AgentPilot/internal/activity"
	"AgentPilot/internal/connector"
	"AgentPilot/internal/dispatch"
	xerrors "AgentPilot/internal/errors"
	"AgentPilot/internal/intent"
	"AgentPilot/internal/permission"
	"AgentPilot/internal/plan"
	"AgentPilot/internal/runner"
	"AgentPilot/internal/statestore"
)

// captureQueue 记录投递的计划，由测试显式执行。
type captureQueue struct {
	mu   sync.Mutex
	ids  []string
	msgs []dispatch.Message
}

func (q *captureQueue) Publish(_ context.Context, msg dispatch.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, msg.PlanID)
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *captureQueue) Close() error { return nil }

func (q *captureQueue) published() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

var fastRunner = runner.Defaults{
	ApprovalTimeout: 2 * time.Second,
	StepTimeout:     time.Second,
	BackoffInitial:  time.Millisecond,
	BackoffMax:      2 * time.Millisecond,
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *captureQueue) {
	t.Helper()
	q := &captureQueue{}
	opts = append([]Option{WithQueue(q), WithRunnerDefaults(fastRunner)}, opts...)
	return New(connector.NewSimulated(), opts...), q
}

func TestSubmitTextRunsPlan(t *testing.T) {
	e, q := newTestEngine(t)
	ctx := context.Background()

	sub, err := e.SubmitText(ctx, "swap 0.1 ETH for USDC")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.Plan == nil || sub.Intent.Kind != intent.KindSwap {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	if ids := q.published(); len(ids) != 1 || ids[0] != sub.Plan.ID {
		t.Fatalf("queue = %v", ids)
	}
	if err := e.Execute(ctx, sub.Plan.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	p, err := e.Plan(sub.Plan.ID)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if p.Status != plan.StatusCompleted || p.Steps[0].Result["tx_hash"] == "" {
		t.Fatalf("unexpected plan: %+v", p)
	}
	if err := e.Execute(ctx, sub.Plan.ID); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("second execute should conflict, got %v", err)
	}

	classifications := e.Activities(activity.WithKinds(activity.KindClassification))
	if len(classifications) != 1 || classifications[0].Subject != string(intent.KindSwap) {
		t.Fatalf("classification entries = %+v", classifications)
	}
	if got := e.RecentCommands("sw", 5); len(got) != 1 {
		t.Fatalf("recent commands = %v", got)
	}
	if len(e.Plans()) != 1 {
		t.Fatalf("plans = %d", len(e.Plans()))
	}
}

func TestSubmitTextNeedsClarification(t *testing.T) {
	e, q := newTestEngine(t)
	sub, err := e.SubmitText(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("clarification is not an error: %v", err)
	}
	if sub.Plan != nil || sub.Clarification == "" {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	if len(q.published()) != 0 {
		t.Fatalf("nothing should be queued")
	}
	entries := e.Activities(activity.WithKinds(activity.KindClassification))
	if len(entries) != 1 || entries[0].Code != string(xerrors.CodeParseAmbiguous) {
		t.Fatalf("entries = %+v", entries)
	}
	if _, err := e.SubmitText(context.Background(), "   "); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("blank text should be rejected, got %v", err)
	}
}

func TestSubmitWorkflowDraftIsRejected(t *testing.T) {
	e, q := newTestEngine(t)
	draft, err := e.SaveWorkflow(plan.WorkflowDefinition{Name: "draft"})
	if err != nil {
		t.Fatalf("save draft: %v", err)
	}
	if _, err := e.SubmitWorkflow(context.Background(), draft.ID); !plan.IsInvalidPlan(err) {
		t.Fatalf("expected INVALID_PLAN, got %v", err)
	}
	if len(q.published()) != 0 {
		t.Fatalf("rejected workflow must not be queued")
	}
	rejected := e.Activities(activity.WithKinds(activity.KindPlan))
	if len(rejected) != 1 || rejected[0].Status != "rejected" || rejected[0].Subject != draft.ID {
		t.Fatalf("rejection entries = %+v", rejected)
	}
	if _, err := e.SubmitWorkflow(context.Background(), "wf-missing"); !xerrors.HasCode(err, xerrors.CodeWorkflowNotFound) {
		t.Fatalf("expected WORKFLOW_NOT_FOUND, got %v", err)
	}
}

func TestSubmitWorkflowChain(t *testing.T) {
	e, _ := newTestEngine(t)
	wf, err := e.SaveWorkflow(plan.WorkflowDefinition{
		Name: "check then swap",
		Steps: []plan.StepSpec{
			{Kind: intent.KindCheck, Parameters: map[string]string{"asset": "ETH"}},
			{Kind: intent.KindSwap, Parameters: map[string]string{"amount": "0.1", "from": "ETH", "to": "USDC"}},
		},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	sub, err := e.SubmitWorkflow(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.Plan.WorkflowID != wf.ID || sub.Plan.Steps[1].DependsOn[0] != "step-1" {
		t.Fatalf("unexpected plan: %+v", sub.Plan)
	}
	if err := e.Execute(context.Background(), sub.Plan.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	p, _ := e.Plan(sub.Plan.ID)
	if p.Status != plan.StatusCompleted {
		t.Fatalf("status = %s", p.Status)
	}
}

// runningQueue 在投递时立即开始执行，模拟并发消费者。
type runningQueue struct {
	engine *Engine
	done   chan error
}

func (q *runningQueue) Publish(ctx context.Context, msg dispatch.Message) error {
	go func() { q.done <- q.engine.Execute(context.WithoutCancel(ctx), msg.PlanID) }()
	return nil
}

func (q *runningQueue) Close() error { return nil }

func TestSubmitReturnsQueuedSnapshot(t *testing.T) {
	q := &runningQueue{done: make(chan error, 1)}
	e := New(connector.NewSimulated(), WithQueue(q), WithRunnerDefaults(fastRunner))
	q.engine = e

	sub, err := e.SubmitText(context.Background(), "check my ETH balance")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.Plan.Status != plan.StatusPending || sub.Plan.Steps[0].Status != plan.StepPending || sub.Plan.Steps[0].Attempts != 0 {
		t.Fatalf("submission should reflect the queued plan: %+v", sub.Plan)
	}
	if err := <-q.done; err != nil {
		t.Fatalf("execute: %v", err)
	}
	if sub.Plan.Status != plan.StatusPending {
		t.Fatalf("submission snapshot changed after execution: %s", sub.Plan.Status)
	}
	p, _ := e.Plan(sub.Plan.ID)
	if p.Status != plan.StatusCompleted {
		t.Fatalf("status = %s", p.Status)
	}
}

func TestDefaultMaxRetriesKeepsExplicitZero(t *testing.T) {
	conn := connector.NewSimulated()
	q := &captureQueue{}
	e := New(conn, WithQueue(q), WithRunnerDefaults(fastRunner), WithDefaultMaxRetries(2))
	ctx := context.Background()

	cases := []struct {
		name         string
		retries      *int
		wantAttempts int
	}{
		{"explicit zero", plan.Retries(0), 1},
		{"unset uses default", nil, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wf, err := e.SaveWorkflow(plan.WorkflowDefinition{
				Name:  tc.name,
				Steps: []plan.StepSpec{{Kind: intent.KindCheck, Parameters: map[string]string{"asset": "ETH"}, MaxRetries: tc.retries}},
			})
			if err != nil {
				t.Fatalf("save: %v", err)
			}
			sub, err := e.SubmitWorkflow(ctx, wf.ID)
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			conn.FailNext(intent.KindCheck, -1)
			defer conn.FailNext(intent.KindCheck, 0)
			if err := e.Execute(ctx, sub.Plan.ID); err != nil {
				t.Fatalf("execute: %v", err)
			}
			p, _ := e.Plan(sub.Plan.ID)
			step := p.Steps[0]
			if step.Status != plan.StepFailed || step.Attempts != tc.wantAttempts || step.MaxRetries != tc.wantAttempts-1 {
				t.Fatalf("step = %+v", step)
			}
		})
	}
}

func TestAdoptQueuedPlanFromAnotherInstance(t *testing.T) {
	producer, q := newTestEngine(t)
	consumer, _ := newTestEngine(t)
	ctx := context.Background()

	sub, err := producer.SubmitText(ctx, "swap 0.1 ETH for USDC")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	msg := q.msgs[0]
	if msg.PlanID != sub.Plan.ID || len(msg.Plan) == 0 {
		t.Fatalf("message must carry the plan snapshot: %+v", msg)
	}
	if err := consumer.Execute(ctx, msg.PlanID); !xerrors.HasCode(err, xerrors.CodePlanNotFound) {
		t.Fatalf("expected PLAN_NOT_FOUND before adoption, got %v", err)
	}
	if err := consumer.Adopt(msg.Plan); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if err := consumer.Adopt(msg.Plan); err != nil {
		t.Fatalf("adopting twice should be a no-op: %v", err)
	}
	if err := consumer.Execute(ctx, msg.PlanID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	p, err := consumer.Plan(msg.PlanID)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if p.Status != plan.StatusCompleted || p.Steps[0].Parameters["from"] != "ETH" {
		t.Fatalf("unexpected adopted plan: %+v", p)
	}
	if err := consumer.Adopt([]byte(`{"id":"p-x","status":"completed","steps":[]}`)); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("finished snapshots must not be adopted, got %v", err)
	}
	if err := consumer.Adopt([]byte("not json")); !plan.IsInvalidPlan(err) {
		t.Fatalf("expected INVALID_PLAN, got %v", err)
	}
}

func TestDollarAmountsAreGatedInUSD(t *testing.T) {
	cases := []struct {
		text   string
		status plan.StepStatus
		reason string
	}{
		{"swap $5000 of ETH for USDC", plan.StepSkipped, "limit exceeded"},
		{"swap $500 of ETH for USDC", plan.StepCompleted, ""},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			e, _ := newTestEngine(t)
			ctx := context.Background()
			sub, err := e.SubmitText(ctx, tc.text)
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if err := e.Execute(ctx, sub.Plan.ID); err != nil {
				t.Fatalf("execute: %v", err)
			}
			p, _ := e.Plan(sub.Plan.ID)
			if p.Steps[0].Status != tc.status || p.Steps[0].Reason != tc.reason {
				t.Fatalf("step = %+v", p.Steps[0])
			}
		})
	}
}

func TestCancelQueuedPlan(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	sub, err := e.SubmitText(ctx, "check my ETH balance")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := e.CancelPlan(sub.Plan.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := e.Execute(ctx, sub.Plan.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	p, _ := e.Plan(sub.Plan.ID)
	if p.Status != plan.StatusCancelled || p.Steps[0].Status != plan.StepSkipped {
		t.Fatalf("unexpected plan: %+v", p)
	}
	if _, err := e.CancelPlan(sub.Plan.ID); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("cancelling a finished plan should conflict, got %v", err)
	}
	if _, err := e.CancelPlan("plan-missing"); !xerrors.HasCode(err, xerrors.CodePlanNotFound) {
		t.Fatalf("expected PLAN_NOT_FOUND, got %v", err)
	}
}

func TestUpdateCapabilityAffectsQueuedPlans(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	sub, err := e.SubmitText(ctx, "swap 0.1 ETH for USDC")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	off := false
	if _, err := e.UpdateCapability(permission.CapabilitySwap, permission.Update{Enabled: &off}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := e.Execute(ctx, sub.Plan.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	p, _ := e.Plan(sub.Plan.ID)
	if p.Steps[0].Status != plan.StepSkipped || p.Steps[0].Reason != "capability disabled" {
		t.Fatalf("step = %+v", p.Steps[0])
	}
	if entries := e.Activities(activity.WithKinds(activity.KindCapability)); len(entries) != 1 {
		t.Fatalf("capability entries = %+v", entries)
	}
	if _, err := e.UpdateCapability(permission.CapabilitySwap, permission.Update{}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("empty update should be rejected, got %v", err)
	}
	if _, err := e.UpdateCapability("wallet.teleport", permission.Update{Enabled: &off}); !xerrors.HasCode(err, xerrors.CodeCapabilityUnknown) {
		t.Fatalf("expected CAPABILITY_UNKNOWN, got %v", err)
	}
}

func TestResolveApproval(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	sub, err := e.SubmitText(ctx, "send 10 USDC to alice.eth")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- e.Execute(ctx, sub.Plan.ID) }()

	deadline := time.After(time.Second)
	for len(e.PendingApprovals()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("approval never requested")
		case <-time.After(5 * time.Millisecond):
		}
	}
	req := e.PendingApprovals()[0]
	if err := e.ResolveApproval(req.PlanID, req.StepID, true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("execute: %v", err)
	}
	p, _ := e.Plan(sub.Plan.ID)
	if p.Status != plan.StatusCompleted || p.Steps[0].Status != plan.StepCompleted {
		t.Fatalf("unexpected plan: %+v", p)
	}
	if err := e.ResolveApproval("plan-missing", "step-1", true); !xerrors.HasCode(err, xerrors.CodePlanNotFound) {
		t.Fatalf("expected PLAN_NOT_FOUND, got %v", err)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	backend, err := statestore.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	mirror := statestore.NewMirror(backend)
	first, _ := newTestEngine(t, WithMirror(mirror))
	ctx := context.Background()

	off := false
	if _, err := first.UpdateCapability(permission.CapabilitySentiment, permission.Update{Enabled: &off}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := first.SubmitText(ctx, "check gas"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := first.SaveWorkflow(plan.WorkflowDefinition{Name: "kept"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	mirror.Flush()

	second, _ := newTestEngine(t, WithMirror(statestore.NewMirror(backend)))
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	for _, c := range second.Capabilities() {
		if c.ID == permission.CapabilitySentiment && c.Enabled {
			t.Fatalf("capability change was not restored")
		}
	}
	if got := second.RecentCommands("", 0); len(got) != 1 || got[0] != "check gas" {
		t.Fatalf("commands = %v", got)
	}
	if len(second.WorkflowList()) != 1 {
		t.Fatalf("workflows = %+v", second.WorkflowList())
	}
	if len(second.Activities()) != len(first.Activities()) {
		t.Fatalf("activities: %d vs %d", len(second.Activities()), len(first.Activities()))
	}
}
