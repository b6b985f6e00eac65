package agentpilot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"AgentPilot/internal/api"
	"AgentPilot/internal/connector"
	"AgentPilot/internal/engine"
)

func newServer(t *testing.T) *Client {
	t.Helper()
	eng := engine.New(connector.NewSimulated())
	srv := httptest.NewServer(api.NewServer(":0", eng).Handler())
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestSubmitCommandRoundTrip(t *testing.T) {
	eng := engine.New(connector.NewSimulated())
	srv := httptest.NewServer(api.NewServer(":0", eng).Handler())
	defer srv.Close()
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	sub, err := client.SubmitCommand(ctx, "check my ETH balance")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.Plan == nil || sub.Intent == nil || sub.Intent.Kind != "CHECK" {
		t.Fatalf("unexpected submission %+v", sub)
	}
	if err := eng.Execute(ctx, sub.Plan.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	p, err := client.WaitPlan(waitCtx, sub.Plan.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if p.Status != "completed" || p.Steps[0].Status != "completed" {
		t.Fatalf("unexpected plan %+v", p)
	}

	entries, err := client.ListActivities(ctx, ActivityFilter{Kind: "step", PlanID: p.ID})
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected step activities")
	}
}

func TestCapabilityUpdateAndErrors(t *testing.T) {
	client := newServer(t)
	ctx := context.Background()

	off := false
	c, err := client.UpdateCapability(ctx, "wallet.swap", CapabilityUpdate{Enabled: &off})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if c.Enabled {
		t.Fatalf("capability still enabled")
	}

	_, err = client.GetPlan(ctx, "plan-404")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "PLAN_NOT_FOUND" {
		t.Fatalf("unexpected error %+v", apiErr)
	}

	if err := client.ResolveApproval(ctx, "plan-404", "step-1", true); err == nil {
		t.Fatalf("expected error for unknown plan")
	}
}

func TestBearerToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("token")
	if _, err := client.Capabilities(context.Background()); err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	if got != "Bearer token" {
		t.Fatalf("expected bearer token, got %q", got)
	}
}
