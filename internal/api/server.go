package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentPilot/internal/activity"
	"AgentPilot/internal/engine"
	xerrors "AgentPilot/internal/errors"
	"AgentPilot/internal/observability/metrics"
	"AgentPilot/internal/permission"
	"AgentPilot/internal/plan"
	"AgentPilot/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Server 负责暴露 REST 接口，供外部驱动引擎执行。
type Server struct {
	addr   string
	engine *engine.Engine
	logger *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, eng *engine.Engine) *Server {
	return &Server{addr: addr, engine: eng, logger: logger.Named("api")}
}

// Handler 返回注册了全部路由的处理器，测试可直接使用。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/commands", "commands.submit", s.handleSubmitCommand)
	s.route(mux, "GET /api/v1/commands", "commands.list", s.handleListCommands)
	s.route(mux, "POST /api/v1/workflows", "workflows.save", s.handleSaveWorkflow)
	s.route(mux, "GET /api/v1/workflows", "workflows.list", s.handleListWorkflows)
	s.route(mux, "DELETE /api/v1/workflows/{id}", "workflows.delete", s.handleDeleteWorkflow)
	s.route(mux, "POST /api/v1/workflows/{id}/run", "workflows.run", s.handleRunWorkflow)
	s.route(mux, "GET /api/v1/plans", "plans.list", s.handleListPlans)
	s.route(mux, "GET /api/v1/plans/{id}", "plans.get", s.handlePlanDetail)
	s.route(mux, "POST /api/v1/plans/{id}/cancel", "plans.cancel", s.handleCancelPlan)
	s.route(mux, "GET /api/v1/capabilities", "capabilities.list", s.handleListCapabilities)
	s.route(mux, "PATCH /api/v1/capabilities/{id}", "capabilities.update", s.handleUpdateCapability)
	s.route(mux, "GET /api/v1/approvals", "approvals.list", s.handleListApprovals)
	s.route(mux, "POST /api/v1/approvals", "approvals.resolve", s.handleResolveApproval)
	s.route(mux, "GET /api/v1/activities", "activities.list", s.handleListActivities)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// route 注册处理器并记录请求耗时与状态码。
func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type commandRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sub, err := s.engine.SubmitText(r.Context(), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if sub.Plan == nil {
		status = http.StatusOK
	}
	writeJSON(w, status, sub)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 10)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.RecentCommands(r.URL.Query().Get("prefix"), limit))
}

func (s *Server) handleSaveWorkflow(w http.ResponseWriter, r *http.Request) {
	var def plan.WorkflowDefinition
	if !decodeBody(w, r, &def) {
		return
	}
	wf, err := s.engine.SaveWorkflow(def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.WorkflowList())
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Workflows().Delete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	sub, err := s.engine.SubmitWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 20)
	if !ok {
		return
	}
	plans := s.engine.Plans()
	if len(plans) > limit {
		plans = plans[:limit]
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handlePlanDetail(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Plan(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCancelPlan(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.CancelPlan(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Capabilities())
}

func (s *Server) handleUpdateCapability(w http.ResponseWriter, r *http.Request) {
	var update permission.Update
	if !decodeBody(w, r, &update) {
		return
	}
	c, err := s.engine.UpdateCapability(r.PathValue("id"), update)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type approvalRequest struct {
	PlanID   string `json:"plan_id"`
	StepID   string `json:"step_id"`
	Approved bool   `json:"approved"`
}

func (s *Server) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.PendingApprovals())
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.ResolveApproval(req.PlanID, req.StepID, req.Approved); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListActivities(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 50)
	if !ok {
		return
	}
	q := r.URL.Query()
	opts := []activity.ListOption{activity.WithLimit(limit)}
	if raw := q.Get("kind"); raw != "" {
		var kinds []activity.Kind
		for _, k := range strings.Split(raw, ",") {
			kinds = append(kinds, activity.Kind(strings.TrimSpace(k)))
		}
		opts = append(opts, activity.WithKinds(kinds...))
	}
	if planID := q.Get("plan_id"); planID != "" {
		opts = append(opts, activity.ForPlan(planID))
	}
	writeJSON(w, http.StatusOK, s.engine.Activities(opts...))
}

func parseLimit(w http.ResponseWriter, r *http.Request, fallback int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid limit %q", raw)))
		return 0, false
	}
	return parsed, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return false
	}
	return true
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusFor(code), errorBody{Code: string(code), Message: err.Error()})
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeInvalidPlan:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, xerrors.CodePlanNotFound, xerrors.CodeWorkflowNotFound, xerrors.CodeCapabilityUnknown:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeCapabilityDisabled, xerrors.CodeLimitExceeded, xerrors.CodeApprovalDenied:
		return http.StatusForbidden
	case xerrors.CodeTimeout, xerrors.CodeApprovalTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeQueueFailure, xerrors.CodeStorageFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeConnectorFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
