// Package server exposes the approval gate, intake and audit log over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/oktsec/actiongate/internal/approval"
	"github.com/oktsec/actiongate/internal/audit"
	"github.com/oktsec/actiongate/internal/config"
	"github.com/oktsec/actiongate/internal/model"
	"github.com/oktsec/actiongate/internal/policy"
	"github.com/oktsec/actiongate/internal/store"
	"github.com/oktsec/actiongate/internal/watcher"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	maxBodyBytes = 1 << 20
	// mutationLimit is the per-client budget for each mutation scope.
	mutationLimit  = 60
	mutationWindow = time.Minute
)

// Deps are the components the API serves.
type Deps struct {
	Store      *store.Store
	Gate       *approval.Gate
	Audit      *audit.Store
	Classifier *policy.Classifier
	// Intake produces items submitted through POST /v1/items. Nil disables
	// the endpoint.
	Intake *watcher.Watcher
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	Version  string
}

// Server is the actiongate HTTP API.
type Server struct {
	cfg     config.ServerConfig
	deps    Deps
	handler http.Handler
	srv     *http.Server
	ln      net.Listener
	port    int
	limiter *RateLimiter
	logger  *slog.Logger
}

// New builds the API handler. Call Listen before Start.
func New(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		port:    cfg.Port,
		limiter: NewRateLimiter(mutationLimit, mutationWindow),
		logger:  logger,
	}

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/items", s.mutating(scopeIntake, s.handleSubmit))
	mux.HandleFunc("GET /v1/approvals", s.handleListApprovals)
	mux.HandleFunc("GET /v1/approvals/{id}", s.handleGetApproval)
	mux.HandleFunc("POST /v1/approvals/{id}/approve", s.mutating(scopeDecision, s.handleApprove))
	mux.HandleFunc("POST /v1/approvals/{id}/reject", s.mutating(scopeDecision, s.handleReject))
	mux.HandleFunc("GET /v1/logs", s.handleLogs)
	mux.HandleFunc("GET /v1/policy/check", s.handlePolicyCheck)

	var h http.Handler = mux
	h = securityHeaders(h)
	h = logging(logger)(h)
	h = recovery(logger)(h)
	h = requestID(h)
	s.handler = otelhttp.NewHandler(h, "actiongate.api")
	return s
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) mutating(scope string, next http.HandlerFunc) http.HandlerFunc {
	return rateLimited(s.limiter, scope, requireToken(s.cfg.APIToken, next))
}

// Listen binds the configured address. A busy port falls through to the
// next free one.
func (s *Server) Listen() error {
	bind := s.cfg.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	ln, port, err := listenAutoPort(bind, s.cfg.Port, s.logger)
	if err != nil {
		return fmt.Errorf("binding port: %w", err)
	}
	s.ln = ln
	s.port = port
	s.srv = &http.Server{
		Handler:        s.handler,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return nil
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.port
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info("actiongate api starting", "addr", s.ln.Addr().String(), "auth", s.cfg.APIToken != "")
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("api shutting down")
	return s.srv.Shutdown(ctx)
}

// listenAutoPort tries the configured port; if busy, scans up to 10 higher ports.
func listenAutoPort(bind string, port int, logger *slog.Logger) (net.Listener, int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(bind, strconv.Itoa(port)))
	if err == nil {
		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	}
	if !isAddrInUse(err) {
		return nil, 0, err
	}

	logger.Warn("port in use, searching for available port", "port", port)
	for offset := 1; offset <= 10; offset++ {
		tryPort := port + offset
		ln, err = net.Listen("tcp", net.JoinHostPort(bind, strconv.Itoa(tryPort)))
		if err == nil {
			logger.Info("using alternative port", "original", port, "actual", tryPort)
			return ln, tryPort, nil
		}
	}
	return nil, 0, fmt.Errorf("port %d and next 10 ports are all in use", port)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && errors.Is(opErr.Err, syscall.EADDRINUSE)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.deps.Version})
}

type statusResponse struct {
	Version   string              `json:"version"`
	Items     map[store.Stage]int `json:"items"`
	Approvals map[store.Stage]int `json:"approvals"`
	AuditDays int                 `json:"audit_days"`
	Boundary  string              `json:"boundary,omitempty"`
	Watcher   *watcher.State      `json:"intake,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	items, err := s.deps.Store.Counts(ctx, store.KindItem)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	approvals, err := s.deps.Store.Counts(ctx, store.KindApproval)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	days, err := s.deps.Audit.Days(ctx)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	resp := statusResponse{Version: s.deps.Version, Items: items, Approvals: approvals, AuditDays: len(days)}
	if s.deps.Classifier != nil {
		resp.Boundary = s.deps.Classifier.Boundary().Source
	}
	if s.deps.Intake != nil {
		st := s.deps.Intake.State()
		resp.Watcher = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

type submitRequest struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type submitResponse struct {
	ID        string `json:"id,omitempty"`
	Duplicate bool   `json:"duplicate"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Intake == nil {
		writeJSON(w, http.StatusNotFound, errorBody("intake is disabled"))
		return
	}
	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	item, err := s.deps.Intake.Produce(r.Context(), req.Content, req.Metadata)
	switch {
	case errors.Is(err, watcher.ErrEmptyContent), errors.Is(err, model.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case err != nil:
		s.internalError(w, r, err)
	case item == nil:
		writeJSON(w, http.StatusOK, submitResponse{Duplicate: true})
	default:
		writeJSON(w, http.StatusCreated, submitResponse{ID: item.ID})
	}
}

// approvalView is the JSON form of a request. Credential-named plan
// parameters are masked.
type approvalView struct {
	ActionID        string               `json:"action_id"`
	ActionType      string               `json:"action_type"`
	Stage           store.Stage          `json:"stage,omitempty"`
	Status          model.ApprovalStatus `json:"status"`
	RiskLevel       model.RiskLevel      `json:"risk_level"`
	RiskFactors     []string             `json:"risk_factors,omitempty"`
	ToolName        string               `json:"tool_name"`
	SourceItem      string               `json:"source_item,omitempty"`
	CreatedAt       time.Time            `json:"created"`
	DecidedBy       string               `json:"decided_by,omitempty"`
	DecidedAt       *time.Time           `json:"decided_at,omitempty"`
	RejectionReason string               `json:"rejection_reason,omitempty"`
	DraftContent    string               `json:"draft_content,omitempty"`
	ImpactAnalysis  string               `json:"impact_analysis,omitempty"`
	BlastRadius     string               `json:"blast_radius,omitempty"`
	Checklist       []string             `json:"checklist,omitempty"`
	Plan            *model.ExecutionPlan `json:"execution_plan,omitempty"`
	Error           string               `json:"error,omitempty"`
	ResultID        string               `json:"result_id,omitempty"`
	Body            string               `json:"body,omitempty"`
}

func viewOf(r *model.ApprovalRequest, stage store.Stage, withBody bool) approvalView {
	v := approvalView{
		ActionID:        r.ActionID,
		ActionType:      r.ActionType,
		Stage:           stage,
		Status:          r.Status,
		RiskLevel:       r.RiskLevel,
		RiskFactors:     r.RiskFactors,
		ToolName:        r.ToolName,
		SourceItem:      r.SourceItem,
		CreatedAt:       r.CreatedAt,
		DecidedBy:       r.DecidedBy(),
		RejectionReason: r.RejectionReason,
		DraftContent:    r.DraftContent,
		ImpactAnalysis:  r.ImpactAnalysis,
		BlastRadius:     r.BlastRadius,
		Checklist:       r.Checklist,
		Error:           r.Error,
		ResultID:        r.ResultID,
	}
	if at := r.DecidedAt(); !at.IsZero() {
		v.DecidedAt = &at
	}
	if r.Plan != nil {
		plan := *r.Plan
		plan.Parameters = make(map[string]any, len(r.Plan.Parameters))
		for k, val := range r.Plan.Parameters {
			if audit.IsCredentialKey(k) {
				val = audit.RedactedMarker
			}
			plan.Parameters[k] = val
		}
		v.Plan = &plan
	}
	if withBody {
		v.Body = r.Body
	}
	return v
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	stage := store.PendingApproval
	if q := r.URL.Query().Get("stage"); q != "" {
		st, err := store.ParseStage(q)
		if err != nil || st == store.NeedsAction {
			writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("invalid stage %q", q)))
			return
		}
		stage = st
	}
	reqs, err := s.deps.Gate.List(r.Context(), stage)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	out := make([]approvalView, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, viewOf(req, stage, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"stage": stage, "approvals": out})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, stage, err := s.deps.Gate.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.gateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(req, stage, true))
}

type decisionRequest struct {
	Approver string `json:"approver,omitempty"`
	Rejecter string `json:"rejecter,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Approver == approval.SystemActor {
		writeJSON(w, http.StatusBadRequest, errorBody("approver name is reserved"))
		return
	}
	res, err := s.deps.Gate.ApproveByID(r.Context(), r.PathValue("id"), req.Approver)
	if err != nil {
		s.gateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(res, store.Approved, false))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Rejecter == approval.SystemActor {
		writeJSON(w, http.StatusBadRequest, errorBody("rejecter name is reserved"))
		return
	}
	res, err := s.deps.Gate.RejectByID(r.Context(), r.PathValue("id"), req.Rejecter, req.Reason)
	if err != nil {
		s.gateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(res, store.Rejected, false))
}

func (s *Server) gateError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("approval request not found"))
	case errors.Is(err, approval.ErrNotPending), errors.Is(err, store.ErrNotInStage):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, approval.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	default:
		s.internalError(w, r, err)
	}
}

// handleLogs serves one day (?date=YYYY-MM-DD), the last N days (?days=N),
// or a filtered query over all partitions.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx := r.Context()
	var (
		entries []audit.Entry
		err     error
	)
	switch {
	case q.Get("date") != "":
		day, perr := time.Parse("2006-01-02", q.Get("date"))
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("date must be YYYY-MM-DD"))
			return
		}
		entries, err = s.deps.Audit.GetLogsForDate(ctx, day)
	case q.Get("days") != "":
		days, perr := strconv.Atoi(q.Get("days"))
		if perr != nil || days <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("days must be a positive integer"))
			return
		}
		entries, err = s.deps.Audit.GetRecentLogs(ctx, days)
	default:
		limit, _ := strconv.Atoi(q.Get("limit"))
		entries, err = s.deps.Audit.Query(ctx, audit.QueryOpts{
			ActionID:     q.Get("action_id"),
			Status:       q.Get("status"),
			TargetSystem: q.Get("target"),
			Limit:        limit,
		})
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

type policyResponse struct {
	ActionType      string           `json:"action_type"`
	RequireApproval bool             `json:"require_approval"`
	Risk            model.RiskLevel  `json:"risk"`
	Reason          string           `json:"reason"`
	Factors         []string         `json:"factors,omitempty"`
	Checklist       []string         `json:"checklist,omitempty"`
	Findings        []policy.Finding `json:"findings,omitempty"`
}

// handlePolicyCheck classifies ?action_type= against the active boundary.
// Every other query parameter becomes part of the action context, and
// ?draft= is scanned when draft scanning is enabled.
func (s *Server) handlePolicyCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	actionType := q.Get("action_type")
	if actionType == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("action_type is required"))
		return
	}
	actx := make(map[string]string)
	for k := range q {
		if k != "action_type" && k != "draft" {
			actx[k] = q.Get(k)
		}
	}
	a := s.deps.Classifier.Assess(r.Context(), actionType, actx, q.Get("draft"))
	writeJSON(w, http.StatusOK, policyResponse{
		ActionType:      actionType,
		RequireApproval: a.RequireApproval,
		Risk:            a.Risk,
		Reason:          a.Reason,
		Factors:         a.Factors,
		Checklist:       a.Checklist,
		Findings:        a.Findings,
	})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("api request failed", "path", r.URL.Path, "error", err, "request_id", RequestID(r.Context()))
	writeJSON(w, http.StatusInternalServerError, errorBody("internal server error"))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body: "+err.Error()))
		return false
	}
	return true
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
