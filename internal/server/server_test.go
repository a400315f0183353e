package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/oktsec/actiongate/internal/approval"
	"github.com/oktsec/actiongate/internal/audit"
	"github.com/oktsec/actiongate/internal/config"
	"github.com/oktsec/actiongate/internal/metrics"
	"github.com/oktsec/actiongate/internal/model"
	"github.com/oktsec/actiongate/internal/policy"
	"github.com/oktsec/actiongate/internal/store"
	"github.com/oktsec/actiongate/internal/watcher"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	srv   *Server
	store *store.Store
	gate  *approval.Gate
	audit *audit.Store
}

func newEnv(t *testing.T, cfg config.ServerConfig) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dbPath := filepath.Join(t.TempDir(), "actiongate.db")

	st, err := store.Open(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	as, err := audit.NewStore(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = as.Close() })

	ledger, err := watcher.OpenBadger("", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	intake, err := watcher.New(context.Background(), "api", "api", nil, st, ledger, logger, watcher.WithMetrics(m))
	require.NoError(t, err)

	gate := approval.NewGate(st, logger, approval.WithMetrics(m))
	srv := New(cfg, Deps{
		Store:      st,
		Gate:       gate,
		Audit:      as,
		Classifier: policy.NewClassifier(policy.DefaultBoundary(), nil, logger),
		Intake:     intake,
		Gatherer:   reg,
		Version:    "test",
	}, logger)
	return &env{srv: srv, store: st, gate: gate, audit: as}
}

func (e *env) do(t *testing.T, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func (e *env) pending(t *testing.T, id string) {
	t.Helper()
	r, err := e.gate.Create(approval.Proposal{
		ActionID:       id,
		ActionType:     "send_email",
		RiskLevel:      model.RiskMedium,
		RiskFactors:    []string{"external email"},
		DraftContent:   "Hello",
		ImpactAnalysis: "One reply to a client.",
		Plan: &model.ExecutionPlan{
			TargetSystem: "gmail",
			Operation:    "send_reply",
			Parameters:   map[string]any{"to": "client@example.com", "api_key": "sk-live-123"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, e.gate.Persist(context.Background(), r))
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthAndHeaders(t *testing.T) {
	e := newEnv(t, config.ServerConfig{})
	w := e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "test", decode[map[string]string](t, w)["version"])
}

func TestSubmitItem(t *testing.T) {
	e := newEnv(t, config.ServerConfig{})
	body := `{"content":"Please send the Q3 report","metadata":{"kind":"email","sender":"boss@example.com"}}`

	w := e.do(t, http.MethodPost, "/v1/items", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[submitResponse](t, w)
	assert.True(t, strings.HasPrefix(created.ID, "api-"))

	rec, err := e.store.Get(context.Background(), store.KindItem, created.ID)
	require.NoError(t, err)
	assert.Equal(t, store.NeedsAction, rec.Stage)

	w = e.do(t, http.MethodPost, "/v1/items", body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[submitResponse](t, w).Duplicate)

	items, err := e.store.List(context.Background(), store.KindItem, store.NeedsAction)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	e := newEnv(t, config.ServerConfig{})
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/items", `{"content":"   "}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/items", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/items", `{"content":"x","extra":1}`).Code)
}

func TestListAndGetApproval(t *testing.T) {
	e := newEnv(t, config.ServerConfig{})
	e.pending(t, "gmail-1-send-reply")

	w := e.do(t, http.MethodGet, "/v1/approvals", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Stage     store.Stage    `json:"stage"`
		Approvals []approvalView `json:"approvals"`
	}](t, w)
	assert.Equal(t, store.PendingApproval, list.Stage)
	require.Len(t, list.Approvals, 1)
	assert.Equal(t, "gmail-1-send-reply", list.Approvals[0].ActionID)
	assert.Empty(t, list.Approvals[0].Body)

	w = e.do(t, http.MethodGet, "/v1/approvals/gmail-1-send-reply", "")
	require.Equal(t, http.StatusOK, w.Code)
	v := decode[approvalView](t, w)
	assert.Equal(t, model.StatusPending, v.Status)
	assert.Equal(t, "gmail.send_reply", v.ToolName)
	assert.Equal(t, audit.RedactedMarker, v.Plan.Parameters["api_key"])
	assert.Equal(t, "client@example.com", v.Plan.Parameters["to"])
	assert.NotEmpty(t, v.Body)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/approvals/missing", "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/approvals?stage=Bogus", "").Code)
}

func TestApproveFlow(t *testing.T) {
	e := newEnv(t, config.ServerConfig{})
	e.pending(t, "a1")

	w := e.do(t, http.MethodPost, "/v1/approvals/a1/approve", `{"approver":"alice"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	v := decode[approvalView](t, w)
	assert.Equal(t, model.StatusApproved, v.Status)
	assert.Equal(t, "alice", v.DecidedBy)
	require.NotNil(t, v.DecidedAt)

	_, stage, err := e.gate.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, store.Approved, stage)

	w = e.do(t, http.MethodPost, "/v1/approvals/a1/approve", `{"approver":"bob"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = e.do(t, http.MethodPost, "/v1/approvals/a1/reject", `{"rejecter":"bob","reason":"late"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/v1/approvals/nope/approve", `{"approver":"alice"}`).Code)
}

func TestApproveValidation(t *testing.T) {
	e := newEnv(t, config.ServerConfig{})
	e.pending(t, "a2")

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/approvals/a2/approve", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/approvals/a2/approve", `{"approver":"system"}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/approvals/a2/reject", `{"rejecter":"bob"}`).Code)

	_, stage, err := e.gate.Get(context.Background(), "a2")
	require.NoError(t, err)
	assert.Equal(t, store.PendingApproval, stage)
}

func TestRejectFlow(t *testing.T) {
	e := newEnv(t, config.ServerConfig{})
	e.pending(t, "a3")

	w := e.do(t, http.MethodPost, "/v1/approvals/a3/reject", `{"rejecter":"bob","reason":"wrong recipient"}`)
	require.Equal(t, http.StatusOK, w.Code)
	v := decode[approvalView](t, w)
	assert.Equal(t, model.StatusRejected, v.Status)
	assert.Equal(t, "wrong recipient", v.RejectionReason)

	w = e.do(t, http.MethodGet, "/v1/approvals?stage=Rejected", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"a3"`)
}

func TestTokenRequiredForMutations(t *testing.T) {
	e := newEnv(t, config.ServerConfig{APIToken: "s3cret"})
	e.pending(t, "a4")

	w := e.do(t, http.MethodPost, "/v1/approvals/a4/approve", `{"approver":"alice"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = e.do(t, http.MethodPost, "/v1/approvals/a4/approve", `{"approver":"alice"}`, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Reads stay open.
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/approvals/a4", "").Code)

	w = e.do(t, http.MethodPost, "/v1/approvals/a4/approve", `{"approver":"alice"}`, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogs(t *testing.T) {
	e := newEnv(t, config.ServerConfig{})
	ctx := context.Background()
	_, err := e.audit.LogExecution(ctx, audit.Entry{
		ActionID: "a5", ActionType: "send_email", ExecutionStatus: audit.StatusSuccess,
		ToolName: "gmail.send_reply", TargetSystem: "gmail",
		SanitizedInputs: map[string]any{"password": "hunter2"},
	})
	require.NoError(t, err)

	type logsResponse struct {
		Entries []audit.Entry `json:"entries"`
		Count   int           `json:"count"`
	}

	w := e.do(t, http.MethodGet, "/v1/logs?action_id=a5", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[logsResponse](t, w)
	require.Equal(t, 1, got.Count)
	assert.Equal(t, audit.RedactedMarker, got.Entries[0].SanitizedInputs["password"])

	today := time.Now().UTC().Format("2006-01-02")
	w = e.do(t, http.MethodGet, "/v1/logs?date="+today, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[logsResponse](t, w).Count)

	w = e.do(t, http.MethodGet, "/v1/logs?days=7", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[logsResponse](t, w).Count)

	w = e.do(t, http.MethodGet, "/v1/logs?date=1999-01-01", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[logsResponse](t, w).Count)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/logs?date=yesterday", "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/logs?days=0", "").Code)
}

func TestPolicyCheck(t *testing.T) {
	e := newEnv(t, config.ServerConfig{})

	w := e.do(t, http.MethodGet, "/v1/policy/check?action_type=send_email", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[policyResponse](t, w)
	assert.True(t, got.RequireApproval)
	assert.NotEmpty(t, got.Checklist)

	w = e.do(t, http.MethodGet, "/v1/policy/check?action_type=update_dashboard", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[policyResponse](t, w).RequireApproval)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/policy/check", "").Code)
}

func TestStatusAndMetrics(t *testing.T) {
	e := newEnv(t, config.ServerConfig{})
	e.pending(t, "a6")
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/v1/items", `{"content":"hi"}`).Code)

	w := e.do(t, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[statusResponse](t, w)
	assert.Equal(t, 1, st.Items[store.NeedsAction])
	assert.Equal(t, 1, st.Approvals[store.PendingApproval])
	assert.Equal(t, "built-in defaults", st.Boundary)
	require.NotNil(t, st.Watcher)
	assert.Equal(t, "api", st.Watcher.Source)

	w = e.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "actiongate_watcher_items_created_total")
	assert.Contains(t, w.Body.String(), "actiongate_approval_requests_created_total")
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	allow := func(scope, client string) bool {
		ok, _ := rl.Allow(scope, client)
		return ok
	}
	assert.True(t, allow(scopeIntake, "a"))
	now = now.Add(10 * time.Second)
	assert.True(t, allow(scopeIntake, "a"))
	ok, wait := rl.Allow(scopeIntake, "a")
	assert.False(t, ok)
	assert.Equal(t, 50*time.Second, wait)
	assert.True(t, allow(scopeIntake, "b"))
	assert.True(t, allow(scopeDecision, "a"), "decisions have their own budget")

	now = now.Add(51 * time.Second)
	assert.True(t, allow(scopeIntake, "a"))

	unlimited := NewRateLimiter(0, time.Minute)
	for range 100 {
		ok, _ := unlimited.Allow(scopeIntake, "a")
		require.True(t, ok)
	}
}

func TestSubmissionFloodDoesNotBlockDecisions(t *testing.T) {
	e := newEnv(t, config.ServerConfig{})
	e.pending(t, "flood-1")
	e.srv.limiter.limit = 2

	for i := range 2 {
		w := e.do(t, http.MethodPost, "/v1/items", fmt.Sprintf(`{"content":"item %d"}`, i))
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w := e.do(t, http.MethodPost, "/v1/items", `{"content":"item 3"}`)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 60, retry, 1)

	w = e.do(t, http.MethodPost, "/v1/approvals/flood-1/approve", `{"approver":"alice"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRecoveryReturns500(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := recovery(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestListenAndShutdown(t *testing.T) {
	e := newEnv(t, config.ServerConfig{Port: 0, Bind: "127.0.0.1"})
	require.NoError(t, e.srv.Listen())
	assert.NotZero(t, e.srv.Port())

	done := make(chan error, 1)
	go func() { done <- e.srv.Start() }()

	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(e.srv.Port()) + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.srv.Shutdown(ctx))
	require.NoError(t, <-done)
}
