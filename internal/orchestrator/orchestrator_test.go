package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oktsec/actiongate/internal/approval"
	"github.com/oktsec/actiongate/internal/audit"
	"github.com/oktsec/actiongate/internal/config"
	"github.com/oktsec/actiongate/internal/executor"
	"github.com/oktsec/actiongate/internal/metrics"
	"github.com/oktsec/actiongate/internal/model"
	"github.com/oktsec/actiongate/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type harness struct {
	store  *store.Store
	audit  *audit.Store
	gate   *approval.Gate
	logger *slog.Logger
	sleeps []time.Duration
	mu     sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "records.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	al, err := audit.NewStore(filepath.Join(dir, "audit.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = al.Close() })
	return &harness{store: st, audit: al, gate: approval.NewGate(st, logger), logger: logger}
}

func (h *harness) sleep(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sleeps = append(h.sleeps, d)
}

func (h *harness) orchestrator(cfg config.OrchestratorConfig, exec executor.Executor, opts ...Option) *Orchestrator {
	opts = append([]Option{WithSleep(h.sleep)}, opts...)
	return New(cfg, h.store, exec, h.audit, h.logger, opts...)
}

// approve creates, persists and approves a Facebook post request.
func (h *harness) approve(t *testing.T, id string) *model.ApprovalRequest {
	t.Helper()
	r, err := h.gate.Create(approval.Proposal{
		ActionID:       id,
		ActionType:     "publish_post",
		RiskLevel:      model.RiskHigh,
		RiskFactors:    []string{"public post"},
		DraftContent:   "Test",
		ImpactAnalysis: "Visible to all page followers.",
		BlastRadius:    "Company Facebook page",
		Plan: &model.ExecutionPlan{
			TargetSystem: "facebook",
			Operation:    "create_post",
			Parameters:   map[string]any{"platform": "facebook", "content": "Test"},
		},
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, h.gate.Persist(ctx, r))
	require.NoError(t, h.gate.Approve(ctx, r, "alice"))
	return r
}

func (h *harness) load(t *testing.T, id string) (*model.ApprovalRequest, store.Stage) {
	t.Helper()
	r, stage, err := h.gate.Get(context.Background(), id)
	require.NoError(t, err)
	return r, stage
}

func (h *harness) entries(t *testing.T, id string) []audit.Entry {
	t.Helper()
	entries, err := h.audit.Query(context.Background(), audit.QueryOpts{ActionID: id})
	require.NoError(t, err)
	return entries
}

type countingExecutor struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) executor.Result
}

func (c *countingExecutor) Execute(_ context.Context, _, _ string, _ map[string]any) executor.Result {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	return c.fn(n)
}

func TestExecuteSuccess(t *testing.T) {
	h := newHarness(t)
	h.approve(t, "fb-1")

	var gotParams map[string]any
	exec := executor.Func(func(_ context.Context, target, op string, params map[string]any) executor.Result {
		assert.Equal(t, "facebook", target)
		assert.Equal(t, "create_post", op)
		gotParams = params
		return executor.Success("123")
	})
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	o := h.orchestrator(config.OrchestratorConfig{}, exec, WithMetrics(m))

	outcomes, err := o.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, Outcome{ActionID: "fb-1", Stage: store.Done, Status: executor.StatusSuccess, ResultID: "123", Attempts: 1}, outcomes[0])
	assert.Equal(t, "Test", gotParams["content"])

	r, stage := h.load(t, "fb-1")
	assert.Equal(t, store.Done, stage)
	assert.Equal(t, model.StatusDone, r.Status)
	assert.Equal(t, "123", r.ResultID)
	assert.False(t, r.ExecutedAt.IsZero())
	assert.Contains(t, r.Body, "Executed facebook.create_post successfully (result id 123).")

	entries := h.entries(t, "fb-1")
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, audit.StatusSuccess, e.ExecutionStatus)
	assert.Equal(t, audit.ExecutorHuman, e.Executor)
	assert.Equal(t, "alice", e.ExecutorID)
	assert.Equal(t, "facebook.create_post", e.ToolName)
	assert.Equal(t, "facebook", e.TargetSystem)
	assert.Equal(t, 0, e.RetryCount)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("facebook", "success")))

	// Nothing left to do on the next scan.
	outcomes, err = o.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestRetryThenSucceed(t *testing.T) {
	h := newHarness(t)
	h.approve(t, "fb-2")

	exec := &countingExecutor{fn: func(call int) executor.Result {
		if call < 3 {
			return executor.Failure(executor.KindTimeout, "upstream slow")
		}
		return executor.Success("777")
	}}
	o := h.orchestrator(config.OrchestratorConfig{}, exec)

	outcomes, err := o.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, store.Done, outcomes[0].Stage)
	assert.Equal(t, 3, outcomes[0].Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps)

	r, _ := h.load(t, "fb-2")
	assert.Equal(t, 2, r.Plan.RetryCount)
	assert.Equal(t, "timeout: upstream slow", r.Plan.LastError)

	entries := h.entries(t, "fb-2")
	require.Len(t, entries, 3)
	statuses := map[string]int{}
	for _, e := range entries {
		statuses[e.ExecutionStatus]++
	}
	assert.Equal(t, map[string]int{audit.StatusFailed: 2, audit.StatusSuccess: 1}, statuses)
}

func TestRateLimitExhaustsRetries(t *testing.T) {
	h := newHarness(t)
	h.approve(t, "fb-3")

	exec := &countingExecutor{fn: func(int) executor.Result {
		return executor.Failure(executor.KindRateLimited, "too many requests")
	}}
	o := h.orchestrator(config.OrchestratorConfig{}, exec)

	outcomes, err := o.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, store.Failed, outcomes[0].Stage)
	assert.Equal(t, 4, outcomes[0].Attempts)
	assert.Contains(t, outcomes[0].Error, "max retries exceeded")

	assert.Equal(t, 4, exec.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, h.sleeps)

	r, stage := h.load(t, "fb-3")
	assert.Equal(t, store.Failed, stage)
	assert.Equal(t, model.StatusFailed, r.Status)
	assert.Equal(t, 3, r.Plan.RetryCount)
	assert.Contains(t, r.Error, "max retries exceeded")
	assert.Contains(t, r.Body, "Execution failed: max retries exceeded")

	entries := h.entries(t, "fb-3")
	require.Len(t, entries, 4)
	for _, e := range entries {
		assert.Equal(t, audit.StatusFailed, e.ExecutionStatus)
	}
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	h := newHarness(t)
	h.approve(t, "fb-4")

	exec := &countingExecutor{fn: func(int) executor.Result {
		return executor.Failure(executor.KindAuth, "token expired")
	}}
	o := h.orchestrator(config.OrchestratorConfig{}, exec)

	outcomes, err := o.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, store.Failed, outcomes[0].Stage)
	assert.Equal(t, "auth_failed: token expired", outcomes[0].Error)
	assert.Equal(t, 1, exec.calls)
	assert.Empty(t, h.sleeps)

	r, _ := h.load(t, "fb-4")
	assert.Equal(t, 0, r.Plan.RetryCount)
	assert.Len(t, h.entries(t, "fb-4"), 1)
}

func TestUnknownExecutorStatus(t *testing.T) {
	h := newHarness(t)
	h.approve(t, "fb-5")

	exec := executor.Func(func(context.Context, string, string, map[string]any) executor.Result {
		return executor.Result{Status: "maybe"}
	})
	o := h.orchestrator(config.OrchestratorConfig{}, exec)

	outcomes, err := o.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, store.Failed, outcomes[0].Stage)
	assert.Contains(t, outcomes[0].Error, `unknown status "maybe"`)
}

func TestDryRun(t *testing.T) {
	h := newHarness(t)
	h.approve(t, "fb-6")

	exec := &countingExecutor{fn: func(int) executor.Result { return executor.Success("never") }}
	o := h.orchestrator(config.OrchestratorConfig{DryRun: true}, exec)

	outcomes, err := o.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, store.Done, outcomes[0].Stage)
	assert.Equal(t, executor.StatusDryRun, outcomes[0].Status)
	assert.Equal(t, 0, exec.calls)

	r, _ := h.load(t, "fb-6")
	assert.Contains(t, r.Body, "Dry run of facebook.create_post recorded")

	entries := h.entries(t, "fb-6")
	require.Len(t, entries, 1)
	assert.Equal(t, audit.StatusDryRun, entries[0].ExecutionStatus)
}

func TestMissingPlanFails(t *testing.T) {
	h := newHarness(t)
	r := &model.ApprovalRequest{
		ActionID:   "no-plan",
		ActionType: "publish_post",
		CreatedAt:  time.Now(),
		Status:     model.StatusApproved,
		RiskLevel:  model.RiskMedium,
		ToolName:   "facebook.create_post",
		ApprovedBy: "alice",
	}
	doc, err := model.EncodeApproval(r)
	require.NoError(t, err)
	require.NoError(t, h.store.Put(context.Background(), store.KindApproval, "no-plan", store.Approved, doc))

	exec := &countingExecutor{fn: func(int) executor.Result { return executor.Success("x") }}
	o := h.orchestrator(config.OrchestratorConfig{}, exec)

	outcomes, err := o.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, store.Failed, outcomes[0].Stage)
	assert.Contains(t, outcomes[0].Error, "no execution plan")
	assert.Equal(t, 0, exec.calls)

	got, stage := h.load(t, "no-plan")
	assert.Equal(t, store.Failed, stage)
	assert.Equal(t, model.StatusFailed, got.Status)

	entries := h.entries(t, "no-plan")
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Error, "no execution plan")
}

func TestMalformedRecordFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Put(ctx, store.KindApproval, "garbage", store.Approved, []byte("no frontmatter here")))

	o := h.orchestrator(config.OrchestratorConfig{}, &countingExecutor{fn: func(int) executor.Result { return executor.Success("x") }})
	outcomes, err := o.ScanOnce(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, store.Failed, outcomes[0].Stage)

	rec, err := h.store.Get(ctx, store.KindApproval, "garbage")
	require.NoError(t, err)
	assert.Equal(t, store.Failed, rec.Stage)
	assert.Contains(t, string(rec.Doc), "no frontmatter here")
	assert.Contains(t, string(rec.Doc), "Execution failed: no execution plan")
}

func putInterrupted(t *testing.T, h *harness, id string) {
	t.Helper()
	r := h.approve(t, id)
	r.ExecutionStarted = time.Now().Add(-time.Minute).UTC()
	doc, err := model.EncodeApproval(r)
	require.NoError(t, err)
	require.NoError(t, h.store.Update(context.Background(), store.KindApproval, id, store.Approved, doc))
}

func TestInterruptedRetry(t *testing.T) {
	h := newHarness(t)
	putInterrupted(t, h, "fb-7")

	exec := &countingExecutor{fn: func(int) executor.Result { return executor.Success("42") }}
	o := h.orchestrator(config.OrchestratorConfig{Interrupted: InterruptedRetry}, exec)

	outcomes, err := o.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, store.Done, outcomes[0].Stage)
	assert.Equal(t, 1, exec.calls)

	r, _ := h.load(t, "fb-7")
	assert.Contains(t, r.Body, "Resuming interrupted execution.")
}

func TestInterruptedFail(t *testing.T) {
	h := newHarness(t)
	putInterrupted(t, h, "fb-8")

	exec := &countingExecutor{fn: func(int) executor.Result { return executor.Success("42") }}
	o := h.orchestrator(config.OrchestratorConfig{Interrupted: InterruptedFail}, exec)

	outcomes, err := o.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, store.Failed, outcomes[0].Stage)
	assert.Contains(t, outcomes[0].Error, "execution interrupted before completion")
	assert.Equal(t, 0, exec.calls)
}

func TestCancellationStopsScan(t *testing.T) {
	h := newHarness(t)
	h.approve(t, "first")
	h.approve(t, "second")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sawErr error
	exec := executor.Func(func(execCtx context.Context, _, _ string, _ map[string]any) executor.Result {
		cancel()
		sawErr = execCtx.Err()
		return executor.Success("1")
	})
	o := h.orchestrator(config.OrchestratorConfig{}, exec)

	outcomes, err := o.ScanOnce(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "first", outcomes[0].ActionID)
	assert.Equal(t, store.Done, outcomes[0].Stage)
	assert.NoError(t, sawErr, "in-flight item must finish with a live context")

	_, stage := h.load(t, "second")
	assert.Equal(t, store.Approved, stage)
}

func TestAutoApprovedAuditsAutomated(t *testing.T) {
	h := newHarness(t)
	r, err := h.gate.Create(approval.Proposal{
		ActionID:    "dash-1",
		ActionType:  "update_dashboard",
		RiskLevel:   model.RiskLow,
		RiskFactors: []string{"auto-approve rule \"dashboard\""},
		Plan: &model.ExecutionPlan{
			TargetSystem: "dashboard",
			Operation:    "update",
			Parameters:   map[string]any{"section": "inbox"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, h.gate.PersistAutoApproved(context.Background(), r, "dashboard rule"))

	o := h.orchestrator(config.OrchestratorConfig{}, executor.Func(func(context.Context, string, string, map[string]any) executor.Result {
		return executor.Success("")
	}))
	_, err = o.ScanOnce(context.Background())
	require.NoError(t, err)

	entries := h.entries(t, "dash-1")
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ExecutorAutomated, entries[0].Executor)
	assert.Contains(t, entries[0].ApprovalReason, "auto-approved")

	got, _ := h.load(t, "dash-1")
	assert.Contains(t, got.Body, "Executed dashboard.update successfully.")
}

func TestExecutionSpan(t *testing.T) {
	h := newHarness(t)
	h.approve(t, "fb-9")

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	exec := &countingExecutor{fn: func(call int) executor.Result {
		if call == 1 {
			return executor.Failure(executor.KindNetwork, "connection reset")
		}
		return executor.Success("9")
	}}
	o := h.orchestrator(config.OrchestratorConfig{}, exec, WithTracer(tp.Tracer("test")))
	_, err := o.ScanOnce(context.Background())
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "execute facebook.create_post", spans[0].Name())
	assert.Len(t, spans[0].Events(), 2)
}

func TestBackoff(t *testing.T) {
	o := New(config.OrchestratorConfig{BaseDelay: 500 * time.Millisecond}, nil, nil, nil, nil)
	assert.Equal(t, 500*time.Millisecond, o.Backoff(0))
	assert.Equal(t, time.Second, o.Backoff(1))
	assert.Equal(t, 2*time.Second, o.Backoff(2))
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(config.OrchestratorConfig{PollInterval: 5 * time.Millisecond},
		executor.Func(func(context.Context, string, string, map[string]any) executor.Result { return executor.Success("") }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
