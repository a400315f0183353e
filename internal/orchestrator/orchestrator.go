// Package orchestrator executes approved actions. It polls the Approved
// stage, dispatches each execution plan to an executor with bounded
// exponential-backoff retry, audits every attempt and archives the request
// to Done or Failed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oktsec/actiongate/internal/approval"
	"github.com/oktsec/actiongate/internal/audit"
	"github.com/oktsec/actiongate/internal/config"
	"github.com/oktsec/actiongate/internal/executor"
	"github.com/oktsec/actiongate/internal/metrics"
	"github.com/oktsec/actiongate/internal/model"
	"github.com/oktsec/actiongate/internal/notify"
	"github.com/oktsec/actiongate/internal/store"
	"github.com/oktsec/actiongate/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNoExecutionPlan marks a request whose plan is absent or malformed.
	ErrNoExecutionPlan = errors.New("no execution plan")
	// ErrMaxRetries marks a plan that exhausted its retries on transient errors.
	ErrMaxRetries = errors.New("max retries exceeded")
	// ErrInterrupted marks a request whose previous execution never finished.
	ErrInterrupted = errors.New("execution interrupted before completion")
)

// Interrupted-execution policies.
const (
	InterruptedRetry = "retry"
	InterruptedFail  = "fail"
)

// Auditor records execution attempts.
type Auditor interface {
	LogExecution(ctx context.Context, entry audit.Entry) (audit.Entry, error)
}

// Outcome summarizes how one request was finalized.
type Outcome struct {
	ActionID string
	Stage    store.Stage
	Status   executor.Status
	ResultID string
	Error    string
	Attempts int
}

// Orchestrator is the executor coordinator.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	store    *store.Store
	executor executor.Executor
	audit    Auditor
	logger   *slog.Logger
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	sleep    func(time.Duration)
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSleep replaces the backoff sleep.
func WithSleep(fn func(time.Duration)) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithNotifier reports terminal failures to n.
func WithNotifier(n *notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithMetrics records executions in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer overrides the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// New creates an orchestrator. Zero config values fall back to the
// defaults: 3 retries, 1s base delay, retry interrupted executions.
func New(cfg config.OrchestratorConfig, st *store.Store, exec executor.Executor, auditor Auditor, logger *slog.Logger, opts ...Option) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = model.DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.Interrupted == "" {
		cfg.Interrupted = InterruptedRetry
	}
	o := &Orchestrator{
		cfg:      cfg,
		store:    st,
		executor: exec,
		audit:    auditor,
		logger:   logger,
		tracer:   telemetry.Tracer("orchestrator"),
		sleep:    time.Sleep,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Backoff returns the delay before retry number retryCount+1.
func (o *Orchestrator) Backoff(retryCount int) time.Duration {
	return o.cfg.BaseDelay * time.Duration(1<<retryCount)
}

// Run scans every poll interval until ctx is cancelled. The item in
// progress when ctx is cancelled is finished first.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator started", "poll_interval", o.cfg.PollInterval, "dry_run", o.cfg.DryRun)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := o.ScanOnce(ctx); err != nil {
			o.logger.Error("orchestrator scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ScanOnce processes every request in Approved, in discovery order. It
// stops taking new items once ctx is cancelled.
func (o *Orchestrator) ScanOnce(ctx context.Context) ([]Outcome, error) {
	recs, err := o.store.List(ctx, store.KindApproval, store.Approved)
	if err != nil {
		return nil, fmt.Errorf("listing approved: %w", err)
	}
	work := context.WithoutCancel(ctx)
	var outcomes []Outcome
	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		out, ok := o.process(work, rec)
		if ok {
			outcomes = append(outcomes, out)
		}
	}
	return outcomes, nil
}

// process runs one approved record to a terminal stage. ok is false when the
// record was skipped because another actor moved it.
func (o *Orchestrator) process(ctx context.Context, rec store.Record) (Outcome, bool) {
	r, err := model.DecodeApproval(rec.Doc)
	if err != nil {
		return o.failMalformed(ctx, rec, err), true
	}
	if err := r.Plan.Validate(); err != nil {
		return o.fail(ctx, r, fmt.Errorf("%w: %w", ErrNoExecutionPlan, err)), true
	}

	ctx, span := o.tracer.Start(ctx, "execute "+r.Plan.ToolName(), trace.WithAttributes(
		attribute.String("action.id", r.ActionID),
		attribute.String("action.type", r.ActionType),
		attribute.String("target.system", r.Plan.TargetSystem),
	))
	defer span.End()

	if !r.ExecutionStarted.IsZero() {
		if o.cfg.Interrupted == InterruptedFail {
			err := fmt.Errorf("%w (started %s); review before re-running", ErrInterrupted, r.ExecutionStarted.Format(time.RFC3339))
			span.SetStatus(codes.Error, err.Error())
			return o.fail(ctx, r, err), true
		}
		r.AppendNote(o.now(), "Resuming interrupted execution.")
		o.logger.Warn("resuming interrupted execution", "action_id", r.ActionID, "started", r.ExecutionStarted)
	}
	r.ExecutionStarted = o.now().UTC()
	if r.Plan.MaxRetries <= 0 {
		r.Plan.MaxRetries = o.cfg.MaxRetries
	}
	if err := o.save(ctx, r); err != nil {
		if errors.Is(err, store.ErrNotInStage) || errors.Is(err, store.ErrNotFound) {
			o.logger.Info("approved record taken by another actor", "action_id", r.ActionID)
			return Outcome{}, false
		}
		o.logger.Error("stamping execution start failed", "action_id", r.ActionID, "error", err)
		return Outcome{}, false
	}

	started := o.now()
	attempts := 0
	for {
		attempts++
		res := o.attempt(ctx, r)
		span.AddEvent("attempt", trace.WithAttributes(
			attribute.Int("retry_count", r.Plan.RetryCount),
			attribute.String("status", string(res.Status)),
			attribute.String("error_kind", string(res.ErrorKind)),
		))

		switch {
		case res.Status == executor.StatusSuccess || res.Status == executor.StatusDryRun:
			o.record(ctx, r, res, "")
			o.metrics.RecordExecution(r.Plan.TargetSystem, string(res.Status), o.now().Sub(started))
			out := o.succeed(ctx, r, res)
			out.Attempts = attempts
			return out, true

		case res.ErrorKind.Transient() && r.Plan.CanRetry():
			delay := o.Backoff(r.Plan.RetryCount)
			o.record(ctx, r, res, fmt.Sprintf("%s: %s (retrying in %s)", res.ErrorKind, res.Message, delay))
			o.metrics.RecordRetry(r.Plan.TargetSystem)
			o.logger.Warn("transient execution error, retrying",
				"action_id", r.ActionID, "kind", res.ErrorKind, "retry", r.Plan.RetryCount+1, "delay", delay)
			o.sleep(delay)
			r.Plan.RetryCount++
			r.Plan.LastError = fmt.Sprintf("%s: %s", res.ErrorKind, res.Message)
			if err := o.save(ctx, r); err != nil {
				o.logger.Warn("persisting retry count failed", "action_id", r.ActionID, "error", err)
			}

		default:
			var err error
			if res.ErrorKind.Transient() {
				err = fmt.Errorf("%w: %s: %s", ErrMaxRetries, res.ErrorKind, res.Message)
			} else {
				kind := res.ErrorKind
				if kind == "" {
					kind = executor.KindUnknown
				}
				err = fmt.Errorf("%s: %s", kind, res.Message)
			}
			o.record(ctx, r, res, err.Error())
			o.metrics.RecordExecution(r.Plan.TargetSystem, "failed", o.now().Sub(started))
			span.SetStatus(codes.Error, err.Error())
			out := o.finishFailed(ctx, r, err)
			out.Attempts = attempts
			return out, true
		}
	}
}

// attempt runs one executor call, or simulates it in dry-run mode.
func (o *Orchestrator) attempt(ctx context.Context, r *model.ApprovalRequest) executor.Result {
	if o.cfg.DryRun || r.Plan.DryRun {
		return executor.Result{Status: executor.StatusDryRun, Message: "dry run: executor not invoked"}
	}
	res := o.executor.Execute(ctx, r.Plan.TargetSystem, r.Plan.Operation, r.Plan.Parameters)
	switch res.Status {
	case executor.StatusSuccess, executor.StatusDryRun, executor.StatusError:
	default:
		res = executor.Failure(executor.KindUnknown, fmt.Sprintf("executor returned unknown status %q", res.Status))
	}
	return res
}

// record appends one audit entry for an attempt.
func (o *Orchestrator) record(ctx context.Context, r *model.ApprovalRequest, res executor.Result, errText string) {
	status := audit.StatusFailed
	switch res.Status {
	case executor.StatusSuccess:
		status = audit.StatusSuccess
	case executor.StatusDryRun:
		status = audit.StatusDryRun
	}
	entry := audit.Entry{
		ActionID:        r.ActionID,
		ActionType:      r.ActionType,
		ExecutionStatus: status,
		ToolName:        r.Plan.ToolName(),
		SanitizedInputs: r.Plan.Parameters,
		ApprovalID:      r.ActionID,
		TargetSystem:    r.Plan.TargetSystem,
		Error:           errText,
		RetryCount:      r.Plan.RetryCount,
	}
	o.describeApproval(r, &entry)
	if _, err := o.audit.LogExecution(ctx, entry); err != nil {
		o.logger.Error("audit entry lost", "action_id", r.ActionID, "status", status, "error", err)
	}
}

func (o *Orchestrator) describeApproval(r *model.ApprovalRequest, e *audit.Entry) {
	if r.ApprovedBy == "" || r.ApprovedBy == approval.SystemActor {
		e.Executor = audit.ExecutorAutomated
		e.ApprovalReason = "auto-approved by permission boundary"
		if len(r.RiskFactors) > 0 {
			e.ApprovalReason += ": " + r.RiskFactors[0]
		}
		return
	}
	e.Executor = audit.ExecutorHuman
	e.ExecutorID = r.ApprovedBy
	e.ApprovalReason = "approved by " + r.ApprovedBy
}

func (o *Orchestrator) succeed(ctx context.Context, r *model.ApprovalRequest, res executor.Result) Outcome {
	now := o.now().UTC()
	r.Status = model.StatusDone
	r.ExecutedAt = now
	r.ResultID = res.ResultID
	if res.Status == executor.StatusDryRun {
		r.AppendNote(now, fmt.Sprintf("Dry run of %s recorded; no external call was made.", r.Plan.ToolName()))
	} else {
		note := fmt.Sprintf("Executed %s successfully", r.Plan.ToolName())
		if res.ResultID != "" {
			note += fmt.Sprintf(" (result id %s)", res.ResultID)
		}
		r.AppendNote(now, note+".")
	}
	out := Outcome{ActionID: r.ActionID, Stage: store.Done, Status: res.Status, ResultID: res.ResultID}
	if err := o.archive(ctx, r, store.Done); err != nil {
		out.Stage = store.Approved
		out.Error = err.Error()
		return out
	}
	o.logger.Info("action executed", "action_id", r.ActionID, "tool", r.Plan.ToolName(), "status", res.Status, "result_id", res.ResultID)
	return out
}

func (o *Orchestrator) finishFailed(ctx context.Context, r *model.ApprovalRequest, cause error) Outcome {
	now := o.now().UTC()
	r.Status = model.StatusFailed
	r.ExecutedAt = now
	r.Error = cause.Error()
	r.AppendNote(now, "Execution failed: "+cause.Error())
	out := Outcome{ActionID: r.ActionID, Stage: store.Failed, Status: executor.StatusError, Error: cause.Error()}
	if err := o.archive(ctx, r, store.Failed); err != nil {
		out.Stage = store.Approved
		return out
	}
	o.logger.Warn("action failed", "action_id", r.ActionID, "error", cause)
	o.notifier.Notify(notify.Event{
		Event:      notify.EventExecutionFailed,
		ActionID:   r.ActionID,
		ActionType: r.ActionType,
		Risk:       string(r.RiskLevel),
		Status:     string(r.Status),
		Error:      cause.Error(),
	})
	return out
}

// fail finalizes a request that never reached the executor, auditing the
// refusal first.
func (o *Orchestrator) fail(ctx context.Context, r *model.ApprovalRequest, cause error) Outcome {
	entry := audit.Entry{
		ActionID:        r.ActionID,
		ActionType:      r.ActionType,
		ExecutionStatus: audit.StatusFailed,
		ToolName:        r.ToolName,
		ApprovalID:      r.ActionID,
		Error:           cause.Error(),
	}
	if r.Plan != nil {
		entry.TargetSystem = r.Plan.TargetSystem
		entry.SanitizedInputs = r.Plan.Parameters
		entry.RetryCount = r.Plan.RetryCount
	}
	o.describeApproval(r, &entry)
	if _, err := o.audit.LogExecution(ctx, entry); err != nil {
		o.logger.Error("audit entry lost", "action_id", r.ActionID, "error", err)
	}
	target := "unknown"
	if r.Plan != nil && r.Plan.TargetSystem != "" {
		target = r.Plan.TargetSystem
	}
	o.metrics.RecordExecution(target, "failed", 0)
	return o.finishFailed(ctx, r, cause)
}

// failMalformed moves a record whose header cannot be decoded to Failed,
// appending the reason to the raw document.
func (o *Orchestrator) failMalformed(ctx context.Context, rec store.Record, cause error) Outcome {
	msg := fmt.Sprintf("%s: %s", ErrNoExecutionPlan, cause)
	if _, err := o.audit.LogExecution(ctx, audit.Entry{
		ActionID:        rec.ID,
		ActionType:      "unknown",
		ExecutionStatus: audit.StatusFailed,
		ApprovalID:      rec.ID,
		Error:           msg,
	}); err != nil {
		o.logger.Error("audit entry lost", "action_id", rec.ID, "error", err)
	}
	doc := model.AppendToDocument(rec.Doc, fmt.Sprintf("- %s: Execution failed: %s", o.now().UTC().Format(time.RFC3339), msg))
	out := Outcome{ActionID: rec.ID, Stage: store.Failed, Status: executor.StatusError, Error: msg}
	if err := o.store.Move(ctx, store.KindApproval, rec.ID, store.Approved, store.Failed, doc); err != nil {
		o.logger.Error("moving malformed record failed", "action_id", rec.ID, "error", err)
		out.Stage = store.Approved
		return out
	}
	o.logger.Warn("malformed approved record moved to Failed", "action_id", rec.ID, "error", cause)
	return out
}

// save rewrites the record in Approved.
func (o *Orchestrator) save(ctx context.Context, r *model.ApprovalRequest) error {
	doc, err := model.EncodeApproval(r)
	if err != nil {
		return err
	}
	return o.store.Update(ctx, store.KindApproval, r.ActionID, store.Approved, doc)
}

func (o *Orchestrator) archive(ctx context.Context, r *model.ApprovalRequest, to store.Stage) error {
	doc, err := model.EncodeApproval(r)
	if err != nil {
		o.logger.Error("encoding finished request failed", "action_id", r.ActionID, "error", err)
		return err
	}
	if err := o.store.Move(ctx, store.KindApproval, r.ActionID, store.Approved, to, doc); err != nil {
		o.logger.Error("archiving request failed", "action_id", r.ActionID, "to", to, "error", err)
		return err
	}
	return nil
}
