// Package approval implements the human approval gate: creating validated
// approval requests, persisting them as pending, and the one-way
// pending -> approved / pending -> rejected transitions.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oktsec/actiongate/internal/metrics"
	"github.com/oktsec/actiongate/internal/model"
	"github.com/oktsec/actiongate/internal/notify"
	"github.com/oktsec/actiongate/internal/policy"
	"github.com/oktsec/actiongate/internal/store"
)

var (
	// ErrValidation wraps creation-time validation failures.
	ErrValidation = errors.New("invalid approval request")
	// ErrNotPending is returned when approving or rejecting a request that
	// has already been decided.
	ErrNotPending = errors.New("approval request is not pending")
)

// SystemActor decides requests on behalf of the pipeline (policy
// auto-approval, expiry).
const SystemActor = "system"

// Proposal carries everything needed to create a request. The gate does not
// infer missing fields.
type Proposal struct {
	ActionID       string
	ActionType     string
	RiskLevel      model.RiskLevel
	RiskFactors    []string
	DraftContent   string
	Plan           *model.ExecutionPlan
	ImpactAnalysis string
	BlastRadius    string
	Checklist      []string
	SourceItem     string
}

// Gate owns approval requests in the store.
type Gate struct {
	store    *store.Store
	logger   *slog.Logger
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithNotifier sends approval events to n.
func WithNotifier(n *notify.Notifier) Option {
	return func(g *Gate) { g.notifier = n }
}

// WithMetrics records gate activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate over st.
func NewGate(st *store.Store, logger *slog.Logger, opts ...Option) *Gate {
	g := &Gate{store: st, logger: logger, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Create validates p and builds a pending request. Every violated rule is
// reported in the joined error.
func (g *Gate) Create(p Proposal) (*model.ApprovalRequest, error) {
	var errs []error
	if p.ActionID == "" {
		errs = append(errs, errors.New("action_id is required"))
	}
	if p.ActionType == "" {
		errs = append(errs, errors.New("action_type is required"))
	}
	if p.RiskLevel == "" {
		errs = append(errs, errors.New("risk_level is required"))
	} else if _, err := model.ParseRiskLevel(string(p.RiskLevel)); err != nil {
		errs = append(errs, err)
	}
	if p.ActionType != "" && policy.IsExternal(p.ActionType) && strings.TrimSpace(p.DraftContent) == "" {
		errs = append(errs, fmt.Errorf("draft_content is required for external action %q", p.ActionType))
	}
	if err := p.Plan.Validate(); err != nil {
		errs = append(errs, err)
	}
	if (p.RiskLevel == model.RiskMedium || p.RiskLevel == model.RiskHigh) && strings.TrimSpace(p.ImpactAnalysis) == "" {
		errs = append(errs, fmt.Errorf("impact_analysis is required for %s risk", p.RiskLevel))
	}
	if p.RiskLevel == model.RiskHigh && strings.TrimSpace(p.BlastRadius) == "" {
		errs = append(errs, errors.New("blast_radius is required for high risk"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w %q: %w", ErrValidation, p.ActionID, errors.Join(errs...))
	}

	plan := *p.Plan
	plan.Parameters = cloneParams(p.Plan.Parameters)
	if plan.ActionID == "" {
		plan.ActionID = p.ActionID
	}
	if plan.MaxRetries == 0 {
		plan.MaxRetries = model.DefaultMaxRetries
	}

	r := &model.ApprovalRequest{
		ActionID:       p.ActionID,
		ActionType:     p.ActionType,
		CreatedAt:      g.now().UTC().Truncate(time.Second),
		Status:         model.StatusPending,
		RiskLevel:      p.RiskLevel,
		ToolName:       plan.ToolName(),
		RiskFactors:    append([]string(nil), p.RiskFactors...),
		SourceItem:     p.SourceItem,
		DraftContent:   p.DraftContent,
		ImpactAnalysis: p.ImpactAnalysis,
		BlastRadius:    p.BlastRadius,
		Checklist:      append([]string(nil), p.Checklist...),
		Plan:           &plan,
	}
	r.Body = model.RenderApprovalBody(r)
	return r, nil
}

// Persist stores r in Pending_Approval. Re-persisting identical content is
// a no-op; a different payload under the same id is store.ErrConflict.
func (g *Gate) Persist(ctx context.Context, r *model.ApprovalRequest) error {
	if r.Status != model.StatusPending {
		return fmt.Errorf("persist %q: %w", r.ActionID, ErrNotPending)
	}
	doc, err := model.EncodeApproval(r)
	if err != nil {
		return err
	}
	if existing, err := g.store.Get(ctx, store.KindApproval, r.ActionID); err == nil {
		if existing.Stage == store.PendingApproval && string(existing.Doc) == string(doc) {
			return nil
		}
	}
	if err := g.store.Put(ctx, store.KindApproval, r.ActionID, store.PendingApproval, doc); err != nil {
		return fmt.Errorf("persisting approval %q: %w", r.ActionID, err)
	}
	g.logger.Info("approval requested", "action_id", r.ActionID, "action_type", r.ActionType, "risk", r.RiskLevel)
	g.metrics.RecordApprovalCreated(string(r.RiskLevel))
	g.notifier.Notify(notify.Event{
		Event:      notify.EventApprovalRequested,
		ActionID:   r.ActionID,
		ActionType: r.ActionType,
		Risk:       string(r.RiskLevel),
		Status:     string(r.Status),
	})
	return nil
}

// PersistAutoApproved stores a request the permission boundary auto-approved
// directly in Approved, stamped as decided by the system.
func (g *Gate) PersistAutoApproved(ctx context.Context, r *model.ApprovalRequest, reason string) error {
	if r.Status != model.StatusPending {
		return fmt.Errorf("auto-approve %q: %w", r.ActionID, ErrNotPending)
	}
	next := *r
	now := g.now().UTC()
	next.Status = model.StatusApproved
	next.ApprovedBy = SystemActor
	next.ApprovedAt = now
	next.AppendNote(now, "Auto-approved by permission boundary: "+reason)

	doc, err := model.EncodeApproval(&next)
	if err != nil {
		return err
	}
	if err := g.store.Put(ctx, store.KindApproval, next.ActionID, store.Approved, doc); err != nil {
		return fmt.Errorf("persisting approved %q: %w", next.ActionID, err)
	}
	*r = next
	g.metrics.RecordDecision("auto")
	g.logger.Info("action auto-approved", "action_id", r.ActionID, "action_type", r.ActionType, "reason", reason)
	return nil
}

// Approve moves a pending request to Approved. It fails with ErrNotPending,
// leaving r untouched, if r was already decided.
func (g *Gate) Approve(ctx context.Context, r *model.ApprovalRequest, approverID string) error {
	if r.Status != model.StatusPending {
		return fmt.Errorf("approve %q (status %s): %w", r.ActionID, r.Status, ErrNotPending)
	}
	if strings.TrimSpace(approverID) == "" {
		return fmt.Errorf("%w: approver is required", ErrValidation)
	}
	next := *r
	now := g.now().UTC()
	next.Status = model.StatusApproved
	next.ApprovedBy = approverID
	next.ApprovedAt = now
	next.AppendNote(now, fmt.Sprintf("Approved by %s. Queued for execution.", approverID))

	if err := g.move(ctx, &next, store.Approved); err != nil {
		return err
	}
	*r = next
	g.decided(r, "approved", approverID)
	return nil
}

// Reject moves a pending request to Rejected. reason is required.
func (g *Gate) Reject(ctx context.Context, r *model.ApprovalRequest, rejecterID, reason string) error {
	if r.Status != model.StatusPending {
		return fmt.Errorf("reject %q (status %s): %w", r.ActionID, r.Status, ErrNotPending)
	}
	if strings.TrimSpace(rejecterID) == "" {
		return fmt.Errorf("%w: rejecter is required", ErrValidation)
	}
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("%w: rejection reason is required", ErrValidation)
	}
	next := *r
	now := g.now().UTC()
	next.Status = model.StatusRejected
	next.RejectedBy = rejecterID
	next.RejectedAt = now
	next.RejectionReason = reason
	next.AppendNote(now, fmt.Sprintf("Rejected by %s: %s. No action will be taken.", rejecterID, reason))

	if err := g.move(ctx, &next, store.Rejected); err != nil {
		return err
	}
	*r = next
	g.decided(r, "rejected", rejecterID)
	return nil
}

// ApproveByID loads a request and approves it.
func (g *Gate) ApproveByID(ctx context.Context, actionID, approverID string) (*model.ApprovalRequest, error) {
	r, _, err := g.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if err := g.Approve(ctx, r, approverID); err != nil {
		return nil, err
	}
	return r, nil
}

// RejectByID loads a request and rejects it.
func (g *Gate) RejectByID(ctx context.Context, actionID, rejecterID, reason string) (*model.ApprovalRequest, error) {
	r, _, err := g.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if err := g.Reject(ctx, r, rejecterID, reason); err != nil {
		return nil, err
	}
	return r, nil
}

// Get loads a request and the stage it is in.
func (g *Gate) Get(ctx context.Context, actionID string) (*model.ApprovalRequest, store.Stage, error) {
	rec, err := g.store.Get(ctx, store.KindApproval, actionID)
	if err != nil {
		return nil, "", err
	}
	r, err := model.DecodeApproval(rec.Doc)
	if err != nil {
		return nil, rec.Stage, err
	}
	return r, rec.Stage, nil
}

// List returns the requests in stage, oldest first. Records that fail to
// decode are logged and skipped.
func (g *Gate) List(ctx context.Context, stage store.Stage) ([]*model.ApprovalRequest, error) {
	recs, err := g.store.List(ctx, store.KindApproval, stage)
	if err != nil {
		return nil, err
	}
	out := make([]*model.ApprovalRequest, 0, len(recs))
	for _, rec := range recs {
		r, err := model.DecodeApproval(rec.Doc)
		if err != nil {
			g.logger.Warn("skipping malformed approval record", "action_id", rec.ID, "stage", rec.Stage, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ExpirePending rejects, as SystemActor, every pending request created more
// than maxAge ago. It returns how many were expired.
func (g *Gate) ExpirePending(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	pending, err := g.List(ctx, store.PendingApproval)
	if err != nil {
		return 0, err
	}
	cutoff := g.now().Add(-maxAge)
	reason := fmt.Sprintf("expired after %s without a decision", formatAge(maxAge))
	n := 0
	for _, r := range pending {
		if r.CreatedAt.After(cutoff) {
			continue
		}
		if err := g.Reject(ctx, r, SystemActor, reason); err != nil {
			if errors.Is(err, store.ErrNotInStage) || errors.Is(err, ErrNotPending) {
				continue // decided concurrently
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func formatAge(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	return d.String()
}

// move writes next into to, from Pending_Approval, in one transaction.
func (g *Gate) move(ctx context.Context, next *model.ApprovalRequest, to store.Stage) error {
	doc, err := model.EncodeApproval(next)
	if err != nil {
		return err
	}
	err = g.store.Move(ctx, store.KindApproval, next.ActionID, store.PendingApproval, to, doc)
	if errors.Is(err, store.ErrNotInStage) {
		return fmt.Errorf("%q: %w: %w", next.ActionID, ErrNotPending, err)
	}
	return err
}

func (g *Gate) decided(r *model.ApprovalRequest, decision, actor string) {
	g.logger.Info("approval decided", "action_id", r.ActionID, "decision", decision, "by", actor)
	if actor == SystemActor && decision == "rejected" {
		decision = "expired"
	}
	g.metrics.RecordDecision(decision)
	g.notifier.Notify(notify.Event{
		Event:      notify.EventApprovalDecided,
		ActionID:   r.ActionID,
		ActionType: r.ActionType,
		Risk:       string(r.RiskLevel),
		Status:     string(r.Status),
		Actor:      actor,
	})
}

func cloneParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
