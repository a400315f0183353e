// Package triage turns pending action items into approval requests. Each
// item gets a priority, is matched to a configured route, is classified
// against the permission boundary, and is then either proposed for human
// approval or auto-approved. The handled item is archived to Done.
package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oktsec/actiongate/internal/approval"
	"github.com/oktsec/actiongate/internal/config"
	"github.com/oktsec/actiongate/internal/model"
	"github.com/oktsec/actiongate/internal/policy"
	"github.com/oktsec/actiongate/internal/store"
)

// Outcomes reported per item.
const (
	OutcomePending  = "pending_approval"
	OutcomeAuto     = "auto_approved"
	OutcomeNoAction = "no_action"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// ResultNoAction is the terminal annotation for items without a route.
const ResultNoAction = "no automated action"

var (
	highPriorityKeywords = []string{"urgent", "asap", "payment", "invoice", "overdue", "immediately"}
	lowPriorityKeywords  = []string{"newsletter", "unsubscribe", "no-reply", "noreply", "digest"}
)

// Result describes how one item was handled.
type Result struct {
	ItemID   string
	ActionID string
	Outcome  string
	Risk     model.RiskLevel
	Error    string
}

// Triage processes the Needs_Action stage.
type Triage struct {
	store      *store.Store
	gate       *approval.Gate
	classifier *policy.Classifier
	routes     map[string]config.Route
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a triage step using the routes in cfg.
func New(cfg config.TriageConfig, st *store.Store, gate *approval.Gate, classifier *policy.Classifier, logger *slog.Logger) *Triage {
	routes := make(map[string]config.Route, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routes[strings.ToLower(r.Kind)] = r
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Triage{
		store:      st,
		gate:       gate,
		classifier: classifier,
		routes:     routes,
		interval:   interval,
		logger:     logger,
		now:        time.Now,
	}
}

// AssignPriority derives an item's priority from its subject, sender, tags
// and content.
func AssignPriority(item *model.ActionItem) model.Priority {
	text := strings.ToLower(strings.Join([]string{item.Subject, item.Sender, strings.Join(item.Tags, " "), item.ContentPreview}, " "))
	for _, kw := range highPriorityKeywords {
		if strings.Contains(text, kw) {
			return model.PriorityHigh
		}
	}
	for _, kw := range lowPriorityKeywords {
		if strings.Contains(text, kw) {
			return model.PriorityLow
		}
	}
	return model.PriorityMedium
}

// Run processes Needs_Action every poll interval until ctx is cancelled.
func (t *Triage) Run(ctx context.Context) error {
	t.logger.Info("triage started", "poll_interval", t.interval, "routes", len(t.routes))
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		if _, err := t.ScanOnce(ctx); err != nil {
			t.logger.Error("triage scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			t.logger.Info("triage stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ScanOnce handles every item in Needs_Action, in arrival order.
func (t *Triage) ScanOnce(ctx context.Context) ([]Result, error) {
	recs, err := t.store.List(ctx, store.KindItem, store.NeedsAction)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	work := context.WithoutCancel(ctx)
	var out []Result
	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		out = append(out, t.process(work, rec))
	}
	return out, nil
}

func (t *Triage) process(ctx context.Context, rec store.Record) Result {
	item, err := model.DecodeItem(rec.Doc)
	if err != nil {
		t.logger.Warn("malformed action item left in place", "id", rec.ID, "error", err)
		return Result{ItemID: rec.ID, Outcome: OutcomeSkipped, Error: err.Error()}
	}
	item.Priority = AssignPriority(item)

	route, ok := t.routes[strings.ToLower(item.Kind)]
	if !ok {
		return t.archive(ctx, item, store.Done, ResultNoAction, "", Result{ItemID: item.ID, Outcome: OutcomeNoAction})
	}

	actionID := item.ID + "-" + slug(route.Operation)
	actx := itemContext(item)
	draft := render(route.DraftTemplate, item)
	if draft == "" && policy.IsExternal(route.ActionType) {
		draft = strings.TrimSpace(item.Content)
	}
	a := t.classifier.Assess(ctx, route.ActionType, actx, draft)

	params := make(map[string]any, len(route.Parameters)+1)
	for k, v := range route.Parameters {
		params[k] = render(v, item)
	}
	if len(params) == 0 && draft != "" {
		params["content"] = draft
	}

	r, err := t.gate.Create(approval.Proposal{
		ActionID:       actionID,
		ActionType:     route.ActionType,
		RiskLevel:      a.Risk,
		RiskFactors:    a.Factors,
		DraftContent:   draft,
		ImpactAnalysis: impact(route, item),
		BlastRadius:    blastRadius(route, item),
		Checklist:      a.Checklist,
		SourceItem:     item.ID,
		Plan: &model.ExecutionPlan{
			TargetSystem: route.TargetSystem,
			Operation:    route.Operation,
			Parameters:   params,
		},
	})
	if err != nil {
		t.logger.Error("building approval request failed", "id", item.ID, "action_type", route.ActionType, "error", err)
		return t.archive(ctx, item, store.Failed, "triage failed: "+err.Error(), "",
			Result{ItemID: item.ID, Outcome: OutcomeFailed, Error: err.Error()})
	}

	res := Result{ItemID: item.ID, ActionID: actionID, Risk: a.Risk}
	var result string
	if a.RequireApproval {
		err = t.gate.Persist(ctx, r)
		res.Outcome = OutcomePending
		result = fmt.Sprintf("approval requested (%s risk): %s", a.Risk, actionID)
	} else {
		err = t.gate.PersistAutoApproved(ctx, r, a.Reason)
		res.Outcome = OutcomeAuto
		result = "auto-approved: " + actionID
	}
	if err != nil {
		if !errors.Is(err, store.ErrConflict) {
			t.logger.Error("persisting approval request failed", "id", item.ID, "action_id", actionID, "error", err)
			res.Outcome = OutcomeSkipped
			res.Error = err.Error()
			return res
		}
		// A previous run proposed this action but stopped before archiving
		// the item.
		t.logger.Info("approval request already exists", "id", item.ID, "action_id", actionID)
	}
	return t.archive(ctx, item, store.Done, result, actionID, res)
}

// archive marks item processed and moves it out of Needs_Action.
func (t *Triage) archive(ctx context.Context, item *model.ActionItem, to store.Stage, result, planID string, res Result) Result {
	now := t.now()
	if err := item.MarkProcessed(result, planID, now); err != nil {
		res.Outcome = OutcomeSkipped
		res.Error = err.Error()
		return res
	}
	item.AppendNote(now, "Triage: "+result)
	doc, err := model.EncodeItem(item)
	if err == nil {
		err = t.store.Move(ctx, store.KindItem, item.ID, store.NeedsAction, to, doc)
	}
	if err != nil {
		t.logger.Error("archiving action item failed", "id", item.ID, "error", err)
		res.Outcome = OutcomeSkipped
		res.Error = err.Error()
		return res
	}
	t.logger.Info("action item triaged", "id", item.ID, "priority", item.Priority, "outcome", res.Outcome, "action_id", planID)
	return res
}

// itemContext exposes item attributes to permission-boundary exceptions.
// Every tag becomes a truthy key.
func itemContext(item *model.ActionItem) map[string]string {
	actx := map[string]string{
		"kind":     item.Kind,
		"sender":   item.Sender,
		"priority": string(item.Priority),
	}
	for _, tag := range item.Tags {
		actx[strings.ToLower(tag)] = "true"
	}
	return actx
}

// render substitutes {sender}, {subject}, {content} and {id} in tmpl.
func render(tmpl string, item *model.ActionItem) string {
	if tmpl == "" {
		return ""
	}
	r := strings.NewReplacer(
		"{sender}", item.Sender,
		"{subject}", item.Subject,
		"{content}", strings.TrimSpace(item.Content),
		"{id}", item.ID,
	)
	return r.Replace(tmpl)
}

func impact(route config.Route, item *model.ActionItem) string {
	who := item.Sender
	if who == "" {
		who = "an unknown sender"
	}
	return fmt.Sprintf("Performs %s on %s in response to %s item %s from %s.",
		route.Operation, route.TargetSystem, item.Kind, item.ID, who)
}

func blastRadius(route config.Route, item *model.ActionItem) string {
	if item.Sender != "" && !strings.Contains(strings.ToLower(route.ActionType), "publish") {
		return fmt.Sprintf("%s: one %s operation addressed to %s", route.TargetSystem, route.Operation, item.Sender)
	}
	return fmt.Sprintf("%s: one %s operation, visible to everyone with access to %s", route.TargetSystem, route.Operation, route.TargetSystem)
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		}
		return '-'
	}, s)
}
