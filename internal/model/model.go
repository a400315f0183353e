// Package model defines the typed records that flow through the action
// pipeline: action items detected by watchers, approval requests awaiting a
// human decision, and the execution plans bound to them.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalid is wrapped by every validation failure in this package.
var ErrInvalid = errors.New("invalid record")

// PreviewLength bounds ActionItem.ContentPreview.
const PreviewLength = 200

// DefaultMaxRetries is the retry budget given to plans that do not set one.
const DefaultMaxRetries = 3

// ItemStatus is the triage status of an action item.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemProcessed ItemStatus = "processed"
)

// Priority is the triage priority of an action item.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ParsePriority returns the Priority for s, or an error for unknown values.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(s)); p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown priority %q", ErrInvalid, s)
}

// ApprovalStatus is the lifecycle state of an approval request.
// pending -> approved|rejected is decided by a human; approved -> done|failed
// is decided by the orchestrator. Nothing ever returns to pending.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
	StatusDone     ApprovalStatus = "done"
	StatusFailed   ApprovalStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s ApprovalStatus) Terminal() bool {
	return s == StatusRejected || s == StatusDone || s == StatusFailed
}

func (s ApprovalStatus) valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusDone, StatusFailed:
		return true
	}
	return false
}

// RiskLevel is the risk tier assigned by the classifier.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ParseRiskLevel returns the RiskLevel for s.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch r := RiskLevel(strings.ToLower(s)); r {
	case RiskLow, RiskMedium, RiskHigh:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown risk level %q", ErrInvalid, s)
}

// ActionItem is a unit of work detected by a watcher.
type ActionItem struct {
	ID             string     `yaml:"id"`
	Kind           string     `yaml:"type"`
	ReceivedAt     time.Time  `yaml:"received"`
	Status         ItemStatus `yaml:"status"`
	Priority       Priority   `yaml:"priority"`
	Sender         string     `yaml:"sender,omitempty"`
	Subject        string     `yaml:"subject,omitempty"`
	Tags           []string   `yaml:"tags,omitempty"`
	SourceID       string     `yaml:"source_id,omitempty"`
	ContentPreview string     `yaml:"content_preview,omitempty"`

	// Terminal annotations, set once the item is processed.
	Result      string    `yaml:"result,omitempty"`
	ProcessedAt time.Time `yaml:"processed_at,omitempty"`
	PlanID      string    `yaml:"plan_id,omitempty"`

	// Content is the full body; it is stored as the document body, not in
	// the header.
	Content string `yaml:"-"`
}

// NewActionItem builds a pending, medium-priority item and validates it.
func NewActionItem(id, kind string, receivedAt time.Time, content string) (*ActionItem, error) {
	item := &ActionItem{
		ID:             id,
		Kind:           kind,
		ReceivedAt:     receivedAt.UTC(),
		Status:         ItemPending,
		Priority:       PriorityMedium,
		Content:        content,
		ContentPreview: Preview(content, PreviewLength),
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}
	return item, nil
}

// Validate checks the required header fields.
func (a *ActionItem) Validate() error {
	var errs []error
	if a.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if a.Kind == "" {
		errs = append(errs, errors.New("type is required"))
	}
	if a.ReceivedAt.IsZero() {
		errs = append(errs, errors.New("received is required"))
	}
	switch a.Status {
	case ItemPending, ItemProcessed:
	default:
		errs = append(errs, fmt.Errorf("status %q is not pending or processed", a.Status))
	}
	switch a.Priority {
	case PriorityHigh, PriorityMedium, PriorityLow:
	default:
		errs = append(errs, fmt.Errorf("priority %q is not high, medium or low", a.Priority))
	}
	if len([]rune(a.ContentPreview)) > PreviewLength {
		errs = append(errs, fmt.Errorf("content_preview exceeds %d characters", PreviewLength))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: action item %q: %w", ErrInvalid, a.ID, errors.Join(errs...))
	}
	return nil
}

// MarkProcessed sets the terminal annotations. It fails if the item was
// already processed: processed items are immutable.
func (a *ActionItem) MarkProcessed(result, planID string, at time.Time) error {
	if a.Status == ItemProcessed {
		return fmt.Errorf("%w: action item %q is already processed", ErrInvalid, a.ID)
	}
	a.Status = ItemProcessed
	a.Result = result
	a.PlanID = planID
	a.ProcessedAt = at.UTC()
	return nil
}

// HasTag reports whether the item carries tag (case-insensitive).
func (a *ActionItem) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// ExecutionPlan is the machine-executable instruction bound to one request.
type ExecutionPlan struct {
	ActionID     string         `yaml:"action_id" json:"action_id"`
	TargetSystem string         `yaml:"target_system" json:"target_system"`
	Operation    string         `yaml:"operation" json:"operation"`
	Parameters   map[string]any `yaml:"parameters" json:"parameters"`
	RetryCount   int            `yaml:"retry_count" json:"retry_count"`
	MaxRetries   int            `yaml:"max_retries" json:"max_retries"`
	LastError    string         `yaml:"last_error,omitempty" json:"last_error,omitempty"`
	DryRun       bool           `yaml:"dry_run,omitempty" json:"dry_run,omitempty"`
}

// Validate checks that the plan names a target, an operation and parameters,
// and that the retry counters are consistent.
func (p *ExecutionPlan) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: execution plan is missing", ErrInvalid)
	}
	var errs []error
	if p.TargetSystem == "" {
		errs = append(errs, errors.New("target_system is required"))
	}
	if p.Operation == "" {
		errs = append(errs, errors.New("operation is required"))
	}
	if len(p.Parameters) == 0 {
		errs = append(errs, errors.New("parameters are required"))
	}
	if p.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must not be negative"))
	}
	if p.RetryCount < 0 || p.RetryCount > p.MaxRetries {
		errs = append(errs, fmt.Errorf("retry_count %d outside [0, %d]", p.RetryCount, p.MaxRetries))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: execution plan: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// CanRetry reports whether another attempt is allowed.
func (p *ExecutionPlan) CanRetry() bool {
	return p.RetryCount < p.MaxRetries
}

// ToolName is the name recorded in audit entries for this plan.
func (p *ExecutionPlan) ToolName() string {
	if p == nil {
		return ""
	}
	return p.TargetSystem + "." + p.Operation
}

// ApprovalRequest is a proposed external action and its decision history.
type ApprovalRequest struct {
	ActionID    string         `yaml:"action_id"`
	ActionType  string         `yaml:"action_type"`
	CreatedAt   time.Time      `yaml:"created"`
	Status      ApprovalStatus `yaml:"status"`
	RiskLevel   RiskLevel      `yaml:"risk_level"`
	ToolName    string         `yaml:"tool_name"`
	RiskFactors []string       `yaml:"risk_factors,omitempty"`
	SourceItem  string         `yaml:"source_item,omitempty"`

	ApprovedBy      string    `yaml:"approved_by,omitempty"`
	ApprovedAt      time.Time `yaml:"approved_at,omitempty"`
	RejectedBy      string    `yaml:"rejected_by,omitempty"`
	RejectedAt      time.Time `yaml:"rejected_at,omitempty"`
	RejectionReason string    `yaml:"rejection_reason,omitempty"`

	ExecutionStarted time.Time `yaml:"execution_started,omitempty"`
	ExecutedAt       time.Time `yaml:"executed_at,omitempty"`
	ResultID         string    `yaml:"result_id,omitempty"`
	Error            string    `yaml:"error,omitempty"`

	DraftContent   string         `yaml:"draft_content,omitempty"`
	ImpactAnalysis string         `yaml:"impact_analysis,omitempty"`
	BlastRadius    string         `yaml:"blast_radius,omitempty"`
	Checklist      []string       `yaml:"checklist,omitempty"`
	Plan           *ExecutionPlan `yaml:"execution_plan,omitempty"`

	// Body is the human-readable document body. Transitions append
	// confirmation text to it; it is never rewritten.
	Body string `yaml:"-"`
}

// DecidedBy returns the approver or rejecter, if any.
func (r *ApprovalRequest) DecidedBy() string {
	if r.ApprovedBy != "" {
		return r.ApprovedBy
	}
	return r.RejectedBy
}

// DecidedAt returns the decision time, if any.
func (r *ApprovalRequest) DecidedAt() time.Time {
	if !r.ApprovedAt.IsZero() {
		return r.ApprovedAt
	}
	return r.RejectedAt
}

// ValidateHeader checks the keys every persisted request must carry.
// Content rules for creation live in the approval gate.
func (r *ApprovalRequest) ValidateHeader() error {
	var errs []error
	if r.ActionID == "" {
		errs = append(errs, errors.New("action_id is required"))
	}
	if r.ActionType == "" {
		errs = append(errs, errors.New("action_type is required"))
	}
	if r.CreatedAt.IsZero() {
		errs = append(errs, errors.New("created is required"))
	}
	if !r.Status.valid() {
		errs = append(errs, fmt.Errorf("status %q is unknown", r.Status))
	}
	if _, err := ParseRiskLevel(string(r.RiskLevel)); err != nil {
		errs = append(errs, fmt.Errorf("risk_level %q is unknown", r.RiskLevel))
	}
	if r.ToolName == "" {
		errs = append(errs, errors.New("tool_name is required"))
	}
	if r.Status == StatusRejected && r.RejectionReason == "" {
		errs = append(errs, errors.New("rejected requests need a rejection_reason"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: approval request %q: %w", ErrInvalid, r.ActionID, errors.Join(errs...))
	}
	return nil
}

// AppendNote appends confirmation text to the body as a timestamped line.
func (r *ApprovalRequest) AppendNote(at time.Time, text string) {
	r.Body = appendNote(r.Body, at, text)
}

// AppendNote appends a timestamped line to the item body.
func (a *ActionItem) AppendNote(at time.Time, text string) {
	a.Content = appendNote(a.Content, at, text)
}

func appendNote(body string, at time.Time, text string) string {
	line := fmt.Sprintf("- %s: %s", at.UTC().Format(time.RFC3339), text)
	if !strings.Contains(body, historyHeading) {
		body = strings.TrimRight(body, "\n") + "\n\n" + historyHeading + "\n\n"
	}
	return strings.TrimRight(body, "\n") + "\n" + line + "\n"
}

const historyHeading = "## History"

// Preview returns s cut to at most n runes.
func Preview(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
