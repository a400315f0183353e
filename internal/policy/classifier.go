package policy

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/oktsec/actiongate/internal/model"
)

// Assessment is the full classification of one proposed action.
type Assessment struct {
	RequireApproval bool
	Risk            model.RiskLevel
	Reason          string
	Factors         []string
	Checklist       []string
	Findings        []Finding
}

// DraftScanner inspects outgoing draft content.
type DraftScanner interface {
	Scan(ctx context.Context, draft string) (*ScanResult, error)
}

// Classifier combines the permission boundary with draft scanning. The
// boundary can be swapped at runtime by a Reloader.
type Classifier struct {
	boundary atomic.Pointer[Boundary]
	scanner  DraftScanner // nil disables draft scanning
	logger   *slog.Logger
}

// NewClassifier creates a classifier. scanner may be nil.
func NewClassifier(b *Boundary, scanner DraftScanner, logger *slog.Logger) *Classifier {
	c := &Classifier{scanner: scanner, logger: logger}
	if s, ok := scanner.(*Scanner); ok && s == nil {
		c.scanner = nil
	}
	c.boundary.Store(b)
	return c
}

// Boundary returns the active boundary.
func (c *Classifier) Boundary() *Boundary {
	return c.boundary.Load()
}

// SetBoundary replaces the active boundary.
func (c *Classifier) SetBoundary(b *Boundary) {
	c.boundary.Store(b)
}

// Assess classifies actionType under actx and scans draft. A high or critical
// finding in the draft forces approval at high risk. A scan error is logged
// and treated as no findings.
func (c *Classifier) Assess(ctx context.Context, actionType string, actx map[string]string, draft string) Assessment {
	b := c.Boundary()
	d := b.Evaluate(actionType, actx)
	a := Assessment{
		RequireApproval: d.RequireApproval,
		Risk:            ClassifyRisk(actionType, b, actx),
		Reason:          d.Reason,
		Factors:         RiskFactors(actionType, b, actx),
		Checklist:       append([]string(nil), b.Checklist...),
	}

	if c.scanner == nil || draft == "" {
		return a
	}
	res, err := c.scanner.Scan(ctx, draft)
	if err != nil {
		c.logger.Warn("draft scan failed", "action_type", actionType, "error", err)
		return a
	}
	a.Findings = res.Findings
	a.Factors = append(a.Factors, res.RiskFactors()...)
	if res.Escalate {
		a.RequireApproval = true
		a.Risk = model.RiskHigh
		a.Reason = "draft content flagged by scanner"
	}
	return a
}
