package policy

import (
	"context"
	"fmt"

	"github.com/garagon/aguara"
)

// maxMatchLen bounds the matched text copied into a finding.
const maxMatchLen = 80

// Finding is a simplified aguara finding attached to a draft.
type Finding struct {
	RuleID   string `json:"rule_id"`
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Match    string `json:"match,omitempty"`
}

// ScanResult holds the findings for one draft.
type ScanResult struct {
	Findings []Finding
	// Escalate is set when any finding is high or critical severity.
	Escalate bool
}

// Scanner runs aguara's content rules over outgoing drafts so that prompt
// injection, leaked credentials and similar content raise the risk tier.
type Scanner struct {
	opts []aguara.Option
}

// NewScanner creates a scanner with aguara's built-in rules plus any rules
// found in customRulesDir.
func NewScanner(customRulesDir string, extraOpts ...aguara.Option) *Scanner {
	s := &Scanner{}
	if customRulesDir != "" {
		s.opts = append(s.opts, aguara.WithCustomRules(customRulesDir))
	}
	s.opts = append(s.opts, extraOpts...)
	return s
}

// Scan scans a draft. Empty drafts yield an empty result.
func (s *Scanner) Scan(ctx context.Context, draft string) (*ScanResult, error) {
	out := &ScanResult{}
	if draft == "" {
		return out, nil
	}
	result, err := aguara.ScanContent(ctx, draft, "draft.md", s.opts...)
	if err != nil {
		return nil, fmt.Errorf("aguara scan: %w", err)
	}
	for _, f := range result.Findings {
		out.Findings = append(out.Findings, Finding{
			RuleID:   f.RuleID,
			Name:     f.RuleName,
			Severity: f.Severity.String(),
			Match:    truncate(f.MatchedText, maxMatchLen),
		})
		if f.Severity >= aguara.SeverityHigh {
			out.Escalate = true
		}
	}
	return out, nil
}

// RiskFactors renders findings as risk-factor lines.
func (r *ScanResult) RiskFactors() []string {
	factors := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		factors = append(factors, fmt.Sprintf("draft matches %s (%s, %s)", f.RuleID, f.Name, f.Severity))
	}
	return factors
}

// RulesCount returns the number of loaded rules.
func (s *Scanner) RulesCount(ctx context.Context) int {
	result, err := aguara.ScanContent(ctx, "test", "test.md", s.opts...)
	if err != nil {
		return 0
	}
	return result.RulesLoaded
}

// ListRules returns metadata for all loaded rules.
func (s *Scanner) ListRules() []aguara.RuleInfo {
	return aguara.ListRules(s.opts...)
}

// ExplainRule returns detailed information about a rule by ID.
func (s *Scanner) ExplainRule(id string) (*aguara.RuleDetail, error) {
	return aguara.ExplainRule(id, s.opts...)
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
