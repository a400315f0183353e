package policy

import (
	"fmt"

	"github.com/oktsec/actiongate/internal/model"
)

// HighRiskKeywords escalate an approval-gated action to high risk.
var HighRiskKeywords = []string{
	"payment", "pay", "financial", "invoice", "transfer", "bank",
	"delete", "remove", "publish", "automation", "automate", "bulk", "mass",
}

// ClassifyRisk assigns a tier: low when the boundary auto-approves the
// action, high when its name carries a high-risk keyword, medium otherwise.
func ClassifyRisk(actionType string, b *Boundary, actx map[string]string) model.RiskLevel {
	if !b.ShouldRequireApproval(actionType, actx) {
		return model.RiskLow
	}
	if _, ok := firstMatch(actionType, HighRiskKeywords); ok {
		return model.RiskHigh
	}
	return model.RiskMedium
}

// RiskFactors explains the classification as an ordered list.
func RiskFactors(actionType string, b *Boundary, actx map[string]string) []string {
	d := b.Evaluate(actionType, actx)
	factors := []string{d.Reason}
	if k, ok := firstMatch(actionType, HighRiskKeywords); ok {
		factors = append(factors, fmt.Sprintf("high-risk keyword %q", k))
	}
	if v, ok := firstMatch(actionType, SideEffectVerbs); ok {
		factors = append(factors, fmt.Sprintf("external side effect (%s)", v))
	}
	return factors
}
