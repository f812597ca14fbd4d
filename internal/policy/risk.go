package policy

import (
	"strings"

	"agentq/internal/domain"
)

// RiskAssessment is the content-based classification used to route
// non-shell tasks. For shell tasks the command classifier is authoritative;
// the tier here feeds routing and audit only.
type RiskAssessment struct {
	Tier             domain.RiskTier
	RequiresApproval bool
	Rationale        string
}

var criticalMarkers = []string{
	"rm -rf",
	"drop database",
	"truncate table",
	"format disk",
	"shutdown",
}

var highRiskMarkers = []string{
	"delete",
	"remove",
	"destroy",
	"revoke",
	"restart",
	"purchase",
	"pay",
	"send email",
	"send message",
	"change config",
	"production",
	"sudo",
}

var mediumRiskMarkers = []string{
	"write",
	"modify",
	"update",
}

// ClassifyRequestRisk maps free-form request text to a risk tier plus an
// approval requirement.
func ClassifyRequestRisk(text string) RiskAssessment {
	lowered := strings.ToLower(strings.TrimSpace(text))
	if lowered == "" {
		return RiskAssessment{Tier: domain.RiskLow}
	}
	for _, marker := range criticalMarkers {
		if strings.Contains(lowered, marker) {
			return RiskAssessment{
				Tier:             domain.RiskCritical,
				RequiresApproval: true,
				Rationale:        "matched critical marker: " + marker,
			}
		}
	}
	for _, marker := range highRiskMarkers {
		if strings.Contains(lowered, marker) {
			return RiskAssessment{
				Tier:             domain.RiskHigh,
				RequiresApproval: true,
				Rationale:        "matched high-risk marker: " + marker,
			}
		}
	}
	for _, marker := range mediumRiskMarkers {
		if strings.Contains(lowered, marker) {
			return RiskAssessment{Tier: domain.RiskMedium, Rationale: "matched write marker: " + marker}
		}
	}
	return RiskAssessment{Tier: domain.RiskLow}
}
