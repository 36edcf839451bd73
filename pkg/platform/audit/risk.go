package audit

import (
	"fmt"
	"strings"
)

// RiskLevel grades how sensitive an audited operation is. It drives lane
// selection, retention and post-processing notifications.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

var riskRanks = map[RiskLevel]int{
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// Valid reports whether r is one of the four known levels.
func (r RiskLevel) Valid() bool {
	_, ok := riskRanks[r]
	return ok
}

// Rank orders risk levels; unknown levels rank 0.
func (r RiskLevel) Rank() int {
	return riskRanks[r]
}

// AtLeast reports whether r is as severe as other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.Rank() >= other.Rank()
}

func (r RiskLevel) String() string { return string(r) }

// MaxRisk returns the more severe of a and b.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseRiskLevel parses a risk level case-insensitively.
func ParseRiskLevel(s string) (RiskLevel, error) {
	r := RiskLevel(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown risk level %q", s)
	}
	return r, nil
}
