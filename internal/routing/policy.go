// Package routing classifies pipeline work and picks a model per stage.
//
// DESIGN: Three pure functions over triage fields and the routing config:
//   - ScoreRisk:     domains + file count + task type -> low|medium|high|critical
//   - ClassifyBudget: domains + file count + risk -> cheap|balanced|premium
//   - SelectModel:   stage + classification -> model alias and paying tier
//
// Both classifiers re-derive from the raw triage fields even when triage
// already supplied a value. Callers decide precedence (see Fill).
package routing

import (
	"strings"

	"github.com/compresr/tier-gateway/internal/config"
)

// Risk is the risk level of a task.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

// ParseRisk normalizes s. ok is false for unknown values.
func ParseRisk(s string) (Risk, bool) {
	switch r := Risk(strings.ToLower(strings.TrimSpace(s))); r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return r, true
	}
	return "", false
}

// AtLeastMedium reports risk in {medium, high, critical}.
func (r Risk) AtLeastMedium() bool { return r == RiskMedium || r.AtLeastHigh() }

// AtLeastHigh reports risk in {high, critical}.
func (r Risk) AtLeastHigh() bool { return r == RiskHigh || r == RiskCritical }

// BudgetClass controls how much model the coding stage gets.
type BudgetClass string

const (
	BudgetCheap    BudgetClass = "cheap"
	BudgetBalanced BudgetClass = "balanced"
	BudgetPremium  BudgetClass = "premium"
)

// ParseBudget normalizes s. ok is false for unknown values.
func ParseBudget(s string) (BudgetClass, bool) {
	switch b := BudgetClass(strings.ToLower(strings.TrimSpace(s))); b {
	case BudgetCheap, BudgetBalanced, BudgetPremium:
		return b, true
	}
	return "", false
}

// Stage is a pipeline stage.
type Stage string

const (
	StageTriage      Stage = "triage"
	StagePlan        Stage = "plan"
	StageCode        Stage = "code"
	StageReview      Stage = "review"
	StageTest        Stage = "test"
	StageFinalReview Stage = "final_review"
)

// Signals are the triage fields the policy reads.
type Signals struct {
	Domains       []string
	FilesEstimate int
	TaskType      string
}

// Policy is the routing policy built from configuration.
type Policy struct {
	critical  map[string]struct{}
	highRisk  map[string]struct{}
	sensitive map[string]struct{}
	models    config.ModelTable
}

// NewPolicy creates a policy from cfg.
func NewPolicy(cfg config.RoutingConfig) *Policy {
	return &Policy{
		critical:  toSet(cfg.CriticalDomains),
		highRisk:  toSet(cfg.HighRiskDomains),
		sensitive: toSet(cfg.SensitiveDomains),
		models:    cfg.Models,
	}
}

// ScoreRisk derives a risk level from triage signals.
func (p *Policy) ScoreRisk(s Signals) Risk {
	switch {
	case intersects(s.Domains, p.critical):
		return RiskCritical
	case s.FilesEstimate >= 3 || intersects(s.Domains, p.highRisk):
		return RiskHigh
	case s.FilesEstimate >= 2 || isChangeTask(s.TaskType):
		return RiskMedium
	default:
		return RiskLow
	}
}

// ClassifyBudget derives a budget class from triage signals and risk.
func (p *Policy) ClassifyBudget(s Signals, risk Risk) BudgetClass {
	switch {
	case intersects(s.Domains, p.critical) || risk.AtLeastHigh():
		return BudgetPremium
	case intersects(s.Domains, p.highRisk) || s.FilesEstimate >= 2 || risk == RiskMedium:
		return BudgetBalanced
	default:
		return BudgetCheap
	}
}

// Fill completes risk and budget. Values supplied upstream are kept;
// missing ones are computed locally.
func (p *Policy) Fill(s Signals, risk Risk, budget BudgetClass) (Risk, BudgetClass) {
	if risk == "" {
		risk = p.ScoreRisk(s)
	}
	if budget == "" {
		budget = p.ClassifyBudget(s, risk)
	}
	return risk, budget
}

// Sensitive reports whether any domain needs a final review.
func (p *Policy) Sensitive(domains []string) bool {
	return intersects(domains, p.sensitive)
}

// SelectModel returns the model route for a stage.
func (p *Policy) SelectModel(stage Stage, risk Risk, budget BudgetClass) config.ModelRoute {
	m := p.models
	switch stage {
	case StageTriage:
		return m.Triage
	case StagePlan:
		return m.Plan
	case StageCode:
		switch budget {
		case BudgetPremium:
			return m.CodePremium
		case BudgetBalanced:
			return m.CodeBalanced
		default:
			return m.CodeCheap
		}
	case StageReview:
		if risk.AtLeastHigh() {
			return m.ReviewStrict
		}
		return m.ReviewStandard
	case StageTest:
		if risk.AtLeastHigh() {
			return m.TestStrong
		}
		return m.TestCheap
	case StageFinalReview:
		return m.ReviewStrict
	}
	return m.CodeCheap
}

func isChangeTask(taskType string) bool {
	switch strings.ToLower(strings.TrimSpace(taskType)) {
	case "refactor", "feature":
		return true
	}
	return false
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[normalizeDomain(it)] = struct{}{}
	}
	return set
}

func intersects(domains []string, set map[string]struct{}) bool {
	for _, d := range domains {
		if _, ok := set[normalizeDomain(d)]; ok {
			return true
		}
	}
	return false
}

func normalizeDomain(d string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(d)), "-", "_")
}
