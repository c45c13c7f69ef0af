package pipeline

import (
	"fmt"
	"regexp"
	"strings"
)

// Gate names.
const (
	GatePlanRequired = "plan_required"
	GatePatchOnly    = "patch_only"
	GateMustFixZero  = "must_fix_zero"
	GateTestsPresent = "tests_present"
	GateFinalReview  = "final_review"
)

// Verdict is a gate outcome.
type Verdict string

const (
	VerdictPass  Verdict = "pass"
	VerdictRetry Verdict = "retry"
	VerdictAbort Verdict = "abort"
)

// GateResult is returned by every gate. Retry re-enters the owning stage;
// Abort ends the run with gate_failed.
type GateResult struct {
	Gate    string
	Verdict Verdict
	Reason  string
	Count   int // must_fix_zero only
}

// Passed reports a pass verdict.
func (g GateResult) Passed() bool { return g.Verdict == VerdictPass }

func pass(gate string) GateResult { return GateResult{Gate: gate, Verdict: VerdictPass} }

func retry(gate, reason string) GateResult {
	return GateResult{Gate: gate, Verdict: VerdictRetry, Reason: reason}
}

func abort(gate, reason string) GateResult {
	return GateResult{Gate: gate, Verdict: VerdictAbort, Reason: reason}
}

// CheckPlanRequired aborts when the plan has no steps.
func CheckPlanRequired(p Plan) GateResult {
	if len(p.Steps) == 0 {
		return abort(GatePlanRequired, "plan has no steps")
	}
	return pass(GatePlanRequired)
}

var (
	hunkHeader = regexp.MustCompile(`(?m)^@@ -\d+(?:,\d+)? \+\d+(?:,\d+)? @@`)
	oldFile    = regexp.MustCompile(`(?m)^--- `)
	newFile    = regexp.MustCompile(`(?m)^\+\+\+ `)
)

// CheckPatchOnly requires a unified diff: ---/+++ file markers and at least
// one @@ hunk header. Failure is retriable.
func CheckPatchOnly(output string) GateResult {
	switch {
	case !oldFile.MatchString(output) || !newFile.MatchString(output):
		return retry(GatePatchOnly, "output has no ---/+++ file markers")
	case !hunkHeader.MatchString(output):
		return retry(GatePatchOnly, "output has no @@ hunk header")
	}
	return pass(GatePatchOnly)
}

// CheckMustFixZero reports the must-fix count. A non-zero count asks for
// another rework; the orchestrator owns the iteration cap.
func CheckMustFixZero(r Review) GateResult {
	n := len(r.MustFix)
	if n == 0 {
		return pass(GateMustFixZero)
	}
	g := retry(GateMustFixZero, fmt.Sprintf("%d must-fix item(s)", n))
	g.Count = n
	return g
}

var testMarkers = []*regexp.Regexp{
	regexp.MustCompile(`func Test\w*\(`),                // Go
	regexp.MustCompile(`(?m)^\s*def test_\w+`),          // pytest
	regexp.MustCompile(`(?m)^\s*class Test\w*`),         // unittest / pytest
	regexp.MustCompile(`@Test\b`),                       // JUnit
	regexp.MustCompile(`\b(describe|it|test)\(\s*['"]`), // jest / mocha
	regexp.MustCompile(`#\[test\]`),                     // rust
}

// CheckTestsPresent requires recognizable test class or method markers.
func CheckTestsPresent(output string) GateResult {
	for _, re := range testMarkers {
		if re.MatchString(output) {
			return pass(GateTestsPresent)
		}
	}
	return retry(GateTestsPresent, "no test functions or classes found")
}

// CheckFinalReview requires risk notes and a test_gaps field. Webhook work
// must also carry an idempotency note. Failure is not retriable.
func CheckFinalReview(fr FinalReview, domains []string) GateResult {
	if len(fr.RiskNotes) == 0 {
		return abort(GateFinalReview, "risk_notes is empty")
	}
	if !fr.HasTestGaps {
		return abort(GateFinalReview, "test_gaps is missing")
	}
	if hasDomain(domains, "webhooks") && !mentions(fr.RiskNotes, "idempoten") {
		return abort(GateFinalReview, "webhook change without an idempotency note")
	}
	return pass(GateFinalReview)
}

func hasDomain(domains []string, want string) bool {
	for _, d := range domains {
		if strings.EqualFold(strings.TrimSpace(d), want) {
			return true
		}
	}
	return false
}

func mentions(notes []string, stem string) bool {
	for _, n := range notes {
		if strings.Contains(strings.ToLower(n), stem) {
			return true
		}
	}
	return false
}
