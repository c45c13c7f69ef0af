package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/compresr/tier-gateway/internal/routing"
	"github.com/compresr/tier-gateway/internal/utils"
)

// =============================================================================
// PROMPTS
// =============================================================================

const (
	triageSystem = `You classify software tasks. Reply with one JSON object:
{"task_type":"bugfix|feature|refactor|docs|test","domains":["..."],"files_estimate":1,"risk":"low|medium|high|critical","budget_class":"cheap|balanced|premium","needs_ui":false,"needs_deep_review":false,"acceptance_criteria":["..."],"missing_info":["..."],"summary":"..."}
Omit risk or budget_class when unsure.`

	planSystem = `You plan code changes. Reply with one JSON object:
{"steps":["..."],"files":["..."],"notes":"..."}`

	codeSystem = `You write code changes. Reply ONLY with a unified diff (--- a/file, +++ b/file, @@ hunks). No prose.`

	reviewSystem = `You review a unified diff. Reply with one JSON object:
{"must_fix":["..."],"should_fix":["..."],"nice_to_have":["..."],"test_gaps":["..."],"risk_notes":["..."],"summary":"..."}
must_fix lists only defects that block merging.`

	testSystem = `You write tests for a unified diff. Reply ONLY with test code.`

	finalReviewSystem = `You sign off changes in sensitive areas. Reply with one JSON object:
{"risk_notes":["..."],"test_gaps":["..."],"approved":true}
For webhook handlers, state how idempotency is ensured.`
)

func taskBlock(rc *RunContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n", rc.Request.Task)
	if rc.Request.Context != "" {
		fmt.Fprintf(&b, "\nContext:\n%s\n", rc.Request.Context)
	}
	if len(rc.Request.Files) > 0 {
		fmt.Fprintf(&b, "\nFiles:\n- %s\n", strings.Join(rc.Request.Files, "\n- "))
	}
	return b.String()
}

func triagePrompt(rc *RunContext) string { return taskBlock(rc) }

func planPrompt(rc *RunContext) string {
	var b strings.Builder
	b.WriteString(taskBlock(rc))
	fmt.Fprintf(&b, "\nDomains: %s\nRisk: %s\n", strings.Join(rc.Triage.Domains, ", "), rc.Triage.Risk)
	return b.String()
}

// codePrompt carries every prior review. The latest one is listed last and
// marked, so earlier feedback is never dropped.
func codePrompt(rc *RunContext) string {
	var b strings.Builder
	b.WriteString(taskBlock(rc))
	if len(rc.Plan.Steps) > 0 {
		b.WriteString("\nPlan:\n")
		for i, s := range rc.Plan.Steps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s)
		}
	}
	if rc.Code != "" {
		fmt.Fprintf(&b, "\nPrevious diff:\n%s\n", rc.Code)
	}
	if latest, ok := rc.LatestReview(); ok {
		for i, r := range rc.Reviews[:len(rc.Reviews)-1] {
			if len(r.MustFix) > 0 {
				fmt.Fprintf(&b, "\nReview %d must-fix:\n- %s\n", i+1, strings.Join(r.MustFix, "\n- "))
			}
		}
		label := fmt.Sprintf("Review %d (latest, fix these first)", len(rc.Reviews))
		if len(latest.MustFix) > 0 {
			fmt.Fprintf(&b, "\n%s must-fix:\n- %s\n", label, strings.Join(latest.MustFix, "\n- "))
		}
		if len(latest.ShouldFix) > 0 {
			fmt.Fprintf(&b, "\n%s should-fix:\n- %s\n", label, strings.Join(latest.ShouldFix, "\n- "))
		}
	}
	if rc.GateFeedback != "" {
		fmt.Fprintf(&b, "\nYour last output was rejected: %s\n", rc.GateFeedback)
	}
	return b.String()
}

func reviewPrompt(rc *RunContext) string {
	return fmt.Sprintf("%s\nDiff:\n%s\n", taskBlock(rc), rc.Code)
}

func testPrompt(rc *RunContext) string {
	p := fmt.Sprintf("%s\nDiff:\n%s\n", taskBlock(rc), rc.Code)
	if rc.GateFeedback != "" {
		p += fmt.Sprintf("\nYour last output was rejected: %s\n", rc.GateFeedback)
	}
	return p
}

func finalReviewPrompt(rc *RunContext) string {
	return fmt.Sprintf("%s\nDomains: %s\nDiff:\n%s\n\nTests:\n%s\n",
		taskBlock(rc), strings.Join(rc.Triage.Domains, ", "), rc.Code, rc.Tests)
}

// =============================================================================
// PARSING
// =============================================================================

// parseTriage normalizes triage output. Missing fields get defaults and
// risk/budget are completed by policy when the model omitted them.
func parseTriage(content string, req Request, policy *routing.Policy) Triage {
	t := Triage{TaskType: "feature", FilesEstimate: len(req.Files)}
	var upstreamRisk routing.Risk
	var upstreamBudget routing.BudgetClass
	var needsUI, needsDeep *bool

	if raw, ok := utils.ExtractJSON(content); ok {
		doc := gjson.ParseBytes(raw)
		if v := strings.TrimSpace(doc.Get("task_type").String()); v != "" {
			t.TaskType = strings.ToLower(v)
		}
		for _, d := range stringList(doc.Get("domains")) {
			t.Domains = append(t.Domains, strings.ToLower(strings.TrimSpace(d)))
		}
		if n := int(doc.Get("files_estimate").Int()); n > 0 {
			t.FilesEstimate = n
		}
		if r, ok := routing.ParseRisk(doc.Get("risk").String()); ok {
			upstreamRisk = r
		}
		if b, ok := routing.ParseBudget(doc.Get("budget_class").String()); ok {
			upstreamBudget = b
		}
		t.Summary = doc.Get("summary").String()
		t.AcceptanceCriteria = stringList(doc.Get("acceptance_criteria"))
		t.MissingInfo = stringList(doc.Get("missing_info"))
		if v := doc.Get("needs_ui"); v.Exists() {
			b := v.Bool()
			needsUI = &b
		}
		if v := doc.Get("needs_deep_review"); v.Exists() {
			b := v.Bool()
			needsDeep = &b
		}
	}
	if t.FilesEstimate < 1 {
		t.FilesEstimate = 1
	}
	if t.Domains == nil {
		t.Domains = []string{}
	}
	if t.AcceptanceCriteria == nil {
		t.AcceptanceCriteria = []string{}
	}
	if t.MissingInfo == nil {
		t.MissingInfo = []string{}
	}
	t.Risk, t.BudgetClass = policy.Fill(t.Signals(), upstreamRisk, upstreamBudget)

	t.NeedsUI = hasUIDomain(t.Domains)
	if needsUI != nil {
		t.NeedsUI = *needsUI
	}
	t.NeedsDeepReview = t.Risk.AtLeastHigh() || policy.Sensitive(t.Domains)
	if needsDeep != nil {
		t.NeedsDeepReview = *needsDeep
	}
	return t
}

var uiDomains = map[string]struct{}{"ui": {}, "frontend": {}, "css": {}, "web": {}, "ux": {}}

func hasUIDomain(domains []string) bool {
	for _, d := range domains {
		if _, ok := uiDomains[d]; ok {
			return true
		}
	}
	return false
}

var listItem = regexp.MustCompile(`(?m)^\s*(?:\d+[.)]|[-*])\s+(.+)$`)

// parsePlan reads {"steps":[...]}; plain numbered or bulleted lists are
// accepted too.
func parsePlan(content string) Plan {
	if raw, ok := utils.ExtractJSON(content); ok {
		doc := gjson.ParseBytes(raw)
		return Plan{
			Steps: stringList(doc.Get("steps")),
			Files: stringList(doc.Get("files")),
			Notes: doc.Get("notes").String(),
		}
	}
	var p Plan
	for _, m := range listItem.FindAllStringSubmatch(content, -1) {
		p.Steps = append(p.Steps, strings.TrimSpace(m[1]))
	}
	return p
}

// parseReview reads a review. Unparseable output counts as one must-fix item.
func parseReview(content string) Review {
	raw, ok := utils.ExtractJSON(content)
	if !ok {
		return Review{
			MustFix:    []string{"reviewer output was not valid JSON"},
			ShouldFix:  []string{},
			NiceToHave: []string{},
			TestGaps:   []string{},
			RiskNotes:  []string{},
			Summary:    utils.Truncate(content, 200),
		}
	}
	doc := gjson.ParseBytes(raw)
	return Review{
		MustFix:    nonNil(stringList(doc.Get("must_fix"))),
		ShouldFix:  nonNil(stringList(doc.Get("should_fix"))),
		NiceToHave: nonNil(stringList(doc.Get("nice_to_have"))),
		TestGaps:   nonNil(stringList(doc.Get("test_gaps"))),
		RiskNotes:  nonNil(stringList(doc.Get("risk_notes"))),
		Summary:    doc.Get("summary").String(),
	}
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

// parseFinalReview reads a sign-off. HasTestGaps records field presence.
func parseFinalReview(content string) FinalReview {
	raw, ok := utils.ExtractJSON(content)
	if !ok {
		return FinalReview{}
	}
	doc := gjson.ParseBytes(raw)
	gaps := doc.Get("test_gaps")
	fr := FinalReview{
		RiskNotes:   stringList(doc.Get("risk_notes")),
		TestGaps:    stringList(gaps),
		HasTestGaps: gaps.Exists(),
		Approved:    doc.Get("approved").Bool(),
	}
	if fr.TestGaps == nil {
		fr.TestGaps = []string{}
	}
	return fr
}

var codeFence = regexp.MustCompile("(?s)^```[a-zA-Z0-9_+-]*\\s*\\n(.*?)\\n?```\\s*$")

// stripFence unwraps output that is entirely one fenced block.
func stripFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if m := codeFence.FindStringSubmatch(trimmed); m != nil {
		return m[1]
	}
	return trimmed
}

// stringList reads an array of strings or of objects with a text-like field.
// A single string is treated as a one-item list.
func stringList(v gjson.Result) []string {
	if !v.Exists() {
		return nil
	}
	if v.Type == gjson.String {
		if s := strings.TrimSpace(v.String()); s != "" {
			return []string{s}
		}
		return nil
	}
	if !v.IsArray() {
		return nil
	}
	var out []string
	for _, item := range v.Array() {
		var s string
		if item.IsObject() {
			for _, key := range []string{"description", "title", "issue", "text", "step"} {
				if f := item.Get(key); f.Exists() {
					s = f.String()
					break
				}
			}
			if s == "" {
				s = item.Raw
			}
		} else {
			s = item.String()
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
