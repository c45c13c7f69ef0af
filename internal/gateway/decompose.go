// Decompose pipeline - planner call, bounded sequential chunks, Markdown merge.
//
// DESIGN: Oversized requests are split instead of rejected:
//  1. one planner call (temperature 0) returns a JSON plan; unparseable
//     output falls back to a single deep chunk
//  2. chunks run sequentially, each its own reservation and provider call;
//     a failed chunk becomes an inline comment, not a failed request
//  3. the wall-clock budget is checked after every chunk
//  4. chunk outputs are merged into one Markdown document with summed usage
//
// Hard ceilings: config.DecomposeMaxChunks chunks, config.DecomposeMaxCalls
// provider calls (planner included), config.DecomposeWallClock.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/compresr/tier-gateway/internal/apierr"
	"github.com/compresr/tier-gateway/internal/config"
	"github.com/compresr/tier-gateway/internal/provider"
	"github.com/compresr/tier-gateway/internal/utils"
)

// ReasonDecomposed is the tier reason of decomposed responses.
const ReasonDecomposed = "decomposed"

// promptReserveTokens is left free in a tier's input cap for the
// gateway's own instructions.
const promptReserveTokens = 1000

const plannerSystem = `You split an oversized request into at most 3 independent parts.
Reply with JSON only:
{"summary": ["..."], "chunks": [{"id": "c1", "title": "...", "goal": "...", "files": ["..."], "tier": "fast|deep", "max_output_tokens": 2048}], "execution_order": "sequential|parallel"}
Use "deep" only for parts that need careful reasoning.`

const chunkSystem = `You are answering one part of a larger request that was split into parts.
Address only the part described at the end of the conversation. Do not repeat other parts.`

// decomposePlan is the planner's output.
type decomposePlan struct {
	Summary        []string         `json:"summary"`
	Chunks         []decomposeChunk `json:"chunks"`
	ExecutionOrder string           `json:"execution_order"`
}

type decomposeChunk struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Goal            string   `json:"goal"`
	Files           []string `json:"files"`
	Tier            string   `json:"tier"`
	MaxOutputTokens int      `json:"max_output_tokens"`
}

// chunkResult is one executed chunk.
type chunkResult struct {
	chunk  decomposeChunk
	tier   config.Tier
	text   string
	usage  provider.Usage
	failed bool
}

// decomposeResult is the merged output.
type decomposeResult struct {
	document string
	chunks   []chunkResult
	usage    provider.Usage
	costUSD  float64
	tier     config.Tier
}

// serveDecompose runs the pipeline and writes a chat.completion (or, for a
// streaming request, the same document as one SSE chunk).
func (g *Gateway) serveDecompose(w http.ResponseWriter, r *http.Request, rs *requestState, body []byte) {
	ctx, cancel := context.WithTimeout(r.Context(), config.DecomposeWallClock)
	defer cancel()

	rs.reason = ReasonDecomposed
	res, err := g.decompose(ctx, rs, body)
	if err != nil {
		g.writeError(w, rs, err)
		return
	}
	rs.tier = res.tier
	rs.model = g.cfg.Tiers[res.tier].Model
	g.metrics.RecordDecompose(len(res.chunks))

	resp := g.decomposeResponse(rs, res)
	o := outcome{
		status:     http.StatusOK,
		usage:      res.usage,
		costUSD:    res.costUSD,
		decomposed: true,
		chunks:     len(res.chunks),
	}

	if rs.stream {
		g.writeDecomposeStream(w, rs, resp)
		g.recordRequest(rs, o)
		return
	}
	data, err := utils.MarshalNoEscape(resp)
	if err != nil {
		g.writeError(w, rs, apierr.Internal(err))
		return
	}
	g.writeJSON(w, rs, http.StatusOK, data)
	g.recordRequest(rs, o)
}

// decompose executes plan and chunks within the call and time ceilings.
func (g *Gateway) decompose(ctx context.Context, rs *requestState, body []byte) (*decomposeResult, error) {
	start := g.now()
	res := &decomposeResult{}

	plan, planUsage, planCost := g.planDecomposition(ctx, rs, body)
	res.usage = addUsage(res.usage, planUsage)
	res.costUSD += planCost
	calls := 1

	log.Info().
		Str("request_id", rs.id).
		Int("chunks", len(plan.Chunks)).
		Str("execution_order", plan.ExecutionOrder).
		Msg("gateway: decompose plan ready")

	for i, ch := range plan.Chunks {
		if calls >= config.DecomposeMaxCalls {
			break
		}
		cr, cost := g.runChunk(ctx, rs, body, ch, i, len(plan.Chunks))
		calls++
		res.chunks = append(res.chunks, cr)
		res.usage = addUsage(res.usage, cr.usage)
		res.costUSD += cost
		res.tier = higherTier(res.tier, cr.tier)
		if cr.failed {
			log.Warn().Str("request_id", rs.id).Str("chunk", cr.chunk.ID).Msg("gateway: decompose chunk failed")
		}

		if elapsed := g.now().Sub(start); elapsed > config.DecomposeWallClock {
			return nil, apierr.Timeout(
				fmt.Sprintf("decompose exceeded %s wall-clock budget after %d of %d chunks",
					config.DecomposeWallClock, i+1, len(plan.Chunks)),
				ctx.Err(),
			)
		}
	}
	if res.tier == "" {
		res.tier = config.TierDeep
	}
	res.document = renderDocument(plan, res.chunks)
	return res, nil
}

// planDecomposition makes the planner call. It never fails: any error
// yields the default single-chunk plan.
func (g *Gateway) planDecomposition(ctx context.Context, rs *requestState, body []byte) (decomposePlan, provider.Usage, float64) {
	tc := g.cfg.Tiers[config.TierPlanner]
	text := utils.Truncate(conversationText(body), inputBudgetChars(tc))

	payload, err := buildMessages(plannerSystem, text, tc.MaxOutputTokens)
	if err != nil {
		return defaultPlan("planner request could not be built"), provider.Usage{}, 0
	}
	res, ok := g.tryReserve(ctx, rs.principal, config.TierPlanner, payload)
	if !ok {
		return defaultPlan("planner quota unavailable"), provider.Usage{}, 0
	}

	started := g.now()
	resp, err := g.provider.Complete(ctx, provider.Call{
		RequestID: rs.id + "-plan",
		Tier:      config.TierPlanner,
		Payload:   res.payload,
	})
	account := callAccount{
		requestID:  rs.id + "-plan",
		tier:       config.TierPlanner,
		model:      tc.Model,
		estimated:  res.estimated,
		decomposed: true,
		parentID:   rs.id,
		chunkIndex: -1,
	}
	if err != nil {
		account.latency = g.now().Sub(started)
		g.settle(ctx, rs.principal, account)
		log.Warn().Err(err).Str("request_id", rs.id).Msg("gateway: decompose planner failed, using default plan")
		return defaultPlan("planner call failed"), provider.Usage{}, 0
	}
	account.usage, account.latency, account.success = resp.Usage, resp.Latency, true
	cost := g.settle(ctx, rs.principal, account)

	plan, ok := parsePlan(provider.MessageContent(resp.Body))
	if !ok {
		log.Warn().Str("request_id", rs.id).Msg("gateway: decompose plan unparseable, using default plan")
		plan = defaultPlan("planner output could not be parsed")
	}
	return plan, resp.Usage, cost
}

// runChunk executes one chunk. Failures are folded into the chunk text.
func (g *Gateway) runChunk(ctx context.Context, rs *requestState, body []byte, ch decomposeChunk, idx, total int) (chunkResult, float64) {
	tier := chunkTier(ch.Tier)
	cr := chunkResult{chunk: ch, tier: tier}
	requestID := fmt.Sprintf("%s-chunk-%d", rs.id, idx)

	payload, err := g.chunkPayload(body, ch, tier, idx, total)
	if err != nil {
		return failedChunk(cr, err), 0
	}
	res, err := g.reserve(ctx, rs.principal, tier, payload)
	if err != nil {
		return failedChunk(cr, err), 0
	}
	cr.tier = res.tier

	started := g.now()
	resp, err := g.provider.Complete(ctx, provider.Call{RequestID: requestID, Tier: res.tier, Payload: res.payload})
	account := callAccount{
		requestID:  requestID,
		tier:       res.tier,
		model:      g.cfg.Tiers[res.tier].Model,
		estimated:  res.estimated,
		decomposed: true,
		parentID:   rs.id,
		chunkIndex: idx,
	}
	if err != nil {
		account.latency = g.now().Sub(started)
		g.settle(ctx, rs.principal, account)
		return failedChunk(cr, err), 0
	}
	account.usage, account.latency, account.success = resp.Usage, resp.Latency, true
	cost := g.settle(ctx, rs.principal, account)

	cr.text = strings.TrimSpace(provider.MessageContent(resp.Body))
	cr.usage = resp.Usage
	return cr, cost
}

// chunkPayload scopes the conversation to one chunk's goal and files within
// the chunk tier's caps.
func (g *Gateway) chunkPayload(body []byte, ch decomposeChunk, tier config.Tier, idx, total int) ([]byte, error) {
	tc := g.cfg.Tiers[tier]

	var sb strings.Builder
	fmt.Fprintf(&sb, "\n\n## Part %d of %d: %s\n", idx+1, total, ch.Title)
	if ch.Goal != "" {
		fmt.Fprintf(&sb, "Goal: %s\n", ch.Goal)
	}
	if len(ch.Files) > 0 {
		fmt.Fprintf(&sb, "Files: %s\n", strings.Join(ch.Files, ", "))
	}
	task := sb.String()

	budget := inputBudgetChars(tc) - len(task)
	text := utils.Truncate(conversationText(body), budget) + task

	maxOut := ch.MaxOutputTokens
	if maxOut <= 0 || maxOut > tc.MaxOutputTokens {
		maxOut = tc.MaxOutputTokens
	}
	return buildMessages(chunkSystem, text, maxOut)
}

// =============================================================================
// PLAN PARSING
// =============================================================================

// parsePlan accepts raw JSON, fenced JSON or an embedded object, and
// normalizes the chunk list to the ceilings.
func parsePlan(content string) (decomposePlan, bool) {
	raw, ok := utils.ExtractJSON(content)
	if !ok {
		return decomposePlan{}, false
	}
	var plan decomposePlan
	if err := json.Unmarshal(raw, &plan); err != nil || len(plan.Chunks) == 0 {
		return decomposePlan{}, false
	}

	limit := config.DecomposeMaxChunks
	if calls := config.DecomposeMaxCalls - 1; calls < limit {
		limit = calls
	}
	if len(plan.Chunks) > limit {
		plan.Chunks = plan.Chunks[:limit]
	}
	for i := range plan.Chunks {
		ch := &plan.Chunks[i]
		if ch.ID == "" {
			ch.ID = fmt.Sprintf("c%d", i+1)
		}
		if ch.Title == "" {
			ch.Title = ch.ID
		}
	}
	if plan.ExecutionOrder == "" {
		plan.ExecutionOrder = "sequential"
	}
	return plan, true
}

// defaultPlan is one deep chunk over the whole request.
func defaultPlan(why string) decomposePlan {
	return decomposePlan{
		Summary: []string{"Request handled as a single part (" + why + ")."},
		Chunks: []decomposeChunk{{
			ID:    "c1",
			Title: "Full request",
			Goal:  "Answer the whole request.",
			Tier:  string(config.TierDeep),
		}},
		ExecutionOrder: "sequential",
	}
}

func chunkTier(s string) config.Tier {
	if strings.EqualFold(strings.TrimSpace(s), string(config.TierFast)) {
		return config.TierFast
	}
	return config.TierDeep
}

// =============================================================================
// OUTPUT
// =============================================================================

func failedChunk(cr chunkResult, err error) chunkResult {
	msg := apierr.Normalize(err).Message
	cr.failed = true
	cr.text = fmt.Sprintf("<!-- chunk %s failed: %s -->", cr.chunk.ID, strings.ReplaceAll(msg, "--", "- -"))
	return cr
}

// renderDocument merges chunk outputs under a summary header.
func renderDocument(plan decomposePlan, chunks []chunkResult) string {
	var sb strings.Builder
	sb.WriteString("# Summary\n\n")
	for _, s := range plan.Summary {
		if s = strings.TrimSpace(s); s != "" {
			fmt.Fprintf(&sb, "- %s\n", s)
		}
	}
	for i, cr := range chunks {
		fmt.Fprintf(&sb, "\n## %d. %s\n\n", i+1, cr.chunk.Title)
		sb.WriteString(cr.text)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (g *Gateway) decomposeResponse(rs *requestState, res *decomposeResult) completionResponse {
	stop := "stop"
	return completionResponse{
		ID:      "chatcmpl-" + rs.id,
		Object:  "chat.completion",
		Created: rs.startedAt.Unix(),
		Model:   g.cfg.Tiers[res.tier].Model,
		Choices: []completionChoice{{
			Message:      &completionMessage{Role: "assistant", Content: res.document},
			FinishReason: &stop,
		}},
		Usage: res.usage,
		Meta: &responseMeta{
			Tier:       string(res.tier),
			TierReason: ReasonDecomposed,
			LatencyMs:  g.now().Sub(rs.startedAt).Milliseconds(),
			Decomposed: true,
			Chunks:     len(res.chunks),
		},
	}
}

// writeDecomposeStream sends the merged document as a single SSE chunk.
func (g *Gateway) writeDecomposeStream(w http.ResponseWriter, rs *requestState, resp completionResponse) {
	resp.Object = "chat.completion.chunk"
	resp.Choices[0].Delta, resp.Choices[0].Message = resp.Choices[0].Message, nil
	data, err := utils.MarshalNoEscape(resp)
	if err != nil {
		g.writeError(w, rs, apierr.Internal(err))
		return
	}
	g.setTierHeaders(w, rs)
	sw := newSSEWriter(w)
	sw.start()
	if err := sw.data(data); err == nil {
		_ = sw.done()
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// conversationText renders messages as "role: text" blocks.
func conversationText(body []byte) string {
	var sb strings.Builder
	gjson.GetBytes(body, "messages").ForEach(func(_, m gjson.Result) bool {
		text := messageText(m.Get("content"))
		if text == "" {
			return true
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(m.Get("role").String())
		sb.WriteString(": ")
		sb.WriteString(text)
		return true
	})
	return sb.String()
}

// messageText flattens string or content-part array content.
func messageText(content gjson.Result) string {
	if !content.IsArray() {
		return content.String()
	}
	var parts []string
	content.ForEach(func(_, p gjson.Result) bool {
		if t := p.Get("text"); t.Exists() {
			parts = append(parts, t.String())
		}
		return true
	})
	return strings.Join(parts, "\n")
}

// chatRequest is a gateway-built request.
type chatRequest struct {
	Messages    []completionMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens"`
}

// buildMessages is a deterministic system+user request.
func buildMessages(system, user string, maxTokens int) ([]byte, error) {
	data, err := utils.MarshalNoEscape(chatRequest{
		Messages: []completionMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("building decompose request: %w", err)
	}
	return data, nil
}

func inputBudgetChars(tc config.TierConfig) int {
	budget := (tc.MaxInputTokens - promptReserveTokens) * config.TokenEstimateRatio
	if budget < config.TokenEstimateRatio {
		budget = config.TokenEstimateRatio
	}
	return budget
}

func addUsage(a, b provider.Usage) provider.Usage {
	a.PromptTokens += b.PromptTokens
	a.CompletionTokens += b.CompletionTokens
	a.TotalTokens = a.Total()
	return a
}

// higherTier orders grace < fast < deep.
func higherTier(a, b config.Tier) config.Tier {
	rank := func(t config.Tier) int {
		switch t {
		case config.TierDeep:
			return 3
		case config.TierFast:
			return 2
		case config.TierGrace:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
