package pipeline

import (
	"context"

	"github.com/tidwall/sjson"

	"github.com/compresr/tier-gateway/internal/config"
	"github.com/compresr/tier-gateway/internal/provider"
	"github.com/compresr/tier-gateway/internal/routing"
	"github.com/compresr/tier-gateway/internal/tokens"
)

// StageCall is one agent request.
type StageCall struct {
	RequestID string
	Stage     routing.Stage
	Route     config.ModelRoute
	System    string
	Prompt    string
	MaxTokens int
}

// StageOutput is one agent reply.
type StageOutput struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Completer runs agent calls.
type Completer interface {
	CompleteStage(ctx context.Context, call StageCall) (StageOutput, error)
}

// ProviderCompleter runs agent calls through the provider client.
type ProviderCompleter struct {
	client  *provider.Client
	counter *tokens.Counter
}

// NewProviderCompleter creates a Completer over client.
func NewProviderCompleter(client *provider.Client, counter *tokens.Counter) *ProviderCompleter {
	if counter == nil {
		counter = tokens.NewCounter(tokens.DefaultEncoding)
	}
	return &ProviderCompleter{client: client, counter: counter}
}

// CompleteStage sends a deterministic two-message chat completion.
func (p *ProviderCompleter) CompleteStage(ctx context.Context, call StageCall) (StageOutput, error) {
	payload := []byte(`{"messages":[],"temperature":0}`)
	var err error
	if payload, err = sjson.SetBytes(payload, "messages.-1", map[string]string{"role": "system", "content": call.System}); err != nil {
		return StageOutput{}, err
	}
	if payload, err = sjson.SetBytes(payload, "messages.-1", map[string]string{"role": "user", "content": call.Prompt}); err != nil {
		return StageOutput{}, err
	}
	if call.MaxTokens > 0 {
		if payload, err = sjson.SetBytes(payload, "max_tokens", call.MaxTokens); err != nil {
			return StageOutput{}, err
		}
	}

	resp, err := p.client.Complete(ctx, provider.Call{
		RequestID: call.RequestID,
		Tier:      call.Route.Tier,
		Model:     call.Route.Model,
		Payload:   payload,
	})
	if err != nil {
		return StageOutput{}, err
	}

	out := StageOutput{
		Content:      provider.MessageContent(resp.Body),
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if out.InputTokens == 0 {
		out.InputTokens = tokens.Estimate(call.System + call.Prompt)
	}
	if out.OutputTokens == 0 {
		out.OutputTokens = p.counter.Count(out.Content)
	}
	return out, nil
}
