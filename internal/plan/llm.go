package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/relay/internal/llm"
	"github.com/nugget/relay/internal/prompts"
)

// LLMReasoner asks a chat model for corrections.
type LLMReasoner struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// NewLLMReasoner creates a reasoner backed by client.
func NewLLMReasoner(client llm.Client, model string, logger *slog.Logger) *LLMReasoner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMReasoner{client: client, model: model, logger: logger}
}

type llmCorrection struct {
	None      bool           `json:"none"`
	Action    string         `json:"action"`
	Args      map[string]any `json:"args"`
	Rationale string         `json:"rationale"`
}

// Correct implements Reasoner.
func (r *LLMReasoner) Correct(ctx context.Context, f Failure) (*Correction, error) {
	args, err := json.Marshal(f.Step.Args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	var schema []byte
	if s := f.Step.Ref.Schema(); s != nil {
		if schema, err = json.Marshal(s); err != nil {
			return nil, fmt.Errorf("encode schema: %w", err)
		}
	}

	msgs := []llm.Message{
		{Role: "system", Content: prompts.CorrectionSystemPrompt()},
		{Role: "user", Content: prompts.CorrectionPrompt(prompts.CorrectionInput{
			Tool:       f.Step.Tool,
			Action:     f.Step.Action,
			Actions:    f.Step.Ref.Siblings(),
			Attempt:    f.Outcome.Attempt,
			Status:     string(f.Outcome.Status),
			ArgsJSON:   string(args),
			SchemaJSON: string(schema),
			Detail:     f.Outcome.Detail,
		})},
	}

	resp, err := r.client.Chat(ctx, r.model, msgs, &llm.Options{Temperature: 0, JSON: true})
	if err != nil {
		return nil, fmt.Errorf("reasoning backend: %w", err)
	}

	raw, ok := llm.ExtractJSON(resp.Message.Content)
	if !ok {
		return nil, errors.New("reasoning backend returned no JSON object")
	}
	var c llmCorrection
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode correction: %w", err)
	}
	if c.None || (c.Action == "" && c.Args == nil) {
		r.logger.Debug("reasoning backend declined to correct", "tool", f.Step.Tool)
		return nil, nil
	}
	return &Correction{Action: c.Action, Args: c.Args, Rationale: c.Rationale}, nil
}
