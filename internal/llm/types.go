package llm

import (
	"encoding/json"
	"strings"
	"time"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are model parameters.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
	// JSON asks the provider to constrain output to a JSON object.
	JSON bool `json:"-"`
}

// ChatResponse is the provider-neutral chat result.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
	EvalDuration  time.Duration
}

// ExtractJSON pulls a JSON object out of model output. Models wrap JSON
// in prose, markdown fences or <json> tags often enough that callers
// should not unmarshal Content directly.
func ExtractJSON(content string) (json.RawMessage, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, false
	}

	if start := strings.Index(content, "<json>"); start != -1 {
		content = content[start+len("<json>"):]
		if end := strings.Index(content, "</json>"); end != -1 {
			content = content[:end]
		}
	}
	if start := strings.Index(content, "```"); start != -1 {
		rest := content[start+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end != -1 {
			content = rest[:end]
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end < start {
		return nil, false
	}
	candidate := json.RawMessage(strings.TrimSpace(content[start : end+1]))
	if !json.Valid(candidate) {
		return nil, false
	}
	return candidate, true
}
