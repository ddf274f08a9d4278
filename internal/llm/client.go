// Package llm provides the chat client used as relay's optional
// failure-reasoning backend.
package llm

import "context"

// Client is the interface a reasoning backend implements.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, opts *Options) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
