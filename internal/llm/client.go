// Package llm is the reasoning-provider adapter: provider-neutral
// message types and the Anthropic Messages API client.
package llm

import "context"

// Client is the interface the orchestration loop calls.
type Client interface {
	// Chat sends one request and returns the complete response.
	Chat(ctx context.Context, req Request) (*Response, error)
}
