package providers

import (
	"context"
	"errors"
)

// ErrUpstream wraps any network, timeout, or protocol failure talking to the
// upstream model API.
var ErrUpstream = errors.New("upstream failure")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type ChatResponse struct {
	Text string
}

// Provider is an OpenAI-compatible chat completion backend.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream calls the backend in streaming mode and invokes onChunk for
	// every piece of assistant text, in arrival order. A non-nil error from
	// onChunk aborts the stream.
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(text string) error) error
}
