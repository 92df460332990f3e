// Package llm defines the Provider interface for the text-rewriting oracle.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic Claude,
// Google Gemini, a local Ollama instance, ...) and exposes a single blocking
// completion call so the oracle gateway can route, retry, and bill requests
// without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use and must classify their
// failures with [ErrTransient] or [ErrInvalidRequest] so callers can decide
// whether a retry is worthwhile.
package llm

import "context"

// Usage holds token accounting information returned by the LLM backend.
// Counts are in the model's native token unit and may differ between
// providers for the same text.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. For editing requests this is a
	// single user message holding the chunk to rewrite.
	Messages []Message

	// SystemPrompt is an optional instruction sent ahead of Messages using the
	// provider's native system channel.
	SystemPrompt string

	// Temperature controls output randomness. Zero leaves the provider
	// default in place.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider
	// default.
	MaxTokens int
}

// CompletionResponse is the full reply of a completion call.
type CompletionResponse struct {
	// Content is the text of the assistant's reply.
	Content string

	// Usage contains token accounting when the backend reports it.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// It returns promptly when ctx is cancelled.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Name identifies the backend family ("openai", "anthropic", "gemini", ...).
	Name() string

	// Model returns the model identifier requests are sent to.
	Model() string

	// Capabilities returns static limits of the configured model.
	Capabilities() ModelCapabilities
}
