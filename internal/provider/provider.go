// Package provider abstracts remote text-generation backends behind a
// single interface so the gateway can sequence them interchangeably.
package provider

import "context"

// Message roles accepted by all backends.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is a remote text-generation backend identified by a stable name.
type Provider interface {
	// Name returns the stable identifier used in fallback ordering,
	// cache entries, and interaction records.
	Name() string

	// Generate produces a completion for the given conversation.
	Generate(ctx context.Context, messages []Message, temperature float32) (string, error)
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
