// Package llm provides a chat-completion client for OpenAI-compatible
// endpoints. The synthesizer and answer renderer both talk through the
// Client interface so tests can swap in scripted fakes.
package llm

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}
