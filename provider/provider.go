package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
)

// ChatMessage is one turn in a conversation. Tool result turns carry the
// originating ToolCallID with role "tool"; assistant turns that request tool
// invocations carry ToolCalls and empty content.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON argument payload
}

// Tool describes a callable function exposed to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatOptions carries per-request generation settings.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
}

// ChatResponse is the model's reply: either plain text, or one or more tool
// calls to execute before the conversation can continue.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	InputTokens  int64
	OutputTokens int64
}

// LLMProvider is the contract the discovery agent and analyzer depend on.
type LLMProvider interface {
	// ChatWithTools runs one chat-completion turn. tools may be nil for
	// plain single-shot calls (the analyzer path).
	ChatWithTools(ctx context.Context, model string, msgs []ChatMessage, tools []Tool, opts ChatOptions) (ChatResponse, error)
}

// ErrNotConfigured indicates no credential could be resolved for a user/provider pair.
var ErrNotConfigured = errors.New("credential not configured")

// CredentialSource looks up a user-specific API key override. Empty string
// means the user has no override and the process-wide default applies.
type CredentialSource interface {
	UserAPIKey(ctx context.Context, userID string, provider Client) (string, error)
}

// Resolver performs layered credential resolution: user override first, then
// configured default, then the conventional environment variable. Injected
// rather than read ambiently so the pipeline is testable without env mutation.
type Resolver struct {
	Users    CredentialSource
	Defaults map[Client]string
}

// Resolve returns the API key for (userID, provider) or ErrNotConfigured.
func (r *Resolver) Resolve(ctx context.Context, userID string, client Client) (string, error) {
	if r.Users != nil && userID != "" {
		key, err := r.Users.UserAPIKey(ctx, userID, client)
		if err != nil {
			return "", fmt.Errorf("lookup user credential: %w", err)
		}
		if key != "" {
			return key, nil
		}
	}
	if key := r.Defaults[client]; key != "" {
		return key, nil
	}
	if client == OpenAI {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			return key, nil
		}
	}
	return "", fmt.Errorf("%s for user %q: %w", client, userID, ErrNotConfigured)
}
