// Package llm provides the model provider interfaces and implementations
// behind the agent's reasoning and message generation.
package llm

import (
	"context"
	"encoding/json"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// CompletionRequest holds parameters for an LLM completion.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"` // Anthropic-style system prompt
}

// CompletionResponse holds the LLM's response.
type CompletionResponse struct {
	Content      string     `json:"content"`
	Model        string     `json:"model"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	StopReason   string     `json:"stop_reason"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "kimi").
	Name() string

	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ToolProvider is implemented by providers that can service tool calls.
// toolMessages carries the tool conversation that follows the initial
// messages: the assistant's tool_use turn and the user's tool_result turn.
type ToolProvider interface {
	Provider
	CompleteWithTools(ctx context.Context, req CompletionRequest, tools []ToolDefinition, toolMessages []ToolMessage) (*CompletionResponse, error)
}

// ToolDefinition describes a tool the LLM can call.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolCall represents the LLM requesting a tool execution.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the result of executing a tool.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

type ContentBlock struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

type ToolMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ProviderError represents an LLM provider error.
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}
