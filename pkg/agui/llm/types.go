// Package llm defines the consumed interface to the language model. The
// model call is opaque to the runtime: prompt in, structured response out.
package llm

import (
	"context"

	"github.com/agentbridge-dev/agentbridge/pkg/agui/session"
)

// Client defines the interface for model clients.
type Client interface {
	// Generate sends the conversation history and receives one response.
	Generate(ctx context.Context, messages []*session.Content, config *GenerateConfig) (*Response, error)

	// ModelName returns the name of the model being used.
	ModelName() string
}

// GenerateConfig contains configuration for generation.
type GenerateConfig struct {
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// ToolDefinition defines a tool the model may call.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// Response represents a model response: optional text content plus zero or
// more requested tool calls.
type Response struct {
	Content   *session.Content   `json:"content,omitempty"`
	ToolCalls []*session.ToolCall `json:"tool_calls,omitempty"`
}

// TextResponse builds a plain text assistant response.
func TextResponse(text string) *Response {
	return &Response{
		Content: &session.Content{
			Role:  "assistant",
			Parts: []*session.Part{session.TextPart(text)},
		},
	}
}

// ToolCallResponse builds a response requesting the given tool calls,
// optionally preceded by text.
func ToolCallResponse(text string, calls ...*session.ToolCall) *Response {
	resp := &Response{ToolCalls: calls}
	content := &session.Content{Role: "assistant"}
	if text != "" {
		content.Parts = append(content.Parts, session.TextPart(text))
	}
	for _, call := range calls {
		content.Parts = append(content.Parts, session.ToolCallPart(call))
	}
	resp.Content = content
	return resp
}
