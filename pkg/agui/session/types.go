package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Reserved state keys carry protocol-owned identity metadata alongside
// arbitrary application keys. They are populated atomically at session
// creation and never patched afterwards.
const (
	ReservedPrefix = "_ag_ui_"

	KeyUserID    = "_ag_ui_user_id"
	KeySessionID = "_ag_ui_session_id"
	KeyThreadID  = "_ag_ui_thread_id"
	KeyAppName   = "_ag_ui_app_name"
)

// ErrNotFound is returned by Service.GetSession when no session matches.
var ErrNotFound = errors.New("session not found")

// State is the session's JSON-like state document.
type State map[string]any

// Session represents a series of interactions between a user and an agent.
// Identity is the (AppName, UserID, ID) triple; State is mutable, Events is
// append-only.
type Session struct {
	ID        string    `json:"id"`
	AppName   string    `json:"app_name"`
	UserID    string    `json:"user_id"`
	State     State     `json:"state,omitempty"`
	Events    []*Event  `json:"events,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event represents one unit of run progress. Immutable once appended.
type Event struct {
	ID           string       `json:"id"`
	InvocationID string       `json:"invocation_id"`
	Author       string       `json:"author"` // "user", "agent", or "tool:<name>"
	Content      *Content     `json:"content,omitempty"`
	Actions      EventActions `json:"actions,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// EventActions carries the side effects an event had on the session.
type EventActions struct {
	StateDelta StateDelta `json:"state_delta,omitempty"`
}

// Content represents a message content structure carried by an event.
type Content struct {
	Role  string  `json:"role"`
	Parts []*Part `json:"parts"`
}

// PartType identifies the payload variant of a Part.
type PartType string

const (
	PartTypeText         PartType = "text"
	PartTypeToolCall     PartType = "tool_call"
	PartTypeToolResponse PartType = "tool_response"
)

// Part represents a message part. Exactly one payload field is set,
// matching Type.
type Part struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult represents the outcome of a tool invocation. A failed tool
// reports Status "error"; the failure is data, not a run abort.
type ToolResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"` // "success" or "error"
	Content string `json:"content,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) *Part {
	return &Part{Type: PartTypeText, Text: text}
}

// ToolCallPart builds a tool-call content part.
func ToolCallPart(call *ToolCall) *Part {
	return &Part{Type: PartTypeToolCall, ToolCall: call}
}

// ToolResultPart builds a tool-response content part.
func ToolResultPart(result *ToolResult) *Part {
	return &Part{Type: PartTypeToolResponse, ToolResult: result}
}

// Text returns the concatenation of all text parts.
func (c *Content) Text() string {
	if c == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Parts {
		if p.Type == PartTypeText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns all tool-call parts, in order.
func (c *Content) ToolCalls() []*ToolCall {
	if c == nil {
		return nil
	}
	var calls []*ToolCall
	for _, p := range c.Parts {
		if p.Type == PartTypeToolCall && p.ToolCall != nil {
			calls = append(calls, p.ToolCall)
		}
	}
	return calls
}

// CreateSessionRequest represents a request to create a new session.
type CreateSessionRequest struct {
	AppName string `json:"app_name"`
	UserID  string `json:"user_id"`
	// If unset, the service assigns a new session ID.
	SessionID string `json:"session_id,omitempty"`
	// State configures the initial state of the session. Reserved identity
	// keys must already be present here; they cannot be added later.
	State State `json:"state,omitempty"`
}

// IsReservedKey reports whether a top-level state key belongs to the
// protocol's reserved namespace.
func IsReservedKey(key string) bool {
	return strings.HasPrefix(key, ReservedPrefix)
}

// ValidateReservedKeys checks that every reserved key present in state is a
// known key holding a string value.
func ValidateReservedKeys(state State) error {
	known := map[string]bool{
		KeyUserID:    true,
		KeySessionID: true,
		KeyThreadID:  true,
		KeyAppName:   true,
	}
	for key, value := range state {
		if !IsReservedKey(key) {
			continue
		}
		if !known[key] {
			return fmt.Errorf("unknown reserved key %q", key)
		}
		if _, ok := value.(string); !ok {
			return fmt.Errorf("reserved key %q must hold a string, got %T", key, value)
		}
	}
	return nil
}
