// Package wire defines the client-facing event taxonomy. One JSON object is
// delivered per wire event, in generation order, over SSE or WebSocket.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/agentbridge-dev/agentbridge/pkg/agui/session"
)

// EventType identifies a wire event.
type EventType string

const (
	EventTypeRunStarted         EventType = "RUN_STARTED"
	EventTypeTextMessageStart   EventType = "TEXT_MESSAGE_START"
	EventTypeTextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	EventTypeTextMessageEnd     EventType = "TEXT_MESSAGE_END"
	EventTypeToolCallStart      EventType = "TOOL_CALL_START"
	EventTypeToolCallArgs       EventType = "TOOL_CALL_ARGS"
	EventTypeToolCallEnd        EventType = "TOOL_CALL_END"
	EventTypeToolCallResult     EventType = "TOOL_CALL_RESULT"
	EventTypeStateDelta         EventType = "STATE_DELTA"
	EventTypeStateSnapshot      EventType = "STATE_SNAPSHOT"
	EventTypeRunFinished        EventType = "RUN_FINISHED"
	EventTypeRunError           EventType = "RUN_ERROR"
)

// Event is one wire protocol message. Only the payload fields of the event's
// type are populated; everything else is omitted from the JSON. The "delta"
// field is polymorphic per the taxonomy: a string chunk for
// TEXT_MESSAGE_CONTENT and TOOL_CALL_ARGS, an op array for STATE_DELTA.
type Event struct {
	Type EventType `json:"type"`

	// RUN_STARTED
	Input *RunInput `json:"input,omitempty"`

	// TEXT_MESSAGE_START / _CONTENT / _END
	MessageID         string `json:"messageId,omitempty"`
	Role              string `json:"role,omitempty"`
	TextMessageBuffer string `json:"textMessageBuffer,omitempty"`

	// TOOL_CALL_START / _ARGS / _END / _RESULT
	ToolCallID   string         `json:"toolCallId,omitempty"`
	ToolCallName string         `json:"toolCallName,omitempty"`
	ToolCallArgs map[string]any `json:"toolCallArgs,omitempty"`
	Content      string         `json:"content,omitempty"`

	// TEXT_MESSAGE_CONTENT / TOOL_CALL_ARGS / STATE_DELTA
	Delta json.RawMessage `json:"delta,omitempty"`

	// STATE_SNAPSHOT
	Snapshot session.State `json:"snapshot,omitempty"`

	// RUN_FINISHED / RUN_ERROR
	RunID string `json:"runId,omitempty"`
	Error string `json:"error,omitempty"`
}

// RunInput is the RUN_STARTED payload: the base state and messages the turn
// started from.
type RunInput struct {
	State    session.State `json:"state,omitempty"`
	Messages []Message     `json:"messages,omitempty"`
}

// Message is a chat message as carried on the wire.
type Message struct {
	ID      string `json:"id,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RunAgentInput is the request body of a run: the user's messages plus the
// locally-edited base state of this turn. The server's state at processing
// time is authoritative; client values for paths the server also wrote are
// silently superseded.
type RunAgentInput struct {
	ThreadID string        `json:"threadId"`
	RunID    string        `json:"runId,omitempty"`
	State    session.State `json:"state,omitempty"`
	Messages []Message     `json:"messages,omitempty"`
}

// LastUserMessage returns the trailing user message of the input, if any.
func (in *RunAgentInput) LastUserMessage() (Message, bool) {
	for i := len(in.Messages) - 1; i >= 0; i-- {
		if in.Messages[i].Role == "user" {
			return in.Messages[i], true
		}
	}
	return Message{}, false
}

// Constructors, one per taxonomy entry.

func RunStarted(input *RunInput) *Event {
	return &Event{Type: EventTypeRunStarted, Input: input}
}

func TextMessageStart(messageID, role string) *Event {
	return &Event{Type: EventTypeTextMessageStart, MessageID: messageID, Role: role}
}

func TextMessageContent(messageID, chunk string) *Event {
	return &Event{Type: EventTypeTextMessageContent, MessageID: messageID, Delta: mustMarshalRaw(chunk)}
}

func TextMessageEnd(messageID, buffer string) *Event {
	return &Event{Type: EventTypeTextMessageEnd, MessageID: messageID, TextMessageBuffer: buffer}
}

func ToolCallStart(toolCallID, toolCallName string) *Event {
	return &Event{Type: EventTypeToolCallStart, ToolCallID: toolCallID, ToolCallName: toolCallName}
}

func ToolCallArgs(toolCallID, argsChunk string) *Event {
	return &Event{Type: EventTypeToolCallArgs, ToolCallID: toolCallID, Delta: mustMarshalRaw(argsChunk)}
}

func ToolCallEnd(toolCallID string, args map[string]any) *Event {
	return &Event{Type: EventTypeToolCallEnd, ToolCallID: toolCallID, ToolCallArgs: args}
}

func ToolCallResult(toolCallID, content string) *Event {
	return &Event{Type: EventTypeToolCallResult, ToolCallID: toolCallID, Content: content}
}

func NewStateDelta(delta session.StateDelta) *Event {
	return &Event{Type: EventTypeStateDelta, Delta: mustMarshalRaw(delta)}
}

func StateSnapshot(snapshot session.State) *Event {
	return &Event{Type: EventTypeStateSnapshot, Snapshot: snapshot}
}

func RunFinished(runID string) *Event {
	return &Event{Type: EventTypeRunFinished, RunID: runID}
}

func RunError(runID, message string) *Event {
	return &Event{Type: EventTypeRunError, RunID: runID, Error: message}
}

// TextDelta decodes the "delta" field as a string chunk
// (TEXT_MESSAGE_CONTENT, TOOL_CALL_ARGS).
func (e *Event) TextDelta() (string, error) {
	var s string
	if err := json.Unmarshal(e.Delta, &s); err != nil {
		return "", fmt.Errorf("event %s: delta is not a string: %w", e.Type, err)
	}
	return s, nil
}

// StateDeltaOps decodes the "delta" field as a patch op array (STATE_DELTA).
func (e *Event) StateDeltaOps() (session.StateDelta, error) {
	var delta session.StateDelta
	if err := json.Unmarshal(e.Delta, &delta); err != nil {
		return nil, fmt.Errorf("event %s: delta is not an op array: %w", e.Type, err)
	}
	return delta, nil
}

// Marshal encodes the event as a single JSON object.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a single wire event.
func Unmarshal(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func mustMarshalRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Only reachable for unmarshalable values, which the runtime never
		// produces for delta payloads.
		panic(err)
	}
	return data
}
