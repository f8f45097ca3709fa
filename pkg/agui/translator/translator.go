// Package translator maps internal session events to wire protocol events,
// preserving emission order across calls. One translator instance serves one
// run.
package translator

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/agentbridge-dev/agentbridge/pkg/agui/errors"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/session"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/wire"
)

// Translator converts internal events to wire events. It tracks the merged
// session state and the last baseline it emitted, so each appended event
// yields one cumulative STATE_DELTA regardless of how many stages
// contributed to it.
type Translator struct {
	runID    string
	current  session.State
	baseline session.State
}

// New creates a translator for one run. initial is the session state the
// turn started from.
func New(runID string, initial session.State) *Translator {
	return &Translator{
		runID:    runID,
		current:  session.CloneState(initial),
		baseline: session.CloneState(initial),
	}
}

// Start emits the RUN_STARTED event for the turn's input.
func (t *Translator) Start(input *wire.RunInput) *wire.Event {
	return wire.RunStarted(input)
}

// Translate converts one internal event. Emission order within the event:
// the tool-call sub-sequence first, then tool results, then text content,
// then the incremental state update.
func (t *Translator) Translate(ev *session.Event) ([]*wire.Event, error) {
	var out []*wire.Event

	if ev.Content != nil {
		for _, part := range ev.Content.Parts {
			if part.Type != session.PartTypeToolCall || part.ToolCall == nil {
				continue
			}
			call := part.ToolCall
			args, err := json.Marshal(call.Args)
			if err != nil {
				return nil, apperrors.New(apperrors.ErrCodeTranslation,
					fmt.Sprintf("failed to serialize args of tool call %s", call.ID), err)
			}
			out = append(out,
				wire.ToolCallStart(call.ID, call.Name),
				wire.ToolCallArgs(call.ID, string(args)),
				wire.ToolCallEnd(call.ID, call.Args),
			)
		}

		for _, part := range ev.Content.Parts {
			if part.Type != session.PartTypeToolResponse || part.ToolResult == nil {
				continue
			}
			out = append(out, wire.ToolCallResult(part.ToolResult.ID, MarshalToolResult(part.ToolResult)))
		}

		// The client already has its own user text; only agent text goes
		// back on the wire.
		if ev.Author != "user" {
			if events := t.translateText(ev); len(events) > 0 {
				out = append(out, events...)
			}
		}
	}

	if len(ev.Actions.StateDelta) > 0 {
		merged, err := session.Apply(t.current, ev.Actions.StateDelta)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrCodeTranslation, "failed to merge event delta", err)
		}
		t.current = merged

		// The emitted delta is the diff against the last emitted baseline,
		// not an echo of the event's own delta, so sibling fields written
		// by earlier stages of the turn are re-included.
		if delta := session.Diff(t.baseline, t.current); len(delta) > 0 {
			out = append(out, wire.NewStateDelta(delta))
			t.baseline = session.CloneState(t.current)
		}
	}

	return out, nil
}

// Finish emits the authoritative full-state snapshot followed by
// RUN_FINISHED. Called once, at turn completion.
func (t *Translator) Finish() []*wire.Event {
	return []*wire.Event{
		wire.StateSnapshot(session.CloneState(t.current)),
		wire.RunFinished(t.runID),
	}
}

// Fail emits the explicit error event that takes the place of RUN_FINISHED.
func (t *Translator) Fail(message string) *wire.Event {
	return wire.RunError(t.runID, message)
}

// State returns the merged state as of the last translated event.
func (t *Translator) State() session.State {
	return session.CloneState(t.current)
}

func (t *Translator) translateText(ev *session.Event) []*wire.Event {
	var chunks []string
	for _, part := range ev.Content.Parts {
		if part.Type == session.PartTypeText && part.Text != "" {
			chunks = append(chunks, part.Text)
		}
	}
	if len(chunks) == 0 {
		return nil
	}

	role := ev.Content.Role
	if role == "" {
		role = "assistant"
	}

	out := []*wire.Event{wire.TextMessageStart(ev.ID, role)}
	var buffer string
	for _, chunk := range chunks {
		buffer += chunk
		out = append(out, wire.TextMessageContent(ev.ID, chunk))
	}
	out = append(out, wire.TextMessageEnd(ev.ID, buffer))
	return out
}

// MarshalToolResult serializes a tool result as carried by TOOL_CALL_RESULT.
func MarshalToolResult(result *session.ToolResult) string {
	data, err := json.Marshal(map[string]any{
		"status":  result.Status,
		"content": result.Content,
	})
	if err != nil {
		return fmt.Sprintf(`{"status":%q}`, result.Status)
	}
	return string(data)
}
