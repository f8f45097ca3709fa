package runner

import (
	"context"

	"github.com/agentbridge-dev/agentbridge/pkg/agui/llm"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/session"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/tools"
)

// Stage names the steps of the turn pipeline, in execution order.
type Stage string

const (
	StageInit        Stage = "INIT"
	StageBeforeTurn  Stage = "BEFORE_TURN"
	StageBeforeModel Stage = "BEFORE_MODEL_CALL"
	StageModelCall   Stage = "MODEL_CALL"
	StageAfterModel  Stage = "AFTER_MODEL_CALL"
	StageBeforeTool  Stage = "BEFORE_TOOL"
	StageToolExec    Stage = "TOOL_EXEC"
	StageAfterTool   Stage = "AFTER_TOOL"
	StageAfterTurn   Stage = "AFTER_TURN"
	StageDone        Stage = "DONE"
)

// Outcome is the result of a pipeline stage callback: either continue with
// the turn, or replace the remainder of it with the given content. An
// explicit two-variant result, not a nil sentinel.
type Outcome struct {
	replace bool
	content *session.Content
}

// Continue proceeds with the turn.
func Continue() Outcome {
	return Outcome{}
}

// Replace short-circuits the remainder of the turn, supplying the content to
// respond with instead.
func Replace(content *session.Content) Outcome {
	return Outcome{replace: true, content: content}
}

// ReplaceText is Replace with a plain assistant text message.
func ReplaceText(text string) Outcome {
	return Replace(&session.Content{
		Role:  "assistant",
		Parts: []*session.Part{session.TextPart(text)},
	})
}

// Replaced reports whether the outcome short-circuits the turn, and with
// what content.
func (o Outcome) Replaced() (*session.Content, bool) {
	return o.content, o.replace
}

// CallbackContext is the view a stage callback operates on. State mutations
// go through State (the turn's recorder) and are visible to every subsequent
// stage of the same turn.
type CallbackContext struct {
	Session      *session.Session
	InvocationID string
	UserMessage  *session.Content
	State        *tools.Recorder
}

// Callbacks holds the optional per-stage hooks of the pipeline. A nil hook
// means Continue.
type Callbacks struct {
	BeforeTurn  func(ctx context.Context, cc *CallbackContext) (Outcome, error)
	BeforeModel func(ctx context.Context, cc *CallbackContext) (Outcome, error)
	AfterModel  func(ctx context.Context, cc *CallbackContext, resp *llm.Response) (Outcome, error)
	BeforeTool  func(ctx context.Context, cc *CallbackContext, call *session.ToolCall) (Outcome, error)
	AfterTool   func(ctx context.Context, cc *CallbackContext, call *session.ToolCall, result *session.ToolResult) (Outcome, error)
	AfterTurn   func(ctx context.Context, cc *CallbackContext) (Outcome, error)
}
