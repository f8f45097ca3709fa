// Package runner executes one turn as a strictly ordered pipeline of
// callback stages, appending internal events to the session store one at a
// time so partial progress is durable if the turn is interrupted.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	apperrors "github.com/agentbridge-dev/agentbridge/pkg/agui/errors"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/llm"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/metrics"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/session"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/tools"
)

const (
	// MaxToolCycles bounds the tool sub-cycles of one turn.
	MaxToolCycles     = 10
	DefaultToolCycles = 5
)

// EmitFunc receives each appended event immediately after it is committed.
// An emit failure is fatal to delivery of the remainder of the turn, but
// everything already appended stays committed.
type EmitFunc func(*session.Event) error

// RunContext is the ephemeral per-turn input. It is never persisted; its
// effects are persisted via appended events.
type RunContext struct {
	Session      *session.Session
	InvocationID string
	UserMessage  *session.Content
	// BaseState is the client's locally-edited base state for this turn.
	// Differences from the stored application state are merged in as the
	// user event's delta before any stage runs.
	BaseState session.State
}

// Runner drives the turn pipeline. Single-threaded within a turn; each
// stage's state mutations are visible to every stage after it.
type Runner struct {
	store         session.Service
	model         llm.Client
	registry      *tools.Registry
	callbacks     Callbacks
	maxToolCycles int
	metrics       *metrics.Metrics
	log           logr.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithCallbacks installs the pipeline stage hooks.
func WithCallbacks(cb Callbacks) Option {
	return func(r *Runner) { r.callbacks = cb }
}

// WithMaxToolCycles bounds the tool sub-cycles per turn.
func WithMaxToolCycles(n int) Option {
	return func(r *Runner) {
		if n > 0 && n <= MaxToolCycles {
			r.maxToolCycles = n
		}
	}
}

// WithMetrics installs Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithLogger installs a structured logger.
func WithLogger(log logr.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// New creates a Runner.
func New(store session.Service, model llm.Client, registry *tools.Registry, opts ...Option) *Runner {
	r := &Runner{
		store:         store,
		model:         model,
		registry:      registry,
		maxToolCycles: DefaultToolCycles,
		metrics:       metrics.NewNop(),
		log:           logr.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one turn. Model and tool calls are awaited sequentially;
// cancellation is external only, via ctx.
func (r *Runner) Run(ctx context.Context, rc *RunContext, emit EmitFunc) error {
	start := time.Now()
	r.metrics.RunsStarted.Inc()
	log := r.log.WithValues("invocation", rc.InvocationID, "session", rc.Session.ID)

	err := r.run(ctx, rc, emit, log)
	r.metrics.RunDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		r.metrics.RunsFailed.Inc()
		log.Error(err, "turn failed")
		return err
	}
	r.metrics.RunsCompleted.Inc()
	log.V(1).Info("turn complete", "stage", StageDone)
	return nil
}

func (r *Runner) run(ctx context.Context, rc *RunContext, emit EmitFunc, log logr.Logger) error {
	recorder := tools.NewRecorder(rc.Session.State)
	cc := &CallbackContext{
		Session:      rc.Session,
		InvocationID: rc.InvocationID,
		UserMessage:  rc.UserMessage,
		State:        recorder,
	}

	// INIT: merge the client's base state. The server state is
	// authoritative for reserved keys; application keys follow the client's
	// edits and land in the user event's delta.
	log.V(1).Info("stage", "stage", StageInit)
	if err := recorder.ApplyDelta(baseStateDelta(rc.Session.State, rc.BaseState)); err != nil {
		return apperrors.New(apperrors.ErrCodeRunFailed, "failed to merge base state", err)
	}
	if err := r.appendAndEmit(ctx, rc, emit, r.newEvent(rc, "user", rc.UserMessage, recorder.Drain())); err != nil {
		return err
	}

	// BEFORE_TURN
	log.V(1).Info("stage", "stage", StageBeforeTurn)
	if done, err := r.runStageCallback(ctx, rc, cc, emit, r.callbacks.BeforeTurn, StageBeforeTurn); done || err != nil {
		return err
	}

	// BEFORE_MODEL_CALL
	log.V(1).Info("stage", "stage", StageBeforeModel)
	if done, err := r.runStageCallback(ctx, rc, cc, emit, r.callbacks.BeforeModel, StageBeforeModel); done || err != nil {
		return err
	}

	history := buildHistory(rc.Session)
	genConfig := &llm.GenerateConfig{Tools: r.toolDefinitions()}

	for cycle := 0; ; cycle++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		// MODEL_CALL
		log.V(1).Info("stage", "stage", StageModelCall, "cycle", cycle)
		resp, err := r.model.Generate(ctx, history, genConfig)
		if err != nil {
			return apperrors.New(apperrors.ErrCodeModelCall, "model call failed", err)
		}

		// AFTER_MODEL_CALL
		log.V(1).Info("stage", "stage", StageAfterModel)
		if r.callbacks.AfterModel != nil {
			outcome, err := r.callbacks.AfterModel(ctx, cc, resp)
			if err != nil {
				return apperrors.New(apperrors.ErrCodeRunFailed, "after-model callback failed", err)
			}
			if content, replaced := outcome.Replaced(); replaced {
				resp = &llm.Response{Content: content}
			}
		}

		history = append(history, resp.Content)
		if err := r.appendAndEmit(ctx, rc, emit, r.newEvent(rc, "agent", resp.Content, recorder.Drain())); err != nil {
			return err
		}

		if len(resp.ToolCalls) == 0 {
			break
		}
		if cycle+1 >= r.maxToolCycles {
			return apperrors.New(apperrors.ErrCodeRunFailed,
				fmt.Sprintf("max tool cycles (%d) reached", r.maxToolCycles), nil)
		}

		for _, call := range resp.ToolCalls {
			result := r.runToolCycle(ctx, cc, call, log)
			author := "tool:" + call.Name
			content := &session.Content{
				Role:  "user", // tool results return to the model as user messages
				Parts: []*session.Part{session.ToolResultPart(result)},
			}
			if err := r.appendAndEmit(ctx, rc, emit, r.newEvent(rc, author, content, recorder.Drain())); err != nil {
				return err
			}
			history = append(history, content)
		}
	}

	// AFTER_TURN
	log.V(1).Info("stage", "stage", StageAfterTurn)
	if r.callbacks.AfterTurn != nil {
		outcome, err := r.callbacks.AfterTurn(ctx, cc)
		if err != nil {
			return apperrors.New(apperrors.ErrCodeRunFailed, "after-turn callback failed", err)
		}
		content, replaced := outcome.Replaced()
		delta := recorder.Drain()
		if replaced || len(delta) > 0 {
			if err := r.appendAndEmit(ctx, rc, emit, r.newEvent(rc, "agent", content, delta)); err != nil {
				return err
			}
		}
	}

	return nil
}

// runStageCallback runs an optional Continue/Replace stage hook. It returns
// done=true when the hook replaced the remainder of the turn.
func (r *Runner) runStageCallback(
	ctx context.Context,
	rc *RunContext,
	cc *CallbackContext,
	emit EmitFunc,
	hook func(context.Context, *CallbackContext) (Outcome, error),
	stage Stage,
) (bool, error) {
	if hook == nil {
		return false, nil
	}
	outcome, err := hook(ctx, cc)
	if err != nil {
		return false, apperrors.New(apperrors.ErrCodeRunFailed, fmt.Sprintf("%s callback failed", stage), err)
	}
	delta := cc.State.Drain()
	if content, replaced := outcome.Replaced(); replaced {
		return true, r.appendAndEmit(ctx, rc, emit, r.newEvent(rc, "agent", content, delta))
	}
	if len(delta) > 0 {
		return false, r.appendAndEmit(ctx, rc, emit, r.newEvent(rc, "agent", nil, delta))
	}
	return false, nil
}

// runToolCycle executes BEFORE_TOOL -> TOOL_EXEC -> AFTER_TOOL for one call.
// A tool failure is recovered locally: the result carries status "error" and
// the turn continues.
func (r *Runner) runToolCycle(ctx context.Context, cc *CallbackContext, call *session.ToolCall, log logr.Logger) *session.ToolResult {
	log.V(1).Info("stage", "stage", StageBeforeTool, "tool", call.Name, "toolCallId", call.ID)

	toolCtx := &tools.Context{
		Session:      cc.Session,
		InvocationID: cc.InvocationID,
		UserID:       cc.Session.UserID,
		Recorder:     cc.State,
	}

	result := &session.ToolResult{ID: call.ID, Name: call.Name, Status: "success"}

	replaced := false
	if r.callbacks.BeforeTool != nil {
		outcome, err := r.callbacks.BeforeTool(ctx, cc, call)
		if err != nil {
			result.Status = "error"
			result.Content = err.Error()
			replaced = true
		} else if content, isReplace := outcome.Replaced(); isReplace {
			result.Content = content.Text()
			replaced = true
		}
	}

	if !replaced {
		log.V(1).Info("stage", "stage", StageToolExec, "tool", call.Name)
		output, err := r.executeTool(ctx, call, toolCtx)
		if err != nil {
			result.Status = "error"
			result.Content = err.Error()
		} else {
			result.Content = output
		}
	}

	log.V(1).Info("stage", "stage", StageAfterTool, "tool", call.Name, "status", result.Status)
	if r.callbacks.AfterTool != nil {
		outcome, err := r.callbacks.AfterTool(ctx, cc, call, result)
		if err != nil {
			result.Status = "error"
			result.Content = err.Error()
		} else if content, isReplace := outcome.Replaced(); isReplace {
			result.Status = "success"
			result.Content = content.Text()
		}
	}

	r.metrics.ToolCalls.WithLabelValues(call.Name, result.Status).Inc()
	return result
}

func (r *Runner) executeTool(ctx context.Context, call *session.ToolCall, toolCtx *tools.Context) (string, error) {
	tool, err := r.registry.Get(call.Name)
	if err != nil {
		return "", err
	}
	return tool.Run(ctx, call.Args, toolCtx)
}

func (r *Runner) toolDefinitions() []llm.ToolDefinition {
	var defs []llm.ToolDefinition
	for _, tool := range r.registry.All() {
		defs = append(defs, llm.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	return defs
}

func (r *Runner) newEvent(rc *RunContext, author string, content *session.Content, delta session.StateDelta) *session.Event {
	return &session.Event{
		ID:           uuid.NewString(),
		InvocationID: rc.InvocationID,
		Author:       author,
		Content:      content,
		Actions:      session.EventActions{StateDelta: delta},
		Timestamp:    time.Now().UTC(),
	}
}

func (r *Runner) appendAndEmit(ctx context.Context, rc *RunContext, emit EmitFunc, ev *session.Event) error {
	if _, err := r.store.AppendEvent(ctx, rc.Session, ev); err != nil {
		return apperrors.New(apperrors.ErrCodeAppendEvent, "failed to append event", err)
	}
	r.metrics.EventsAppended.Inc()
	if emit != nil {
		if err := emit(ev); err != nil {
			return apperrors.New(apperrors.ErrCodeTransport, "failed to emit event", err)
		}
	}
	return nil
}

// baseStateDelta diffs the application (non-reserved) portion of the stored
// state against the client's base state. Reserved keys never move.
func baseStateDelta(current, base session.State) session.StateDelta {
	if base == nil {
		return nil
	}
	return session.Diff(stripReserved(current), stripReserved(base))
}

func stripReserved(state session.State) session.State {
	out := session.State{}
	for key, value := range state {
		if !session.IsReservedKey(key) {
			out[key] = value
		}
	}
	return out
}

// buildHistory flattens the session's event log into model messages. Tool
// events already carry user-role function responses.
func buildHistory(sess *session.Session) []*session.Content {
	var history []*session.Content
	for _, ev := range sess.Events {
		if ev.Content == nil || len(ev.Content.Parts) == 0 {
			continue
		}
		history = append(history, ev.Content)
	}
	return history
}
