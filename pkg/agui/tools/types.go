package tools

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/agentbridge-dev/agentbridge/pkg/agui/errors"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/session"
)

// Tool defines the interface for agent tools. Tool business logic is opaque
// to the runtime; a tool is an arbitrary state-mutating function.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema of the tool's arguments.
	Parameters() map[string]any
	Run(ctx context.Context, args map[string]any, toolCtx *Context) (string, error)
}

// Context carries the per-turn view a tool (or pipeline stage) operates on.
// State mutations go through the recorder so they become the emitted state
// delta of the event that carries them.
type Context struct {
	Session      *session.Session
	InvocationID string
	UserID       string
	Recorder     *Recorder
}

// Recorder tracks mutations of the turn's working state. Mutations are
// visible immediately to later stages of the same turn; the accumulated
// delta is drained into each appended event.
type Recorder struct {
	mu    sync.Mutex
	state session.State
	delta session.StateDelta
}

// NewRecorder starts a recorder from the session's current state.
func NewRecorder(state session.State) *Recorder {
	return &Recorder{state: session.CloneState(state)}
}

// State returns the current working state, including all mutations made so
// far this turn. The returned document is shared; treat it as read-only and
// mutate through Set/Remove.
func (r *Recorder) State() session.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Get returns the value at a top-level key of the working state.
func (r *Recorder) Get(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	value, ok := r.state[key]
	return value, ok
}

// Set replaces the subtree at path with value.
func (r *Recorder) Set(path string, value any) error {
	return r.apply(session.DeltaEntry{Op: session.OpReplace, Path: path, Value: value})
}

// Add adds value at path (appending for array "-" segments).
func (r *Recorder) Add(path string, value any) error {
	return r.apply(session.DeltaEntry{Op: session.OpAdd, Path: path, Value: value})
}

// Remove deletes the subtree at path.
func (r *Recorder) Remove(path string) error {
	return r.apply(session.DeltaEntry{Op: session.OpRemove, Path: path})
}

func (r *Recorder) apply(entry session.DeltaEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, err := session.Apply(r.state, session.StateDelta{entry})
	if err != nil {
		return apperrors.New(apperrors.ErrCodeDeltaApply, "state mutation failed", err)
	}
	r.state = next
	r.delta = append(r.delta, entry)
	return nil
}

// ApplyDelta applies a precomputed delta entry by entry.
func (r *Recorder) ApplyDelta(delta session.StateDelta) error {
	for _, entry := range delta {
		if err := r.apply(entry); err != nil {
			return err
		}
	}
	return nil
}

// Drain returns the delta accumulated since the last drain and resets it.
func (r *Recorder) Drain() session.StateDelta {
	r.mu.Lock()
	defer r.mu.Unlock()
	delta := r.delta
	r.delta = nil
	return delta
}

// Registry holds the tools available to a runner, by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, apperrors.New(apperrors.ErrCodeToolExecution,
			fmt.Sprintf("tool not found: %s", name), nil)
	}
	return t, nil
}

// All returns the registered tools in registration order.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// BaseTool provides common functionality for tools.
type BaseTool struct {
	name        string
	description string
}

// NewBaseTool creates a new BaseTool.
func NewBaseTool(name, description string) BaseTool {
	return BaseTool{name: name, description: description}
}

func (b *BaseTool) Name() string        { return b.name }
func (b *BaseTool) Description() string { return b.description }

// Parameters defaults to an open object schema.
func (b *BaseTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

// FuncTool adapts a plain function into a Tool.
type FuncTool struct {
	BaseTool
	params map[string]any
	run    func(ctx context.Context, args map[string]any, toolCtx *Context) (string, error)
}

// NewFuncTool wraps a function as a Tool. params may be nil for an open
// object schema.
func NewFuncTool(
	name, description string,
	params map[string]any,
	run func(ctx context.Context, args map[string]any, toolCtx *Context) (string, error),
) *FuncTool {
	return &FuncTool{
		BaseTool: NewBaseTool(name, description),
		params:   params,
		run:      run,
	}
}

func (f *FuncTool) Parameters() map[string]any {
	if f.params != nil {
		return f.params
	}
	return f.BaseTool.Parameters()
}

func (f *FuncTool) Run(ctx context.Context, args map[string]any, toolCtx *Context) (string, error) {
	return f.run(ctx, args, toolCtx)
}
