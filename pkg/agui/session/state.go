package session

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// DeltaOp is the operation kind of a single delta entry.
type DeltaOp string

const (
	OpAdd     DeltaOp = "add"
	OpReplace DeltaOp = "replace"
	OpRemove  DeltaOp = "remove"
)

// DeltaEntry is one (path, op, value) triple. Path is a JSON Pointer
// ("/deal", "/deal/products/0"). Replace at a path fully overwrites the
// subtree at that path; sibling fields not re-included in the value are lost.
type DeltaEntry struct {
	Op    DeltaOp `json:"op"`
	Path  string  `json:"path"`
	Value any     `json:"value,omitempty"`
}

// StateDelta is an ordered set of delta entries. Entries are applied in
// order, so a later entry touching the same path wins (last-writer-wins).
type StateDelta []DeltaEntry

// Replace builds a single-entry delta replacing the subtree at path.
func Replace(path string, value any) StateDelta {
	return StateDelta{{Op: OpReplace, Path: path, Value: value}}
}

// TouchesReserved reports whether any entry addresses a reserved top-level
// key. Reserved keys are written at session creation only; the store rejects
// deltas that touch them.
func (d StateDelta) TouchesReserved() bool {
	for _, entry := range d {
		segs, err := splitPointer(entry.Path)
		if err == nil && len(segs) > 0 && IsReservedKey(segs[0]) {
			return true
		}
	}
	return false
}

// Apply applies the delta to a state document and returns the resulting
// document. The input state is never modified; Apply is a pure function.
func Apply(state State, delta StateDelta) (State, error) {
	doc := any(CloneState(state))
	for _, entry := range delta {
		segs, err := splitPointer(entry.Path)
		if err != nil {
			return nil, err
		}
		doc, err = applyEntry(doc, segs, entry)
		if err != nil {
			return nil, fmt.Errorf("apply %s %q: %w", entry.Op, entry.Path, err)
		}
	}
	switch result := doc.(type) {
	case State:
		return result, nil
	case map[string]any:
		return State(result), nil
	default:
		return nil, fmt.Errorf("delta replaced the document root with a non-object")
	}
}

// Diff computes the delta between two state documents at top-level key
// granularity: one replace (or add/remove) entry per changed key, carrying
// the full merged value of that key. Applying the result to base yields
// next exactly, including unchanged sibling fields beneath a changed key.
func Diff(base, next State) StateDelta {
	var delta StateDelta

	keys := make([]string, 0, len(next))
	for key := range next {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		nextValue := next[key]
		baseValue, existed := base[key]
		switch {
		case !existed:
			delta = append(delta, DeltaEntry{Op: OpAdd, Path: "/" + escapePointer(key), Value: cloneValue(nextValue)})
		case !reflect.DeepEqual(baseValue, nextValue):
			delta = append(delta, DeltaEntry{Op: OpReplace, Path: "/" + escapePointer(key), Value: cloneValue(nextValue)})
		}
	}

	removed := make([]string, 0)
	for key := range base {
		if _, ok := next[key]; !ok {
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	for _, key := range removed {
		delta = append(delta, DeltaEntry{Op: OpRemove, Path: "/" + escapePointer(key)})
	}

	return delta
}

// CloneState deep-copies a state document.
func CloneState(state State) State {
	if state == nil {
		return State{}
	}
	return cloneValue(state).(State)
}

func cloneValue(v any) any {
	switch value := v.(type) {
	case State:
		out := make(State, len(value))
		for k, item := range value {
			out[k] = cloneValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return value
	}
}

func applyEntry(doc any, segs []string, entry DeltaEntry) (any, error) {
	if len(segs) == 0 {
		// Whole-document operation.
		switch entry.Op {
		case OpAdd, OpReplace:
			return cloneValue(entry.Value), nil
		case OpRemove:
			return State{}, nil
		default:
			return nil, fmt.Errorf("unsupported op %q", entry.Op)
		}
	}
	return applyAt(doc, segs, entry)
}

func applyAt(node any, segs []string, entry DeltaEntry) (any, error) {
	seg := segs[0]
	last := len(segs) == 1

	switch container := node.(type) {
	case State:
		return applyAtMap(map[string]any(container), seg, segs, last, entry)
	case map[string]any:
		return applyAtMap(container, seg, segs, last, entry)
	case []any:
		idx, err := parseIndex(seg, len(container), entry.Op)
		if err != nil {
			return nil, err
		}
		if last {
			switch entry.Op {
			case OpAdd:
				if idx == len(container) {
					return append(container, cloneValue(entry.Value)), nil
				}
				out := make([]any, 0, len(container)+1)
				out = append(out, container[:idx]...)
				out = append(out, cloneValue(entry.Value))
				out = append(out, container[idx:]...)
				return out, nil
			case OpReplace:
				if idx >= len(container) {
					return nil, fmt.Errorf("index %d out of range", idx)
				}
				container[idx] = cloneValue(entry.Value)
				return container, nil
			case OpRemove:
				if idx >= len(container) {
					return nil, fmt.Errorf("index %d out of range", idx)
				}
				return append(container[:idx], container[idx+1:]...), nil
			default:
				return nil, fmt.Errorf("unsupported op %q", entry.Op)
			}
		}
		if idx >= len(container) {
			return nil, fmt.Errorf("index %d out of range", idx)
		}
		child, err := applyAt(container[idx], segs[1:], entry)
		if err != nil {
			return nil, err
		}
		container[idx] = child
		return container, nil
	default:
		return nil, fmt.Errorf("cannot descend into %T at %q", node, seg)
	}
}

func applyAtMap(container map[string]any, seg string, segs []string, last bool, entry DeltaEntry) (any, error) {
	if last {
		switch entry.Op {
		case OpAdd, OpReplace:
			container[seg] = cloneValue(entry.Value)
		case OpRemove:
			delete(container, seg)
		default:
			return nil, fmt.Errorf("unsupported op %q", entry.Op)
		}
		return container, nil
	}

	child, ok := container[seg]
	if !ok {
		if entry.Op == OpRemove {
			return nil, fmt.Errorf("path segment %q not found", seg)
		}
		// Adds materialize missing intermediate objects.
		child = map[string]any{}
	}
	updated, err := applyAt(child, segs[1:], entry)
	if err != nil {
		return nil, err
	}
	container[seg] = updated
	return container, nil
}

func parseIndex(seg string, length int, op DeltaOp) (int, error) {
	if seg == "-" && op == OpAdd {
		return length, nil
	}
	idx, err := strconv.Atoi(seg)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("invalid array index %q", seg)
	}
	return idx, nil
}

func splitPointer(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("path %q must start with '/'", path)
	}
	raw := strings.Split(path[1:], "/")
	segs := make([]string, len(raw))
	for i, seg := range raw {
		seg = strings.ReplaceAll(seg, "~1", "/")
		seg = strings.ReplaceAll(seg, "~0", "~")
		segs[i] = seg
	}
	return segs, nil
}

func escapePointer(seg string) string {
	seg = strings.ReplaceAll(seg, "~", "~0")
	return strings.ReplaceAll(seg, "/", "~1")
}
