package agui

import (
	"fmt"
	"reflect"
	"strings"
)

// StateTree is the keyed document tree mirrored from the gateway.
// All containers are keyed maps. Numeric array-index pointer semantics
// are intentionally not supported.
type StateTree = map[string]any

type PatchOpType string

const (
	PatchOpAdd     PatchOpType = "add"
	PatchOpRemove  PatchOpType = "remove"
	PatchOpReplace PatchOpType = "replace"
	PatchOpMove    PatchOpType = "move"
	PatchOpCopy    PatchOpType = "copy"
	PatchOpTest    PatchOpType = "test"
)

type PatchOp struct {
	Op    PatchOpType `json:"op"`
	Path  string      `json:"path"`
	Value any         `json:"value,omitempty"`
	From  string      `json:"from,omitempty"`
}

// nodeKind tags the result of a pointer lookup so traversal is handled
// exhaustively instead of probing value types at each step.
type nodeKind int

const (
	nodeMissing nodeKind = iota
	nodeMap
	nodeScalar
)

func classifyNode(value any, present bool) nodeKind {
	if !present {
		return nodeMissing
	}
	if _, ok := value.(map[string]any); ok {
		return nodeMap
	}
	return nodeScalar
}

// ApplyPatch applies `ops` in order to a deep copy of `tree` and returns
// the result. The input tree is never mutated, so a caller that needs
// atomicity keeps its original on error and discards the attempt.
func ApplyPatch(tree StateTree, ops []PatchOp) (StateTree, error) {
	next := deepCopyTree(tree)
	for i, op := range ops {
		if err := applyOne(next, op); err != nil {
			return nil, fmt.Errorf("patch op %d: %w", i, err)
		}
	}
	return next, nil
}

func applyOne(tree StateTree, op PatchOp) error {
	switch op.Op {
	case PatchOpAdd, PatchOpReplace:
		tokens, err := parsePointer(op.Path)
		if err != nil {
			return err
		}
		return setValue(tree, tokens, deepCopyValue(op.Value))
	case PatchOpRemove:
		tokens, err := parsePointer(op.Path)
		if err != nil {
			return err
		}
		return removeValue(tree, tokens)
	case PatchOpMove:
		if op.From == "" {
			return fmt.Errorf("%s requires from", op.Op)
		}
		fromTokens, err := parsePointer(op.From)
		if err != nil {
			return err
		}
		value, kind := getValue(tree, fromTokens)
		if kind == nodeMissing {
			return fmt.Errorf("%s: missing from path %q", op.Op, op.From)
		}
		if err := removeValue(tree, fromTokens); err != nil {
			return err
		}
		tokens, err := parsePointer(op.Path)
		if err != nil {
			return err
		}
		return setValue(tree, tokens, value)
	case PatchOpCopy:
		if op.From == "" {
			return fmt.Errorf("%s requires from", op.Op)
		}
		fromTokens, err := parsePointer(op.From)
		if err != nil {
			return err
		}
		value, kind := getValue(tree, fromTokens)
		if kind == nodeMissing {
			return fmt.Errorf("%s: missing from path %q", op.Op, op.From)
		}
		tokens, err := parsePointer(op.Path)
		if err != nil {
			return err
		}
		return setValue(tree, tokens, deepCopyValue(value))
	case PatchOpTest:
		tokens, err := parsePointer(op.Path)
		if err != nil {
			return err
		}
		value, kind := getValue(tree, tokens)
		if kind == nodeMissing {
			return fmt.Errorf("test: missing path %q", op.Path)
		}
		if !reflect.DeepEqual(value, op.Value) {
			return fmt.Errorf("test: value at %q does not match", op.Path)
		}
		return nil
	default:
		return fmt.Errorf("unknown patch op %q", op.Op)
	}
}

// parsePointer splits a slash-delimited pointer into key tokens.
// The empty pointer ("" or "/") addresses the root and yields no tokens.
func parsePointer(pointer string) ([]string, error) {
	if pointer == "" || pointer == "/" {
		return nil, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, fmt.Errorf("pointer %q must start with /", pointer)
	}
	return strings.Split(pointer[1:], "/"), nil
}

// getValue walks the tree and tags the result. A scalar in the middle of
// the pointer resolves to missing.
func getValue(tree StateTree, tokens []string) (any, nodeKind) {
	if len(tokens) == 0 {
		return tree, nodeMap
	}
	node := tree
	for _, token := range tokens[:len(tokens)-1] {
		value, present := node[token]
		switch classifyNode(value, present) {
		case nodeMap:
			node = value.(map[string]any)
		default:
			return nil, nodeMissing
		}
	}
	value, present := node[tokens[len(tokens)-1]]
	kind := classifyNode(value, present)
	if kind == nodeMissing {
		return nil, nodeMissing
	}
	return value, kind
}

// setValue writes `value` at the pointer, creating intermediate maps as
// needed. Writing at the root merges the value's top-level keys.
func setValue(tree StateTree, tokens []string, value any) error {
	if len(tokens) == 0 {
		merge, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("root value must be an object, got %T", value)
		}
		for key, mergeValue := range merge {
			tree[key] = mergeValue
		}
		return nil
	}
	node := tree
	for _, token := range tokens[:len(tokens)-1] {
		childValue, present := node[token]
		switch classifyNode(childValue, present) {
		case nodeMap:
			node = childValue.(map[string]any)
		default:
			// missing or scalar intermediate levels become objects
			child := map[string]any{}
			node[token] = child
			node = child
		}
	}
	node[tokens[len(tokens)-1]] = value
	return nil
}

func removeValue(tree StateTree, tokens []string) error {
	if len(tokens) == 0 {
		return fmt.Errorf("cannot remove the root")
	}
	node := tree
	for _, token := range tokens[:len(tokens)-1] {
		value, present := node[token]
		switch classifyNode(value, present) {
		case nodeMap:
			node = value.(map[string]any)
		default:
			return fmt.Errorf("remove: missing path segment %q", token)
		}
	}
	last := tokens[len(tokens)-1]
	if _, present := node[last]; !present {
		return fmt.Errorf("remove: missing key %q", last)
	}
	delete(node, last)
	return nil
}

func deepCopyTree(tree StateTree) StateTree {
	if tree == nil {
		return StateTree{}
	}
	out := make(StateTree, len(tree))
	for key, value := range tree {
		out[key] = deepCopyValue(value)
	}
	return out
}

func deepCopyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			out[key] = deepCopyValue(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = deepCopyValue(child)
		}
		return out
	default:
		return v
	}
}
