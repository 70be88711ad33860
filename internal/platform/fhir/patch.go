package fhir

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// FHIRPath Patch operation types.
const (
	PatchOpAdd     = "add"
	PatchOpDelete  = "delete"
	PatchOpReplace = "replace"
	PatchOpMove    = "move"
)

// PatchOperation is one "operation" parameter of a FHIRPath Patch document.
type PatchOperation struct {
	Type  string
	Path  string
	Name  string
	Value *ParametersParameter
}

func (op PatchOperation) value() (interface{}, bool) {
	if op.Value == nil {
		return nil, false
	}
	return op.Value.JSONValue()
}

// ParsePatchParameters reads every "operation" parameter of a FHIRPath Patch
// Parameters resource. Operations are returned in document order; missing
// parts are left empty for the caller to judge.
func ParsePatchParameters(params *Parameters) []PatchOperation {
	var ops []PatchOperation
	for _, p := range params.All("operation") {
		var op PatchOperation
		if part, ok := p.PartNamed("type"); ok {
			op.Type, _ = part.StringValue()
		}
		if part, ok := p.PartNamed("path"); ok {
			op.Path, _ = part.StringValue()
		}
		if part, ok := p.PartNamed("name"); ok {
			op.Name, _ = part.StringValue()
		}
		if part, ok := p.PartNamed("value"); ok {
			v := *part
			op.Value = &v
		}
		ops = append(ops, op)
	}
	return ops
}

// ApplyFHIRPathPatch applies add, replace and delete operations to a resource
// document. The document is copied first; on error the input is untouched.
// Paths use a small FHIRPath subset: dotted element names, [n] indexes,
// first(), and where(resolve() is Type).
func ApplyFHIRPathPatch(resource map[string]interface{}, ops []PatchOperation) (map[string]interface{}, error) {
	result := deepCopyMap(resource)

	for i, op := range ops {
		nodes, err := evaluatePath(result, op.Path)
		if err != nil {
			return nil, fmt.Errorf("patch operation %d (%s): %w", i, op.Type, err)
		}

		switch op.Type {
		case PatchOpReplace:
			if len(nodes) != 1 || nodes[0].set == nil {
				return nil, fmt.Errorf("patch operation %d (replace): path %s matched %d elements", i, op.Path, len(nodes))
			}
			value, ok := op.value()
			if !ok {
				return nil, fmt.Errorf("patch operation %d (replace): value is missing", i)
			}
			nodes[0].set(value)
		case PatchOpAdd:
			if len(nodes) != 1 {
				return nil, fmt.Errorf("patch operation %d (add): path %s matched %d elements", i, op.Path, len(nodes))
			}
			if op.Name == "" {
				return nil, fmt.Errorf("patch operation %d (add): name is missing", i)
			}
			value, ok := op.value()
			if !ok {
				return nil, fmt.Errorf("patch operation %d (add): value is missing", i)
			}
			target, ok := nodes[0].value.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("patch operation %d (add): %s is not an element", i, op.Path)
			}
			if existing, ok := target[op.Name].([]interface{}); ok {
				target[op.Name] = append(existing, value)
			} else {
				target[op.Name] = value
			}
		case PatchOpDelete:
			if len(nodes) > 1 {
				return nil, fmt.Errorf("patch operation %d (delete): path %s matched %d elements", i, op.Path, len(nodes))
			}
			for _, n := range nodes {
				if n.remove == nil {
					return nil, fmt.Errorf("patch operation %d (delete): cannot delete the resource itself", i)
				}
				n.remove()
			}
		default:
			return nil, fmt.Errorf("unsupported patch operation type: %q", op.Type)
		}
	}

	return result, nil
}

// pathNode is one element selected by a path, with write-back hooks into
// its container.
type pathNode struct {
	value  interface{}
	set    func(interface{})
	remove func()
}

var (
	indexedSegment = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9]*)\[(\d+)\]$`)
	whereResolveIs = regexp.MustCompile(`^where\(\s*resolve\(\)\s+is\s+([A-Za-z]+)\s*\)$`)
)

func evaluatePath(doc map[string]interface{}, path string) ([]pathNode, error) {
	segments := splitFHIRPath(path)
	if len(segments) == 0 {
		return nil, fmt.Errorf("empty path")
	}
	if rt, _ := doc["resourceType"].(string); segments[0] != rt {
		return nil, fmt.Errorf("path %s does not start with %s", path, rt)
	}

	nodes := []pathNode{{value: doc}}
	for _, seg := range segments[1:] {
		switch {
		case seg == "first()":
			if len(nodes) > 1 {
				nodes = nodes[:1]
			}
		case whereResolveIs.MatchString(seg):
			want := whereResolveIs.FindStringSubmatch(seg)[1]
			var kept []pathNode
			for _, n := range nodes {
				ref, _ := n.value.(map[string]interface{})
				s, _ := ref["reference"].(string)
				if rt, _ := ParseReference(s); rt == want {
					kept = append(kept, n)
				}
			}
			nodes = kept
		default:
			name, index := seg, -1
			if m := indexedSegment.FindStringSubmatch(seg); m != nil {
				name = m[1]
				index, _ = strconv.Atoi(m[2])
			}
			var next []pathNode
			for _, n := range nodes {
				next = append(next, children(n, name)...)
			}
			if index >= 0 {
				if index >= len(next) {
					next = nil
				} else {
					next = next[index : index+1]
				}
			}
			nodes = next
		}
	}
	return nodes, nil
}

func children(n pathNode, name string) []pathNode {
	m, ok := n.value.(map[string]interface{})
	if !ok {
		return nil
	}
	v, ok := m[name]
	if !ok {
		return nil
	}
	arr, isArr := v.([]interface{})
	if !isArr {
		return []pathNode{{
			value:  v,
			set:    func(nv interface{}) { m[name] = nv },
			remove: func() { delete(m, name) },
		}}
	}
	out := make([]pathNode, 0, len(arr))
	for i := range arr {
		out = append(out, pathNode{
			value: arr[i],
			set: func(nv interface{}) {
				cur := m[name].([]interface{})
				cur[i] = nv
			},
			remove: func() {
				cur := m[name].([]interface{})
				rest := append(append([]interface{}{}, cur[:i]...), cur[i+1:]...)
				if len(rest) == 0 {
					delete(m, name)
					return
				}
				m[name] = rest
			},
		})
	}
	return out
}

// splitFHIRPath splits on dots that are not inside parentheses.
func splitFHIRPath(path string) []string {
	var segments []string
	depth, start := 0, 0
	for i, r := range path {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case '.':
			if depth == 0 {
				segments = append(segments, strings.TrimSpace(path[start:i]))
				start = i + 1
			}
		}
	}
	if tail := strings.TrimSpace(path[start:]); tail != "" {
		segments = append(segments, tail)
	}
	return segments
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	data, _ := json.Marshal(m)
	var result map[string]interface{}
	_ = json.Unmarshal(data, &result)
	return result
}
