// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev

package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Node is a single vertex of the workflow graph.
type Node struct {
	// ClassType is the backend's behavior tag, e.g. "KSampler".
	ClassType string
	// Inputs maps slot name to its literal value or edge reference.
	Inputs map[string]Value

	// extra holds every other top-level field (for example "_meta") verbatim.
	extra map[string]json.RawMessage
}

// NewNode creates a node with an empty input set.
func NewNode(classType string) *Node {
	return &Node{ClassType: classType, Inputs: map[string]Value{}}
}

// Role returns the role derived from the node's class type.
func (n *Node) Role() Role {
	return RoleOf(n.ClassType)
}

// Input returns the value of a slot.
func (n *Node) Input(name string) (Value, bool) {
	v, ok := n.Inputs[name]
	return v, ok
}

// SetInput writes a slot, creating the input set if the node has none.
func (n *Node) SetInput(name string, v Value) {
	if n.Inputs == nil {
		n.Inputs = map[string]Value{}
	}
	n.Inputs[name] = v
}

// InputNames returns the node's slot names in sorted order.
func (n *Node) InputNames() []string {
	names := make([]string, 0, len(n.Inputs))
	for name := range n.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	out := &Node{ClassType: n.ClassType}
	if n.Inputs != nil {
		out.Inputs = make(map[string]Value, len(n.Inputs))
		for k, v := range n.Inputs {
			out.Inputs[k] = v.clone()
		}
	}
	if n.extra != nil {
		out.extra = make(map[string]json.RawMessage, len(n.extra))
		for k, raw := range n.extra {
			out.extra[k] = append(json.RawMessage(nil), raw...)
		}
	}
	return out
}

// MarshalJSON writes "inputs", "class_type" and then the extra fields in
// key order.
func (n *Node) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	if n.Inputs != nil {
		inputs, err := json.Marshal(n.Inputs)
		if err != nil {
			return nil, fmt.Errorf("failed to encode inputs: %w", err)
		}
		buf.WriteString(`"inputs":`)
		buf.Write(inputs)
		buf.WriteByte(',')
	}

	classType, err := json.Marshal(n.ClassType)
	if err != nil {
		return nil, err
	}
	buf.WriteString(`"class_type":`)
	buf.Write(classType)

	keys := make([]string, 0, len(n.extra))
	for k := range n.extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(n.extra[k])
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Node) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("node is not an object: %w", err)
	}
	if fields == nil {
		return fmt.Errorf("node is not an object")
	}

	*n = Node{}
	for key, raw := range fields {
		switch key {
		case "class_type":
			if err := json.Unmarshal(raw, &n.ClassType); err != nil {
				return fmt.Errorf("class_type must be a string: %w", err)
			}
		case "inputs":
			if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
				continue
			}
			var inputs map[string]Value
			if err := json.Unmarshal(raw, &inputs); err != nil {
				return fmt.Errorf("inputs must be an object: %w", err)
			}
			n.Inputs = inputs
		default:
			var compact bytes.Buffer
			if err := json.Compact(&compact, raw); err != nil {
				return fmt.Errorf("field %q: %w", key, err)
			}
			if n.extra == nil {
				n.extra = map[string]json.RawMessage{}
			}
			n.extra[key] = compact.Bytes()
		}
	}
	return nil
}
