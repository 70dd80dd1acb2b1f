// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev

package graph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"reflect"
)

// Graph is an ordered mapping from node identifier to Node.
type Graph struct {
	order []string
	nodes map[string]*Node
}

// New creates and returns an empty Graph.
func New() *Graph {
	return &Graph{nodes: map[string]*Node{}}
}

// Add inserts a node. Identifiers must be unique within a graph.
func (g *Graph) Add(id string, n *Node) error {
	if n == nil {
		return fmt.Errorf("node %q is nil", id)
	}
	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("duplicate node id %q", id)
	}
	g.order = append(g.order, id)
	g.nodes[id] = n
	return nil
}

// Node looks up a node by identifier.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

// IDs returns node identifiers in document order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.order...)
}

// Nodes iterates over the graph in document order.
func (g *Graph) Nodes() iter.Seq2[string, *Node] {
	return func(yield func(string, *Node) bool) {
		for _, id := range g.order {
			if !yield(id, g.nodes[id]) {
				return
			}
		}
	}
}

// NodesWithRole iterates over nodes of the given role in document order.
func (g *Graph) NodesWithRole(role Role) iter.Seq2[string, *Node] {
	return func(yield func(string, *Node) bool) {
		for id, n := range g.Nodes() {
			if n.Role() != role {
				continue
			}
			if !yield(id, n) {
				return
			}
		}
	}
}

// Resolve follows an edge reference to the node it points at. It returns
// false when the value is not a reference or the target does not exist.
func (g *Graph) Resolve(v Value) (string, *Node, bool) {
	ref, ok := v.EdgeRef()
	if !ok {
		return "", nil, false
	}
	n, ok := g.nodes[ref.Node]
	if !ok {
		return "", nil, false
	}
	return ref.Node, n, true
}

// Clone returns an independent deep copy of the graph.
func (g *Graph) Clone() *Graph {
	out := &Graph{
		order: append([]string(nil), g.order...),
		nodes: make(map[string]*Node, len(g.nodes)),
	}
	for id, n := range g.nodes {
		out.nodes[id] = n.Clone()
	}
	return out
}

// Equal reports whether both graphs hold the same nodes in the same order.
func (g *Graph) Equal(other *Graph) bool {
	if g == nil || other == nil {
		return g == other
	}
	return reflect.DeepEqual(g.order, other.order) && reflect.DeepEqual(g.nodes, other.nodes)
}

// MarshalJSON writes the graph as a JSON object in document order.
func (g *Graph) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range g.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		node, err := json.Marshal(g.nodes[id])
		if err != nil {
			return nil, fmt.Errorf("failed to encode node %q: %w", id, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(node)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler, keeping the key order of the
// document.
func (g *Graph) UnmarshalJSON(data []byte) error {
	parsed, err := Decode(bytes.NewReader(data))
	if err != nil {
		return err
	}
	*g = *parsed
	return nil
}

// Decode reads a JSON graph from r.
func Decode(r io.Reader) (*Graph, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to read graph: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("graph must be a JSON object of nodes")
	}

	g := New()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to read node id: %w", err)
		}
		id, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to read node %q: %w", id, err)
		}
		n := &Node{}
		if err := json.Unmarshal(raw, n); err != nil {
			return nil, fmt.Errorf("node %q: %w", id, err)
		}
		if err := g.Add(id, n); err != nil {
			return nil, err
		}
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("failed to read graph end: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after graph")
	}
	return g, nil
}
