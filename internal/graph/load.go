// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev

package graph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadError reports a template graph that is missing or malformed.
type LoadError struct {
	Path string
	Err  error
}

// Error implements the error interface for LoadError.
func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load workflow %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *LoadError) Unwrap() error {
	return e.Err
}

// Load reads a graph from a file. Files ending in .yaml or .yml are parsed as
// YAML, everything else as JSON.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	var g *Graph
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		g, err = DecodeYAML(data)
	default:
		g, err = Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return g, nil
}

// DecodeYAML parses a graph written in YAML. The document must be a mapping
// of node id to node, in the same shape as the JSON form.
func DecodeYAML(data []byte) (*Graph, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, errors.New("empty YAML document")
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("graph must be a mapping of nodes")
	}

	g := New()
	for i := 0; i+1 < len(root.Content); i += 2 {
		id := root.Content[i].Value
		value, err := yamlToJSON(root.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", id, err)
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", id, err)
		}
		n := &Node{}
		if err := json.Unmarshal(raw, n); err != nil {
			return nil, fmt.Errorf("node %q: %w", id, err)
		}
		if err := g.Add(id, n); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// yamlToJSON converts a YAML node into values encoding/json can write,
// mapping numbers to json.Number.
func yamlToJSON(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.AliasNode:
		return yamlToJSON(n.Alias)
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			v, err := yamlToJSON(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			out[n.Content[i].Value] = v
		}
		return out, nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := yamlToJSON(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.ScalarNode:
		switch n.Tag {
		case "!!int":
			var i int64
			if err := n.Decode(&i); err != nil {
				return nil, err
			}
			return json.Number(strconv.FormatInt(i, 10)), nil
		case "!!float":
			var f float64
			if err := n.Decode(&f); err != nil {
				return nil, err
			}
			return json.Number(strconv.FormatFloat(f, 'f', -1, 64)), nil
		case "!!bool":
			var b bool
			if err := n.Decode(&b); err != nil {
				return nil, err
			}
			return b, nil
		case "!!null":
			return nil, nil
		default:
			return n.Value, nil
		}
	default:
		return nil, fmt.Errorf("unsupported YAML node kind %d", n.Kind)
	}
}
