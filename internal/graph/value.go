// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev

package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Value is the content of a single input slot. It is either a literal or an
// edge reference to another node's output. Numbers are held as json.Number so
// a value survives a decode/encode cycle unchanged.
type Value struct {
	v any
}

// EdgeRef points at an output port of another node.
type EdgeRef struct {
	Node    string
	Port    int
	HasPort bool
}

// Literal wraps a literal slot value. Go numeric types are stored as
// json.Number; everything else is kept as given.
func Literal(v any) Value {
	return Value{v: normalize(v)}
}

// Ref returns an edge reference to port of node.
func Ref(node string, port int) Value {
	return Value{v: []any{node, json.Number(strconv.Itoa(port))}}
}

// Raw returns the underlying value.
func (v Value) Raw() any {
	return v.v
}

// IsRef reports whether the value is a resolvable edge reference.
func (v Value) IsRef() bool {
	_, ok := v.EdgeRef()
	return ok
}

// EdgeRef resolves the value as an edge reference. A reference is a list
// whose first element is a node identifier (string or integer). An empty
// list, or anything that is not a list, cannot be resolved.
func (v Value) EdgeRef() (EdgeRef, bool) {
	list, ok := v.v.([]any)
	if !ok || len(list) < 1 {
		return EdgeRef{}, false
	}

	var ref EdgeRef
	switch id := list[0].(type) {
	case string:
		ref.Node = id
	case json.Number:
		if _, err := id.Int64(); err != nil {
			return EdgeRef{}, false
		}
		ref.Node = id.String()
	default:
		return EdgeRef{}, false
	}

	if len(list) > 1 {
		if port, ok := list[1].(json.Number); ok {
			if p, err := port.Int64(); err == nil {
				ref.Port = int(p)
				ref.HasPort = true
			}
		}
	}
	return ref, true
}

// Literal returns the literal value and true, or nil and false when the value
// is an edge reference.
func (v Value) Literal() (any, bool) {
	if v.IsRef() {
		return nil, false
	}
	return v.v, true
}

// String renders the value as compact JSON.
func (v Value) String() string {
	b, err := json.Marshal(v.v)
	if err != nil {
		return fmt.Sprintf("%v", v.v)
	}
	return string(b)
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.v)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	v.v = raw
	return nil
}

func (v Value) clone() Value {
	return Value{v: deepCopy(v.v)}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}

// normalize converts Go numbers into json.Number so that literals built in
// code compare equal to literals decoded from a template.
func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return json.Number(strconv.FormatInt(int64(t), 10))
	case int32:
		return json.Number(strconv.FormatInt(int64(t), 10))
	case int64:
		return json.Number(strconv.FormatInt(t, 10))
	case uint:
		return json.Number(strconv.FormatUint(uint64(t), 10))
	case uint64:
		return json.Number(strconv.FormatUint(t, 10))
	case float32:
		return json.Number(strconv.FormatFloat(float64(t), 'f', -1, 32))
	case float64:
		return json.Number(strconv.FormatFloat(t, 'f', -1, 64))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	default:
		return v
	}
}
