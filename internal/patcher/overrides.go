// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev

package patcher

import (
	"bytes"
	"encoding/json"
	"log/slog"
)

// Overrides are caller-supplied replacements for slot values. A nil field is
// absent and leaves the graph untouched. Values are passed through as given;
// the backend is responsible for rejecting invalid ones.
type Overrides struct {
	CheckpointName any
	PositiveText   any
	NegativeText   any
	Seed           any
	Steps          any
	CFGScale       any
	Denoise        any
	Width          any
	Height         any
}

// overrideKeys lists the job-input keys for each field. The first key is the
// one the job payload uses; the rest are accepted aliases.
var overrideKeys = []struct {
	keys []string
	set  func(*Overrides, any)
}{
	{[]string{"ckpt_name", "checkpoint_name"}, func(o *Overrides, v any) { o.CheckpointName = v }},
	{[]string{"positive", "positive_text"}, func(o *Overrides, v any) { o.PositiveText = v }},
	{[]string{"negative", "negative_text"}, func(o *Overrides, v any) { o.NegativeText = v }},
	{[]string{"seed"}, func(o *Overrides, v any) { o.Seed = v }},
	{[]string{"steps"}, func(o *Overrides, v any) { o.Steps = v }},
	{[]string{"cfg", "cfg_scale"}, func(o *Overrides, v any) { o.CFGScale = v }},
	{[]string{"denoise"}, func(o *Overrides, v any) { o.Denoise = v }},
	{[]string{"width"}, func(o *Overrides, v any) { o.Width = v }},
	{[]string{"height"}, func(o *Overrides, v any) { o.Height = v }},
}

// ParseOverrides extracts the recognized fields from a job input. Unknown
// keys are ignored and JSON null counts as absent.
func ParseOverrides(input map[string]any) Overrides {
	var o Overrides
	for _, field := range overrideKeys {
		for _, key := range field.keys {
			if v, ok := input[key]; ok && v != nil {
				field.set(&o, v)
				break
			}
		}
	}
	return o
}

// Overlay returns o with every field that is set in top replaced by top's
// value.
func (o Overrides) Overlay(top Overrides) Overrides {
	pick := func(base, over any) any {
		if over != nil {
			return over
		}
		return base
	}
	return Overrides{
		CheckpointName: pick(o.CheckpointName, top.CheckpointName),
		PositiveText:   pick(o.PositiveText, top.PositiveText),
		NegativeText:   pick(o.NegativeText, top.NegativeText),
		Seed:           pick(o.Seed, top.Seed),
		Steps:          pick(o.Steps, top.Steps),
		CFGScale:       pick(o.CFGScale, top.CFGScale),
		Denoise:        pick(o.Denoise, top.Denoise),
		Width:          pick(o.Width, top.Width),
		Height:         pick(o.Height, top.Height),
	}
}

// IsZero reports whether no field is set.
func (o Overrides) IsZero() bool {
	for _, v := range []any{o.CheckpointName, o.PositiveText, o.NegativeText, o.Seed, o.Steps, o.CFGScale, o.Denoise, o.Width, o.Height} {
		if v != nil {
			return false
		}
	}
	return true
}

// LogValue implements slog.LogValuer, listing only the fields that are set.
func (o Overrides) LogValue() slog.Value {
	var attrs []slog.Attr
	add := func(name string, v any) {
		if v != nil {
			attrs = append(attrs, slog.Any(name, v))
		}
	}
	add("checkpoint_name", o.CheckpointName)
	add("positive_text", o.PositiveText)
	add("negative_text", o.NegativeText)
	add("seed", o.Seed)
	add("steps", o.Steps)
	add("cfg_scale", o.CFGScale)
	add("denoise", o.Denoise)
	add("width", o.Width)
	add("height", o.Height)
	return slog.GroupValue(attrs...)
}

// UnmarshalJSON lets Overrides be decoded straight from a job input object.
func (o *Overrides) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var input map[string]any
	if err := dec.Decode(&input); err != nil {
		return err
	}
	*o = ParseOverrides(input)
	return nil
}
