// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package patcher rewrites a template workflow graph with per-job overrides.
//
// Nodes are located by role and by following wiring, never by identifier or
// title: the prompt nodes are whatever text encoders the first sampler's
// "positive" and "negative" slots point at. This keeps a template working
// after the authoring tool renumbers its nodes.
package patcher

import (
	"errors"

	"github.com/vk/comfyjob/internal/graph"
)

// Slot names written by the patcher.
const (
	SlotCheckpoint = "ckpt_name"
	SlotText       = "text"
	SlotPositive   = "positive"
	SlotNegative   = "negative"
	SlotSeed       = "seed"
	SlotSteps      = "steps"
	SlotCFG        = "cfg"
	SlotDenoise    = "denoise"
	SlotWidth      = "width"
	SlotHeight     = "height"
)

// ErrNilGraph is returned when Patch is given no graph.
var ErrNilGraph = errors.New("patcher: graph is nil")

// Patch returns a deep copy of g with the overrides applied. g itself is
// never modified.
//
// If more than one sampler exists, prompt wiring is read from the first one
// in document order while seed, steps, cfg and denoise go to all of them.
func Patch(g *graph.Graph, o Overrides) (*graph.Graph, error) {
	if g == nil {
		return nil, ErrNilGraph
	}
	out := g.Clone()

	if o.CheckpointName != nil {
		for _, n := range out.NodesWithRole(graph.RoleCheckpointLoader) {
			n.SetInput(SlotCheckpoint, graph.Literal(o.CheckpointName))
		}
	}

	positive, negative := promptNodes(out)
	setText(positive, o.PositiveText)
	setText(negative, o.NegativeText)

	for _, n := range out.NodesWithRole(graph.RoleSampler) {
		setIfPresent(n, SlotSeed, o.Seed)
		setIfPresent(n, SlotSteps, o.Steps)
		setIfPresent(n, SlotCFG, o.CFGScale)
		setIfPresent(n, SlotDenoise, o.Denoise)
	}

	for _, n := range out.NodesWithRole(graph.RoleLatentSizer) {
		setIfPresent(n, SlotWidth, o.Width)
		setIfPresent(n, SlotHeight, o.Height)
	}

	return out, nil
}

// promptNodes resolves the nodes wired into the first sampler's positive and
// negative slots. Either result is nil when it cannot be resolved.
func promptNodes(g *graph.Graph) (positive, negative *graph.Node) {
	for _, sampler := range g.NodesWithRole(graph.RoleSampler) {
		return resolveSlot(g, sampler, SlotPositive), resolveSlot(g, sampler, SlotNegative)
	}
	return nil, nil
}

func resolveSlot(g *graph.Graph, n *graph.Node, slot string) *graph.Node {
	v, ok := n.Input(slot)
	if !ok {
		return nil
	}
	_, target, ok := g.Resolve(v)
	if !ok {
		return nil
	}
	return target
}

// setText writes a prompt only into text encoders.
func setText(n *graph.Node, text any) {
	if n == nil || text == nil || n.Role() != graph.RoleTextEncoder {
		return
	}
	n.SetInput(SlotText, graph.Literal(text))
}

func setIfPresent(n *graph.Node, slot string, v any) {
	if v == nil {
		return
	}
	n.SetInput(slot, graph.Literal(v))
}
