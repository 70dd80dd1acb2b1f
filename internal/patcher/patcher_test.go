package patcher

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/comfyjob/internal/graph"
)

const scenarioWorkflow = `{
  "3": {"inputs": {"positive": ["6", 0], "negative": ["7", 0], "seed": 0, "steps": 20}, "class_type": "KSampler"},
  "6": {"inputs": {"text": "a cat"}, "class_type": "CLIPTextEncode"},
  "7": {"inputs": {"text": "blurry"}, "class_type": "CLIPTextEncode"}
}`

const fullWorkflow = `{
  "4": {"inputs": {"ckpt_name": "base.safetensors"}, "class_type": "CheckpointLoaderSimple"},
  "3": {"inputs": {"seed": 1, "steps": 20, "cfg": 8, "denoise": 1, "model": ["4", 0], "positive": ["6", 0], "negative": ["7", 0], "latent_image": ["5", 0]}, "class_type": "KSampler"},
  "10": {"inputs": {"seed": 2, "steps": 10, "positive": ["7", 0], "negative": ["6", 0]}, "class_type": "KSampler"},
  "5": {"inputs": {"width": 512, "height": 512, "batch_size": 1}, "class_type": "EmptyLatentImage"},
  "6": {"inputs": {"text": "a cat", "clip": ["4", 1]}, "class_type": "CLIPTextEncode", "_meta": {"title": "Positive"}},
  "7": {"inputs": {"text": "blurry", "clip": ["4", 1]}, "class_type": "CLIPTextEncode", "_meta": {"title": "Negative"}},
  "9": {"inputs": {"filename_prefix": "ComfyUI", "images": ["8", 0]}, "class_type": "SaveImage"}
}`

// mustDecode is a helper that parses a graph or fails the test.
func mustDecode(t *testing.T, src string) *graph.Graph {
	t.Helper()
	g, err := graph.Decode(strings.NewReader(src))
	require.NoError(t, err)
	return g
}

// nodeJSON returns the compact JSON encoding of a single node.
func nodeJSON(t *testing.T, g *graph.Graph, id string) string {
	t.Helper()
	n, ok := g.Node(id)
	require.True(t, ok, "node %s missing", id)
	data, err := json.Marshal(n)
	require.NoError(t, err)
	return string(data)
}

// input returns the raw value of a slot.
func input(t *testing.T, g *graph.Graph, id, slot string) any {
	t.Helper()
	n, ok := g.Node(id)
	require.True(t, ok, "node %s missing", id)
	v, ok := n.Input(slot)
	require.True(t, ok, "slot %s.%s missing", id, slot)
	return v.Raw()
}

func TestPatch_Scenario(t *testing.T) {
	g := mustDecode(t, scenarioWorkflow)

	patched, err := Patch(g, ParseOverrides(map[string]any{
		"positive": "blue fox",
		"seed":     162,
		"steps":    4,
	}))
	require.NoError(t, err)

	assert.Equal(t, "blue fox", input(t, patched, "6", "text"))
	assert.Equal(t, "blurry", input(t, patched, "7", "text"))
	assert.Equal(t, json.Number("162"), input(t, patched, "3", "seed"))
	assert.Equal(t, json.Number("4"), input(t, patched, "3", "steps"))

	// The template is untouched.
	assert.Equal(t, "a cat", input(t, g, "6", "text"))
	assert.Equal(t, json.Number("0"), input(t, g, "3", "seed"))
}

func TestPatch_EmptyOverridesIsPureCopy(t *testing.T) {
	g := mustDecode(t, fullWorkflow)

	patched, err := Patch(g, Overrides{})
	require.NoError(t, err)

	assert.NotSame(t, g, patched)
	assert.True(t, g.Equal(patched))

	for _, id := range g.IDs() {
		orig, _ := g.Node(id)
		copied, _ := patched.Node(id)
		assert.NotSame(t, orig, copied, "node %s shares memory with the template", id)
	}

	n, _ := patched.Node("6")
	n.SetInput("text", graph.Literal("mutated"))
	assert.Equal(t, "a cat", input(t, g, "6", "text"))
}

func TestPatch_PositiveTextTouchesOnlyOneNode(t *testing.T) {
	g := mustDecode(t, fullWorkflow)

	patched, err := Patch(g, Overrides{PositiveText: "X"})
	require.NoError(t, err)

	for _, id := range g.IDs() {
		if id == "6" {
			continue
		}
		assert.Equal(t, nodeJSON(t, g, id), nodeJSON(t, patched, id), "node %s changed", id)
	}
	assert.Equal(t, "X", input(t, patched, "6", "text"))
	assert.Contains(t, nodeJSON(t, patched, "6"), `"_meta":{"title":"Positive"}`)
}

func TestPatch_DisjointOverridesCommute(t *testing.T) {
	g := mustDecode(t, fullWorkflow)
	a := Overrides{PositiveText: "fox", Seed: 7, Width: 768}
	b := Overrides{NegativeText: "noise", Steps: 4, CheckpointName: "other.safetensors", Height: 640}

	ab, err := Patch(g, a)
	require.NoError(t, err)
	ab, err = Patch(ab, b)
	require.NoError(t, err)

	ba, err := Patch(g, b)
	require.NoError(t, err)
	ba, err = Patch(ba, a)
	require.NoError(t, err)

	left, err := json.Marshal(ab)
	require.NoError(t, err)
	right, err := json.Marshal(ba)
	require.NoError(t, err)
	if diff := cmp.Diff(string(left), string(right)); diff != "" {
		t.Errorf("order of disjoint overrides matters (-ab +ba):\n%s", diff)
	}
}

func TestPatch_MissingWiringIsTolerated(t *testing.T) {
	testCases := []struct {
		name     string
		workflow string
	}{
		{
			name:     "sampler without prompt slots",
			workflow: `{"3": {"inputs": {"seed": 0}, "class_type": "KSampler"}, "6": {"inputs": {"text": "a"}, "class_type": "CLIPTextEncode"}}`,
		},
		{
			name:     "no sampler",
			workflow: `{"6": {"inputs": {"text": "a"}, "class_type": "CLIPTextEncode"}}`,
		},
		{
			name:     "literal instead of reference",
			workflow: `{"3": {"inputs": {"positive": "6"}, "class_type": "KSampler"}, "6": {"inputs": {"text": "a"}, "class_type": "CLIPTextEncode"}}`,
		},
		{
			name:     "empty reference",
			workflow: `{"3": {"inputs": {"positive": []}, "class_type": "KSampler"}, "6": {"inputs": {"text": "a"}, "class_type": "CLIPTextEncode"}}`,
		},
		{
			name:     "dangling reference",
			workflow: `{"3": {"inputs": {"positive": ["99", 0]}, "class_type": "KSampler"}, "6": {"inputs": {"text": "a"}, "class_type": "CLIPTextEncode"}}`,
		},
		{
			name:     "reference to a non text encoder",
			workflow: `{"3": {"inputs": {"positive": ["8", 0]}, "class_type": "KSampler"}, "8": {"inputs": {"text": "a"}, "class_type": "ConditioningCombine"}}`,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := mustDecode(t, tc.workflow)

			patched, err := Patch(g, Overrides{PositiveText: "X"})
			require.NoError(t, err)
			assert.True(t, g.Equal(patched))
			assert.Equal(t, g.Len(), patched.Len())
		})
	}
}

func TestPatch_OneSideUnresolved(t *testing.T) {
	g := mustDecode(t, `{
  "3": {"inputs": {"positive": ["6", 0], "negative": "none"}, "class_type": "KSampler"},
  "6": {"inputs": {"text": "a"}, "class_type": "CLIPTextEncode"},
  "7": {"inputs": {"text": "b"}, "class_type": "CLIPTextEncode"}
}`)

	patched, err := Patch(g, Overrides{PositiveText: "pos", NegativeText: "neg"})
	require.NoError(t, err)
	assert.Equal(t, "pos", input(t, patched, "6", "text"))
	assert.Equal(t, "b", input(t, patched, "7", "text"))
}

func TestPatch_MultiSamplerBroadcast(t *testing.T) {
	g := mustDecode(t, fullWorkflow)

	patched, err := Patch(g, Overrides{Seed: 7, CFGScale: 3.5, Denoise: json.Number("0.8")})
	require.NoError(t, err)

	for _, id := range []string{"3", "10"} {
		assert.Equal(t, json.Number("7"), input(t, patched, id, "seed"))
		assert.Equal(t, json.Number("3.5"), input(t, patched, id, "cfg"))
		assert.Equal(t, json.Number("0.8"), input(t, patched, id, "denoise"))
	}
}

func TestPatch_PromptWiringFromFirstSampler(t *testing.T) {
	g := mustDecode(t, fullWorkflow)

	// Sampler "10" wires its prompts the other way round; "3" comes first.
	patched, err := Patch(g, Overrides{PositiveText: "pos", NegativeText: "neg"})
	require.NoError(t, err)
	assert.Equal(t, "pos", input(t, patched, "6", "text"))
	assert.Equal(t, "neg", input(t, patched, "7", "text"))
}

func TestPatch_CheckpointAndLatentSize(t *testing.T) {
	g := mustDecode(t, fullWorkflow)

	patched, err := Patch(g, ParseOverrides(map[string]any{
		"ckpt_name": "cyberrealistic_v40.safetensors",
		"width":     768,
		"height":    1024,
	}))
	require.NoError(t, err)

	assert.Equal(t, "cyberrealistic_v40.safetensors", input(t, patched, "4", "ckpt_name"))
	assert.Equal(t, json.Number("768"), input(t, patched, "5", "width"))
	assert.Equal(t, json.Number("1024"), input(t, patched, "5", "height"))
	assert.Equal(t, json.Number("1"), input(t, patched, "5", "batch_size"))
}

func TestPatch_NoTypeCoercion(t *testing.T) {
	g := mustDecode(t, scenarioWorkflow)

	patched, err := Patch(g, Overrides{Steps: "lots", Seed: -5})
	require.NoError(t, err)
	assert.Equal(t, "lots", input(t, patched, "3", "steps"))
	assert.Equal(t, json.Number("-5"), input(t, patched, "3", "seed"))
}

func TestPatch_CreatesMissingInputs(t *testing.T) {
	g := mustDecode(t, `{"5": {"class_type": "EmptyLatentImage"}}`)

	patched, err := Patch(g, Overrides{Width: 640})
	require.NoError(t, err)
	assert.Equal(t, json.Number("640"), input(t, patched, "5", "width"))

	orig, _ := g.Node("5")
	assert.Nil(t, orig.Inputs)
}

func TestPatch_NilGraph(t *testing.T) {
	_, err := Patch(nil, Overrides{})
	assert.ErrorIs(t, err, ErrNilGraph)
}

func TestParseOverrides(t *testing.T) {
	testCases := []struct {
		name  string
		input map[string]any
		want  Overrides
	}{
		{
			name: "job payload keys",
			input: map[string]any{
				"positive": "blue fox", "negative": "low quality", "seed": 162, "steps": 4,
				"cfg": 3, "denoise": 0.8, "width": 512, "height": 512, "ckpt_name": "a.safetensors",
			},
			want: Overrides{
				PositiveText: "blue fox", NegativeText: "low quality", Seed: 162, Steps: 4,
				CFGScale: 3, Denoise: 0.8, Width: 512, Height: 512, CheckpointName: "a.safetensors",
			},
		},
		{
			name:  "descriptive aliases",
			input: map[string]any{"positive_text": "p", "cfg_scale": 2, "checkpoint_name": "c"},
			want:  Overrides{PositiveText: "p", CFGScale: 2, CheckpointName: "c"},
		},
		{
			name:  "payload key wins over alias",
			input: map[string]any{"cfg": 1, "cfg_scale": 2},
			want:  Overrides{CFGScale: 1},
		},
		{
			name:  "null and unknown keys ignored",
			input: map[string]any{"seed": nil, "sampler_name": "euler"},
			want:  Overrides{},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseOverrides(tc.input))
		})
	}
}

func TestOverrides_Overlay(t *testing.T) {
	defaults := ParseOverrides(map[string]any{"positive": "default prompt", "cfg": 7, "steps": 20})
	job := ParseOverrides(map[string]any{"positive_text": "job prompt", "cfg_scale": 2})

	got := defaults.Overlay(job)
	assert.Equal(t, Overrides{PositiveText: "job prompt", CFGScale: 2, Steps: 20}, got)
	assert.Equal(t, "default prompt", defaults.PositiveText)
	assert.Equal(t, job, Overrides{}.Overlay(job))
}

func TestOverrides_UnmarshalJSON(t *testing.T) {
	var o Overrides
	require.NoError(t, json.Unmarshal([]byte(`{"seed": 12345678901234567890, "positive": "x"}`), &o))

	assert.Equal(t, json.Number("12345678901234567890"), o.Seed)
	assert.Equal(t, "x", o.PositiveText)
	assert.False(t, o.IsZero())
	assert.True(t, Overrides{}.IsZero())
}
