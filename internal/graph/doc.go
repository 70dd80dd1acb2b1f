// Package graph provides the in-memory model of a backend workflow graph: a
// mapping from node identifier to node, where every node carries a class type
// and a set of named input slots.
//
// # Why Graph Package Exists
//
// The generation backend consumes a serialized computation graph in which
// edges are not listed separately. Instead, an input slot either holds a
// literal value or a reference to another node's output:
//
//	"3": {
//	  "class_type": "KSampler",
//	  "inputs": {
//	    "seed": 0,
//	    "positive": ["6", 0]
//	  }
//	}
//
// Here slot "positive" of node "3" is wired to output port 0 of node "6".
// The graph package turns that format into typed values so callers can
// follow wiring instead of matching node identifiers or titles, which the
// authoring tool renumbers freely.
//
// # Key Types
//
//   - Graph: ordered node mapping. Iteration follows document order so that
//     "first node of a role" is deterministic across runs.
//   - Node: class type, derived Role, input slots and any extra top-level
//     fields (such as "_meta") kept verbatim.
//   - Value: tagged union of a literal and an edge reference.
//   - Role: behavioral category of a node derived from its class type.
//
// # Lifecycle
//
//  1. **Loaded** once per job from durable storage (Load, Decode, DecodeYAML).
//  2. **Cloned** by the patcher before any mutation; the template is reused
//     across jobs and must stay pristine.
//  3. **Encoded** back to JSON for submission and for the transient artifact.
//
// # Thread-Safety
//
// A Graph is not safe for concurrent mutation. Templates are shared
// read-only; every job works on its own Clone.
package graph
