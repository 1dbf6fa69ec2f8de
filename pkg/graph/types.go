// Package graph defines the typed data model for EngramDB.
//
// EngramDB stores agentic LLM interaction history as a property graph:
// prompts, responses, tool invocations, agents, sessions and prompt templates
// are typed nodes; directed typed edges link them (a Response RespondsTo a
// Prompt, a Prompt Instantiates a Template, and so on).
//
// Node payloads form a closed tagged-variant set dispatched by Kind. Each
// variant is a concrete struct implementing the Payload interface; there is
// no open extension point, which keeps binary encoding uniform across the
// storage layer.
//
// Example:
//
//	prompt := &graph.Node{
//		ID:   graph.NodeID("prompt-1"),
//		Kind: graph.KindPrompt,
//		Payload: &graph.PromptPayload{
//			Text:  "Summarize {doc}",
//			Model: "gpt-4o",
//		},
//	}
//
// Thread Safety:
//
//	Node and Edge structs are NOT thread-safe. The engine handles concurrency.
package graph

import (
	"time"
)

// NodeID is a strongly-typed unique identifier for graph nodes.
// IDs are opaque and never reused, even after deletion.
type NodeID string

// EdgeID is a strongly-typed unique identifier for graph edges.
type EdgeID string

// NodeKind is the discriminant tag selecting a node's payload variant.
// The set of kinds is closed; see the Kind* constants.
type NodeKind string

const (
	KindSession        NodeKind = "Session"
	KindPrompt         NodeKind = "Prompt"
	KindResponse       NodeKind = "Response"
	KindToolInvocation NodeKind = "ToolInvocation"
	KindAgent          NodeKind = "Agent"
	KindTemplate       NodeKind = "Template"

	// KindArchivePointer marks the remnant of a session exported to cold
	// storage. It is created by the archiver, not by callers.
	KindArchivePointer NodeKind = "ArchivePointer"
)

// NodeKinds lists every valid kind in a stable order.
var NodeKinds = []NodeKind{
	KindSession,
	KindPrompt,
	KindResponse,
	KindToolInvocation,
	KindAgent,
	KindTemplate,
	KindArchivePointer,
}

// Valid reports whether k is a known node kind.
func (k NodeKind) Valid() bool {
	switch k {
	case KindSession, KindPrompt, KindResponse, KindToolInvocation,
		KindAgent, KindTemplate, KindArchivePointer:
		return true
	}
	return false
}

// Node is a typed graph entity.
//
// Identity (ID), Kind, CreatedAt and SessionID are immutable after creation.
// Metadata and the mutable payload fields change only through the engine's
// optimistic-lock update path: Version is bumped on every committed write and
// a write is rejected with ConcurrentModificationError when the version moved
// underneath the caller.
//
// Seq is the engine-assigned insertion sequence number. Together with
// CreatedAt (microsecond resolution) it yields a total deterministic order:
// ties on the same microsecond break on Seq.
type Node struct {
	ID        NodeID            `json:"id"`
	Kind      NodeKind          `json:"kind"`
	SessionID NodeID            `json:"sessionId,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Version   uint64            `json:"version"`
	Seq       uint64            `json:"seq"`
	Payload   Payload           `json:"payload"`
}

// Clone returns a deep copy. Storage and index layers hand out clones so
// callers can never mutate shared state.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	if n.Metadata != nil {
		out.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			out.Metadata[k] = v
		}
	}
	if n.Payload != nil {
		out.Payload = n.Payload.clone()
	}
	return &out
}

// EdgeType is the closed set of directed relationship types.
type EdgeType string

const (
	// Follows orders prompts within a session (later -> earlier).
	Follows EdgeType = "Follows"
	// RespondsTo links a Response to the Prompt it answers.
	RespondsTo EdgeType = "RespondsTo"
	// Invokes links a Response to a ToolInvocation it triggered.
	Invokes EdgeType = "Invokes"
	// Instantiates links a Prompt to the Template it was rendered from.
	Instantiates EdgeType = "Instantiates"
	// Inherits links a Template to its parent Template. The Inherits
	// subgraph must stay acyclic; the engine checks at creation.
	Inherits EdgeType = "Inherits"
	// HandledBy links work to the Agent that handled it.
	HandledBy EdgeType = "HandledBy"
	// TransfersTo records an agent-to-agent handoff.
	TransfersTo EdgeType = "TransfersTo"
	// References is a free-form typed link with no endpoint contract.
	References EdgeType = "References"
)

// EdgeTypes lists every valid edge type in a stable order.
var EdgeTypes = []EdgeType{
	Follows, RespondsTo, Invokes, Instantiates,
	Inherits, HandledBy, TransfersTo, References,
}

// Valid reports whether t is a known edge type.
func (t EdgeType) Valid() bool {
	switch t {
	case Follows, RespondsTo, Invokes, Instantiates,
		Inherits, HandledBy, TransfersTo, References:
		return true
	}
	return false
}

// Edge is a directed, typed relationship between two nodes.
//
// Type, From and To are immutable. Properties mutate by append only: the
// engine merges new keys in but never removes existing ones.
type Edge struct {
	ID         EdgeID            `json:"id"`
	Type       EdgeType          `json:"type"`
	From       NodeID            `json:"from"`
	To         NodeID            `json:"to"`
	CreatedAt  time.Time         `json:"createdAt"`
	Properties map[string]string `json:"properties,omitempty"`
	Version    uint64            `json:"version"`
	Seq        uint64            `json:"seq"`
}

// PropInvocationOrder is the edge/node property carrying the explicit
// ordering of tool invocations under a response. Lineage ordering uses it
// instead of creation time so replayed invocations keep their place.
const PropInvocationOrder = "invocation_order"

// Clone returns a deep copy of the edge.
func (e *Edge) Clone() *Edge {
	if e == nil {
		return nil
	}
	out := *e
	if e.Properties != nil {
		out.Properties = make(map[string]string, len(e.Properties))
		for k, v := range e.Properties {
			out.Properties[k] = v
		}
	}
	return &out
}

// Direction selects an adjacency side for edge queries.
type Direction int

const (
	// Outgoing matches edges whose From endpoint is the queried node.
	Outgoing Direction = iota
	// Incoming matches edges whose To endpoint is the queried node.
	Incoming
	// Both matches either endpoint.
	Both
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	case Both:
		return "both"
	}
	return "unknown"
}

// endpointRule constrains the node kinds an edge type may connect.
// An empty kind means "any".
type endpointRule struct {
	from NodeKind
	to   NodeKind
}

var endpointRules = map[EdgeType]endpointRule{
	RespondsTo:   {to: KindPrompt},
	Invokes:      {from: KindResponse},
	Instantiates: {from: KindPrompt, to: KindTemplate},
	Inherits:     {from: KindTemplate, to: KindTemplate},
	HandledBy:    {to: KindAgent},
	TransfersTo:  {from: KindAgent, to: KindAgent},
}

// CheckEndpoints validates the endpoint kind contract for an edge type.
// Returns a *TypeMismatchError describing the violated side, or nil.
func CheckEndpoints(t EdgeType, from, to NodeKind) error {
	rule, ok := endpointRules[t]
	if !ok {
		return nil // Follows, References: unconstrained
	}
	if rule.from != "" && from != rule.from {
		return &TypeMismatchError{EdgeType: t, Endpoint: "from", Want: rule.from, Got: from}
	}
	if rule.to != "" && to != rule.to {
		return &TypeMismatchError{EdgeType: t, Endpoint: "to", Want: rule.to, Got: to}
	}
	return nil
}
