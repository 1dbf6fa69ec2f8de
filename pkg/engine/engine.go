// Package engine implements the transactional graph engine: typed node and
// edge mutations with optimistic locking, referential cascade deletes, and
// synchronous index maintenance.
//
// Every mutation validates against current state under the engine's write
// lock, commits durably through the storage backend, applies the index
// deltas, and only then publishes change events. Readers never take the
// write lock; they run on storage snapshots.
//
// Concurrency control is optimistic: updates carry the version the caller
// last read, and a mismatch returns *graph.ConcurrentModificationError,
// the one error class callers should retry.
package engine

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/engramdb/pkg/events"
	"github.com/orneryd/engramdb/pkg/graph"
	"github.com/orneryd/engramdb/pkg/index"
	"github.com/orneryd/engramdb/pkg/metrics"
	"github.com/orneryd/engramdb/pkg/storage"
)

const metaLastSeq = "last_seq"

// Config tunes the engine.
type Config struct {
	// MaxConcurrentWriters bounds mutations in flight. Default 64.
	MaxConcurrentWriters int
	// AcquireTimeout is how long a writer waits for a slot before the
	// engine reports pool exhaustion. Default 5s.
	AcquireTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentWriters <= 0 {
		c.MaxConcurrentWriters = 64
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	return c
}

// Engine is the transactional graph engine.
type Engine struct {
	backend *storage.Backend
	idx     *index.Manager
	bus     *events.Bus
	met     *metrics.Metrics
	log     *zap.Logger
	config  Config

	// mu serializes the validate-commit section of every mutation.
	mu sync.Mutex
	// writers is the admission semaphore; a slot is held for the whole
	// mutation including the commit.
	writers chan struct{}

	seq    atomic.Uint64
	closed atomic.Bool
}

// New wires an engine over an opened backend. The sequence counter resumes
// from the stored high-water mark. bus, met, and log may be nil.
func New(backend *storage.Backend, idx *index.Manager, bus *events.Bus, met *metrics.Metrics, log *zap.Logger, cfg Config) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		backend: backend,
		idx:     idx,
		bus:     bus,
		met:     met,
		log:     log,
		config:  cfg,
		writers: make(chan struct{}, cfg.MaxConcurrentWriters),
	}

	raw, err := backend.GetMeta(metaLastSeq)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		last, err := strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("engine: bad sequence marker: %w", err)
		}
		e.seq.Store(last)
	}
	return e, nil
}

// acquire claims a writer slot, honoring ctx and the configured timeout.
func (e *Engine) acquire(ctx context.Context) (func(), error) {
	if e.closed.Load() {
		return nil, graph.ErrClosed
	}
	timer := time.NewTimer(e.config.AcquireTimeout)
	defer timer.Stop()

	select {
	case e.writers <- struct{}{}:
		return func() { <-e.writers }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, graph.ErrPoolExhausted
	}
}

func (e *Engine) nextSeq() uint64 { return e.seq.Add(1) }

func seqOp(seq uint64) storage.Op {
	return storage.PutMetaOp(metaLastSeq, []byte(strconv.FormatUint(seq, 10)))
}

func (e *Engine) publish(ev events.Event) {
	if e.met != nil {
		e.met.EventsEmitted.WithLabelValues(string(ev.Type)).Inc()
	}
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func (e *Engine) observeCommit(start time.Time) {
	if e.met != nil {
		e.met.CommitDuration.Observe(time.Since(start).Seconds())
	}
}

// ============================================================================
// Node operations
// ============================================================================

// AddNode creates a node of the payload's kind. sessionID is the owning
// session for prompts, responses, and tool invocations; it must name an
// existing session node. Agents, templates, and sessions themselves pass an
// empty sessionID.
func (e *Engine) AddNode(ctx context.Context, sessionID graph.NodeID, payload graph.Payload, metadata map[string]string) (*graph.Node, error) {
	if payload == nil {
		return nil, &graph.ValidationError{Field: "payload", Reason: "must not be nil"}
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	kind := payload.Kind()
	switch kind {
	case graph.KindSession, graph.KindAgent, graph.KindTemplate, graph.KindArchivePointer:
		if sessionID != "" {
			return nil, &graph.ValidationError{Field: "sessionId",
				Reason: fmt.Sprintf("%s nodes do not belong to a session", kind)}
		}
	default:
		if sessionID == "" {
			return nil, &graph.ValidationError{Field: "sessionId", Reason: "required for " + string(kind)}
		}
	}

	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	if sessionID != "" {
		owner, err := e.backend.GetNode(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if owner.Kind != graph.KindSession {
			return nil, &graph.ValidationError{Field: "sessionId",
				Reason: fmt.Sprintf("node %s is a %s, not a session", sessionID, owner.Kind)}
		}
	}

	if kind == graph.KindTemplate {
		tp := payload.(*graph.TemplatePayload)
		if existing, ok := e.idx.TemplateByName(tp.Name); ok {
			return nil, &graph.DuplicateError{Kind: "template", ID: string(existing)}
		}
	}

	n := &graph.Node{
		ID:        graph.NodeID(uuid.NewString()),
		Kind:      kind,
		SessionID: sessionID,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		Metadata:  cloneMap(metadata),
		Version:   1,
		Seq:       e.nextSeq(),
		Payload:   payload,
	}

	start := time.Now()
	err = e.backend.Apply(ctx, []storage.Op{storage.PutNodeOp(n), seqOp(n.Seq)})
	if err != nil {
		return nil, err
	}
	e.observeCommit(start)

	e.idx.ApplyNodePut(n, true)

	if e.met != nil {
		e.met.NodesCreated.WithLabelValues(string(kind)).Inc()
	}
	ev := events.New(events.NodeCreated)
	ev.NodeID = n.ID
	ev.SessionID = n.SessionID
	ev.Detail = map[string]string{"kind": string(kind)}
	e.publish(ev)

	if dt, ok := domainEventFor(kind); ok {
		dev := events.New(dt)
		dev.NodeID = n.ID
		dev.SessionID = n.SessionID
		e.publish(dev)
	}

	return n.Clone(), nil
}

// domainEventFor maps conversation node kinds to their lifecycle event.
func domainEventFor(kind graph.NodeKind) (events.Type, bool) {
	switch kind {
	case graph.KindPrompt:
		return events.PromptSubmitted, true
	case graph.KindResponse:
		return events.ResponseGenerated, true
	case graph.KindToolInvocation:
		return events.ToolInvoked, true
	}
	return "", false
}

// NodePatch describes an update. ExpectedVersion must match the stored
// version. Nil fields are left untouched; the pointer fields for immutable
// attributes exist only to reject attempts to change them.
type NodePatch struct {
	ExpectedVersion uint64

	Metadata *map[string]string
	Payload  graph.Payload

	// Immutable. Setting any of these fails with ImmutableFieldError.
	ID        *graph.NodeID
	Kind      *graph.NodeKind
	CreatedAt *time.Time
	SessionID *graph.NodeID
}

// UpdateNode applies a patch under optimistic locking and returns the new
// node state. Agent status changes are validated against the transition
// machine.
func (e *Engine) UpdateNode(ctx context.Context, id graph.NodeID, patch NodePatch) (*graph.Node, error) {
	switch {
	case patch.ID != nil:
		return nil, &graph.ImmutableFieldError{Field: "id"}
	case patch.Kind != nil:
		return nil, &graph.ImmutableFieldError{Field: "kind"}
	case patch.CreatedAt != nil:
		return nil, &graph.ImmutableFieldError{Field: "createdAt"}
	case patch.SessionID != nil:
		return nil, &graph.ImmutableFieldError{Field: "sessionId"}
	}

	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	cur, err := e.backend.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Version != patch.ExpectedVersion {
		if e.met != nil {
			e.met.Conflicts.Inc()
		}
		return nil, &graph.ConcurrentModificationError{
			ID: string(id), Expected: patch.ExpectedVersion, Actual: cur.Version,
		}
	}

	var statusChange *[2]graph.AgentStatus
	next := cur.Clone()
	if patch.Payload != nil {
		if patch.Payload.Kind() != cur.Kind {
			return nil, &graph.ValidationError{Field: "payload",
				Reason: fmt.Sprintf("kind %s does not match node kind %s", patch.Payload.Kind(), cur.Kind)}
		}
		if err := patch.Payload.Validate(); err != nil {
			return nil, err
		}
		if err := checkPayloadUpdate(cur.Payload, patch.Payload); err != nil {
			return nil, err
		}
		if cur.Kind == graph.KindAgent {
			oldS := cur.Payload.(*graph.AgentPayload).Status
			newS := patch.Payload.(*graph.AgentPayload).Status
			if oldS != newS {
				if err := graph.CheckTransition(oldS, newS); err != nil {
					return nil, err
				}
				statusChange = &[2]graph.AgentStatus{oldS, newS}
			}
		}
		next.Payload = patch.Payload
	}
	if patch.Metadata != nil {
		next.Metadata = cloneMap(*patch.Metadata)
	}
	next.Version++

	start := time.Now()
	if err := e.backend.Apply(ctx, []storage.Op{storage.PutNodeOp(next)}); err != nil {
		return nil, err
	}
	e.observeCommit(start)

	e.idx.ApplyNodePut(next, false)

	ev := events.New(events.NodeUpdated)
	ev.NodeID = id
	ev.SessionID = next.SessionID
	e.publish(ev)

	if statusChange != nil {
		sev := events.New(events.AgentStatusChanged)
		sev.NodeID = id
		sev.Detail = map[string]string{
			"old": string(statusChange[0]),
			"new": string(statusChange[1]),
		}
		e.publish(sev)
	}

	return next.Clone(), nil
}

// DeleteNode removes a node, every edge touching it, and, for session
// nodes, every member node of the session along with their edges. The whole
// cascade commits as one batch.
func (e *Engine) DeleteNode(ctx context.Context, id graph.NodeID) error {
	release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	root, err := e.backend.GetNode(ctx, id)
	if err != nil {
		return err
	}

	doomed := []*graph.Node{root}
	if root.Kind == graph.KindSession {
		for _, mid := range e.idx.SessionMembers(id) {
			member, err := e.backend.GetNode(ctx, mid)
			if err != nil {
				return err
			}
			doomed = append(doomed, member)
		}
	}

	edgeSet := make(map[graph.EdgeID]*graph.Edge)
	for _, n := range doomed {
		for _, ref := range e.idx.Edges(n.ID, graph.Both) {
			if _, seen := edgeSet[ref.EdgeID]; seen {
				continue
			}
			edge, err := e.backend.GetEdge(ctx, ref.EdgeID)
			if err != nil {
				return err
			}
			edgeSet[ref.EdgeID] = edge
		}
	}

	ops := make([]storage.Op, 0, len(doomed)+len(edgeSet))
	for eid := range edgeSet {
		ops = append(ops, storage.DeleteEdgeOp(eid))
	}
	for _, n := range doomed {
		ops = append(ops, storage.DeleteNodeOp(n.ID))
	}

	start := time.Now()
	if err := e.backend.Apply(ctx, ops); err != nil {
		return err
	}
	e.observeCommit(start)

	for _, edge := range edgeSet {
		e.idx.ApplyEdgeDelete(edge)
		if e.met != nil {
			e.met.EdgesDeleted.WithLabelValues(string(edge.Type)).Inc()
		}
		ev := events.New(events.EdgeDeleted)
		ev.EdgeID = edge.ID
		e.publish(ev)
	}
	for _, n := range doomed {
		e.idx.ApplyNodeDelete(n)
		if e.met != nil {
			e.met.NodesDeleted.WithLabelValues(string(n.Kind)).Inc()
		}
		ev := events.New(events.NodeDeleted)
		ev.NodeID = n.ID
		ev.SessionID = n.SessionID
		ev.Detail = map[string]string{"kind": string(n.Kind)}
		e.publish(ev)
	}

	e.log.Debug("node deleted",
		zap.String("id", string(id)),
		zap.Int("cascaded_nodes", len(doomed)-1),
		zap.Int("cascaded_edges", len(edgeSet)))
	return nil
}

// GetNode returns a copy of the node.
func (e *Engine) GetNode(ctx context.Context, id graph.NodeID) (*graph.Node, error) {
	return e.backend.GetNode(ctx, id)
}

// ============================================================================
// Edge operations
// ============================================================================

// AddEdge creates a typed edge between existing nodes. Endpoint kinds are
// checked against the edge type's rules, self loops and inheritance cycles
// are rejected, and an identical (type, from, to) triple is a duplicate.
//
// Side effects by type, committed in the same batch:
//   - Invokes gets an invocation_order property numbering it among its
//     response's invocations, unless the caller supplied one.
//   - HandledBy bumps the agent's handled counter and last-active time.
//   - TransfersTo bumps the source agent's handoff counter.
//   - Instantiates bumps the template's usage counter.
func (e *Engine) AddEdge(ctx context.Context, t graph.EdgeType, from, to graph.NodeID, props map[string]string) (*graph.Edge, error) {
	if !t.Valid() {
		return nil, &graph.ValidationError{Field: "type", Reason: "unknown edge type " + string(t)}
	}
	if from == to {
		return nil, &graph.CycleError{From: from, To: to}
	}

	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	fromNode, err := e.backend.GetNode(ctx, from)
	if err != nil {
		return nil, err
	}
	toNode, err := e.backend.GetNode(ctx, to)
	if err != nil {
		return nil, err
	}
	if err := graph.CheckEndpoints(t, fromNode.Kind, toNode.Kind); err != nil {
		return nil, err
	}

	for _, ref := range e.idx.Edges(from, graph.Outgoing, t) {
		if ref.Other == to {
			return nil, &graph.DuplicateError{Kind: "edge", ID: string(ref.EdgeID)}
		}
	}

	if t == graph.Inherits {
		if err := e.checkInheritanceCycle(from, to); err != nil {
			return nil, err
		}
	}

	edge := &graph.Edge{
		ID:         graph.EdgeID(uuid.NewString()),
		Type:       t,
		From:       from,
		To:         to,
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
		Properties: cloneMap(props),
		Version:    1,
		Seq:        e.nextSeq(),
	}

	ops := []storage.Op{seqOp(edge.Seq)}
	var touched *graph.Node

	switch t {
	case graph.Invokes:
		if _, ok := edge.Properties[graph.PropInvocationOrder]; !ok {
			order := len(e.idx.Edges(from, graph.Outgoing, graph.Invokes)) + 1
			if edge.Properties == nil {
				edge.Properties = make(map[string]string)
			}
			edge.Properties[graph.PropInvocationOrder] = strconv.Itoa(order)
		}
	case graph.HandledBy:
		agent := toNode.Clone()
		ap := agent.Payload.(*graph.AgentPayload)
		ap.PromptsHandled++
		ap.LastActiveAt = edge.CreatedAt
		agent.Version++
		touched = agent
	case graph.TransfersTo:
		agent := fromNode.Clone()
		ap := agent.Payload.(*graph.AgentPayload)
		ap.Handoffs++
		agent.Version++
		touched = agent
	case graph.Instantiates:
		tpl := toNode.Clone()
		tp := tpl.Payload.(*graph.TemplatePayload)
		tp.UsageCount++
		tpl.Version++
		touched = tpl
	}

	ops = append(ops, storage.PutEdgeOp(edge))
	if touched != nil {
		ops = append(ops, storage.PutNodeOp(touched))
	}

	start := time.Now()
	if err := e.backend.Apply(ctx, ops); err != nil {
		return nil, err
	}
	e.observeCommit(start)

	e.idx.ApplyEdgePut(edge)
	if touched != nil {
		e.idx.ApplyNodePut(touched, false)
	}

	if e.met != nil {
		e.met.EdgesCreated.WithLabelValues(string(t)).Inc()
	}
	ev := events.New(events.EdgeCreated)
	ev.EdgeID = edge.ID
	ev.Detail = map[string]string{"type": string(t)}
	e.publish(ev)

	switch t {
	case graph.TransfersTo:
		hev := events.New(events.AgentHandoff)
		hev.EdgeID = edge.ID
		hev.Detail = map[string]string{"from": string(from), "to": string(to)}
		e.publish(hev)
	case graph.Instantiates:
		iev := events.New(events.TemplateInstantiated)
		iev.NodeID = from
		iev.Detail = map[string]string{"template": string(to)}
		e.publish(iev)
	}

	return edge.Clone(), nil
}

// checkInheritanceCycle walks the inheritance chain upward from `to`; if it
// reaches `from`, the new edge would close a cycle.
func (e *Engine) checkInheritanceCycle(from, to graph.NodeID) error {
	visited := map[graph.NodeID]struct{}{}
	frontier := []graph.NodeID{to}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if id == from {
			return &graph.CycleError{From: from, To: to}
		}
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		for _, ref := range e.idx.Edges(id, graph.Outgoing, graph.Inherits) {
			frontier = append(frontier, ref.Other)
		}
	}
	return nil
}

// DeleteEdge removes a single edge. The side-effect counters its creation
// bumped are left in place; history is not rewritten.
func (e *Engine) DeleteEdge(ctx context.Context, id graph.EdgeID) error {
	release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	edge, err := e.backend.GetEdge(ctx, id)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := e.backend.Apply(ctx, []storage.Op{storage.DeleteEdgeOp(id)}); err != nil {
		return err
	}
	e.observeCommit(start)

	e.idx.ApplyEdgeDelete(edge)

	if e.met != nil {
		e.met.EdgesDeleted.WithLabelValues(string(edge.Type)).Inc()
	}
	ev := events.New(events.EdgeDeleted)
	ev.EdgeID = id
	e.publish(ev)
	return nil
}

// GetEdge returns a copy of the edge.
func (e *Engine) GetEdge(ctx context.Context, id graph.EdgeID) (*graph.Edge, error) {
	return e.backend.GetEdge(ctx, id)
}

// GetEdges loads a node's incident edges in creation order, optionally
// filtered by type.
func (e *Engine) GetEdges(ctx context.Context, id graph.NodeID, dir graph.Direction, types ...graph.EdgeType) ([]*graph.Edge, error) {
	if _, err := e.backend.GetNode(ctx, id); err != nil {
		return nil, err
	}
	refs := e.idx.Edges(id, dir, types...)
	out := make([]*graph.Edge, 0, len(refs))
	for _, ref := range refs {
		edge, err := e.backend.GetEdge(ctx, ref.EdgeID)
		if err != nil {
			return nil, err
		}
		out = append(out, edge)
	}
	return out, nil
}

// ============================================================================
// Template instantiation
// ============================================================================

// Instantiate builds a prompt from a template: variable values are checked
// against the template's specs, placeholders in the template text are
// substituted, and the prompt plus its Instantiates edge commit together.
func (e *Engine) Instantiate(ctx context.Context, templateID graph.NodeID, sessionID graph.NodeID, values map[string]string, metadata map[string]string) (*graph.Node, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	tplNode, err := e.backend.GetNode(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if tplNode.Kind != graph.KindTemplate {
		return nil, &graph.ValidationError{Field: "templateId",
			Reason: fmt.Sprintf("node %s is a %s, not a template", templateID, tplNode.Kind)}
	}
	tp := tplNode.Payload.(*graph.TemplatePayload)
	if err := tp.CheckVariables(values); err != nil {
		return nil, err
	}
	if sessionID != "" {
		owner, err := e.backend.GetNode(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if owner.Kind != graph.KindSession {
			return nil, &graph.ValidationError{Field: "sessionId",
				Reason: fmt.Sprintf("node %s is a %s, not a session", sessionID, owner.Kind)}
		}
	} else {
		return nil, &graph.ValidationError{Field: "sessionId", Reason: "required for prompt"}
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	prompt := &graph.Node{
		ID:        graph.NodeID(uuid.NewString()),
		Kind:      graph.KindPrompt,
		SessionID: sessionID,
		CreatedAt: now,
		Metadata:  cloneMap(metadata),
		Version:   1,
		Seq:       e.nextSeq(),
		Payload: &graph.PromptPayload{
			Text:       tp.Render(values),
			TemplateID: templateID,
			Variables:  cloneMap(values),
		},
	}
	edge := &graph.Edge{
		ID:        graph.EdgeID(uuid.NewString()),
		Type:      graph.Instantiates,
		From:      prompt.ID,
		To:        templateID,
		CreatedAt: now,
		Version:   1,
		Seq:       e.nextSeq(),
	}

	bumped := tplNode.Clone()
	bumped.Payload.(*graph.TemplatePayload).UsageCount++
	bumped.Version++

	start := time.Now()
	err = e.backend.Apply(ctx, []storage.Op{
		storage.PutNodeOp(prompt),
		storage.PutEdgeOp(edge),
		storage.PutNodeOp(bumped),
		seqOp(edge.Seq),
	})
	if err != nil {
		return nil, err
	}
	e.observeCommit(start)

	e.idx.ApplyNodePut(prompt, true)
	e.idx.ApplyEdgePut(edge)
	e.idx.ApplyNodePut(bumped, false)

	if e.met != nil {
		e.met.NodesCreated.WithLabelValues(string(graph.KindPrompt)).Inc()
		e.met.EdgesCreated.WithLabelValues(string(graph.Instantiates)).Inc()
	}
	cev := events.New(events.NodeCreated)
	cev.NodeID = prompt.ID
	cev.SessionID = sessionID
	cev.Detail = map[string]string{"kind": string(graph.KindPrompt)}
	e.publish(cev)

	pev := events.New(events.PromptSubmitted)
	pev.NodeID = prompt.ID
	pev.SessionID = sessionID
	e.publish(pev)

	ev := events.New(events.TemplateInstantiated)
	ev.NodeID = prompt.ID
	ev.SessionID = sessionID
	ev.Detail = map[string]string{"template": string(templateID)}
	e.publish(ev)

	return prompt.Clone(), nil
}

// ============================================================================
// Accessors and lifecycle
// ============================================================================

// Index exposes the auxiliary indexes for the query layer.
func (e *Engine) Index() *index.Manager { return e.idx }

// Backend exposes the storage layer for scans and snapshots.
func (e *Engine) Backend() *storage.Backend { return e.backend }

// Close marks the engine closed. The backend and bus are owned by the
// caller and closed separately.
func (e *Engine) Close() {
	e.closed.Store(true)
}

// checkPayloadUpdate enforces the per-kind payload rules an update must not
// break: a prompt's variables and template reference are fixed once set, a
// response always answers the same prompt, and a tool invocation keeps its
// response reference while its retry count only ever grows.
func checkPayloadUpdate(old, updated graph.Payload) error {
	switch o := old.(type) {
	case *graph.PromptPayload:
		n := updated.(*graph.PromptPayload)
		if o.TemplateID != "" && n.TemplateID != o.TemplateID {
			return &graph.ImmutableFieldError{Field: "templateId"}
		}
		if len(o.Variables) > 0 && !maps.Equal(o.Variables, n.Variables) {
			return &graph.ImmutableFieldError{Field: "variables"}
		}
	case *graph.ResponsePayload:
		n := updated.(*graph.ResponsePayload)
		if n.PromptID != o.PromptID {
			return &graph.ImmutableFieldError{Field: "promptId"}
		}
	case *graph.ToolInvocationPayload:
		n := updated.(*graph.ToolInvocationPayload)
		if n.ResponseID != o.ResponseID {
			return &graph.ImmutableFieldError{Field: "responseId"}
		}
		if n.RetryCount < o.RetryCount {
			return &graph.ValidationError{Field: "retryCount", Reason: "must not decrease"}
		}
	}
	return nil
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
