// Package index maintains the in-memory auxiliary indexes over the record
// store: session membership, creation-time ordering, agent workload, template
// instantiation, and edge adjacency.
//
// Indexes are updated synchronously with every committed batch, so a reader
// that observes a commit also observes its index entries. Each sub-index has
// its own RWMutex; writers that touch more than one always lock in the fixed
// order session < time < agent < template < adjacency to keep the update
// deadlock-free.
//
// Every ordered listing sorts by (creation time, insertion sequence), so two
// records created in the same microsecond still come back in a stable order.
package index

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orneryd/engramdb/pkg/graph"
	"github.com/orneryd/engramdb/pkg/storage"
)

// nodeRef orders a node by creation time with the insertion sequence as the
// tie-break.
type nodeRef struct {
	ID  graph.NodeID
	At  int64 // microseconds since epoch
	Seq uint64
}

func refLess(a, b nodeRef) bool {
	if a.At != b.At {
		return a.At < b.At
	}
	return a.Seq < b.Seq
}

func nodeToRef(n *graph.Node) nodeRef {
	return nodeRef{ID: n.ID, At: n.CreatedAt.UnixMicro(), Seq: n.Seq}
}

// insertRef places r into a sorted slice, keeping order.
func insertRef(refs []nodeRef, r nodeRef) []nodeRef {
	i := sort.Search(len(refs), func(i int) bool { return !refLess(refs[i], r) })
	refs = append(refs, nodeRef{})
	copy(refs[i+1:], refs[i:])
	refs[i] = r
	return refs
}

// removeRef drops the entry with the given ID. Position is found by binary
// search on (At, Seq) with a short linear walk over equal keys.
func removeRef(refs []nodeRef, r nodeRef) []nodeRef {
	i := sort.Search(len(refs), func(i int) bool { return !refLess(refs[i], r) })
	for ; i < len(refs) && !refLess(r, refs[i]); i++ {
		if refs[i].ID == r.ID {
			return append(refs[:i], refs[i+1:]...)
		}
	}
	return refs
}

func refIDs(refs []nodeRef) []graph.NodeID {
	ids := make([]graph.NodeID, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}
	return ids
}

// EdgeRef is one adjacency entry: the edge plus the node on its far side.
type EdgeRef struct {
	EdgeID graph.EdgeID
	Type   graph.EdgeType
	Other  graph.NodeID
	At     int64
	Seq    uint64
}

func edgeRefLess(a, b EdgeRef) bool {
	if a.At != b.At {
		return a.At < b.At
	}
	return a.Seq < b.Seq
}

// Transfer is one recorded agent handoff.
type Transfer struct {
	EdgeID graph.EdgeID
	From   graph.NodeID
	To     graph.NodeID
	At     int64
	Seq    uint64
}

// ============================================================================
// Sub-indexes
// ============================================================================

type sessionIndex struct {
	mu      sync.RWMutex
	members map[graph.NodeID][]nodeRef
}

type timeIndex struct {
	mu   sync.RWMutex
	refs []nodeRef
	byID map[graph.NodeID]nodeRef
}

type agentIndex struct {
	mu        sync.RWMutex
	handled   map[graph.NodeID][]nodeRef  // agent -> nodes routed to it
	transfers map[graph.NodeID][]Transfer // agent -> outgoing handoffs
	byEdge    map[graph.EdgeID]struct{}
}

type templateIndex struct {
	mu           sync.RWMutex
	instantiated map[graph.NodeID][]nodeRef // template -> prompts built from it
	byName       map[string]graph.NodeID
}

type adjacencyIndex struct {
	mu  sync.RWMutex
	out map[graph.NodeID][]EdgeRef
	in  map[graph.NodeID][]EdgeRef
}

// Manager owns the five sub-indexes and applies committed mutations to them.
type Manager struct {
	session   sessionIndex
	time      timeIndex
	agent     agentIndex
	template  templateIndex
	adjacency adjacencyIndex
}

// NewManager returns an empty index set.
func NewManager() *Manager {
	m := &Manager{}
	m.reset()
	return m
}

func (m *Manager) reset() {
	m.session.members = make(map[graph.NodeID][]nodeRef)
	m.time.refs = nil
	m.time.byID = make(map[graph.NodeID]nodeRef)
	m.agent.handled = make(map[graph.NodeID][]nodeRef)
	m.agent.transfers = make(map[graph.NodeID][]Transfer)
	m.agent.byEdge = make(map[graph.EdgeID]struct{})
	m.template.instantiated = make(map[graph.NodeID][]nodeRef)
	m.template.byName = make(map[string]graph.NodeID)
	m.adjacency.out = make(map[graph.NodeID][]EdgeRef)
	m.adjacency.in = make(map[graph.NodeID][]EdgeRef)
}

// ============================================================================
// Mutations
// ============================================================================

// ApplyNodePut records a committed node insert or update.
func (m *Manager) ApplyNodePut(n *graph.Node, isNew bool) {
	ref := nodeToRef(n)

	if isNew && n.SessionID != "" {
		m.session.mu.Lock()
		m.session.members[n.SessionID] = insertRef(m.session.members[n.SessionID], ref)
		m.session.mu.Unlock()
	}

	if isNew {
		m.time.mu.Lock()
		m.time.refs = insertRef(m.time.refs, ref)
		m.time.byID[n.ID] = ref
		m.time.mu.Unlock()
	}

	if n.Kind == graph.KindTemplate {
		if tp, ok := n.Payload.(*graph.TemplatePayload); ok {
			m.template.mu.Lock()
			m.template.byName[tp.Name] = n.ID
			m.template.mu.Unlock()
		}
	}
}

// ApplyNodeDelete removes a node's entries. Its incident edges are removed
// through their own ApplyEdgeDelete calls during the cascade.
func (m *Manager) ApplyNodeDelete(n *graph.Node) {
	ref := nodeToRef(n)

	if n.SessionID != "" {
		m.session.mu.Lock()
		refs := removeRef(m.session.members[n.SessionID], ref)
		if len(refs) == 0 {
			delete(m.session.members, n.SessionID)
		} else {
			m.session.members[n.SessionID] = refs
		}
		m.session.mu.Unlock()
	}
	if n.Kind == graph.KindSession {
		m.session.mu.Lock()
		delete(m.session.members, n.ID)
		m.session.mu.Unlock()
	}

	m.time.mu.Lock()
	m.time.refs = removeRef(m.time.refs, ref)
	delete(m.time.byID, n.ID)
	m.time.mu.Unlock()

	if n.Kind == graph.KindAgent {
		m.agent.mu.Lock()
		delete(m.agent.handled, n.ID)
		delete(m.agent.transfers, n.ID)
		m.agent.mu.Unlock()
	}

	if n.Kind == graph.KindTemplate {
		m.template.mu.Lock()
		delete(m.template.instantiated, n.ID)
		if tp, ok := n.Payload.(*graph.TemplatePayload); ok {
			if m.template.byName[tp.Name] == n.ID {
				delete(m.template.byName, tp.Name)
			}
		}
		m.template.mu.Unlock()
	}

	m.adjacency.mu.Lock()
	delete(m.adjacency.out, n.ID)
	delete(m.adjacency.in, n.ID)
	m.adjacency.mu.Unlock()
}

// ApplyEdgePut records a committed edge insert.
func (m *Manager) ApplyEdgePut(e *graph.Edge) {
	at := e.CreatedAt.UnixMicro()

	switch e.Type {
	case graph.HandledBy:
		m.agent.mu.Lock()
		if _, dup := m.agent.byEdge[e.ID]; !dup {
			m.agent.byEdge[e.ID] = struct{}{}
			m.agent.handled[e.To] = insertRef(m.agent.handled[e.To],
				nodeRef{ID: e.From, At: at, Seq: e.Seq})
		}
		m.agent.mu.Unlock()
	case graph.TransfersTo:
		m.agent.mu.Lock()
		if _, dup := m.agent.byEdge[e.ID]; !dup {
			m.agent.byEdge[e.ID] = struct{}{}
			ts := m.agent.transfers[e.From]
			t := Transfer{EdgeID: e.ID, From: e.From, To: e.To, At: at, Seq: e.Seq}
			i := sort.Search(len(ts), func(i int) bool {
				return !(ts[i].At < t.At || (ts[i].At == t.At && ts[i].Seq < t.Seq))
			})
			ts = append(ts, Transfer{})
			copy(ts[i+1:], ts[i:])
			ts[i] = t
			m.agent.transfers[e.From] = ts
		}
		m.agent.mu.Unlock()
	case graph.Instantiates:
		m.template.mu.Lock()
		m.template.instantiated[e.To] = insertRef(m.template.instantiated[e.To],
			nodeRef{ID: e.From, At: at, Seq: e.Seq})
		m.template.mu.Unlock()
	}

	m.adjacency.mu.Lock()
	m.adjacency.out[e.From] = insertEdgeRef(m.adjacency.out[e.From],
		EdgeRef{EdgeID: e.ID, Type: e.Type, Other: e.To, At: at, Seq: e.Seq})
	m.adjacency.in[e.To] = insertEdgeRef(m.adjacency.in[e.To],
		EdgeRef{EdgeID: e.ID, Type: e.Type, Other: e.From, At: at, Seq: e.Seq})
	m.adjacency.mu.Unlock()
}

// ApplyEdgeDelete removes a committed edge's entries.
func (m *Manager) ApplyEdgeDelete(e *graph.Edge) {
	at := e.CreatedAt.UnixMicro()

	switch e.Type {
	case graph.HandledBy:
		m.agent.mu.Lock()
		delete(m.agent.byEdge, e.ID)
		m.agent.handled[e.To] = removeRef(m.agent.handled[e.To],
			nodeRef{ID: e.From, At: at, Seq: e.Seq})
		m.agent.mu.Unlock()
	case graph.TransfersTo:
		m.agent.mu.Lock()
		delete(m.agent.byEdge, e.ID)
		ts := m.agent.transfers[e.From]
		for i, t := range ts {
			if t.EdgeID == e.ID {
				m.agent.transfers[e.From] = append(ts[:i], ts[i+1:]...)
				break
			}
		}
		m.agent.mu.Unlock()
	case graph.Instantiates:
		m.template.mu.Lock()
		m.template.instantiated[e.To] = removeRef(m.template.instantiated[e.To],
			nodeRef{ID: e.From, At: at, Seq: e.Seq})
		m.template.mu.Unlock()
	}

	m.adjacency.mu.Lock()
	m.adjacency.out[e.From] = removeEdgeRef(m.adjacency.out[e.From], e.ID)
	m.adjacency.in[e.To] = removeEdgeRef(m.adjacency.in[e.To], e.ID)
	m.adjacency.mu.Unlock()
}

func insertEdgeRef(refs []EdgeRef, r EdgeRef) []EdgeRef {
	i := sort.Search(len(refs), func(i int) bool { return !edgeRefLess(refs[i], r) })
	refs = append(refs, EdgeRef{})
	copy(refs[i+1:], refs[i:])
	refs[i] = r
	return refs
}

func removeEdgeRef(refs []EdgeRef, id graph.EdgeID) []EdgeRef {
	for i, r := range refs {
		if r.EdgeID == id {
			return append(refs[:i], refs[i+1:]...)
		}
	}
	return refs
}

// ============================================================================
// Queries
// ============================================================================

// SessionMembers lists a session's member nodes in creation order.
func (m *Manager) SessionMembers(sessionID graph.NodeID) []graph.NodeID {
	m.session.mu.RLock()
	defer m.session.mu.RUnlock()
	return refIDs(m.session.members[sessionID])
}

// IDsInRange lists nodes created in [from, to), in creation order.
func (m *Manager) IDsInRange(from, to time.Time) []graph.NodeID {
	lo := from.UnixMicro()
	hi := to.UnixMicro()

	m.time.mu.RLock()
	defer m.time.mu.RUnlock()

	start := sort.Search(len(m.time.refs), func(i int) bool {
		return m.time.refs[i].At >= lo
	})
	var ids []graph.NodeID
	for i := start; i < len(m.time.refs) && m.time.refs[i].At < hi; i++ {
		ids = append(ids, m.time.refs[i].ID)
	}
	return ids
}

// HandledBy lists nodes routed to an agent, in routing order.
func (m *Manager) HandledBy(agentID graph.NodeID) []graph.NodeID {
	m.agent.mu.RLock()
	defer m.agent.mu.RUnlock()
	return refIDs(m.agent.handled[agentID])
}

// TransfersFrom lists an agent's outgoing handoffs in order.
func (m *Manager) TransfersFrom(agentID graph.NodeID) []Transfer {
	m.agent.mu.RLock()
	defer m.agent.mu.RUnlock()
	out := make([]Transfer, len(m.agent.transfers[agentID]))
	copy(out, m.agent.transfers[agentID])
	return out
}

// InstantiatedPrompts lists the prompts built from a template, oldest first.
func (m *Manager) InstantiatedPrompts(templateID graph.NodeID) []graph.NodeID {
	m.template.mu.RLock()
	defer m.template.mu.RUnlock()
	return refIDs(m.template.instantiated[templateID])
}

// TemplateByName resolves a template name to its node ID.
func (m *Manager) TemplateByName(name string) (graph.NodeID, bool) {
	m.template.mu.RLock()
	defer m.template.mu.RUnlock()
	id, ok := m.template.byName[name]
	return id, ok
}

// Edges returns a node's adjacency entries for the given direction, filtered
// by edge type when types is non-empty, ordered by creation.
func (m *Manager) Edges(id graph.NodeID, dir graph.Direction, types ...graph.EdgeType) []EdgeRef {
	m.adjacency.mu.RLock()
	defer m.adjacency.mu.RUnlock()

	var merged []EdgeRef
	if dir == graph.Outgoing || dir == graph.Both {
		merged = append(merged, m.adjacency.out[id]...)
	}
	if dir == graph.Incoming || dir == graph.Both {
		merged = append(merged, m.adjacency.in[id]...)
	}
	if len(types) > 0 {
		want := make(map[graph.EdgeType]struct{}, len(types))
		for _, t := range types {
			want[t] = struct{}{}
		}
		kept := merged[:0]
		for _, r := range merged {
			if _, ok := want[r.Type]; ok {
				kept = append(kept, r)
			}
		}
		merged = kept
	}
	if dir == graph.Both {
		sort.Slice(merged, func(i, j int) bool { return edgeRefLess(merged[i], merged[j]) })
	}
	return merged
}

// Degree returns a node's outgoing and incoming edge counts.
func (m *Manager) Degree(id graph.NodeID) (out, in int) {
	m.adjacency.mu.RLock()
	defer m.adjacency.mu.RUnlock()
	return len(m.adjacency.out[id]), len(m.adjacency.in[id])
}

// ============================================================================
// Rebuild
// ============================================================================

// RebuildAll discards the indexes and rebuilds them from a full store scan.
// The node and edge scans run concurrently; each feeds every sub-index that
// cares about its record type.
func (m *Manager) RebuildAll(ctx context.Context, backend *storage.Backend) error {
	var (
		nodes []*graph.Node
		edges []*graph.Edge
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := backend.ScanNodes(gctx, storage.ScanOptions{}, func(n *graph.Node) error {
			nodes = append(nodes, n)
			return nil
		})
		return err
	})
	g.Go(func() error {
		_, err := backend.ScanEdges(gctx, storage.ScanOptions{}, func(e *graph.Edge) error {
			edges = append(edges, e)
			return nil
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	m.session.mu.Lock()
	m.time.mu.Lock()
	m.agent.mu.Lock()
	m.template.mu.Lock()
	m.adjacency.mu.Lock()
	defer m.session.mu.Unlock()
	defer m.time.mu.Unlock()
	defer m.agent.mu.Unlock()
	defer m.template.mu.Unlock()
	defer m.adjacency.mu.Unlock()

	m.resetLocked()
	for _, n := range nodes {
		m.applyNodePutLocked(n)
	}
	for _, e := range edges {
		m.applyEdgePutLocked(e)
	}
	// Edge scans run in key order, not time order.
	for id, ts := range m.agent.transfers {
		sort.Slice(ts, func(i, j int) bool {
			if ts[i].At != ts[j].At {
				return ts[i].At < ts[j].At
			}
			return ts[i].Seq < ts[j].Seq
		})
		m.agent.transfers[id] = ts
	}
	return nil
}

// resetLocked and the *Locked apply variants assume all five locks are held.
func (m *Manager) resetLocked() {
	m.reset()
}

func (m *Manager) applyNodePutLocked(n *graph.Node) {
	ref := nodeToRef(n)
	if n.SessionID != "" {
		m.session.members[n.SessionID] = insertRef(m.session.members[n.SessionID], ref)
	}
	m.time.refs = insertRef(m.time.refs, ref)
	m.time.byID[n.ID] = ref
	if n.Kind == graph.KindTemplate {
		if tp, ok := n.Payload.(*graph.TemplatePayload); ok {
			m.template.byName[tp.Name] = n.ID
		}
	}
}

func (m *Manager) applyEdgePutLocked(e *graph.Edge) {
	at := e.CreatedAt.UnixMicro()
	switch e.Type {
	case graph.HandledBy:
		m.agent.byEdge[e.ID] = struct{}{}
		m.agent.handled[e.To] = insertRef(m.agent.handled[e.To],
			nodeRef{ID: e.From, At: at, Seq: e.Seq})
	case graph.TransfersTo:
		m.agent.byEdge[e.ID] = struct{}{}
		m.agent.transfers[e.From] = append(m.agent.transfers[e.From],
			Transfer{EdgeID: e.ID, From: e.From, To: e.To, At: at, Seq: e.Seq})
	case graph.Instantiates:
		m.template.instantiated[e.To] = insertRef(m.template.instantiated[e.To],
			nodeRef{ID: e.From, At: at, Seq: e.Seq})
	}
	m.adjacency.out[e.From] = insertEdgeRef(m.adjacency.out[e.From],
		EdgeRef{EdgeID: e.ID, Type: e.Type, Other: e.To, At: at, Seq: e.Seq})
	m.adjacency.in[e.To] = insertEdgeRef(m.adjacency.in[e.To],
		EdgeRef{EdgeID: e.ID, Type: e.Type, Other: e.From, At: at, Seq: e.Seq})
}
