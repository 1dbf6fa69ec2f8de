// Package query runs read-only queries over the graph: filtered node
// listings, k-hop neighborhood expansion, shortest paths, and aggregates.
//
// Listings come back ordered by (creation time, insertion sequence).
// Traversals keep a visited set, so cyclic Follows or References chains
// terminate. Within one hop level, neighbors are reported in ascending node
// ID order to keep results deterministic.
package query

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/engramdb/pkg/graph"
	"github.com/orneryd/engramdb/pkg/index"
	"github.com/orneryd/engramdb/pkg/metrics"
	"github.com/orneryd/engramdb/pkg/storage"
)

// Spec filters a node listing. Zero fields do not constrain.
type Spec struct {
	// Kinds keeps only nodes of the listed kinds.
	Kinds []graph.NodeKind
	// SessionID keeps only members of one session.
	SessionID graph.NodeID
	// After and Before bound creation time: [After, Before). A zero Before
	// means unbounded.
	After  time.Time
	Before time.Time
	// Metadata keeps nodes whose metadata contains every listed pair.
	Metadata map[string]string
	// Offset skips matches; Limit caps the result. Zero limit means all.
	Offset int
	Limit  int
}

func (s Spec) matches(n *graph.Node) bool {
	if len(s.Kinds) > 0 {
		ok := false
		for _, k := range s.Kinds {
			if n.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for k, v := range s.Metadata {
		if n.Metadata[k] != v {
			return false
		}
	}
	return true
}

// Executor runs queries against the index and record store.
type Executor struct {
	backend *storage.Backend
	idx     *index.Manager
	met     *metrics.Metrics
	log     *zap.Logger
}

// NewExecutor builds an executor. met and log may be nil.
func NewExecutor(backend *storage.Backend, idx *index.Manager, met *metrics.Metrics, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{backend: backend, idx: idx, met: met, log: log}
}

func (x *Executor) observe(op string, start time.Time) {
	if x.met != nil {
		x.met.QueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// candidates picks the cheapest index for the spec. The session index is
// already time-ordered; so is the time index.
func (x *Executor) candidates(s Spec) []graph.NodeID {
	if s.SessionID != "" {
		return x.idx.SessionMembers(s.SessionID)
	}
	from := s.After
	to := s.Before
	if to.IsZero() {
		to = time.Unix(0, 0).Add(1<<62 - 1)
	}
	return x.idx.IDsInRange(from, to)
}

// timeBounded reports whether the node falls inside the spec's window.
// Needed when the candidate list came from the session index.
func (s Spec) timeBounded(n *graph.Node) bool {
	if !s.After.IsZero() && n.CreatedAt.Before(s.After) {
		return false
	}
	if !s.Before.IsZero() && !n.CreatedAt.Before(s.Before) {
		return false
	}
	return true
}

// Run executes the spec and returns matching nodes in creation order.
func (x *Executor) Run(ctx context.Context, s Spec) ([]*graph.Node, error) {
	defer x.observe("run", time.Now())

	seq := x.Stream(s)
	defer seq.Close()

	var out []*graph.Node
	for {
		n, err := seq.Next(ctx)
		if err != nil {
			return nil, err
		}
		if n == nil {
			return out, nil
		}
		out = append(out, n)
	}
}

// Count returns how many nodes match the spec, ignoring Offset and Limit.
func (x *Executor) Count(ctx context.Context, s Spec) (int, error) {
	defer x.observe("count", time.Now())

	s.Offset = 0
	s.Limit = 0
	seq := x.Stream(s)
	defer seq.Close()

	count := 0
	for {
		n, err := seq.Next(ctx)
		if err != nil {
			return 0, err
		}
		if n == nil {
			return count, nil
		}
		count++
	}
}

// Average computes the mean of a numeric payload field over matching nodes.
// field returns (value, true) for nodes that carry the field. Nodes where
// it returns false are excluded from both sum and count. Zero matching
// nodes yield (0, 0, nil).
func (x *Executor) Average(ctx context.Context, s Spec, field func(*graph.Node) (float64, bool)) (avg float64, n int, err error) {
	defer x.observe("average", time.Now())

	s.Offset = 0
	s.Limit = 0
	seq := x.Stream(s)
	defer seq.Close()

	var sum float64
	for {
		node, err := seq.Next(ctx)
		if err != nil {
			return 0, 0, err
		}
		if node == nil {
			break
		}
		if v, ok := field(node); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, 0, nil
	}
	return sum / float64(n), n, nil
}

// TokenTotal extracts a response's total token count, for use with Average.
func TokenTotal(n *graph.Node) (float64, bool) {
	rp, ok := n.Payload.(*graph.ResponsePayload)
	if !ok {
		return 0, false
	}
	return float64(rp.TokenUsage.Total), true
}

// InvocationDuration extracts a tool invocation's duration in milliseconds.
func InvocationDuration(n *graph.Node) (float64, bool) {
	tp, ok := n.Payload.(*graph.ToolInvocationPayload)
	if !ok {
		return 0, false
	}
	return float64(tp.DurationMs), true
}

// ============================================================================
// Lazy sequences
// ============================================================================

// Sequence is a lazy cursor over a query's results. Records are loaded one
// at a time from the store; a sequence can be Reset and walked again, which
// re-reads current state rather than replaying a stale snapshot.
type Sequence struct {
	x    *Executor
	spec Spec

	ids     []graph.NodeID
	pos     int
	matched int
	emitted int
}

// Stream starts a lazy sequence for the spec. The candidate ID list is
// pinned at call time; records themselves are read as the caller advances.
func (x *Executor) Stream(s Spec) *Sequence {
	return &Sequence{x: x, spec: s, ids: x.candidates(s)}
}

// Next returns the next matching node, or (nil, nil) when the sequence is
// exhausted. Cancellation is honored between records.
func (q *Sequence) Next(ctx context.Context) (*graph.Node, error) {
	for q.pos < len(q.ids) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.spec.Limit > 0 && q.emitted >= q.spec.Limit {
			return nil, nil
		}

		id := q.ids[q.pos]
		q.pos++

		n, err := q.x.backend.GetNode(ctx, id)
		if err != nil {
			// The record may have been deleted since the candidate list was
			// pinned; skip it rather than failing the whole walk.
			if _, gone := notFound(err); gone {
				continue
			}
			return nil, err
		}
		if !q.spec.matches(n) || !q.spec.timeBounded(n) {
			continue
		}
		q.matched++
		if q.matched <= q.spec.Offset {
			continue
		}
		q.emitted++
		return n, nil
	}
	return nil, nil
}

// Reset rewinds the sequence and re-pins the candidate list.
func (q *Sequence) Reset() {
	q.ids = q.x.candidates(q.spec)
	q.pos = 0
	q.matched = 0
	q.emitted = 0
}

// Close releases the sequence. Present for symmetry with other cursors; a
// Sequence holds no store resources between Next calls.
func (q *Sequence) Close() {}

func notFound(err error) (*graph.NotFoundError, bool) {
	var nf *graph.NotFoundError
	if errors.As(err, &nf) {
		return nf, true
	}
	return nil, false
}

// ============================================================================
// Traversal
// ============================================================================

// KHop expands up to k hops from start and returns one slice per hop level,
// excluding the start node. Visited nodes are never re-expanded, so cycles
// terminate. Each level is sorted by node ID.
func (x *Executor) KHop(ctx context.Context, start graph.NodeID, k int, dir graph.Direction, types ...graph.EdgeType) ([][]graph.NodeID, error) {
	defer x.observe("khop", time.Now())

	if _, err := x.backend.GetNode(ctx, start); err != nil {
		return nil, err
	}

	visited := map[graph.NodeID]struct{}{start: {}}
	frontier := []graph.NodeID{start}
	var levels [][]graph.NodeID

	for hop := 0; hop < k && len(frontier) > 0; hop++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		nextSet := make(map[graph.NodeID]struct{})
		for _, id := range frontier {
			for _, ref := range x.idx.Edges(id, dir, types...) {
				if _, seen := visited[ref.Other]; seen {
					continue
				}
				nextSet[ref.Other] = struct{}{}
			}
		}
		if len(nextSet) == 0 {
			break
		}
		level := make([]graph.NodeID, 0, len(nextSet))
		for id := range nextSet {
			visited[id] = struct{}{}
			level = append(level, id)
		}
		sort.Slice(level, func(i, j int) bool { return level[i] < level[j] })
		levels = append(levels, level)
		frontier = level
	}
	return levels, nil
}

// ShortestPath finds a minimal-hop path from one node to another, including
// both endpoints. Ties between equal-length paths resolve toward the
// neighbor with the smallest ID. Returns NotFoundError for missing
// endpoints and (nil, nil) when no path exists.
func (x *Executor) ShortestPath(ctx context.Context, from, to graph.NodeID, dir graph.Direction, types ...graph.EdgeType) ([]graph.NodeID, error) {
	defer x.observe("shortest_path", time.Now())

	if _, err := x.backend.GetNode(ctx, from); err != nil {
		return nil, err
	}
	if _, err := x.backend.GetNode(ctx, to); err != nil {
		return nil, err
	}
	if from == to {
		return []graph.NodeID{from}, nil
	}

	parent := map[graph.NodeID]graph.NodeID{from: from}
	frontier := []graph.NodeID{from}

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var next []graph.NodeID
		for _, id := range frontier {
			refs := x.idx.Edges(id, dir, types...)
			neighbors := make([]graph.NodeID, 0, len(refs))
			for _, ref := range refs {
				neighbors = append(neighbors, ref.Other)
			}
			sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })

			for _, nb := range neighbors {
				if _, seen := parent[nb]; seen {
					continue
				}
				parent[nb] = id
				if nb == to {
					return buildPath(parent, from, to), nil
				}
				next = append(next, nb)
			}
		}
		frontier = next
	}
	return nil, nil
}

func buildPath(parent map[graph.NodeID]graph.NodeID, from, to graph.NodeID) []graph.NodeID {
	var rev []graph.NodeID
	for cur := to; ; cur = parent[cur] {
		rev = append(rev, cur)
		if cur == from {
			break
		}
	}
	path := make([]graph.NodeID, len(rev))
	for i, id := range rev {
		path[len(rev)-1-i] = id
	}
	return path
}
