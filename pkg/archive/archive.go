// Package archive moves whole sessions out of primary storage into an
// external bundle store and back.
//
// Archiving exports the session subgraph as a bundle, writes it to the
// store, deletes the live records, and leaves a single archive-pointer node
// behind. Restoring reverses that. The external store sits behind a circuit
// breaker so a misbehaving remote fails fast instead of hanging every
// archival call.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/orneryd/engramdb/pkg/codec"
	"github.com/orneryd/engramdb/pkg/engine"
	"github.com/orneryd/engramdb/pkg/events"
	"github.com/orneryd/engramdb/pkg/graph"
	"github.com/orneryd/engramdb/pkg/storage"
)

// Store is the external bundle store. Implementations must tolerate
// repeated Put calls with the same ref.
type Store interface {
	Put(ctx context.Context, ref string, data []byte) error
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// Bundle is the exported form of one session. Records are stored in their
// wire encoding so a bundle round-trips byte-exactly.
type Bundle struct {
	SessionID  graph.NodeID `json:"sessionId"`
	ArchivedAt time.Time    `json:"archivedAt"`
	Nodes      [][]byte     `json:"nodes"`
	Edges      [][]byte     `json:"edges"`
}

// Archiver performs session archival and restore.
type Archiver struct {
	eng     *engine.Engine
	backend *storage.Backend
	store   Store
	breaker *gobreaker.CircuitBreaker
	bus     *events.Bus
	log     *zap.Logger
}

// New builds an archiver. bus and log may be nil.
func New(eng *engine.Engine, store Store, bus *events.Bus, log *zap.Logger) *Archiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Archiver{
		eng:     eng,
		backend: eng.Backend(),
		store:   store,
		bus:     bus,
		log:     log,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "archive-store",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (a *Archiver) publish(ev events.Event) {
	if a.bus != nil {
		a.bus.Publish(ev)
	}
}

// ArchiveSession exports a session and its members, writes the bundle to
// the external store, and replaces the live records with a pointer node.
// The bundle write happens first; a store failure leaves the session fully
// intact.
func (a *Archiver) ArchiveSession(ctx context.Context, sessionID graph.NodeID) (*graph.Node, error) {
	sess, err := a.backend.GetNode(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Kind != graph.KindSession {
		return nil, &graph.ValidationError{Field: "sessionId",
			Reason: fmt.Sprintf("node %s is a %s, not a session", sessionID, sess.Kind)}
	}

	idx := a.eng.Index()
	members := idx.SessionMembers(sessionID)

	bundle := Bundle{
		SessionID:  sessionID,
		ArchivedAt: time.Now().UTC().Truncate(time.Microsecond),
	}

	appendNode := func(n *graph.Node) error {
		data, err := codec.EncodeNode(n)
		if err != nil {
			return err
		}
		bundle.Nodes = append(bundle.Nodes, data)
		return nil
	}
	if err := appendNode(sess); err != nil {
		return nil, err
	}

	inSet := map[graph.NodeID]struct{}{sessionID: {}}
	for _, mid := range members {
		n, err := a.backend.GetNode(ctx, mid)
		if err != nil {
			return nil, err
		}
		if err := appendNode(n); err != nil {
			return nil, err
		}
		inSet[mid] = struct{}{}
	}

	edgeSeen := map[graph.EdgeID]struct{}{}
	for id := range inSet {
		for _, ref := range idx.Edges(id, graph.Both) {
			if _, dup := edgeSeen[ref.EdgeID]; dup {
				continue
			}
			edgeSeen[ref.EdgeID] = struct{}{}
			edge, err := a.backend.GetEdge(ctx, ref.EdgeID)
			if err != nil {
				return nil, err
			}
			data, err := codec.EncodeEdge(edge)
			if err != nil {
				return nil, err
			}
			bundle.Edges = append(bundle.Edges, data)
		}
	}

	payload, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("archive: marshal bundle: %w", err)
	}

	ref := "session-" + uuid.NewString()
	_, err = a.breaker.Execute(func() (interface{}, error) {
		return nil, a.store.Put(ctx, ref, payload)
	})
	if err != nil {
		return nil, fmt.Errorf("archive: store bundle: %w", err)
	}

	if err := a.eng.DeleteNode(ctx, sessionID); err != nil {
		// The bundle is orphaned in the store; clean up best effort.
		_, _ = a.breaker.Execute(func() (interface{}, error) {
			return nil, a.store.Delete(ctx, ref)
		})
		return nil, err
	}

	pointer, err := a.eng.AddNode(ctx, "", &graph.ArchivePointerPayload{
		SessionID:  sessionID,
		BundleRef:  ref,
		ArchivedAt: bundle.ArchivedAt,
		NodeCount:  uint64(len(bundle.Nodes)),
		EdgeCount:  uint64(len(bundle.Edges)),
	}, nil)
	if err != nil {
		return nil, err
	}

	a.log.Info("session archived",
		zap.String("session", string(sessionID)),
		zap.String("bundle", ref),
		zap.Int("nodes", len(bundle.Nodes)),
		zap.Int("edges", len(bundle.Edges)))

	ev := events.New(events.SessionArchived)
	ev.NodeID = pointer.ID
	ev.SessionID = sessionID
	ev.Detail = map[string]string{"bundle": ref}
	a.publish(ev)

	return pointer, nil
}

// ArchiveIdleSessions archives every session whose last activity is older
// than olderThan. A session's last activity is the creation time of its
// newest member node, or its own creation time when it has none; sessions
// still flagged active are skipped. Returns the ids of the sessions
// archived.
func (a *Archiver) ArchiveIdleSessions(ctx context.Context, olderThan time.Duration) ([]graph.NodeID, error) {
	if olderThan <= 0 {
		return nil, &graph.ValidationError{Field: "olderThan", Reason: "must be positive"}
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	var sessions []*graph.Node
	if _, err := a.backend.ScanNodes(ctx, storage.ScanOptions{}, func(n *graph.Node) error {
		if n.Kind == graph.KindSession {
			sessions = append(sessions, n)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var archived []graph.NodeID
	for _, sess := range sessions {
		if sp, ok := sess.Payload.(*graph.SessionPayload); ok && sp.Active {
			continue
		}
		last, err := a.lastActivity(ctx, sess)
		if err != nil {
			return archived, err
		}
		if !last.Before(cutoff) {
			continue
		}
		if _, err := a.ArchiveSession(ctx, sess.ID); err != nil {
			return archived, err
		}
		archived = append(archived, sess.ID)
	}

	if len(archived) > 0 {
		a.log.Info("idle sweep archived sessions",
			zap.Int("count", len(archived)),
			zap.Duration("older_than", olderThan))
	}
	return archived, nil
}

func (a *Archiver) lastActivity(ctx context.Context, sess *graph.Node) (time.Time, error) {
	last := sess.CreatedAt
	for _, mid := range a.eng.Index().SessionMembers(sess.ID) {
		n, err := a.backend.GetNode(ctx, mid)
		if err != nil {
			return time.Time{}, err
		}
		if n.CreatedAt.After(last) {
			last = n.CreatedAt
		}
	}
	return last, nil
}

// RestoreSession loads a bundle back into primary storage and removes the
// pointer node. Edges whose far endpoint no longer exists, such as a
// handler agent deleted while the session was archived, are dropped with a
// log line rather than failing the restore.
func (a *Archiver) RestoreSession(ctx context.Context, pointerID graph.NodeID) (graph.NodeID, error) {
	ptr, err := a.backend.GetNode(ctx, pointerID)
	if err != nil {
		return "", err
	}
	ap, ok := ptr.Payload.(*graph.ArchivePointerPayload)
	if !ok {
		return "", &graph.ValidationError{Field: "pointerId",
			Reason: fmt.Sprintf("node %s is a %s, not an archive pointer", pointerID, ptr.Kind)}
	}

	raw, err := a.breaker.Execute(func() (interface{}, error) {
		return a.store.Get(ctx, ap.BundleRef)
	})
	if err != nil {
		return "", fmt.Errorf("archive: fetch bundle %s: %w", ap.BundleRef, err)
	}

	var bundle Bundle
	if err := json.Unmarshal(raw.([]byte), &bundle); err != nil {
		return "", fmt.Errorf("archive: decode bundle %s: %w", ap.BundleRef, err)
	}

	nodes := make([]*graph.Node, 0, len(bundle.Nodes))
	restored := map[graph.NodeID]struct{}{}
	for _, data := range bundle.Nodes {
		n, err := codec.DecodeNode(data)
		if err != nil {
			return "", fmt.Errorf("archive: bundle %s: %w", ap.BundleRef, err)
		}
		nodes = append(nodes, n)
		restored[n.ID] = struct{}{}
	}

	var edges []*graph.Edge
	for _, data := range bundle.Edges {
		e, err := codec.DecodeEdge(data)
		if err != nil {
			return "", fmt.Errorf("archive: bundle %s: %w", ap.BundleRef, err)
		}
		if err := a.endpointAlive(ctx, restored, e.From); err != nil {
			a.log.Warn("dropping edge on restore, endpoint missing",
				zap.String("edge", string(e.ID)), zap.String("node", string(e.From)))
			continue
		}
		if err := a.endpointAlive(ctx, restored, e.To); err != nil {
			a.log.Warn("dropping edge on restore, endpoint missing",
				zap.String("edge", string(e.ID)), zap.String("node", string(e.To)))
			continue
		}
		edges = append(edges, e)
	}

	ops := make([]storage.Op, 0, len(nodes)+len(edges)+1)
	for _, n := range nodes {
		ops = append(ops, storage.PutNodeOp(n))
	}
	for _, e := range edges {
		ops = append(ops, storage.PutEdgeOp(e))
	}
	ops = append(ops, storage.DeleteNodeOp(pointerID))

	if err := a.backend.Apply(ctx, ops); err != nil {
		return "", err
	}

	idx := a.eng.Index()
	for _, n := range nodes {
		idx.ApplyNodePut(n, true)
	}
	for _, e := range edges {
		idx.ApplyEdgePut(e)
	}
	idx.ApplyNodeDelete(ptr)

	_, _ = a.breaker.Execute(func() (interface{}, error) {
		return nil, a.store.Delete(ctx, ap.BundleRef)
	})

	a.log.Info("session restored",
		zap.String("session", string(bundle.SessionID)),
		zap.Int("nodes", len(nodes)),
		zap.Int("edges", len(edges)))

	ev := events.New(events.SessionRestored)
	ev.SessionID = bundle.SessionID
	a.publish(ev)

	return bundle.SessionID, nil
}

func (a *Archiver) endpointAlive(ctx context.Context, restored map[graph.NodeID]struct{}, id graph.NodeID) error {
	if _, ok := restored[id]; ok {
		return nil
	}
	_, err := a.backend.GetNode(ctx, id)
	return err
}
