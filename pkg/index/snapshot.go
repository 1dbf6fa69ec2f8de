package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/orneryd/engramdb/pkg/graph"
)

const snapshotFormat = 1

// Snapshot is a serializable image of the index state, tagged with the WAL
// sequence it was taken at. Loading a snapshot whose sequence matches the
// store's current sequence skips the full rebuild scan on open.
type Snapshot struct {
	Format   int        `json:"format"`
	Sequence uint64     `json:"sequence"`
	SavedAt  time.Time  `json:"savedAt"`
	Nodes    []snapNode `json:"nodes"`
	Edges    []snapEdge `json:"edges"`
}

// snapNode carries the fields the indexes key on, nothing more. Name is set
// only for templates.
type snapNode struct {
	ID      graph.NodeID `json:"id"`
	Session graph.NodeID `json:"session,omitempty"`
	Name    string       `json:"name,omitempty"`
	At      int64        `json:"at"`
	Seq     uint64       `json:"seq"`
}

type snapEdge struct {
	ID   graph.EdgeID   `json:"id"`
	Type graph.EdgeType `json:"type"`
	From graph.NodeID   `json:"from"`
	To   graph.NodeID   `json:"to"`
	At   int64          `json:"at"`
	Seq  uint64         `json:"seq"`
}

// Snapshot captures the current index state under the read locks.
func (m *Manager) Snapshot(seq uint64) *Snapshot {
	m.session.mu.RLock()
	m.time.mu.RLock()
	m.agent.mu.RLock()
	m.template.mu.RLock()
	m.adjacency.mu.RLock()
	defer m.session.mu.RUnlock()
	defer m.time.mu.RUnlock()
	defer m.agent.mu.RUnlock()
	defer m.template.mu.RUnlock()
	defer m.adjacency.mu.RUnlock()

	sessionOf := make(map[graph.NodeID]graph.NodeID)
	for sid, refs := range m.session.members {
		for _, r := range refs {
			sessionOf[r.ID] = sid
		}
	}
	nameOf := make(map[graph.NodeID]string, len(m.template.byName))
	for name, id := range m.template.byName {
		nameOf[id] = name
	}

	nodes := make([]snapNode, 0, len(m.time.refs))
	for _, r := range m.time.refs {
		nodes = append(nodes, snapNode{
			ID: r.ID, Session: sessionOf[r.ID], Name: nameOf[r.ID],
			At: r.At, Seq: r.Seq,
		})
	}

	var edges []snapEdge
	for from, refs := range m.adjacency.out {
		for _, r := range refs {
			edges = append(edges, snapEdge{
				ID: r.EdgeID, Type: r.Type, From: from, To: r.Other,
				At: r.At, Seq: r.Seq,
			})
		}
	}

	return &Snapshot{
		Format:   snapshotFormat,
		Sequence: seq,
		SavedAt:  time.Now().UTC(),
		Nodes:    nodes,
		Edges:    edges,
	}
}

// LoadSnapshot replaces the index state with the snapshot's contents.
func (m *Manager) LoadSnapshot(s *Snapshot) {
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
	for _, n := range s.Nodes {
		ref := nodeRef{ID: n.ID, At: n.At, Seq: n.Seq}
		if n.Session != "" {
			m.session.members[n.Session] = insertRef(m.session.members[n.Session], ref)
		}
		m.time.refs = insertRef(m.time.refs, ref)
		m.time.byID[n.ID] = ref
		if n.Name != "" {
			m.template.byName[n.Name] = n.ID
		}
	}
	for _, e := range s.Edges {
		m.applyEdgePutLocked(&graph.Edge{
			ID: e.ID, Type: e.Type, From: e.From, To: e.To,
			CreatedAt: time.UnixMicro(e.At).UTC(), Seq: e.Seq,
		})
	}
	for id, ts := range m.agent.transfers {
		sort.Slice(ts, func(i, j int) bool {
			if ts[i].At != ts[j].At {
				return ts[i].At < ts[j].At
			}
			return ts[i].Seq < ts[j].Seq
		})
		m.agent.transfers[id] = ts
	}
}

// SaveSnapshotFile writes the snapshot atomically (temp file plus rename).
func SaveSnapshotFile(path string, s *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("index: snapshot dir: %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("index: encode snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("index: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("index: rename snapshot: %w", err)
	}
	return nil
}

// ReadSnapshotFile loads a snapshot from disk. A missing file returns
// os.ErrNotExist via the underlying read.
func ReadSnapshotFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("index: decode snapshot: %w", err)
	}
	if s.Format != snapshotFormat {
		return nil, fmt.Errorf("index: unsupported snapshot format %d", s.Format)
	}
	return &s, nil
}
