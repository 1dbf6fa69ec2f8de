package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/engramdb/pkg/engine"
	"github.com/orneryd/engramdb/pkg/graph"
	"github.com/orneryd/engramdb/pkg/index"
	"github.com/orneryd/engramdb/pkg/storage"
)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	backend, err := storage.Open(storage.Options{Dir: t.TempDir(), WALSyncMode: storage.SyncNone})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	e, err := engine.New(backend, index.NewManager(), nil, nil, nil, engine.Config{})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

// seedSession builds a small session: prompt, response, a handler agent
// outside the session, and the connecting edges.
func seedSession(t *testing.T, e *engine.Engine) (sess, prompt, resp, agent graph.NodeID) {
	t.Helper()
	ctx := context.Background()

	s, err := e.AddNode(ctx, "", &graph.SessionPayload{Name: "work", Active: true}, nil)
	require.NoError(t, err)
	p, err := e.AddNode(ctx, s.ID, &graph.PromptPayload{Text: "question"}, nil)
	require.NoError(t, err)
	r, err := e.AddNode(ctx, s.ID, &graph.ResponsePayload{Text: "answer", PromptID: p.ID}, nil)
	require.NoError(t, err)
	a, err := e.AddNode(ctx, "", &graph.AgentPayload{Name: "handler", Role: "worker", Status: graph.AgentIdle}, nil)
	require.NoError(t, err)

	_, err = e.AddEdge(ctx, graph.RespondsTo, r.ID, p.ID, nil)
	require.NoError(t, err)
	_, err = e.AddEdge(ctx, graph.HandledBy, p.ID, a.ID, nil)
	require.NoError(t, err)

	return s.ID, p.ID, r.ID, a.ID
}

func TestArchiveAndRestore(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	sess, prompt, resp, agent := seedSession(t, e)

	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	arch := New(e, store, nil, nil)

	pointer, err := arch.ArchiveSession(ctx, sess)
	require.NoError(t, err)

	t.Run("live_records_replaced_by_pointer", func(t *testing.T) {
		for _, id := range []graph.NodeID{sess, prompt, resp} {
			_, err := e.GetNode(ctx, id)
			var nf *graph.NotFoundError
			assert.ErrorAs(t, err, &nf)
		}
		// The agent lives outside the session and stays.
		_, err := e.GetNode(ctx, agent)
		require.NoError(t, err)

		ap := pointer.Payload.(*graph.ArchivePointerPayload)
		assert.Equal(t, sess, ap.SessionID)
		assert.Equal(t, uint64(3), ap.NodeCount)
		assert.Equal(t, uint64(2), ap.EdgeCount)
	})

	t.Run("restore_brings_everything_back", func(t *testing.T) {
		restoredID, err := arch.RestoreSession(ctx, pointer.ID)
		require.NoError(t, err)
		assert.Equal(t, sess, restoredID)

		for _, id := range []graph.NodeID{sess, prompt, resp} {
			_, err := e.GetNode(ctx, id)
			require.NoError(t, err)
		}

		// The prompt-to-agent edge crossed the session boundary and returns
		// with it.
		handled := e.Index().HandledBy(agent)
		assert.Equal(t, []graph.NodeID{prompt}, handled)

		_, err = e.GetNode(ctx, pointer.ID)
		var nf *graph.NotFoundError
		assert.ErrorAs(t, err, &nf)
	})
}

func TestRestoreDropsEdgesToMissingEndpoints(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	sess, prompt, _, agent := seedSession(t, e)

	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	arch := New(e, store, nil, nil)

	pointer, err := arch.ArchiveSession(ctx, sess)
	require.NoError(t, err)

	// The handler agent disappears while the session sits in the archive.
	require.NoError(t, e.DeleteNode(ctx, agent))

	_, err = arch.RestoreSession(ctx, pointer.ID)
	require.NoError(t, err)

	_, err = e.GetNode(ctx, prompt)
	require.NoError(t, err)
	edges, err := e.GetEdges(ctx, prompt, graph.Both, graph.HandledBy)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestArchiveStoreFailureLeavesSessionIntact(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	sess, prompt, _, _ := seedSession(t, e)

	arch := New(e, failingStore{}, nil, nil)

	_, err := arch.ArchiveSession(ctx, sess)
	require.Error(t, err)

	// Nothing was deleted.
	_, err = e.GetNode(ctx, sess)
	require.NoError(t, err)
	_, err = e.GetNode(ctx, prompt)
	require.NoError(t, err)
}

func TestArchiveRejectsNonSession(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	_, prompt, _, _ := seedSession(t, e)

	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	arch := New(e, store, nil, nil)

	_, err = arch.ArchiveSession(ctx, prompt)
	var ve *graph.ValidationError
	assert.ErrorAs(t, err, &ve)
}

type failingStore struct{}

func (failingStore) Put(context.Context, string, []byte) error { return errors.New("store down") }
func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("store down")
}
func (failingStore) Delete(context.Context, string) error { return errors.New("store down") }

func TestFSStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	t.Run("round_trip", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "ref-1", []byte("payload")))
		got, err := store.Get(ctx, "ref-1")
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), got)

		require.NoError(t, store.Delete(ctx, "ref-1"))
		_, err = store.Get(ctx, "ref-1")
		assert.Error(t, err)
	})

	t.Run("rejects_path_traversal_refs", func(t *testing.T) {
		err := store.Put(ctx, "../evil", []byte("x"))
		assert.Error(t, err)
	})

	t.Run("delete_missing_is_fine", func(t *testing.T) {
		assert.NoError(t, store.Delete(ctx, "never-existed"))
	})
}

func TestArchiveIdleSessions(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	arch := New(e, store, nil, nil)

	idle, err := e.AddNode(ctx, "", &graph.SessionPayload{Name: "stale", Active: false}, nil)
	require.NoError(t, err)
	_, err = e.AddNode(ctx, idle.ID, &graph.PromptPayload{Text: "old question"}, nil)
	require.NoError(t, err)
	active, err := e.AddNode(ctx, "", &graph.SessionPayload{Name: "busy", Active: true}, nil)
	require.NoError(t, err)

	t.Run("recent_sessions_survive", func(t *testing.T) {
		archived, err := arch.ArchiveIdleSessions(ctx, time.Hour)
		require.NoError(t, err)
		assert.Empty(t, archived)
	})

	t.Run("idle_session_archived_active_skipped", func(t *testing.T) {
		time.Sleep(5 * time.Millisecond)
		archived, err := arch.ArchiveIdleSessions(ctx, time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, []graph.NodeID{idle.ID}, archived)

		_, err = e.GetNode(ctx, idle.ID)
		var nf *graph.NotFoundError
		assert.ErrorAs(t, err, &nf)
		_, err = e.GetNode(ctx, active.ID)
		assert.NoError(t, err)
	})

	t.Run("nonpositive_age_rejected", func(t *testing.T) {
		_, err := arch.ArchiveIdleSessions(ctx, 0)
		var ve *graph.ValidationError
		assert.ErrorAs(t, err, &ve)
	})
}
