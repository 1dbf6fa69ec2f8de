package schema

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/engramdb/pkg/graph"
	"github.com/orneryd/engramdb/pkg/storage"
)

func openBackend(t *testing.T) *storage.Backend {
	t.Helper()
	b, err := storage.Open(storage.Options{Dir: t.TempDir(), WALSyncMode: storage.SyncNone})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func seedPrompts(t *testing.T, b *storage.Backend, n int) {
	t.Helper()
	ops := make([]storage.Op, 0, n)
	for i := 0; i < n; i++ {
		ops = append(ops, storage.PutNodeOp(&graph.Node{
			ID:        graph.NodeID(string(rune('a' + i))),
			Kind:      graph.KindPrompt,
			CreatedAt: time.Now().UTC(),
			Version:   1,
			Payload:   &graph.PromptPayload{Text: "prompt"},
		}))
	}
	require.NoError(t, b.Apply(context.Background(), ops))
}

// tagMigration stamps a metadata marker on prompt nodes. Idempotent by
// construction: already-tagged nodes pass through unchanged.
func tagMigration() Migration {
	tag := func(n *graph.Node) (*graph.Node, error) {
		if n.Metadata["fmt"] == "v2" {
			return n, nil
		}
		out := n.Clone()
		if out.Metadata == nil {
			out.Metadata = make(map[string]string)
		}
		out.Metadata["fmt"] = "v2"
		return out, nil
	}
	untag := func(n *graph.Node) (*graph.Node, error) {
		out := n.Clone()
		delete(out.Metadata, "fmt")
		if len(out.Metadata) == 0 {
			out.Metadata = nil
		}
		return out, nil
	}
	return Migration{
		Name:    "tag_prompt_format",
		From:    graph.SemVer{Major: 1},
		To:      graph.SemVer{Major: 1, Minor: 1},
		Kinds:   []graph.NodeKind{graph.KindPrompt},
		Forward: tag,
		Inverse: untag,
	}
}

func TestVersionMarker(t *testing.T) {
	ctx := context.Background()
	b := openBackend(t)
	m := NewManager(b, nil)

	t.Run("unstamped_store_reports_zero", func(t *testing.T) {
		v, err := m.Current()
		require.NoError(t, err)
		assert.Equal(t, graph.SemVer{}, v)
	})

	t.Run("initialize_stamps_once", func(t *testing.T) {
		require.NoError(t, m.Initialize(ctx))
		v, err := m.Current()
		require.NoError(t, err)
		assert.Equal(t, CurrentVersion, v)

		// Second Initialize is a no-op.
		require.NoError(t, m.Initialize(ctx))
	})
}

func TestApplyAndRollback(t *testing.T) {
	ctx := context.Background()
	b := openBackend(t)
	seedPrompts(t, b, 5)

	// One non-prompt node that the kind filter must skip.
	require.NoError(t, b.Apply(ctx, []storage.Op{storage.PutNodeOp(&graph.Node{
		ID: "sess", Kind: graph.KindSession, CreatedAt: time.Now().UTC(), Version: 1,
		Payload: &graph.SessionPayload{Name: "s", Active: true},
	})}))

	m := NewManager(b, nil)
	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Register(tagMigration()))

	t.Run("forward_rewrites_matching_kinds", func(t *testing.T) {
		require.NoError(t, m.Apply(ctx, graph.SemVer{Major: 1, Minor: 1}))

		v, err := m.Current()
		require.NoError(t, err)
		assert.Equal(t, graph.SemVer{Major: 1, Minor: 1}, v)

		n, err := b.GetNode(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "v2", n.Metadata["fmt"])

		sess, err := b.GetNode(ctx, "sess")
		require.NoError(t, err)
		assert.Empty(t, sess.Metadata)
	})

	t.Run("reapply_is_a_noop", func(t *testing.T) {
		require.NoError(t, m.Apply(ctx, graph.SemVer{Major: 1, Minor: 1}))
	})

	t.Run("rollback_restores", func(t *testing.T) {
		require.NoError(t, m.Rollback(ctx, graph.SemVer{Major: 1}))

		v, err := m.Current()
		require.NoError(t, err)
		assert.Equal(t, graph.SemVer{Major: 1}, v)

		n, err := b.GetNode(ctx, "a")
		require.NoError(t, err)
		assert.Empty(t, n.Metadata)
	})
}

func TestApplyErrors(t *testing.T) {
	ctx := context.Background()
	b := openBackend(t)
	m := NewManager(b, nil)
	require.NoError(t, m.Initialize(ctx))

	t.Run("missing_chain", func(t *testing.T) {
		err := m.Apply(ctx, graph.SemVer{Major: 2})
		var me *graph.MigrationError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, "plan", me.Stage)
	})

	t.Run("register_rejects_nil_forward", func(t *testing.T) {
		err := m.Register(Migration{Name: "bad", From: graph.SemVer{Major: 1}, To: graph.SemVer{Major: 2}})
		assert.Error(t, err)
	})

	t.Run("register_rejects_non_advancing_versions", func(t *testing.T) {
		err := m.Register(Migration{
			Name: "bad", From: graph.SemVer{Major: 2}, To: graph.SemVer{Major: 1},
			Forward: func(n *graph.Node) (*graph.Node, error) { return n, nil },
		})
		assert.Error(t, err)
	})

	t.Run("rollback_refuses_one_way_migration", func(t *testing.T) {
		mig := tagMigration()
		mig.Inverse = nil
		m2 := NewManager(b, nil)
		require.NoError(t, m2.Initialize(ctx))
		require.NoError(t, m2.Register(mig))
		require.NoError(t, m2.Apply(ctx, mig.To))

		err := m2.Rollback(ctx, mig.From)
		var me *graph.MigrationError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, "plan", me.Stage)
	})
}

// A crash between rewrite batches leaves the version marker at the old value;
// rerunning the migration finishes the job without corrupting already
// rewritten records.
func TestCrashMidMigrationIsResumable(t *testing.T) {
	ctx := context.Background()
	b := openBackend(t)
	seedPrompts(t, b, 5)

	m := NewManager(b, nil)
	require.NoError(t, m.Initialize(ctx))

	// Simulate the interrupted run by rewriting a subset by hand, the way a
	// crash after the first batch but before the marker would leave things.
	n, err := b.GetNode(ctx, "a")
	require.NoError(t, err)
	half := n.Clone()
	half.Metadata = map[string]string{"fmt": "v2"}
	require.NoError(t, b.Apply(ctx, []storage.Op{storage.PutNodeOp(half)}))

	v, err := m.Current()
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, v)

	require.NoError(t, m.Register(tagMigration()))
	require.NoError(t, m.Apply(ctx, graph.SemVer{Major: 1, Minor: 1}))

	for _, id := range []graph.NodeID{"a", "b", "c", "d", "e"} {
		got, err := b.GetNode(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "v2", got.Metadata["fmt"], "node %s", id)
	}
}
