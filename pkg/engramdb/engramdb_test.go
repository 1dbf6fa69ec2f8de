package engramdb

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/engramdb/pkg/config"
	"github.com/orneryd/engramdb/pkg/events"
	"github.com/orneryd/engramdb/pkg/graph"
	"github.com/orneryd/engramdb/pkg/query"
)

func testConfig(dir string) config.Config {
	cfg := config.Default()
	cfg.Storage.DataDir = dir
	cfg.Storage.WALSyncMode = "none"
	cfg.Logging.Level = "error"
	return cfg
}

func openDB(t *testing.T, dir string) *DB {
	t.Helper()
	db, err := Open(Options{Config: testConfig(dir)})
	require.NoError(t, err)
	return db
}

// A full conversation lifecycle through the facade: session, templated
// prompt, response with tool calls, agent routing, queries and lineage over
// the result.
func TestConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, t.TempDir())
	defer db.Close()

	eng := db.Engine()

	sess, err := eng.AddNode(ctx, "", &graph.SessionPayload{Name: "support", Active: true}, nil)
	require.NoError(t, err)

	tpl, err := eng.AddNode(ctx, "", &graph.TemplatePayload{
		Name: "triage", Version: graph.SemVer{Major: 1}, Text: "Classify: {issue}",
		Variables: []graph.VariableSpec{{Name: "issue", Required: true}},
	}, nil)
	require.NoError(t, err)

	prompt, err := eng.Instantiate(ctx, tpl.ID, sess.ID, map[string]string{"issue": "login broken"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Classify: login broken", prompt.Payload.(*graph.PromptPayload).Text)

	resp, err := eng.AddNode(ctx, sess.ID, &graph.ResponsePayload{
		Text: "Looks like an auth issue", PromptID: prompt.ID,
		TokenUsage: graph.TokenUsage{Prompt: 12, Completion: 8, Total: 20},
	}, nil)
	require.NoError(t, err)
	_, err = eng.AddEdge(ctx, graph.RespondsTo, resp.ID, prompt.ID, nil)
	require.NoError(t, err)

	tool, err := eng.AddNode(ctx, sess.ID, &graph.ToolInvocationPayload{
		ResponseID: resp.ID, ToolName: "auth_check", Result: "expired token",
		DurationMs: 42, Success: true,
	}, nil)
	require.NoError(t, err)
	_, err = eng.AddEdge(ctx, graph.Invokes, resp.ID, tool.ID, nil)
	require.NoError(t, err)

	agent, err := eng.AddNode(ctx, "", &graph.AgentPayload{
		Name: "triager", Role: "classifier", Status: graph.AgentIdle,
	}, nil)
	require.NoError(t, err)
	_, err = eng.AddEdge(ctx, graph.HandledBy, prompt.ID, agent.ID, nil)
	require.NoError(t, err)

	t.Run("session_listing_in_order", func(t *testing.T) {
		got, err := db.Query().Run(ctx, query.Spec{SessionID: sess.ID})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, prompt.ID, got[0].ID)
		assert.Equal(t, resp.ID, got[1].ID)
		assert.Equal(t, tool.ID, got[2].ID)
	})

	t.Run("lineage_links_everything", func(t *testing.T) {
		prompts, err := db.Lineage().TemplatePrompts(ctx, tpl.ID)
		require.NoError(t, err)
		assert.Equal(t, []graph.NodeID{prompt.ID}, prompts)

		invs, err := db.Lineage().ResponseInvocations(ctx, resp.ID)
		require.NoError(t, err)
		require.Len(t, invs, 1)
		assert.Equal(t, tool.ID, invs[0].Node.ID)
		assert.Equal(t, 1, invs[0].Order)

		chain, err := db.Lineage().PromptAncestry(ctx, prompt.ID, 0)
		require.NoError(t, err)
		assert.Equal(t, []graph.NodeID{tpl.ID}, chain)
	})

	t.Run("aggregates", func(t *testing.T) {
		avg, n, err := db.Query().Average(ctx,
			query.Spec{Kinds: []graph.NodeKind{graph.KindResponse}}, query.TokenTotal)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.InDelta(t, 20.0, avg, 1e-9)
	})

	t.Run("usage_count_bumped", func(t *testing.T) {
		got, err := eng.GetNode(ctx, tpl.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), got.Payload.(*graph.TemplatePayload).UsageCount)
	})
}

// Closing and reopening must preserve records, resume the sequence counter,
// and rebuild indexes to the same answers.
func TestReopenConsistency(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db := openDB(t, dir)
	sess, err := db.Engine().AddNode(ctx, "", &graph.SessionPayload{Name: "s", Active: true}, nil)
	require.NoError(t, err)
	p1, err := db.Engine().AddNode(ctx, sess.ID, &graph.PromptPayload{Text: "first"}, nil)
	require.NoError(t, err)
	p2, err := db.Engine().AddNode(ctx, sess.ID, &graph.PromptPayload{Text: "second"}, nil)
	require.NoError(t, err)
	_, err = db.Engine().AddEdge(ctx, graph.Follows, p2.ID, p1.ID, nil)
	require.NoError(t, err)

	membersBefore := db.Engine().Index().SessionMembers(sess.ID)
	require.NoError(t, db.Close())

	db2 := openDB(t, dir)
	defer db2.Close()

	assert.Equal(t, membersBefore, db2.Engine().Index().SessionMembers(sess.ID))

	got, err := db2.Engine().GetNode(ctx, p2.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Payload.(*graph.PromptPayload).Text)

	p3, err := db2.Engine().AddNode(ctx, sess.ID, &graph.PromptPayload{Text: "third"}, nil)
	require.NoError(t, err)
	assert.Greater(t, p3.Seq, p2.Seq)

	edges, err := db2.Engine().GetEdges(ctx, p2.ID, graph.Outgoing, graph.Follows)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, p1.ID, edges[0].To)
}

func TestEventsFlowThroughFacade(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, t.TempDir())
	defer db.Close()

	var created atomic.Int64
	db.Events().Subscribe(func(ctx context.Context, ev events.Event) error {
		created.Add(1)
		return nil
	}, events.NodeCreated)

	_, err := db.Engine().AddNode(ctx, "", &graph.SessionPayload{Name: "s", Active: true}, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for created.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int64(1), created.Load())
}

func TestDomainEventsEmitted(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, t.TempDir())
	defer db.Close()

	var lifecycle atomic.Int64
	db.Events().Subscribe(func(ctx context.Context, ev events.Event) error {
		lifecycle.Add(1)
		return nil
	}, events.PromptSubmitted, events.ResponseGenerated, events.ToolInvoked)

	sess, err := db.Engine().AddNode(ctx, "", &graph.SessionPayload{Name: "s", Active: true}, nil)
	require.NoError(t, err)
	p, err := db.Engine().AddNode(ctx, sess.ID, &graph.PromptPayload{Text: "q"}, nil)
	require.NoError(t, err)
	r, err := db.Engine().AddNode(ctx, sess.ID, &graph.ResponsePayload{
		Text: "a", PromptID: p.ID,
		TokenUsage: graph.TokenUsage{Prompt: 1, Completion: 1, Total: 2},
	}, nil)
	require.NoError(t, err)
	_, err = db.Engine().AddNode(ctx, sess.ID, &graph.ToolInvocationPayload{
		ResponseID: r.ID, ToolName: "grep", Result: "ok", Success: true,
	}, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for lifecycle.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int64(3), lifecycle.Load())
}

func TestArchiveThroughFacade(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, t.TempDir())
	defer db.Close()

	sess, err := db.Engine().AddNode(ctx, "", &graph.SessionPayload{Name: "done", Active: false}, nil)
	require.NoError(t, err)
	p, err := db.Engine().AddNode(ctx, sess.ID, &graph.PromptPayload{Text: "old"}, nil)
	require.NoError(t, err)

	pointer, err := db.Archive().ArchiveSession(ctx, sess.ID)
	require.NoError(t, err)

	_, err = db.Engine().GetNode(ctx, p.ID)
	var nf *graph.NotFoundError
	require.ErrorAs(t, err, &nf)

	restored, err := db.Archive().RestoreSession(ctx, pointer.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, restored)

	got, err := db.Engine().GetNode(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "old", got.Payload.(*graph.PromptPayload).Text)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Storage.WALSyncMode = "sometimes"
	_, err := Open(Options{Config: cfg})
	assert.Error(t, err)
}
