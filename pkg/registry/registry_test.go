package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/engramdb/pkg/engine"
	"github.com/orneryd/engramdb/pkg/graph"
	"github.com/orneryd/engramdb/pkg/index"
	"github.com/orneryd/engramdb/pkg/storage"
)

type fakeRemote struct {
	mu        sync.Mutex
	records   map[string]*Record
	fetches   atomic.Int64
	published []*Record
	fail      bool
}

func (f *fakeRemote) Fetch(ctx context.Context, name string) (*Record, error) {
	f.fetches.Add(1)
	if f.fail {
		return nil, errors.New("registry unreachable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[name]
	if !ok {
		return nil, errors.New("no such template")
	}
	return rec, nil
}

func (f *fakeRemote) Publish(ctx context.Context, rec *Record) error {
	if f.fail {
		return errors.New("registry unreachable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, rec)
	return nil
}

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

func TestResolve(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	remote := &fakeRemote{records: map[string]*Record{
		"greeting": {
			Name: "greeting", Version: graph.SemVer{Major: 2}, Text: "Hi {name}",
			Variables: []graph.VariableSpec{{Name: "name", Required: true}},
		},
	}}
	c := New(e, remote, Config{}, nil)

	t.Run("local_template_wins_without_remote_call", func(t *testing.T) {
		local, err := e.AddNode(ctx, "", &graph.TemplatePayload{
			Name: "local-only", Version: graph.SemVer{Major: 1}, Text: "body",
		}, nil)
		require.NoError(t, err)

		got, err := c.Resolve(ctx, "local-only")
		require.NoError(t, err)
		assert.Equal(t, local.ID, got.ID)
		assert.Zero(t, remote.fetches.Load())
	})

	t.Run("miss_materializes_from_remote", func(t *testing.T) {
		got, err := c.Resolve(ctx, "greeting")
		require.NoError(t, err)

		tp := got.Payload.(*graph.TemplatePayload)
		assert.Equal(t, "Hi {name}", tp.Text)
		assert.Equal(t, graph.SemVer{Major: 2}, tp.Version)
		assert.Equal(t, "registry", got.Metadata["origin"])

		// Now local; a second resolve must not refetch.
		before := remote.fetches.Load()
		again, err := c.Resolve(ctx, "greeting")
		require.NoError(t, err)
		assert.Equal(t, got.ID, again.ID)
		assert.Equal(t, before, remote.fetches.Load())
	})

	t.Run("unknown_name_without_remote", func(t *testing.T) {
		localOnly := New(e, nil, Config{}, nil)
		_, err := localOnly.Resolve(ctx, "nowhere")
		var nf *graph.NotFoundError
		assert.ErrorAs(t, err, &nf)
	})

	t.Run("remote_failure_surfaces", func(t *testing.T) {
		remote.fail = true
		_, err := c.Resolve(ctx, "missing-elsewhere")
		assert.Error(t, err)
		remote.fail = false
	})
}

func TestConcurrentResolveCollapses(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	remote := &fakeRemote{records: map[string]*Record{
		"shared": {Name: "shared", Version: graph.SemVer{Major: 1}, Text: "x"},
	}}
	c := New(e, remote, Config{}, nil)

	const callers = 8
	var wg sync.WaitGroup
	ids := make(chan graph.NodeID, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := c.Resolve(ctx, "shared")
			if err != nil {
				errs <- err
				return
			}
			ids <- n.ID
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	var unique = map[graph.NodeID]struct{}{}
	for id := range ids {
		unique[id] = struct{}{}
	}
	// Everyone ends up with the same local node.
	assert.Len(t, unique, 1)
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	remote := &fakeRemote{records: map[string]*Record{}}
	c := New(e, remote, Config{CacheTTL: time.Minute}, nil)

	tpl, err := e.AddNode(ctx, "", &graph.TemplatePayload{
		Name: "outbound", Version: graph.SemVer{Major: 1, Minor: 2}, Text: "body",
	}, nil)
	require.NoError(t, err)

	t.Run("pushes_record", func(t *testing.T) {
		require.NoError(t, c.Publish(ctx, tpl.ID))
		require.Len(t, remote.published, 1)
		assert.Equal(t, "outbound", remote.published[0].Name)
		assert.Equal(t, graph.SemVer{Major: 1, Minor: 2}, remote.published[0].Version)
	})

	t.Run("non_template_rejected", func(t *testing.T) {
		agent, err := e.AddNode(ctx, "", &graph.AgentPayload{
			Name: "a", Role: "r", Status: graph.AgentIdle,
		}, nil)
		require.NoError(t, err)

		err = c.Publish(ctx, agent.ID)
		var ve *graph.ValidationError
		assert.ErrorAs(t, err, &ve)
	})

	t.Run("no_remote_configured", func(t *testing.T) {
		localOnly := New(e, nil, Config{}, nil)
		assert.Error(t, localOnly.Publish(ctx, tpl.ID))
	})
}
