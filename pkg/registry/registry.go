// Package registry synchronizes templates with an external template
// registry.
//
// Resolution prefers the local store. On a miss the remote registry is
// consulted through a circuit breaker, with singleflight collapsing
// concurrent fetches of the same name, and the fetched template is
// materialized as a local template node. Remote records are also cached
// for a TTL so a flapping remote does not get hammered.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/orneryd/engramdb/pkg/engine"
	"github.com/orneryd/engramdb/pkg/graph"
)

// Record is a template as the external registry represents it.
type Record struct {
	Name      string               `json:"name"`
	Version   graph.SemVer         `json:"version"`
	Text      string               `json:"text"`
	Variables []graph.VariableSpec `json:"variables,omitempty"`
}

// Remote is the external registry transport.
type Remote interface {
	Fetch(ctx context.Context, name string) (*Record, error)
	Publish(ctx context.Context, rec *Record) error
}

// Config tunes the client.
type Config struct {
	// CacheTTL bounds how long a fetched record is served from cache.
	// Default 5m.
	CacheTTL time.Duration
}

type cached struct {
	rec     *Record
	expires time.Time
}

// Client resolves and publishes templates.
type Client struct {
	eng     *engine.Engine
	remote  Remote
	breaker *gobreaker.CircuitBreaker
	flight  singleflight.Group
	log     *zap.Logger
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]cached
}

// New builds a registry client. remote may be nil for a purely local
// deployment; Resolve then only consults the local store.
func New(eng *engine.Engine, remote Remote, cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Client{
		eng:    eng,
		remote: remote,
		log:    log,
		ttl:    ttl,
		cache:  make(map[string]cached),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "template-registry",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Resolve returns the local template node for a name, fetching and
// materializing it from the remote registry on a local miss.
func (c *Client) Resolve(ctx context.Context, name string) (*graph.Node, error) {
	if id, ok := c.eng.Index().TemplateByName(name); ok {
		return c.eng.GetNode(ctx, id)
	}
	if c.remote == nil {
		return nil, &graph.NotFoundError{Kind: "template", ID: name}
	}

	rec, err := c.fetch(ctx, name)
	if err != nil {
		return nil, err
	}

	node, err := c.eng.AddNode(ctx, "", &graph.TemplatePayload{
		Name:      rec.Name,
		Version:   rec.Version,
		Text:      rec.Text,
		Variables: rec.Variables,
	}, map[string]string{"origin": "registry"})
	if err != nil {
		// A concurrent Resolve may have materialized it first.
		var dup *graph.DuplicateError
		if errors.As(err, &dup) {
			return c.eng.GetNode(ctx, graph.NodeID(dup.ID))
		}
		return nil, err
	}

	c.log.Info("template materialized from registry",
		zap.String("name", name),
		zap.String("version", rec.Version.String()))
	return node, nil
}

// fetch pulls a record through the cache, singleflight, and breaker.
func (c *Client) fetch(ctx context.Context, name string) (*Record, error) {
	c.mu.Lock()
	if entry, ok := c.cache[name]; ok && time.Now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.rec, nil
	}
	c.mu.Unlock()

	v, err, _ := c.flight.Do(name, func() (interface{}, error) {
		out, err := c.breaker.Execute(func() (interface{}, error) {
			return c.remote.Fetch(ctx, name)
		})
		if err != nil {
			return nil, err
		}
		rec := out.(*Record)
		c.mu.Lock()
		c.cache[name] = cached{rec: rec, expires: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("registry: fetch %q: %w", name, err)
	}
	return v.(*Record), nil
}

// Publish pushes a local template to the remote registry.
func (c *Client) Publish(ctx context.Context, templateID graph.NodeID) error {
	if c.remote == nil {
		return &graph.ValidationError{Field: "remote", Reason: "no remote registry configured"}
	}
	n, err := c.eng.GetNode(ctx, templateID)
	if err != nil {
		return err
	}
	tp, ok := n.Payload.(*graph.TemplatePayload)
	if !ok {
		return &graph.ValidationError{Field: "templateId",
			Reason: fmt.Sprintf("node %s is a %s, not a template", templateID, n.Kind)}
	}

	rec := &Record{
		Name:      tp.Name,
		Version:   tp.Version,
		Text:      tp.Text,
		Variables: tp.Variables,
	}
	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.remote.Publish(ctx, rec)
	})
	if err != nil {
		return fmt.Errorf("registry: publish %q: %w", tp.Name, err)
	}

	c.mu.Lock()
	c.cache[tp.Name] = cached{rec: rec, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

// Invalidate drops a name from the cache.
func (c *Client) Invalidate(name string) {
	c.mu.Lock()
	delete(c.cache, name)
	c.mu.Unlock()
}
