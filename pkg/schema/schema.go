// Package schema versions the on-disk record format and runs migrations
// between versions.
//
// The current schema version is a semantic version triple stored in the
// store's meta space. A migration rewrites records in batches and advances
// the version marker only after every batch has committed, so a crash mid-
// migration leaves the marker at the old version and a restart simply runs
// the migration again. Migration functions must therefore be idempotent:
// re-applying one to an already-migrated record has to produce the same
// record.
package schema

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/orneryd/engramdb/pkg/graph"
	"github.com/orneryd/engramdb/pkg/storage"
)

// MetaVersionKey is the meta key holding the schema version marker.
const MetaVersionKey = "schema_version"

// CurrentVersion is the schema version this build reads and writes natively.
var CurrentVersion = graph.SemVer{Major: 1, Minor: 0, Patch: 0}

// rewriteBatchSize bounds how many rewritten records go into one commit.
const rewriteBatchSize = 128

// Migration transforms records from one schema version to the next.
// Forward must be idempotent. Inverse may be nil for one-way migrations.
type Migration struct {
	Name string
	From graph.SemVer
	To   graph.SemVer

	// Kinds limits which node kinds the migration touches. Empty means all.
	Kinds []graph.NodeKind

	Forward func(*graph.Node) (*graph.Node, error)
	Inverse func(*graph.Node) (*graph.Node, error)
}

func (m Migration) applies(kind graph.NodeKind) bool {
	if len(m.Kinds) == 0 {
		return true
	}
	for _, k := range m.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Manager runs registered migrations against a backend.
type Manager struct {
	backend    *storage.Backend
	log        *zap.Logger
	migrations []Migration
}

// NewManager returns a migration manager. A nil logger disables logging.
func NewManager(backend *storage.Backend, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{backend: backend, log: log}
}

// Register adds a migration. Registration order does not matter; the version
// chain is resolved at Apply time.
func (m *Manager) Register(mig Migration) error {
	if mig.Forward == nil {
		return &graph.MigrationError{Name: mig.Name, Stage: "register", Reason: "nil forward function"}
	}
	if !mig.From.Less(mig.To) {
		return &graph.MigrationError{Name: mig.Name, Stage: "register",
			Reason: fmt.Sprintf("version must advance: %s -> %s", mig.From, mig.To)}
	}
	m.migrations = append(m.migrations, mig)
	return nil
}

// Current reads the stored schema version. A store written before version
// markers existed reports 0.0.0.
func (m *Manager) Current() (graph.SemVer, error) {
	raw, err := m.backend.GetMeta(MetaVersionKey)
	if err != nil {
		return graph.SemVer{}, err
	}
	if raw == nil {
		return graph.SemVer{}, nil
	}
	return graph.ParseSemVer(string(raw))
}

// Initialize stamps a fresh store with the current version. A store that
// already carries a marker is left alone.
func (m *Manager) Initialize(ctx context.Context) error {
	raw, err := m.backend.GetMeta(MetaVersionKey)
	if err != nil {
		return err
	}
	if raw != nil {
		return nil
	}
	return m.backend.Apply(ctx, []storage.Op{
		storage.PutMetaOp(MetaVersionKey, []byte(CurrentVersion.String())),
	})
}

// Apply migrates the store from its current version up to target, running
// each registered migration on the chain in order.
func (m *Manager) Apply(ctx context.Context, target graph.SemVer) error {
	cur, err := m.Current()
	if err != nil {
		return err
	}

	for cur.Less(target) {
		mig, ok := m.next(cur)
		if !ok {
			return &graph.MigrationError{Stage: "plan",
				Reason: fmt.Sprintf("no migration from %s toward %s", cur, target)}
		}
		if target.Less(mig.To) {
			return &graph.MigrationError{Name: mig.Name, Stage: "plan",
				Reason: fmt.Sprintf("migration overshoots target %s", target)}
		}

		m.log.Info("applying schema migration",
			zap.String("name", mig.Name),
			zap.String("from", mig.From.String()),
			zap.String("to", mig.To.String()))

		if err := m.run(ctx, mig, mig.Forward, mig.To); err != nil {
			return err
		}
		cur = mig.To
	}
	return nil
}

// Rollback migrates the store back down to target using Inverse functions.
// A one-way migration on the chain fails the rollback before any rewrite.
func (m *Manager) Rollback(ctx context.Context, target graph.SemVer) error {
	cur, err := m.Current()
	if err != nil {
		return err
	}

	var chain []Migration
	for target.Less(cur) {
		mig, ok := m.prev(cur)
		if !ok {
			return &graph.MigrationError{Stage: "plan",
				Reason: fmt.Sprintf("no migration back from %s toward %s", cur, target)}
		}
		if mig.Inverse == nil {
			return &graph.MigrationError{Name: mig.Name, Stage: "plan",
				Reason: "migration is one-way"}
		}
		chain = append(chain, mig)
		cur = mig.From
	}

	for _, mig := range chain {
		m.log.Info("rolling back schema migration",
			zap.String("name", mig.Name),
			zap.String("to", mig.From.String()))
		if err := m.run(ctx, mig, mig.Inverse, mig.From); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) next(from graph.SemVer) (Migration, bool) {
	for _, mig := range m.migrations {
		if mig.From.Compare(from) == 0 {
			return mig, true
		}
	}
	return Migration{}, false
}

func (m *Manager) prev(to graph.SemVer) (Migration, bool) {
	for _, mig := range m.migrations {
		if mig.To.Compare(to) == 0 {
			return mig, true
		}
	}
	return Migration{}, false
}

// run rewrites matching nodes in batches, then advances the version marker
// in a final batch of its own. The marker moves last on purpose.
func (m *Manager) run(ctx context.Context, mig Migration, fn func(*graph.Node) (*graph.Node, error), stamp graph.SemVer) error {
	var (
		batch     []storage.Op
		rewritten int
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := m.backend.Apply(ctx, batch); err != nil {
			return &graph.MigrationError{Name: mig.Name, Stage: "rewrite",
				Reason: "batch commit failed", Cause: err}
		}
		rewritten += len(batch)
		batch = batch[:0]
		return nil
	}

	_, err := m.backend.ScanNodes(ctx, storage.ScanOptions{FailFast: true}, func(n *graph.Node) error {
		if !mig.applies(n.Kind) {
			return nil
		}
		out, err := fn(n)
		if err != nil {
			return &graph.MigrationError{Name: mig.Name, Stage: "rewrite",
				Reason: fmt.Sprintf("node %s", n.ID), Cause: err}
		}
		if out == nil {
			batch = append(batch, storage.DeleteNodeOp(n.ID))
		} else {
			batch = append(batch, storage.PutNodeOp(out))
		}
		if len(batch) >= rewriteBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		var me *graph.MigrationError
		if !errors.As(err, &me) {
			err = &graph.MigrationError{Name: mig.Name, Stage: "scan", Reason: "node scan failed", Cause: err}
		}
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	if err := m.backend.Apply(ctx, []storage.Op{
		storage.PutMetaOp(MetaVersionKey, []byte(stamp.String())),
	}); err != nil {
		return &graph.MigrationError{Name: mig.Name, Stage: "stamp",
			Reason: "version marker write failed", Cause: err}
	}

	m.log.Info("schema migration complete",
		zap.String("name", mig.Name),
		zap.Int("rewritten", rewritten),
		zap.String("version", stamp.String()))
	return nil
}
