// Package engramdb is the embedded entry point: it wires storage, indexes,
// schema management, the graph engine, queries, lineage, events, archival,
// and the template registry into one handle.
//
// Example:
//
//	cfg := config.Default()
//	cfg.Storage.DataDir = "./data"
//
//	db, err := engramdb.Open(engramdb.Options{Config: cfg})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	sess, err := db.Engine().AddNode(ctx, "",
//		&graph.SessionPayload{Name: "support-chat", Active: true}, nil)
package engramdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/orneryd/engramdb/pkg/archive"
	"github.com/orneryd/engramdb/pkg/config"
	"github.com/orneryd/engramdb/pkg/engine"
	"github.com/orneryd/engramdb/pkg/events"
	"github.com/orneryd/engramdb/pkg/graph"
	"github.com/orneryd/engramdb/pkg/index"
	"github.com/orneryd/engramdb/pkg/lineage"
	"github.com/orneryd/engramdb/pkg/metrics"
	"github.com/orneryd/engramdb/pkg/query"
	"github.com/orneryd/engramdb/pkg/registry"
	"github.com/orneryd/engramdb/pkg/schema"
	"github.com/orneryd/engramdb/pkg/storage"
)

// Options configures Open beyond the file-level config.
type Options struct {
	Config config.Config

	// Logger overrides the logger built from Config.Logging.
	Logger *zap.Logger

	// ArchiveStore overrides the default filesystem bundle store.
	ArchiveStore archive.Store

	// RegistryRemote connects the template registry to an external
	// service. Nil keeps resolution purely local.
	RegistryRemote registry.Remote

	// Metrics registers collectors against this registerer. Nil skips
	// Prometheus registration; collectors still update internally.
	Metrics prometheus.Registerer

	// Migrations are registered before the store is brought up to the
	// current schema version.
	Migrations []schema.Migration
}

// DB is an opened EngramDB instance.
type DB struct {
	cfg      config.Config
	snapPath string
	log      *zap.Logger
	backend  *storage.Backend
	idx      *index.Manager
	bus      *events.Bus
	met      *metrics.Metrics
	eng      *engine.Engine
	exec     *query.Executor
	lin      *lineage.Tracker
	arch     *archive.Archiver
	reg      *registry.Client
	sch      *schema.Manager
}

// Open validates the config, opens storage with WAL recovery, rebuilds the
// indexes, initializes or migrates the schema, and wires every component.
func Open(opts Options) (*DB, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		var err error
		log, err = NewLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
	}

	backend, err := storage.Open(storage.Options{
		Dir:         cfg.Storage.DataDir,
		SyncWrites:  cfg.Storage.SyncWrites,
		WALSyncMode: storage.SyncMode(cfg.Storage.WALSyncMode),
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()

	bus := events.NewBus(events.BusConfig{
		QueueSize:      cfg.Events.QueueSize,
		MaxRetries:     uint64(cfg.Events.MaxRetries),
		InitialBackoff: cfg.Events.InitialBackoff,
	}, log)

	fail := func(err error) (*DB, error) {
		bus.Close()
		_ = backend.Close()
		return nil, err
	}

	sch := schema.NewManager(backend, log)
	for _, mig := range opts.Migrations {
		if err := sch.Register(mig); err != nil {
			return fail(err)
		}
	}
	if err := sch.Initialize(ctx); err != nil {
		return fail(err)
	}
	before, err := sch.Current()
	if err != nil {
		return fail(err)
	}
	if err := sch.Apply(ctx, schema.CurrentVersion); err != nil {
		return fail(err)
	}
	after, err := sch.Current()
	if err != nil {
		return fail(err)
	}
	if before != after {
		ev := events.New(events.MigrationApplied)
		ev.Detail = map[string]string{"from": before.String(), "to": after.String()}
		bus.Publish(ev)
	}

	// A snapshot taken at the store's current sequence stands in for the
	// full rebuild scan; anything else means it is stale.
	snapPath := filepath.Join(cfg.Storage.DataDir, "index", "snapshot.json")
	idx := index.NewManager()
	rebuild := true
	if snap, serr := index.ReadSnapshotFile(snapPath); serr == nil {
		if snap.Sequence == backend.Stats().WAL.Sequence {
			idx.LoadSnapshot(snap)
			rebuild = false
			log.Debug("index snapshot loaded", zap.Uint64("sequence", snap.Sequence))
		}
	} else if !os.IsNotExist(serr) {
		log.Warn("index snapshot unreadable, rebuilding", zap.Error(serr))
	}
	if rebuild {
		if err := idx.RebuildAll(ctx, backend); err != nil {
			return fail(fmt.Errorf("engramdb: rebuild indexes: %w", err))
		}
	}

	met := metrics.New(backend, walSource{backend})
	if opts.Metrics != nil {
		if err := met.Register(opts.Metrics); err != nil {
			return fail(fmt.Errorf("engramdb: register metrics: %w", err))
		}
	}

	eng, err := engine.New(backend, idx, bus, met, log, engine.Config{
		MaxConcurrentWriters: cfg.Engine.MaxConcurrentWriters,
		AcquireTimeout:       cfg.Engine.AcquireTimeout,
	})
	if err != nil {
		return fail(err)
	}

	store := opts.ArchiveStore
	if store == nil {
		store, err = archive.NewFSStore(cfg.ArchiveDir())
		if err != nil {
			return fail(err)
		}
	}

	db := &DB{
		cfg:      cfg,
		snapPath: snapPath,
		log:      log,
		backend:  backend,
		idx:      idx,
		bus:      bus,
		met:      met,
		eng:      eng,
		exec:     query.NewExecutor(backend, idx, met, log),
		lin:      lineage.NewTracker(backend, idx, log),
		arch:     archive.New(eng, store, bus, log),
		reg: registry.New(eng, opts.RegistryRemote, registry.Config{
			CacheTTL: cfg.Registry.CacheTTL,
		}, log),
		sch: sch,
	}

	stats := backend.Stats()
	log.Info("engramdb open",
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Int64("nodes", stats.Nodes),
		zap.Int64("edges", stats.Edges))
	return db, nil
}

// Engine returns the mutation API.
func (db *DB) Engine() *engine.Engine { return db.eng }

// Query returns the query executor.
func (db *DB) Query() *query.Executor { return db.exec }

// Lineage returns the lineage tracker.
func (db *DB) Lineage() *lineage.Tracker { return db.lin }

// Archive returns the session archiver.
func (db *DB) Archive() *archive.Archiver { return db.arch }

// Registry returns the template registry client.
func (db *DB) Registry() *registry.Client { return db.reg }

// Events returns the change-event bus.
func (db *DB) Events() *events.Bus { return db.bus }

// Schema returns the schema migration manager.
func (db *DB) Schema() *schema.Manager { return db.sch }

// Stats returns storage-level counters.
func (db *DB) Stats() storage.Stats { return db.backend.Stats() }

// ArchiveIdleSessions sweeps sessions idle beyond the configured
// archive.max_idle_age. A zero age disables the sweep and archives nothing.
func (db *DB) ArchiveIdleSessions(ctx context.Context) ([]graph.NodeID, error) {
	if db.cfg.Archive.MaxIdleAge <= 0 {
		return nil, nil
	}
	return db.arch.ArchiveIdleSessions(ctx, db.cfg.Archive.MaxIdleAge)
}

// Verify scans every record and returns the corruption report alongside the
// healthy record counts.
func (db *DB) Verify(ctx context.Context) (*VerifyReport, error) {
	report := &VerifyReport{}
	nr, err := db.backend.ScanNodes(ctx, storage.ScanOptions{}, func(*graph.Node) error {
		report.Nodes++
		return nil
	})
	if err != nil {
		return nil, err
	}
	er, err := db.backend.ScanEdges(ctx, storage.ScanOptions{}, func(*graph.Edge) error {
		report.Edges++
		return nil
	})
	if err != nil {
		return nil, err
	}
	report.Corrupt = append(report.Corrupt, nr.Corrupt...)
	report.Corrupt = append(report.Corrupt, er.Corrupt...)
	return report, nil
}

// VerifyReport summarizes a full-store integrity scan.
type VerifyReport struct {
	Nodes   int
	Edges   int
	Corrupt []*graph.CorruptRecordError
}

// Close shuts the instance down: engine first so no new writes start, then
// event delivery, then an index snapshot for the next open, then storage.
func (db *DB) Close() error {
	db.eng.Close()
	db.bus.Close()

	snap := db.idx.Snapshot(db.backend.Stats().WAL.Sequence)
	if err := index.SaveSnapshotFile(db.snapPath, snap); err != nil {
		db.log.Warn("index snapshot not saved", zap.Error(err))
	}
	return db.backend.Close()
}

// NewLogger builds a zap logger from the logging config.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("engramdb: parse log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	log, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("engramdb: build logger: %w", err)
	}
	return log, nil
}

// walSource adapts backend stats to the metrics counter interface.
type walSource struct {
	backend *storage.Backend
}

func (w walSource) WALAppends() int64 {
	return w.backend.Stats().WAL.TotalAppends
}
