// Package storage provides durable, crash-recoverable persistence for
// EngramDB node and edge records.
//
// The backend pairs BadgerDB (the record store) with a separate write-ahead
// log. Every mutation batch is WAL-appended before the Badger commit; the
// sequence number of the last applied batch is stored inside the same Badger
// transaction, so recovery knows exactly which WAL entries to replay.
//
// Guarantees:
//   - Batches are all-or-nothing. An I/O failure mid-batch aborts the whole
//     batch and fences its WAL entry.
//   - A record that fails checksum or structural decoding surfaces as
//     *graph.CorruptRecordError, never as wrong data.
//   - Reads run on Badger snapshots and never block writers.
//
// Example:
//
//	backend, err := storage.Open(storage.Options{Dir: "./data"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer backend.Close()
//
//	err = backend.Apply(ctx, []storage.Op{storage.PutNodeOp(node)})
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/orneryd/engramdb/pkg/codec"
	"github.com/orneryd/engramdb/pkg/graph"
)

// Single-byte key prefixes organizing the Badger keyspace.
const (
	prefixMeta = byte(0x00) // meta:name -> raw bytes
	prefixNode = byte(0x01) // node:nodeID -> codec record
	prefixEdge = byte(0x02) // edge:edgeID -> codec record
)

// metaAppliedSeq tracks the WAL sequence of the last committed batch.
const metaAppliedSeq = "applied_seq"

// ErrStopIteration stops a scan early without error.
var ErrStopIteration = errors.New("storage: iteration stopped")

// Options configures the backend.
type Options struct {
	// Dir is the root data directory. Records live under Dir/records,
	// the WAL under Dir/wal.
	Dir string

	// InMemory runs Badger without disk persistence and disables the WAL.
	// Testing only.
	InMemory bool

	// SyncWrites forces Badger to fsync every commit. The WAL already
	// provides durability, so this defaults off.
	SyncWrites bool

	// WALSyncMode controls WAL fsync behavior. Defaults to SyncBatch.
	WALSyncMode SyncMode

	// Logger receives backend and Badger internal logging. Defaults to
	// zap.NewNop().
	Logger *zap.Logger
}

// Backend is the durable record store.
type Backend struct {
	db  *badger.DB
	wal *WAL
	log *zap.Logger

	nodeCount atomic.Int64
	edgeCount atomic.Int64
	closed    atomic.Bool
}

// Open opens the backend, replaying any WAL entries the record store has not
// yet absorbed. After a clean replay the WAL is truncated.
func Open(opts Options) (*Backend, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	badgerOpts := badger.DefaultOptions(filepath.Join(opts.Dir, "records")).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(badgerLogger{log.Named("badger").Sugar()}).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true).
			WithLogger(badgerLogger{log.Named("badger").Sugar()})
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger: %w", err)
	}

	b := &Backend{db: db, log: log}

	if !opts.InMemory {
		walCfg := DefaultWALConfig()
		walCfg.Dir = filepath.Join(opts.Dir, "wal")
		if opts.WALSyncMode != "" {
			walCfg.SyncMode = opts.WALSyncMode
		}

		if err := b.recover(walCfg.Dir); err != nil {
			_ = db.Close()
			return nil, err
		}

		wal, err := OpenWAL(walCfg)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		b.wal = wal

		// Everything in the log is now durable in the record store.
		if err := wal.Truncate(); err != nil {
			log.Warn("wal truncate after recovery failed", zap.Error(err))
		}
	}

	if err := b.countRecords(); err != nil {
		_ = b.Close()
		return nil, err
	}

	return b, nil
}

// recover replays WAL batches committed to the log but not to the store.
// Replay is idempotent: re-applying an already-applied batch writes the same
// bytes.
func (b *Backend) recover(walDir string) error {
	applied, err := b.appliedSeq()
	if err != nil {
		return err
	}

	entries, err := readForReplay(walDir, applied, false)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	b.log.Info("replaying write-ahead log",
		zap.Uint64("applied_seq", applied),
		zap.Int("batches", len(entries)))

	for _, entry := range entries {
		err := b.db.Update(func(txn *badger.Txn) error {
			for _, rec := range entry.Records {
				if rec.Delete {
					if err := txn.Delete(rec.Key); err != nil {
						return err
					}
					continue
				}
				if err := txn.Set(rec.Key, rec.Value); err != nil {
					return err
				}
			}
			return txn.Set(metaKey(metaAppliedSeq), encodeSeq(entry.Sequence))
		})
		if err != nil {
			return fmt.Errorf("storage: replay batch %d: %w", entry.Sequence, err)
		}
	}
	return nil
}

func (b *Backend) appliedSeq() (uint64, error) {
	var seq uint64
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(metaAppliedSeq))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			seq = decodeSeq(val)
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("storage: read applied sequence: %w", err)
	}
	return seq, nil
}

func (b *Backend) countRecords() error {
	var nodes, edges int64
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			switch it.Item().Key()[0] {
			case prefixNode:
				nodes++
			case prefixEdge:
				edges++
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: count records: %w", err)
	}
	b.nodeCount.Store(nodes)
	b.edgeCount.Store(edges)
	return nil
}

// ============================================================================
// Batch operations
// ============================================================================

// OpKind discriminates batch operations.
type OpKind uint8

const (
	OpPutNode OpKind = iota + 1
	OpDeleteNode
	OpPutEdge
	OpDeleteEdge
	OpPutMeta
)

// Op is one mutation within an atomic batch.
type Op struct {
	Kind      OpKind
	Node      *graph.Node
	Edge      *graph.Edge
	NodeID    graph.NodeID
	EdgeID    graph.EdgeID
	MetaKey   string
	MetaValue []byte
}

// PutNodeOp builds a node upsert operation.
func PutNodeOp(n *graph.Node) Op { return Op{Kind: OpPutNode, Node: n} }

// DeleteNodeOp builds a node delete operation.
func DeleteNodeOp(id graph.NodeID) Op { return Op{Kind: OpDeleteNode, NodeID: id} }

// PutEdgeOp builds an edge upsert operation.
func PutEdgeOp(e *graph.Edge) Op { return Op{Kind: OpPutEdge, Edge: e} }

// DeleteEdgeOp builds an edge delete operation.
func DeleteEdgeOp(id graph.EdgeID) Op { return Op{Kind: OpDeleteEdge, EdgeID: id} }

// PutMetaOp builds a raw meta write (schema version marker and friends).
func PutMetaOp(key string, value []byte) Op {
	return Op{Kind: OpPutMeta, MetaKey: key, MetaValue: value}
}

// Apply durably applies a batch: encode, WAL-append, then commit to the
// record store in a single Badger transaction. All-or-nothing; a failed
// commit fences the WAL entry so recovery will not resurrect the batch.
func (b *Backend) Apply(ctx context.Context, ops []Op) error {
	if b.closed.Load() {
		return graph.ErrClosed
	}
	if len(ops) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Encode everything up front so validation failures surface before the
	// WAL sees the batch.
	recs := make([]walRecord, 0, len(ops))
	for _, op := range ops {
		rec, err := encodeOp(op)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}

	var seq uint64
	if b.wal != nil {
		var err error
		seq, err = b.wal.AppendBatch(recs)
		if err != nil {
			return fmt.Errorf("storage: wal append: %w", err)
		}
	}

	var nodeDelta, edgeDelta int64
	err := b.db.Update(func(txn *badger.Txn) error {
		nodeDelta, edgeDelta = 0, 0
		for _, rec := range recs {
			delta := int64(0)
			_, getErr := txn.Get(rec.Key)
			exists := getErr == nil

			if rec.Delete {
				if exists {
					delta = -1
				}
				if err := txn.Delete(rec.Key); err != nil {
					return err
				}
			} else {
				if !exists {
					delta = 1
				}
				if err := txn.Set(rec.Key, rec.Value); err != nil {
					return err
				}
			}
			switch rec.Key[0] {
			case prefixNode:
				nodeDelta += delta
			case prefixEdge:
				edgeDelta += delta
			}
		}
		if b.wal != nil {
			return txn.Set(metaKey(metaAppliedSeq), encodeSeq(seq))
		}
		return nil
	})
	if err != nil {
		if b.wal != nil {
			if abortErr := b.wal.Abort(seq); abortErr != nil {
				b.log.Error("failed to fence aborted batch",
					zap.Uint64("seq", seq), zap.Error(abortErr))
			}
		}
		return fmt.Errorf("storage: commit batch: %w", err)
	}

	b.nodeCount.Add(nodeDelta)
	b.edgeCount.Add(edgeDelta)
	return nil
}

func encodeOp(op Op) (walRecord, error) {
	switch op.Kind {
	case OpPutNode:
		data, err := codec.EncodeNode(op.Node)
		if err != nil {
			return walRecord{}, err
		}
		return walRecord{Key: nodeKey(op.Node.ID), Value: data}, nil
	case OpDeleteNode:
		return walRecord{Key: nodeKey(op.NodeID), Delete: true}, nil
	case OpPutEdge:
		data, err := codec.EncodeEdge(op.Edge)
		if err != nil {
			return walRecord{}, err
		}
		return walRecord{Key: edgeKey(op.Edge.ID), Value: data}, nil
	case OpDeleteEdge:
		return walRecord{Key: edgeKey(op.EdgeID), Delete: true}, nil
	case OpPutMeta:
		return walRecord{Key: metaKey(op.MetaKey), Value: op.MetaValue}, nil
	}
	return walRecord{}, fmt.Errorf("storage: unknown op kind %d", op.Kind)
}

// ============================================================================
// Point reads
// ============================================================================

// GetNode loads one node. Returns *graph.NotFoundError when absent and
// *graph.CorruptRecordError when the stored bytes fail decoding.
func (b *Backend) GetNode(ctx context.Context, id graph.NodeID) (*graph.Node, error) {
	if b.closed.Load() {
		return nil, graph.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var node *graph.Node
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		node, err = getNodeTxn(txn, id)
		return err
	})
	return node, err
}

// GetEdge loads one edge.
func (b *Backend) GetEdge(ctx context.Context, id graph.EdgeID) (*graph.Edge, error) {
	if b.closed.Load() {
		return nil, graph.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var edge *graph.Edge
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		edge, err = getEdgeTxn(txn, id)
		return err
	})
	return edge, err
}

// GetMeta reads a raw meta value; missing keys return (nil, nil).
func (b *Backend) GetMeta(key string) ([]byte, error) {
	if b.closed.Load() {
		return nil, graph.ErrClosed
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func getNodeTxn(txn *badger.Txn, id graph.NodeID) (*graph.Node, error) {
	item, err := txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, graph.NewNodeNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get node: %w", err)
	}
	var node *graph.Node
	err = item.Value(func(val []byte) error {
		var decErr error
		node, decErr = codec.DecodeNode(val)
		return decErr
	})
	if err != nil {
		return nil, tagCorrupt(err, string(id))
	}
	return node, nil
}

func getEdgeTxn(txn *badger.Txn, id graph.EdgeID) (*graph.Edge, error) {
	item, err := txn.Get(edgeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, graph.NewEdgeNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get edge: %w", err)
	}
	var edge *graph.Edge
	err = item.Value(func(val []byte) error {
		var decErr error
		edge, decErr = codec.DecodeEdge(val)
		return decErr
	})
	if err != nil {
		return nil, tagCorrupt(err, string(id))
	}
	return edge, nil
}

// tagCorrupt fills the record key into a codec corruption error.
func tagCorrupt(err error, key string) error {
	var ce *graph.CorruptRecordError
	if errors.As(err, &ce) {
		return &graph.CorruptRecordError{Key: key, Reason: ce.Reason}
	}
	return err
}

// ============================================================================
// Scans
// ============================================================================

// ScanReport collects per-record corruption found during a scan. With
// fail-fast disabled (the default) a corrupt record is reported here and the
// scan continues.
type ScanReport struct {
	Corrupt []*graph.CorruptRecordError
}

// ScanOptions tunes scan behavior.
type ScanOptions struct {
	// FailFast aborts the scan on the first corrupt record instead of
	// collecting it in the report.
	FailFast bool
}

// ScanNodes streams every node through fn in key order. fn returning
// ErrStopIteration ends the scan cleanly. The iteration runs on a single
// Badger snapshot and checks ctx between records.
func (b *Backend) ScanNodes(ctx context.Context, opts ScanOptions, fn func(*graph.Node) error) (*ScanReport, error) {
	report := &ScanReport{}
	err := b.scan(ctx, []byte{prefixNode}, opts, report, func(key, val []byte) error {
		node, err := codec.DecodeNode(val)
		if err != nil {
			return tagCorrupt(err, string(key[1:]))
		}
		return fn(node)
	})
	return report, err
}

// ScanEdges streams every edge through fn in key order.
func (b *Backend) ScanEdges(ctx context.Context, opts ScanOptions, fn func(*graph.Edge) error) (*ScanReport, error) {
	report := &ScanReport{}
	err := b.scan(ctx, []byte{prefixEdge}, opts, report, func(key, val []byte) error {
		edge, err := codec.DecodeEdge(val)
		if err != nil {
			return tagCorrupt(err, string(key[1:]))
		}
		return fn(edge)
	})
	return report, err
}

func (b *Backend) scan(ctx context.Context, prefix []byte, opts ScanOptions, report *ScanReport, fn func(key, val []byte) error) error {
	if b.closed.Load() {
		return graph.ErrClosed
	}
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   100,
			Prefix:         prefix,
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			err := item.Value(func(val []byte) error {
				return fn(item.Key(), val)
			})
			if err != nil {
				if errors.Is(err, ErrStopIteration) {
					return nil
				}
				var ce *graph.CorruptRecordError
				if errors.As(err, &ce) && !opts.FailFast {
					report.Corrupt = append(report.Corrupt, ce)
					continue
				}
				return err
			}
		}
		return nil
	})
}

// ============================================================================
// Snapshot views
// ============================================================================

// View is a pinned read snapshot. Reads through a View observe the store as
// of NewView and are invisible to writes that commit afterwards.
type View struct {
	txn *badger.Txn
}

// NewView pins a consistent read snapshot. Callers must Close it.
func (b *Backend) NewView() *View {
	return &View{txn: b.db.NewTransaction(false)}
}

// GetNode reads a node from the snapshot.
func (v *View) GetNode(id graph.NodeID) (*graph.Node, error) {
	return getNodeTxn(v.txn, id)
}

// GetEdge reads an edge from the snapshot.
func (v *View) GetEdge(id graph.EdgeID) (*graph.Edge, error) {
	return getEdgeTxn(v.txn, id)
}

// Close releases the snapshot.
func (v *View) Close() {
	v.txn.Discard()
}

// ============================================================================
// Stats and lifecycle
// ============================================================================

// Stats is a point-in-time backend summary.
type Stats struct {
	Nodes int64
	Edges int64
	WAL   WALStats
}

// Stats returns current record counts and WAL state.
func (b *Backend) Stats() Stats {
	s := Stats{
		Nodes: b.nodeCount.Load(),
		Edges: b.edgeCount.Load(),
	}
	if b.wal != nil {
		s.WAL = b.wal.Stats()
	}
	return s
}

// NodeCount returns the live node record count.
func (b *Backend) NodeCount() int64 { return b.nodeCount.Load() }

// EdgeCount returns the live edge record count.
func (b *Backend) EdgeCount() int64 { return b.edgeCount.Load() }

// Close flushes the WAL and closes the record store.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	if b.wal != nil {
		if err := b.wal.Close(); err != nil {
			b.log.Warn("wal close failed", zap.Error(err))
		}
	}
	return b.db.Close()
}

// ============================================================================
// Keys
// ============================================================================

func nodeKey(id graph.NodeID) []byte {
	return append([]byte{prefixNode}, id...)
}

func edgeKey(id graph.EdgeID) []byte {
	return append([]byte{prefixEdge}, id...)
}

func metaKey(name string) []byte {
	return append([]byte{prefixMeta}, name...)
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(seq)
		seq >>= 8
	}
	return buf
}

func decodeSeq(buf []byte) uint64 {
	var seq uint64
	for _, b := range buf {
		seq = seq<<8 | uint64(b)
	}
	return seq
}

// badgerLogger adapts zap to Badger's logger interface.
type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.log.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.log.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.log.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.log.Debugf(format, args...) }
