// Write-ahead logging for the storage backend.
//
// Every mutation batch is appended to the WAL before it is applied to the
// record store. Recovery replays entries whose sequence number is beyond the
// last durably applied batch, so a crash between the WAL append and the
// store commit loses nothing. A batch whose store commit failed is fenced
// with an abort marker and skipped on replay.
package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// WAL errors.
var (
	ErrWALClosed    = errors.New("wal: closed")
	ErrWALCorrupted = errors.New("wal: corrupted entry")
)

// SyncMode controls when WAL writes reach disk.
type SyncMode string

const (
	// SyncImmediate fsyncs after every append. Safest, slowest.
	SyncImmediate SyncMode = "immediate"
	// SyncBatch fsyncs on a timer. The window between appends and the next
	// sync is the maximum data loss on power failure.
	SyncBatch SyncMode = "batch"
	// SyncNone never fsyncs explicitly. Testing only.
	SyncNone SyncMode = "none"
)

const (
	entryBatch = "batch"
	entryAbort = "abort"
	entryMark  = "checkpoint"
)

// walRecord is one mutation inside a batch entry. Key and Value are the
// already-encoded storage key and record bytes; delete entries carry no
// value.
type walRecord struct {
	Key    []byte `json:"k"`
	Value  []byte `json:"v,omitempty"`
	Delete bool   `json:"d,omitempty"`
}

// walEntry is a single append. Checksum covers the marshalled Records.
type walEntry struct {
	Sequence  uint64      `json:"seq"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"ts"`
	Records   []walRecord `json:"recs,omitempty"`
	Checksum  uint32      `json:"checksum"`
}

func checksumRecords(recs []walRecord) uint32 {
	if len(recs) == 0 {
		return 0
	}
	data, _ := json.Marshal(recs)
	return crc32.ChecksumIEEE(data)
}

// WALConfig configures WAL behavior.
type WALConfig struct {
	Dir               string
	SyncMode          SyncMode
	BatchSyncInterval time.Duration
}

// DefaultWALConfig returns sensible defaults.
func DefaultWALConfig() WALConfig {
	return WALConfig{
		SyncMode:          SyncBatch,
		BatchSyncInterval: 100 * time.Millisecond,
	}
}

// WAL is the append-only write-ahead log. A single append point serializes
// concurrent writers; committed reads never touch it.
type WAL struct {
	mu      sync.Mutex
	config  WALConfig
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder

	sequence atomic.Uint64
	closed   atomic.Bool

	syncTicker *time.Ticker
	stopSync   chan struct{}

	totalAppends atomic.Int64
	totalSyncs   atomic.Int64
}

// WALStats provides observability into WAL state.
type WALStats struct {
	Sequence     uint64
	TotalAppends int64
	TotalSyncs   int64
	Closed       bool
}

// OpenWAL opens or creates the log at cfg.Dir/wal.log and restores the
// sequence counter from the existing tail.
func OpenWAL(cfg WALConfig) (*WAL, error) {
	if cfg.SyncMode == "" {
		cfg.SyncMode = SyncBatch
	}
	if cfg.BatchSyncInterval <= 0 {
		cfg.BatchSyncInterval = 100 * time.Millisecond
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	path := filepath.Join(cfg.Dir, "wal.log")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open: %w", err)
	}

	w := &WAL{
		config:   cfg,
		file:     file,
		writer:   bufio.NewWriterSize(file, 64*1024),
		stopSync: make(chan struct{}),
	}
	w.encoder = json.NewEncoder(w.writer)

	if seq, err := lastSequence(path); err == nil {
		w.sequence.Store(seq)
	}

	if cfg.SyncMode == SyncBatch {
		w.syncTicker = time.NewTicker(cfg.BatchSyncInterval)
		go w.batchSyncLoop()
	}

	return w, nil
}

func lastSequence(path string) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	var last uint64
	dec := json.NewDecoder(file)
	for {
		var entry walEntry
		if err := dec.Decode(&entry); err != nil {
			break
		}
		if entry.Sequence > last {
			last = entry.Sequence
		}
	}
	return last, nil
}

func (w *WAL) batchSyncLoop() {
	for {
		select {
		case <-w.syncTicker.C:
			_ = w.Sync()
		case <-w.stopSync:
			return
		}
	}
}

// AppendBatch logs a mutation batch and returns its sequence number.
// In immediate mode the entry is durable when AppendBatch returns.
func (w *WAL) AppendBatch(recs []walRecord) (uint64, error) {
	if w.closed.Load() {
		return 0, ErrWALClosed
	}
	seq := w.sequence.Add(1)
	entry := walEntry{
		Sequence:  seq,
		Type:      entryBatch,
		Timestamp: time.Now().UTC(),
		Records:   recs,
		Checksum:  checksumRecords(recs),
	}
	if err := w.append(entry); err != nil {
		return 0, err
	}
	return seq, nil
}

// Abort fences a previously appended batch whose store commit failed.
// Replay skips fenced sequences.
func (w *WAL) Abort(seq uint64) error {
	return w.append(walEntry{
		Sequence:  seq,
		Type:      entryAbort,
		Timestamp: time.Now().UTC(),
	})
}

// Checkpoint writes a marker entry. Markers carry no mutations; they bound
// how far back replay ever needs to look after a store-level snapshot.
func (w *WAL) Checkpoint() error {
	return w.append(walEntry{
		Sequence:  w.sequence.Load(),
		Type:      entryMark,
		Timestamp: time.Now().UTC(),
	})
}

func (w *WAL) append(entry walEntry) error {
	if w.closed.Load() {
		return ErrWALClosed
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.encoder.Encode(&entry); err != nil {
		return fmt.Errorf("wal: write entry: %w", err)
	}
	w.totalAppends.Add(1)

	if w.config.SyncMode == SyncImmediate {
		return w.syncLocked()
	}
	return nil
}

// Sync flushes buffered entries to disk.
func (w *WAL) Sync() error {
	if w.closed.Load() {
		return ErrWALClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if w.config.SyncMode != SyncNone {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: fsync: %w", err)
		}
	}
	w.totalSyncs.Add(1)
	return nil
}

// Truncate discards all entries, keeping the sequence counter. Called after
// replay confirms every logged batch is durable in the record store.
func (w *WAL) Truncate() error {
	if w.closed.Load() {
		return ErrWALClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush before truncate: %w", err)
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	w.writer.Reset(w.file)
	w.encoder = json.NewEncoder(w.writer)
	return nil
}

// Sequence returns the current sequence number.
func (w *WAL) Sequence() uint64 { return w.sequence.Load() }

// Stats returns current WAL statistics.
func (w *WAL) Stats() WALStats {
	return WALStats{
		Sequence:     w.sequence.Load(),
		TotalAppends: w.totalAppends.Load(),
		TotalSyncs:   w.totalSyncs.Load(),
		Closed:       w.closed.Load(),
	}
}

// Close flushes pending entries and closes the log.
func (w *WAL) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	if w.syncTicker != nil {
		w.syncTicker.Stop()
		close(w.stopSync)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if w.config.SyncMode != SyncNone {
		_ = w.file.Sync()
	}
	return w.file.Close()
}

// replayEntry is a validated batch ready for re-application.
type replayEntry struct {
	Sequence uint64
	Records  []walRecord
}

// readForReplay reads batch entries after afterSeq, dropping aborted
// sequences and entries that fail their checksum. Set strict to fail on the
// first corrupt entry instead.
func readForReplay(dir string, afterSeq uint64, strict bool) ([]replayEntry, error) {
	path := filepath.Join(dir, "wal.log")
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: open for replay: %w", err)
	}
	defer file.Close()

	aborted := make(map[uint64]struct{})
	var batches []replayEntry

	dec := json.NewDecoder(file)
	for {
		var entry walEntry
		if err := dec.Decode(&entry); err != nil {
			if err == io.EOF {
				break
			}
			// A torn tail write is expected after a crash. Anything past
			// it is unreadable either way.
			if strict {
				return nil, fmt.Errorf("%w: %v", ErrWALCorrupted, err)
			}
			break
		}

		switch entry.Type {
		case entryAbort:
			aborted[entry.Sequence] = struct{}{}
		case entryBatch:
			if entry.Sequence <= afterSeq {
				continue
			}
			if checksumRecords(entry.Records) != entry.Checksum {
				if strict {
					return nil, fmt.Errorf("%w: checksum mismatch at seq %d", ErrWALCorrupted, entry.Sequence)
				}
				continue
			}
			batches = append(batches, replayEntry{Sequence: entry.Sequence, Records: entry.Records})
		case entryMark:
			// marker only
		}
	}

	if len(aborted) == 0 {
		return batches, nil
	}
	kept := batches[:0]
	for _, b := range batches {
		if _, ok := aborted[b.Sequence]; !ok {
			kept = append(kept, b)
		}
	}
	return kept, nil
}
