package storage

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/coocood/badger"
	"github.com/pingcap-incubator/tinytx/snapshot"
	"github.com/pingcap-incubator/tinytx/txlog"
	"github.com/pingcap-incubator/tinytx/util/codec"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Keys are memcomparable so that badger iterates generations and log entries in order:
//  snapshot: EncodeBytes("snapshot") | ts
//  log entry: EncodeBytes("txlog") | ts | seq
var (
	snapshotKeyPrefix = codec.EncodeBytes(nil, []byte("snapshot"))
	logKeyPrefix      = codec.EncodeBytes(nil, []byte("txlog"))
)

const maxBatchEntries = 1024

func snapshotKey(ts int64) []byte {
	return codec.EncodeUint64(append([]byte{}, snapshotKeyPrefix...), uint64(ts))
}

func logPrefix(ts int64) []byte {
	return codec.EncodeUint64(append([]byte{}, logKeyPrefix...), uint64(ts))
}

func logEntryKey(ts int64, seq uint64) []byte {
	return codec.EncodeUint64(logPrefix(ts), seq)
}

// decodeTimestamp returns the timestamp following prefix in key.
func decodeTimestamp(key, prefix []byte) (int64, error) {
	_, ts, err := codec.DecodeUint64(key[len(prefix):])
	return int64(ts), err
}

// BadgerStorage keeps snapshots and logs in a badger database.
type BadgerStorage struct {
	dir    string
	codecs *CodecProvider
	db     *badger.DB
}

func NewBadgerStorage(dir string, codecs *CodecProvider) *BadgerStorage {
	return &BadgerStorage{dir: dir, codecs: codecs}
}

func (s *BadgerStorage) Location() string { return s.dir }

func (s *BadgerStorage) Start() error {
	opts := badger.DefaultOptions
	opts.Dir = s.dir
	opts.ValueDir = s.dir
	opts.SyncWrites = true
	db, err := badger.Open(opts)
	if err != nil {
		return errors.Annotatef(err, "open badger state storage %s", s.dir)
	}
	s.db = db
	log.Info("badger state storage started", zap.String("dir", s.dir))
	return nil
}

func (s *BadgerStorage) Stop() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return errors.WithStack(err)
}

func (s *BadgerStorage) WriteSnapshot(snap *snapshot.Snapshot) error {
	start := time.Now()
	data, err := s.codecs.Encode(snap)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(snap.Timestamp()), data)
	})
	if err != nil {
		storageErrorCounter.WithLabelValues("write_snapshot").Inc()
		return errors.Annotatef(err, "write snapshot %d", snap.Timestamp())
	}
	snapshotWriteDuration.WithLabelValues("badger").Observe(time.Since(start).Seconds())
	snapshotSizeGauge.WithLabelValues("badger").Set(float64(len(data)))
	log.Info("snapshot written", zap.String("dir", s.dir), zap.Stringer("snapshot", snap),
		zap.Int("size", len(data)), zap.Duration("takes", time.Since(start)))
	return nil
}

func (s *BadgerStorage) LatestSnapshot() (*snapshot.Snapshot, error) {
	timestamps, err := s.ListSnapshots()
	if err != nil || len(timestamps) == 0 {
		return nil, err
	}
	return s.ReadSnapshot(timestamps[0])
}

func (s *BadgerStorage) ReadSnapshot(ts int64) (*snapshot.Snapshot, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(ts))
		if err != nil {
			return err
		}
		val, err := item.Value()
		if err != nil {
			return err
		}
		data = append([]byte{}, val...)
		return nil
	})
	if err == badger.ErrKeyNotFound {
		return nil, errors.Annotatef(ErrSnapshotNotFound, "timestamp %d", ts)
	}
	if err != nil {
		storageErrorCounter.WithLabelValues("read_snapshot").Inc()
		return nil, errors.WithStack(err)
	}
	snap, err := s.codecs.Decode(data)
	if err != nil {
		return nil, errors.Annotatef(err, "snapshot %d", ts)
	}
	return snap, nil
}

// scanKeys calls fn with every key starting with prefix, in order, until fn returns false.
func (s *BadgerStorage) scanKeys(prefix []byte, fn func(key []byte) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.Valid(); it.Next() {
			key := it.Item().Key()
			if !bytes.HasPrefix(key, prefix) || !fn(key) {
				return nil
			}
		}
		return nil
	})
}

func (s *BadgerStorage) ListSnapshots() ([]int64, error) {
	var timestamps []int64
	var decodeErr error
	err := s.scanKeys(snapshotKeyPrefix, func(key []byte) bool {
		ts, err := decodeTimestamp(key, snapshotKeyPrefix)
		if err != nil {
			decodeErr = err
			return false
		}
		timestamps = append(timestamps, ts)
		return true
	})
	if err == nil {
		err = decodeErr
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	reverse(timestamps)
	return timestamps, nil
}

func (s *BadgerStorage) deleteKeys(keys [][]byte) error {
	for len(keys) > 0 {
		n := len(keys)
		if n > maxBatchEntries {
			n = maxBatchEntries
		}
		batch := keys[:n]
		keys = keys[n:]
		err := s.db.Update(func(txn *badger.Txn) error {
			for _, key := range batch {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			storageErrorCounter.WithLabelValues("delete").Inc()
			return errors.WithStack(err)
		}
	}
	return nil
}

func (s *BadgerStorage) DeleteOldSnapshots(retain int) (int64, error) {
	timestamps, err := s.ListSnapshots()
	if err != nil || len(timestamps) == 0 {
		return 0, err
	}
	if retain < 1 {
		retain = 1
	}
	if len(timestamps) <= retain {
		return timestamps[len(timestamps)-1], nil
	}
	keys := make([][]byte, 0, len(timestamps)-retain)
	for _, ts := range timestamps[retain:] {
		keys = append(keys, snapshotKey(ts))
	}
	if err = s.deleteKeys(keys); err != nil {
		return 0, err
	}
	log.Info("old snapshots deleted", zap.String("dir", s.dir), zap.Int("count", len(keys)))
	return timestamps[retain-1], nil
}

func (s *BadgerStorage) CreateLogWriter(ts int64) (txlog.Writer, error) {
	return &badgerLogWriter{
		db:    s.db,
		logTs: ts,
		gc:    txlog.NewGroupCommitter(s.dir),
	}, nil
}

func (s *BadgerStorage) ListLogs() ([]int64, error) {
	var timestamps []int64
	var decodeErr error
	err := s.scanKeys(logKeyPrefix, func(key []byte) bool {
		ts, err := decodeTimestamp(key, logKeyPrefix)
		if err != nil {
			decodeErr = err
			return false
		}
		if n := len(timestamps); n == 0 || timestamps[n-1] != ts {
			timestamps = append(timestamps, ts)
		}
		return true
	})
	if err == nil {
		err = decodeErr
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return timestamps, nil
}

func (s *BadgerStorage) OpenLog(ts int64) (txlog.Reader, error) {
	txn := s.db.NewTransaction(false)
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	prefix := logPrefix(ts)
	it.Seek(prefix)
	return &badgerLogReader{txn: txn, it: it, prefix: prefix}, nil
}

func (s *BadgerStorage) DeleteLogsOlderThan(ts int64) error {
	var keys [][]byte
	err := s.scanKeys(logKeyPrefix, func(key []byte) bool {
		logTs, err := decodeTimestamp(key, logKeyPrefix)
		if err != nil || logTs >= ts {
			return false
		}
		keys = append(keys, append([]byte{}, key...))
		return true
	})
	if err != nil {
		return errors.WithStack(err)
	}
	return s.deleteKeys(keys)
}

type pendingEntry struct {
	seq  uint64
	data []byte
}

// badgerLogWriter buffers appended entries and writes them in badger
// transactions on Sync.
type badgerLogWriter struct {
	db    *badger.DB
	logTs int64

	mu       sync.Mutex
	pending  []pendingEntry
	appended uint64
	closed   bool

	gc *txlog.GroupCommitter
}

func (w *badgerLogWriter) Append(entry *txlog.Entry) error {
	if err := w.gc.Faulted(); err != nil {
		return err
	}
	data, err := entry.Marshal()
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return txlog.ErrWriterClosed
	}
	w.appended++
	w.pending = append(w.pending, pendingEntry{seq: w.appended, data: data})
	txlog.RecordAppend(entry.Type)
	return nil
}

func (w *badgerLogWriter) Sync(ctx context.Context) error {
	w.mu.Lock()
	seq := w.appended
	w.mu.Unlock()
	return w.gc.Sync(ctx, seq, w.flush)
}

func (w *badgerLogWriter) flush() (uint64, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, txlog.ErrWriterClosed
	}
	batch, upTo := w.pending, w.appended
	w.pending = nil
	w.mu.Unlock()

	for len(batch) > 0 {
		n := len(batch)
		if n > maxBatchEntries {
			n = maxBatchEntries
		}
		chunk := batch[:n]
		batch = batch[n:]
		err := w.db.Update(func(txn *badger.Txn) error {
			for _, e := range chunk {
				if err := txn.Set(logEntryKey(w.logTs, e.seq), e.data); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, errors.WithStack(err)
		}
	}
	return upTo, nil
}

// Close drops the entries that were not synced.
func (w *badgerLogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.pending = nil
	return nil
}

type badgerLogReader struct {
	txn    *badger.Txn
	it     *badger.Iterator
	prefix []byte
}

func (r *badgerLogReader) Next() (*txlog.Entry, error) {
	if !r.it.Valid() || !bytes.HasPrefix(r.it.Item().Key(), r.prefix) {
		return nil, io.EOF
	}
	val, err := r.it.Item().Value()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	entry, err := txlog.UnmarshalEntry(val)
	if err != nil {
		return nil, errors.Annotatef(txlog.ErrCorruptLog, "badger log entry: %v", err)
	}
	r.it.Next()
	return entry, nil
}

func (r *badgerLogReader) Close() error {
	r.it.Close()
	r.txn.Discard()
	return nil
}
