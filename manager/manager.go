package manager

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytx/config"
	"github.com/pingcap-incubator/tinytx/snapshot"
	"github.com/pingcap-incubator/tinytx/storage"
	"github.com/pingcap-incubator/tinytx/txlog"
	"github.com/pingcap-incubator/tinytx/util/tsoutil"
	"github.com/pingcap-incubator/tinytx/util/worker"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var (
	// ErrTransactionNotInProgress is returned when finishing a transaction the authority does not know as running.
	ErrTransactionNotInProgress = errors.New("transaction is not in progress")
	// ErrNotStarted is returned when the manager is used before Start or after Stop.
	ErrNotStarted = errors.New("transaction manager is not started")
)

type snapshotTask struct{}

type expiryTask struct{}

// TransactionManager is the transaction authority. It hands out transaction
// IDs, records every state change in the transaction log before applying it,
// and periodically persists the whole state as a snapshot.
//
// Only one manager may run against a storage at a time.
type TransactionManager struct {
	cfg     *config.Config
	storage storage.StateStorage
	alloc   *tsoutil.Allocator
	now     func() time.Time

	// snapshotMu keeps snapshots written in the order they were taken.
	snapshotMu sync.Mutex

	mu      sync.Mutex
	state   *snapshot.State
	writer  txlog.Writer
	logTs   int64
	lastTs  int64
	faulted bool
	started bool

	wg     sync.WaitGroup
	worker *worker.Worker
}

// NewTransactionManager creates a manager over st. st must be started by the
// caller and outlive the manager.
func NewTransactionManager(cfg *config.Config, st storage.StateStorage) *TransactionManager {
	return newTransactionManager(cfg, st, time.Now)
}

func newTransactionManager(cfg *config.Config, st storage.StateStorage, now func() time.Time) *TransactionManager {
	return &TransactionManager{
		cfg:     cfg,
		storage: st,
		alloc:   tsoutil.NewAllocatorWithClock(now),
		now:     now,
	}
}

func (m *TransactionManager) nowMs() int64 {
	return m.now().UnixNano() / int64(time.Millisecond)
}

// nextTimestamp names the next snapshot generation and log. Names never repeat.
func (m *TransactionManager) nextTimestamp() int64 {
	ts := m.nowMs()
	if ts <= m.lastTs {
		ts = m.lastTs + 1
	}
	m.lastTs = ts
	return ts
}

// Start recovers the state from the newest readable snapshot and the logs
// written after it, then opens a fresh log and begins the periodic tasks.
func (m *TransactionManager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	if err := m.recover(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.started = true
	m.mu.Unlock()

	if err := m.TakeSnapshot(); err != nil {
		m.mu.Lock()
		m.closeWriterLocked()
		m.started = false
		m.mu.Unlock()
		return err
	}

	m.worker = worker.NewWorker("tx-manager", &m.wg)
	m.worker.Start(taskHandler{m: m})
	m.worker.StartTicker(m.cfg.SnapshotInterval.Duration, func() worker.Task { return snapshotTask{} })
	m.worker.StartTicker(m.cfg.ExpiryCheckInterval.Duration, func() worker.Task { return expiryTask{} })
	log.Info("transaction manager started", zap.String("storage", m.storage.Location()),
		zap.Uint64("read-pointer", m.state.ReadPointer()), zap.Uint64("write-pointer", m.state.WritePointer()),
		zap.Int("in-progress", m.state.NumInProgress()))
	return nil
}

func (m *TransactionManager) recover() error {
	start := time.Now()
	snap, err := storage.LoadLatestValid(m.storage)
	if err != nil {
		return errors.Annotate(err, "load snapshot")
	}
	var snapTs int64
	if snap == nil {
		m.state = snapshot.NewState()
	} else {
		m.state = snapshot.NewStateFromSnapshot(snap)
		snapTs = snap.Timestamp()
	}
	m.state.SetChangeSetPruneGrace(tsoutil.DurationToTS(m.cfg.ChangeSetPruneGrace.Duration))

	logs, err := m.storage.ListLogs()
	if err != nil {
		return errors.Annotate(err, "list logs")
	}
	replayed := 0
	for _, ts := range logs {
		if ts > m.lastTs {
			m.lastTs = ts
		}
		if ts < snapTs {
			continue
		}
		n, err := m.replay(ts)
		if err != nil {
			return err
		}
		replayed += n
	}
	// Generations newer than the recovered one may exist if they were corrupt.
	snapshots, err := m.storage.ListSnapshots()
	if err != nil {
		return errors.Annotate(err, "list snapshots")
	}
	if len(snapshots) > 0 && snapshots[0] > m.lastTs {
		m.lastTs = snapshots[0]
	}
	m.alloc.Observe(m.state.WritePointer())
	recoveryDurationHistogram.Observe(time.Since(start).Seconds())
	log.Info("transaction state recovered", zap.Int64("snapshot", snapTs),
		zap.Int("logs", len(logs)), zap.Int("replayed-entries", replayed),
		zap.Duration("takes", time.Since(start)))
	return nil
}

func (m *TransactionManager) replay(ts int64) (int, error) {
	r, err := m.storage.OpenLog(ts)
	if err != nil {
		return 0, errors.Annotatef(err, "open log %d", ts)
	}
	entries, err := txlog.ReadAll(r)
	if err != nil {
		return 0, errors.Annotatef(err, "read log %d", ts)
	}
	for _, e := range entries {
		if err := m.state.Apply(e); err != nil {
			return 0, errors.Annotatef(err, "replay log %d", ts)
		}
	}
	return len(entries), nil
}

// Stop stops the periodic tasks, persists a final snapshot and closes the log.
func (m *TransactionManager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.worker.Stop()
	m.wg.Wait()

	err := m.TakeSnapshot()
	if err != nil {
		log.Error("take final snapshot failed", zap.Error(err))
	}
	m.mu.Lock()
	m.started = false
	m.closeWriterLocked()
	m.mu.Unlock()
	log.Info("transaction manager stopped", zap.String("storage", m.storage.Location()))
	return err
}

func (m *TransactionManager) closeWriterLocked() {
	if m.writer == nil {
		return
	}
	if err := m.writer.Close(); err != nil {
		log.Warn("close transaction log failed", zap.Int64("log", m.logTs), zap.Error(err))
	}
	m.writer = nil
}

// taskHandler runs the periodic tasks of a manager on its worker.
type taskHandler struct {
	m *TransactionManager
}

func (h taskHandler) Handle(t worker.Task) {
	m := h.m
	switch t.(type) {
	case snapshotTask:
		if err := m.TakeSnapshot(); err != nil {
			log.Error("periodic snapshot failed", zap.Error(err))
		}
	case expiryTask:
		if err := m.InvalidateExpired(); err != nil {
			log.Error("invalidate expired transactions failed", zap.Error(err))
		}
	default:
		log.Error("unexpected task", zap.Reflect("task", t))
	}
}

// rollLocked switches to a new log and materializes the state at the switch.
// Every entry in the new log comes after the returned snapshot. lost reports
// that the tail of the old log may not be durable, so only persisting the
// returned snapshot covers it.
func (m *TransactionManager) rollLocked() (snap *snapshot.Snapshot, lost bool, err error) {
	ts := m.nextTimestamp()
	w, err := m.storage.CreateLogWriter(ts)
	if err != nil {
		return nil, false, errors.Annotatef(err, "create log %d", ts)
	}
	lost = m.faulted
	if m.writer != nil && !m.faulted {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.LogSyncTimeout.Duration)
		if err := m.writer.Sync(ctx); err != nil {
			log.Warn("sync transaction log before roll failed", zap.Int64("log", m.logTs), zap.Error(err))
			lost = true
		}
		cancel()
	}
	m.closeWriterLocked()
	m.writer = w
	m.logTs = ts
	m.faulted = false
	return m.state.Snapshot(ts), lost, nil
}

func (m *TransactionManager) persist(snap *snapshot.Snapshot) error {
	if err := m.storage.WriteSnapshot(snap); err != nil {
		snapshotCounter.WithLabelValues("error").Inc()
		return errors.Annotatef(err, "write snapshot %d", snap.Timestamp())
	}
	snapshotCounter.WithLabelValues("ok").Inc()
	if err := storage.ApplyRetention(m.storage, m.cfg.SnapshotRetainCount); err != nil {
		log.Warn("apply snapshot retention failed", zap.Error(err))
	}
	log.Debug("snapshot written", zap.Stringer("snapshot", snap))
	return nil
}

// TakeSnapshot rolls the log and persists the state as of the roll. When
// writing fails the previous snapshot stays the latest one, and the logs
// since it still cover every change.
func (m *TransactionManager) TakeSnapshot() error {
	m.snapshotMu.Lock()
	defer m.snapshotMu.Unlock()

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	snap, lost, err := m.rollLocked()
	m.mu.Unlock()
	if err != nil {
		snapshotCounter.WithLabelValues("error").Inc()
		return err
	}
	if err = m.persist(snap); err != nil && lost {
		// Nothing durable holds the lost entries yet.
		m.mu.Lock()
		m.faulted = true
		m.mu.Unlock()
	}
	return err
}

// prepareLocked makes sure the log can take the next entry. After a fault the
// entries that may have been lost are persisted with a snapshot first.
func (m *TransactionManager) prepareLocked() error {
	if !m.started {
		return ErrNotStarted
	}
	if !m.faulted {
		return nil
	}
	log.Warn("transaction log is faulted, roll to a new log", zap.Int64("log", m.logTs))
	snap, _, err := m.rollLocked()
	if err == nil {
		err = m.persist(snap)
	}
	if err != nil {
		m.faulted = true
		return errors.Annotate(err, "recover from faulted log")
	}
	return nil
}

// appendLocked logs e and applies it to the state.
func (m *TransactionManager) appendLocked(e *txlog.Entry) error {
	if err := m.writer.Append(e); err != nil {
		if txlog.IsFaulted(err) {
			m.faulted = true
		}
		return err
	}
	if err := m.state.Apply(e); err != nil {
		return err
	}
	transactionCounter.WithLabelValues(e.Type.String()).Inc()
	inProgressGauge.Set(float64(m.state.NumInProgress()))
	return nil
}

// BeginTransaction starts a transaction and returns its view of the state.
// The begin is durable once Sync returns.
func (m *TransactionManager) BeginTransaction() (*snapshot.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.prepareLocked(); err != nil {
		return nil, err
	}
	id := m.alloc.Next()
	expiration := m.nowMs() + int64(m.cfg.TxTimeout.Duration/time.Millisecond)
	e := txlog.NewBeginEntry(id, expiration, m.state.VisibilityUpperBound())
	if err := m.appendLocked(e); err != nil {
		return nil, err
	}
	return m.state.NewTransaction(id), nil
}

// RecordCommit commits transaction id with the keys it changed.
func (m *TransactionManager) RecordCommit(id uint64, changes [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.prepareLocked(); err != nil {
		return err
	}
	if !m.state.IsInProgress(id) {
		return errors.Annotatef(ErrTransactionNotInProgress, "commit %d", id)
	}
	return m.appendLocked(txlog.NewCommitEntry(id, m.alloc.Last(), changes))
}

// RecordAbort rolls back transaction id. Its writes must already be undone.
func (m *TransactionManager) RecordAbort(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.prepareLocked(); err != nil {
		return err
	}
	if !m.state.IsInProgress(id) {
		return errors.Annotatef(ErrTransactionNotInProgress, "abort %d", id)
	}
	return m.appendLocked(txlog.NewAbortEntry(id))
}

// RecordInvalidate marks transaction id invalid, its writes are then never
// visible and get removed by the janitor. Invalidating an invalid transaction
// is a no-op.
func (m *TransactionManager) RecordInvalidate(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.prepareLocked(); err != nil {
		return err
	}
	if m.state.IsInvalid(id) {
		return nil
	}
	if !m.state.IsInProgress(id) {
		return errors.Annotatef(ErrTransactionNotInProgress, "invalidate %d", id)
	}
	return m.appendLocked(txlog.NewInvalidateEntry(id))
}

// InvalidateExpired invalidates the transactions that outlived their
// timeout. When nothing is running it moves the visibility bound to a fresh
// ID so TTL expiry keeps advancing while the system is idle.
func (m *TransactionManager) InvalidateExpired() error {
	m.mu.Lock()
	err := m.prepareLocked()
	if err == nil {
		err = m.invalidateExpiredLocked()
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.Sync(context.Background())
}

func (m *TransactionManager) invalidateExpiredLocked() error {
	expired := m.state.Expired(m.nowMs())
	for _, id := range expired {
		if err := m.appendLocked(txlog.NewInvalidateEntry(id)); err != nil {
			return err
		}
	}
	if len(expired) > 0 {
		expiredCounter.Add(float64(len(expired)))
		log.Info("invalidate expired transactions", zap.Int("count", len(expired)), zap.Uint64s("ids", expired))
	}
	if m.state.NumInProgress() == 0 {
		return m.appendLocked(txlog.NewMoveVisibilityBoundEntry(m.alloc.Next()))
	}
	return nil
}

// Sync makes every change recorded before the call durable. Without a
// deadline on ctx it waits at most log-sync-timeout. A failed sync faults the
// log; the next change rolls to a new one.
func (m *TransactionManager) Sync(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	w := m.writer
	m.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.LogSyncTimeout.Duration)
		defer cancel()
	}
	err := w.Sync(ctx)
	if err != nil && txlog.IsFaulted(err) {
		m.mu.Lock()
		if m.writer == w {
			m.faulted = true
		}
		m.mu.Unlock()
	}
	return err
}

// CurrentState returns a snapshot of the live state.
func (m *TransactionManager) CurrentState() *snapshot.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil
	}
	return m.state.Snapshot(m.nowMs())
}

// IsFaulted tells whether the current log is faulted and waits to be rolled.
func (m *TransactionManager) IsFaulted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.faulted
}
