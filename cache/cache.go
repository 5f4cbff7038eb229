package cache

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytx/snapshot"
	"github.com/pingcap-incubator/tinytx/storage"
	"github.com/pingcap-incubator/tinytx/util/worker"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrStateNotReady is returned when no snapshot has been loaded yet.
var ErrStateNotReady = errors.New("transaction state is not loaded yet")

type refreshTask struct{}

type readResult struct {
	snap *snapshot.Snapshot
	err  error
}

// StateCache keeps the newest snapshot of a StateStorage in memory for the
// storage layer. It polls the storage on a timer; readers never block. A
// corrupt newest generation is skipped in favor of the newest readable one.
type StateCache struct {
	storage         storage.StateStorage
	refreshInterval time.Duration
	readTimeout     time.Duration

	latest    atomic.Value
	reading   atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once

	wg      sync.WaitGroup
	worker  *worker.Worker
	closeCh chan struct{}
	started atomic.Bool
}

func NewStateCache(st storage.StateStorage, refreshInterval, readTimeout time.Duration) *StateCache {
	c := &StateCache{
		storage:         st,
		refreshInterval: refreshInterval,
		readTimeout:     readTimeout,
		ready:           make(chan struct{}),
		closeCh:         make(chan struct{}),
	}
	c.worker = worker.NewWorker("state-cache", &c.wg)
	return c
}

// Start loads the first snapshot in the background and keeps refreshing.
func (c *StateCache) Start() {
	if !c.started.CAS(false, true) {
		return
	}
	c.worker.Start(refreshHandler{c: c})
	c.worker.Schedule(refreshTask{})
	c.worker.StartTicker(c.refreshInterval, func() worker.Task { return refreshTask{} })
	log.Info("state cache started", zap.String("storage", c.storage.Location()),
		zap.Duration("refresh-interval", c.refreshInterval), zap.Duration("read-timeout", c.readTimeout))
}

// Stop stops refreshing and waits for the refresh worker. A storage read
// that hangs is abandoned.
func (c *StateCache) Stop() {
	if !c.started.CAS(true, false) {
		return
	}
	close(c.closeCh)
	c.worker.Stop()
	c.wg.Wait()
	log.Info("state cache stopped", zap.String("storage", c.storage.Location()))
}

// LatestState returns the newest loaded snapshot, or nil if none is loaded
// yet. Callers must not filter data against a nil state.
func (c *StateCache) LatestState() *snapshot.Snapshot {
	if snap, ok := c.latest.Load().(*snapshot.Snapshot); ok {
		return snap
	}
	return nil
}

// WaitForState blocks until a snapshot is loaded or ctx is done.
func (c *StateCache) WaitForState(ctx context.Context) (*snapshot.Snapshot, error) {
	select {
	case <-c.ready:
		return c.LatestState(), nil
	case <-ctx.Done():
		return nil, errors.Annotatef(ErrStateNotReady, "%v", ctx.Err())
	}
}

// TriggerRefresh asks for a refresh without waiting for the timer.
func (c *StateCache) TriggerRefresh() {
	if c.started.Load() {
		c.worker.Schedule(refreshTask{})
	}
}

type refreshHandler struct {
	c *StateCache
}

func (h refreshHandler) Handle(t worker.Task) {
	c := h.c
	switch t.(type) {
	case refreshTask:
		c.refresh()
	default:
		log.Error("unexpected task", zap.Reflect("task", t))
	}
}

func (c *StateCache) refresh() {
	if !c.reading.CAS(false, true) {
		refreshCounter.WithLabelValues("skipped").Inc()
		log.Warn("previous state read is still running, skip refresh", zap.String("storage", c.storage.Location()))
		return
	}
	result := make(chan readResult, 1)
	go func() {
		snap, err := storage.LoadLatestValid(c.storage)
		c.reading.Store(false)
		result <- readResult{snap: snap, err: err}
	}()

	timer := time.NewTimer(c.readTimeout)
	defer timer.Stop()
	select {
	case r := <-result:
		c.update(r)
	case <-timer.C:
		refreshCounter.WithLabelValues("timeout").Inc()
		log.Warn("read transaction state timed out, keep serving the last state",
			zap.String("storage", c.storage.Location()), zap.Duration("timeout", c.readTimeout))
	case <-c.closeCh:
	}
}

func (c *StateCache) update(r readResult) {
	if r.err != nil {
		refreshCounter.WithLabelValues("error").Inc()
		log.Error("read transaction state failed, keep serving the last state",
			zap.String("storage", c.storage.Location()), zap.Error(r.err))
		return
	}
	if r.snap == nil {
		refreshCounter.WithLabelValues("empty").Inc()
		return
	}
	current := c.LatestState()
	if current != nil && r.snap.Timestamp() <= current.Timestamp() {
		refreshCounter.WithLabelValues("unchanged").Inc()
		return
	}
	c.latest.Store(r.snap)
	refreshCounter.WithLabelValues("updated").Inc()
	snapshotTimestampGauge.Set(float64(r.snap.Timestamp()))
	c.readyOnce.Do(func() { close(c.ready) })
	log.Debug("transaction state refreshed", zap.Stringer("snapshot", r.snap))
}
