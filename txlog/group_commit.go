package txlog

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// GroupCommitter coalesces concurrent Sync calls of a writer. Appends are
// numbered by the writer; a Sync waits until a flush covering its number is
// done, and a single flush covers every append made before it started.
type GroupCommitter struct {
	name string

	flushMu sync.Mutex
	synced  atomic.Uint64
	faulted atomic.Bool
}

func NewGroupCommitter(name string) *GroupCommitter {
	return &GroupCommitter{name: name}
}

// Faulted returns ErrWriterFaulted once a flush failed or a sync timed out.
func (g *GroupCommitter) Faulted() error {
	if g.faulted.Load() {
		return ErrWriterFaulted
	}
	return nil
}

func (g *GroupCommitter) setFaulted(err error) {
	if g.faulted.CAS(false, true) {
		syncFailureCounter.Inc()
		log.Error("transaction log writer faulted", zap.String("log", g.name), zap.Error(err))
	}
}

// Sync waits until everything up to seq is flushed. flush must make every
// append made so far durable and return the number of the last one.
func (g *GroupCommitter) Sync(ctx context.Context, seq uint64, flush func() (uint64, error)) error {
	if err := g.Faulted(); err != nil {
		return err
	}
	if g.synced.Load() >= seq {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		done <- g.syncTo(seq, flush)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		g.setFaulted(ctx.Err())
		return errors.WithStack(ErrSyncTimeout)
	}
}

func (g *GroupCommitter) syncTo(seq uint64, flush func() (uint64, error)) error {
	g.flushMu.Lock()
	defer g.flushMu.Unlock()
	if err := g.Faulted(); err != nil {
		return err
	}
	// A flush that ran while we waited may already cover us.
	if g.synced.Load() >= seq {
		return nil
	}
	start := time.Now()
	upTo, err := flush()
	syncDurationHistogram.Observe(time.Since(start).Seconds())
	if err != nil {
		g.setFaulted(err)
		return errors.Annotatef(ErrWriterFaulted, "sync %s: %v", g.name, err)
	}
	g.synced.Store(upTo)
	return nil
}
