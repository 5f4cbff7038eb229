package cache

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytx/snapshot"
	"github.com/pingcap-incubator/tinytx/storage"
	"github.com/pingcap-incubator/tinytx/txlog"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStorage serves one snapshot generation from a queue of results and can hang.
type fakeStorage struct {
	mu      sync.Mutex
	results []readResult
	last    readResult
	block   chan struct{}
	reads   int
}

func (s *fakeStorage) push(snap *snapshot.Snapshot, err error) {
	s.mu.Lock()
	s.results = append(s.results, readResult{snap: snap, err: err})
	s.mu.Unlock()
}

func (s *fakeStorage) setBlock(ch chan struct{}) {
	s.mu.Lock()
	s.block = ch
	s.mu.Unlock()
}

func (s *fakeStorage) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func (s *fakeStorage) ReadSnapshot(int64) (*snapshot.Snapshot, error) {
	s.mu.Lock()
	s.reads++
	block := s.block
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) > 0 {
		s.last = s.results[0]
		s.results = s.results[1:]
	}
	return s.last.snap, s.last.err
}

func (s *fakeStorage) LatestSnapshot() (*snapshot.Snapshot, error) { return s.ReadSnapshot(1) }
func (s *fakeStorage) ListSnapshots() ([]int64, error)             { return []int64{1}, nil }

func (s *fakeStorage) Start() error                                { return nil }
func (s *fakeStorage) Stop() error                                 { return nil }
func (s *fakeStorage) WriteSnapshot(*snapshot.Snapshot) error      { return nil }
func (s *fakeStorage) DeleteOldSnapshots(int) (int64, error)       { return 0, nil }
func (s *fakeStorage) CreateLogWriter(int64) (txlog.Writer, error) { return nil, nil }
func (s *fakeStorage) ListLogs() ([]int64, error)                  { return nil, nil }
func (s *fakeStorage) OpenLog(int64) (txlog.Reader, error)         { return nil, nil }
func (s *fakeStorage) DeleteLogsOlderThan(int64) error             { return nil }
func (s *fakeStorage) Location() string                            { return "fake" }

func newSnapshot(ts int64) *snapshot.Snapshot {
	return snapshot.NewSnapshot(ts, uint64(ts), uint64(ts), nil, nil, nil)
}

func waitFor(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNoStateBeforeFirstLoad(t *testing.T) {
	st := &fakeStorage{}
	c := NewStateCache(st, time.Hour, time.Second)
	assert.Nil(t, c.LatestState())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.WaitForState(ctx)
	assert.Equal(t, ErrStateNotReady, errors.Cause(err))

	// A fresh storage has no snapshot either.
	c.Start()
	defer c.Stop()
	waitFor(t, func() bool { return st.readCount() >= 1 })
	assert.Nil(t, c.LatestState())
}

func TestCacheIsMonotonic(t *testing.T) {
	st := &fakeStorage{}
	st.push(newSnapshot(2000), nil)
	c := NewStateCache(st, 5*time.Millisecond, time.Second)
	c.Start()
	defer c.Stop()

	snap, err := c.WaitForState(context.Background())
	require.Nil(t, err)
	assert.Equal(t, int64(2000), snap.Timestamp())

	// An older snapshot never replaces a newer one.
	st.push(newSnapshot(1000), nil)
	reads := st.readCount()
	waitFor(t, func() bool { return st.readCount() > reads+1 })
	assert.Equal(t, int64(2000), c.LatestState().Timestamp())

	st.push(newSnapshot(3000), nil)
	waitFor(t, func() bool { return c.LatestState().Timestamp() == 3000 })
}

func TestFailureKeepsLastGoodState(t *testing.T) {
	st := &fakeStorage{}
	st.push(newSnapshot(1000), nil)
	c := NewStateCache(st, 5*time.Millisecond, time.Second)
	c.Start()
	defer c.Stop()
	_, err := c.WaitForState(context.Background())
	require.Nil(t, err)

	st.push(nil, fmt.Errorf("storage unavailable"))
	reads := st.readCount()
	waitFor(t, func() bool { return st.readCount() > reads+1 })
	assert.Equal(t, int64(1000), c.LatestState().Timestamp())
}

func TestHungReadIsBounded(t *testing.T) {
	st := &fakeStorage{}
	st.push(newSnapshot(1000), nil)
	c := NewStateCache(st, 5*time.Millisecond, 20*time.Millisecond)
	c.Start()
	_, err := c.WaitForState(context.Background())
	require.Nil(t, err)

	block := make(chan struct{})
	st.setBlock(block)
	reads := st.readCount()
	// Refreshes keep getting scheduled but no second read starts while one hangs.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, reads+1, st.readCount())
	assert.Equal(t, int64(1000), c.LatestState().Timestamp())

	st.push(newSnapshot(2000), nil)
	st.setBlock(nil)
	close(block)
	waitFor(t, func() bool { return c.LatestState().Timestamp() == 2000 })

	// Stop does not wait for a hung read.
	st.setBlock(make(chan struct{}))
	time.Sleep(20 * time.Millisecond)
	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop blocked on a hung storage read")
	}
}

// The cache picks up the snapshot written through real state storage.
func TestLoadFromLocalStorage(t *testing.T) {
	dir, err := ioutil.TempDir("", "tinytx-cache")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	st := storage.NewLocalStorage(dir, storage.DefaultCodecProvider())
	require.Nil(t, st.Start())

	s := snapshot.NewState()
	require.Nil(t, s.Apply(txlog.NewBeginEntry(100, 0, 0)))
	require.Nil(t, s.Apply(txlog.NewInvalidateEntry(100)))
	require.Nil(t, s.Apply(txlog.NewBeginEntry(101, 0, 0)))
	written := s.Snapshot(time.Now().UnixNano() / int64(time.Millisecond))
	require.Nil(t, st.WriteSnapshot(written))

	c := NewStateCache(st, 10*time.Millisecond, time.Second)
	c.Start()
	defer c.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	snap, err := c.WaitForState(ctx)
	require.Nil(t, err)
	assert.True(t, snap.Equal(written))
	assert.True(t, snap.IsInvalid(100))
	assert.Equal(t, uint64(101), snap.VisibilityUpperBound())
}

func TestCorruptNewestGenerationIsSkipped(t *testing.T) {
	dir, err := ioutil.TempDir("", "tinytx-cache")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	st := storage.NewLocalStorage(dir, storage.DefaultCodecProvider())
	require.Nil(t, st.Start())
	require.Nil(t, st.WriteSnapshot(newSnapshot(100)))
	require.Nil(t, ioutil.WriteFile(filepath.Join(dir, "snapshot.200"), []byte("garbage"), 0644))

	c := NewStateCache(st, 10*time.Millisecond, time.Second)
	c.Start()
	defer c.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	snap, err := c.WaitForState(ctx)
	require.Nil(t, err)
	assert.Equal(t, int64(100), snap.Timestamp())

	// A readable generation written later takes over.
	require.Nil(t, st.WriteSnapshot(newSnapshot(300)))
	waitFor(t, func() bool { return c.LatestState().Timestamp() == 300 })
}

func TestTriggerRefreshWhileStarting(t *testing.T) {
	st := &fakeStorage{}
	st.push(newSnapshot(1000), nil)
	c := NewStateCache(st, time.Hour, time.Second)
	c.TriggerRefresh()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Start()
			c.TriggerRefresh()
		}()
	}
	wg.Wait()
	_, err := c.WaitForState(context.Background())
	require.Nil(t, err)
	c.Stop()
	c.Stop()
	c.TriggerRefresh()
}
