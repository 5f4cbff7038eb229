package coprocessor

import (
	"context"
	"fmt"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytx/cache"
	"github.com/pingcap-incubator/tinytx/janitor"
	"github.com/pingcap-incubator/tinytx/snapshot"
	"github.com/pingcap-incubator/tinytx/storage"
	"github.com/pingcap-incubator/tinytx/util/tsoutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const family = "f"

var (
	qualifier = []byte("f:q")
	hourMs    = int64(time.Hour / time.Millisecond)
)

type staticState struct {
	mu   sync.Mutex
	snap *snapshot.Snapshot
}

func (s *staticState) LatestState() *snapshot.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *staticState) set(snap *snapshot.Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

// versionIDs returns V[0..8], V[i] written (8-i) hours before now.
func versionIDs() []uint64 {
	now := time.Now().UnixNano() / int64(time.Millisecond)
	v := make([]uint64, 9)
	for i := 1; i <= 8; i++ {
		v[i] = tsoutil.ComposeTS(now-int64(8-i)*hourMs, 0)
	}
	return v
}

// V6 is still running when the snapshot is taken.
func newTestSnapshot(v []uint64, invalid ...uint64) *snapshot.Snapshot {
	inProgress := map[uint64]snapshot.InProgressTx{
		v[6]: {Expiration: math.MaxInt64, VisibilityUpperBound: v[6] - 1},
	}
	return snapshot.NewSnapshot(time.Now().UnixNano()/int64(time.Millisecond), v[6]-1, v[7], invalid, inProgress, nil)
}

type testEnv struct {
	dir   string
	st    storage.StateStorage
	cache *cache.StateCache
}

// newTestEnv publishes snap through state storage and a started cache.
func newTestEnv(t *testing.T, snap *snapshot.Snapshot) *testEnv {
	dir, err := ioutil.TempDir("", "tinytx-region")
	require.Nil(t, err)
	stateDir := filepath.Join(dir, "state")
	require.Nil(t, os.MkdirAll(stateDir, 0755))
	st := storage.NewLocalStorage(stateDir, storage.DefaultCodecProvider())
	require.Nil(t, st.Start())
	require.Nil(t, st.WriteSnapshot(snap))

	c := cache.NewStateCache(st, 10*time.Millisecond, time.Second)
	c.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = c.WaitForState(ctx)
	require.Nil(t, err)
	return &testEnv{dir: dir, st: st, cache: c}
}

func (e *testEnv) close() {
	e.cache.Stop()
	e.st.Stop()
	os.RemoveAll(e.dir)
}

func (e *testEnv) openRegion(t *testing.T, families map[string]janitor.ColumnConfig) *Region {
	r, err := NewRegion(RegionConfig{Dir: filepath.Join(e.dir, "region"), Families: families}, e.cache)
	require.Nil(t, err)
	return r
}

func versionsByRow(cells []Cell) map[string][]uint64 {
	rows := make(map[string][]uint64)
	for _, c := range cells {
		rows[string(c.Row)] = append(rows[string(c.Row)], c.TxID)
	}
	return rows
}

func putScenarioRows(r *Region, v []uint64) {
	for i := 1; i <= 8; i++ {
		row := []byte(fmt.Sprintf("row%d", i))
		for k := 1; k <= i; k++ {
			r.Put(row, qualifier, v[k], []byte(fmt.Sprintf("%d", v[k])))
		}
	}
}

func TestFlushDropsInvalidAndExpired(t *testing.T) {
	v := versionIDs()
	env := newTestEnv(t, newTestSnapshot(v, v[3], v[5], v[7]))
	defer env.close()
	r := env.openRegion(t, map[string]janitor.ColumnConfig{family: {TTLMillis: 3 * hourMs, MaxVersions: 10}})
	defer r.Close()

	putScenarioRows(r, v)
	require.Nil(t, r.Flush())
	cells, err := r.Scan(10)
	require.Nil(t, err)
	assert.Equal(t, map[string][]uint64{
		"row4": {v[4]},
		"row5": {v[4]},
		"row6": {v[6], v[4]},
		"row7": {v[6], v[4]},
		"row8": {v[8], v[6], v[4]},
	}, versionsByRow(cells))
	for _, c := range cells {
		assert.Equal(t, fmt.Sprintf("%d", c.TxID), string(c.Value))
		assert.Equal(t, qualifier, c.Column)
	}
}

func TestFlushAppliesDeleteMarker(t *testing.T) {
	v := versionIDs()
	env := newTestEnv(t, newTestSnapshot(v, v[7]))
	defer env.close()
	r := env.openRegion(t, map[string]janitor.ColumnConfig{family: {MaxVersions: 10}})
	defer r.Close()

	row := []byte("row1")
	for _, k := range []int{4, 6, 7, 8} {
		r.Put(row, qualifier, v[k], []byte{byte(k)})
	}
	r.Delete(row, qualifier, v[5])
	require.Nil(t, r.Flush())
	cells, err := r.Scan(10)
	require.Nil(t, err)
	assert.Equal(t, map[string][]uint64{"row1": {v[8], v[6]}}, versionsByRow(cells))
}

func TestFlushMergesStoredVersions(t *testing.T) {
	v := versionIDs()
	env := newTestEnv(t, newTestSnapshot(v))
	defer env.close()
	r := env.openRegion(t, map[string]janitor.ColumnConfig{family: {MaxVersions: 2}})
	defer r.Close()

	row := []byte("row1")
	r.Put(row, qualifier, v[1], []byte("1"))
	r.Put(row, qualifier, v[2], []byte("2"))
	require.Nil(t, r.Flush())
	// The budget applies to the whole column, not only to what is flushed.
	r.Put(row, qualifier, v[3], []byte("3"))
	require.Nil(t, r.Flush())
	cells, err := r.Scan(0)
	require.Nil(t, err)
	assert.Equal(t, map[string][]uint64{"row1": {v[3], v[2]}}, versionsByRow(cells))
}

func TestNoStateKeepsEverything(t *testing.T) {
	dir, err := ioutil.TempDir("", "tinytx-region")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	state := &staticState{}
	r, err := NewRegion(RegionConfig{Dir: dir, Families: map[string]janitor.ColumnConfig{family: {MaxVersions: 1}}}, state)
	require.Nil(t, err)
	defer r.Close()

	v := versionIDs()
	row := []byte("row1")
	for k := 1; k <= 5; k++ {
		r.Put(row, qualifier, v[k], []byte{byte(k)})
	}
	r.Delete(row, qualifier, v[3])
	require.Nil(t, r.Flush())
	dropped, err := r.Compact()
	require.Nil(t, err)
	assert.Equal(t, 0, dropped)
	cells, err := r.Scan(0)
	require.Nil(t, err)
	assert.Len(t, cells, 5)

	// Once the state is known compaction catches up.
	state.set(snapshot.NewSnapshot(1, v[8], v[8], []uint64{v[5]}, nil, nil))
	dropped, err = r.Compact()
	require.Nil(t, err)
	assert.Equal(t, 4, dropped)
	cells, err = r.Scan(0)
	require.Nil(t, err)
	assert.Equal(t, map[string][]uint64{"row1": {v[4]}}, versionsByRow(cells))
}

func openStaticRegion(t *testing.T, state *staticState) (*Region, func()) {
	dir, err := ioutil.TempDir("", "tinytx-region")
	require.Nil(t, err)
	r, err := NewRegion(RegionConfig{Dir: dir}, state)
	require.Nil(t, err)
	return r, func() {
		r.Close()
		os.RemoveAll(dir)
	}
}

func TestDeleteMarkerAboveBoundSurvivesFlush(t *testing.T) {
	// The delete at 20 is committed while 10 is still running.
	inProgress := map[uint64]snapshot.InProgressTx{10: {Expiration: math.MaxInt64, VisibilityUpperBound: 5}}
	state := &staticState{snap: snapshot.NewSnapshot(1, 20, 20, nil, inProgress, nil)}
	r, closeRegion := openStaticRegion(t, state)
	defer closeRegion()

	row := []byte("r")
	r.Put(row, qualifier, 5, []byte("5"))
	r.Delete(row, qualifier, 20)
	require.Nil(t, r.Flush())
	r.Put(row, qualifier, 10, []byte("10"))
	require.Nil(t, r.Flush())

	cells, err := r.Scan(0)
	require.Nil(t, err)
	assert.Equal(t, map[string][]uint64{"r": {20}}, versionsByRow(cells))
	reader := &snapshot.Transaction{ID: 30, ReadPointer: 30, VisibilityUpperBound: 30}
	cells, err = r.TxScan(reader, 0)
	require.Nil(t, err)
	assert.Empty(t, cells)

	// Once nothing older is running the marker is retired.
	state.set(snapshot.NewSnapshot(2, 30, 30, nil, nil, nil))
	dropped, err := r.Compact()
	require.Nil(t, err)
	assert.Equal(t, 1, dropped)
	cells, err = r.Scan(0)
	require.Nil(t, err)
	assert.Empty(t, cells)
}

func TestCompactSeesUnflushedVersions(t *testing.T) {
	state := &staticState{}
	r, closeRegion := openStaticRegion(t, state)
	defer closeRegion()

	row := []byte("r")
	r.Delete(row, qualifier, 20)
	require.Nil(t, r.Flush())

	state.set(snapshot.NewSnapshot(1, 30, 30, nil, nil, nil))
	r.Put(row, qualifier, 5, []byte("5"))
	dropped, err := r.Compact()
	require.Nil(t, err)
	assert.Equal(t, 2, dropped)

	require.Nil(t, r.Flush())
	cells, err := r.Scan(0)
	require.Nil(t, err)
	assert.Empty(t, cells)
	reader := &snapshot.Transaction{ID: 31, ReadPointer: 30, VisibilityUpperBound: 30}
	cells, err = r.TxScan(reader, 0)
	require.Nil(t, err)
	assert.Empty(t, cells)
}

func TestTxScan(t *testing.T) {
	v := versionIDs()
	env := newTestEnv(t, newTestSnapshot(v, v[3], v[5], v[7]))
	defer env.close()
	r := env.openRegion(t, map[string]janitor.ColumnConfig{family: {TTLMillis: 3 * hourMs}})
	defer r.Close()

	putScenarioRows(r, v)
	reader := &snapshot.Transaction{
		ID:                   v[8],
		ReadPointer:          v[6] - 1,
		Excluded:             []uint64{v[6]},
		VisibilityUpperBound: v[6],
	}
	// Served from the memstore before and from badger after the flush.
	for i := 0; i < 2; i++ {
		cells, err := r.TxScan(reader, 0)
		require.Nil(t, err)
		rows := versionsByRow(cells)
		assert.Equal(t, []uint64{v[8], v[4]}, rows["row8"])
		assert.Equal(t, []uint64{v[4]}, rows["row6"])
		assert.NotContains(t, rows, "row3")

		cells, err = r.TxScan(reader, 1)
		require.Nil(t, err)
		assert.Equal(t, []uint64{v[8]}, versionsByRow(cells)["row8"])
		require.Nil(t, r.Flush())
	}
}

func TestRegionReopen(t *testing.T) {
	v := versionIDs()
	env := newTestEnv(t, newTestSnapshot(v))
	defer env.close()
	r := env.openRegion(t, nil)
	r.Put([]byte("a"), []byte("g:x"), v[1], []byte("1"))
	r.Put([]byte("b"), []byte("g:y"), v[2], []byte("2"))
	require.Nil(t, r.Flush())
	require.Nil(t, r.Close())

	r = env.openRegion(t, nil)
	defer r.Close()
	cells, err := r.Scan(0)
	require.Nil(t, err)
	require.Len(t, cells, 2)
	assert.Equal(t, []byte("a"), cells[0].Row)
	assert.Equal(t, []byte("g:x"), cells[0].Column)
	assert.Equal(t, []byte("1"), cells[0].Value)
	assert.Equal(t, []byte("b"), cells[1].Row)
}

func TestMergeVersions(t *testing.T) {
	a := []janitor.Version{{TxID: 9, Value: []byte("new")}, {TxID: 5}}
	b := []janitor.Version{{TxID: 9, Value: []byte("old")}, {TxID: 7}, {TxID: 1}}
	merged := mergeVersions(a, b)
	ids := make([]uint64, 0, len(merged))
	for _, m := range merged {
		ids = append(ids, m.TxID)
	}
	assert.Equal(t, []uint64{9, 7, 5, 1}, ids)
	assert.Equal(t, []byte("new"), merged[0].Value)
}
