package janitor

import (
	"math"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytx/snapshot"
	"github.com/pingcap-incubator/tinytx/util/tsoutil"
	"github.com/stretchr/testify/assert"
)

var hourMs = int64(time.Hour / time.Millisecond)

// versionIDs returns V[0..8], V[i] written (8-i) hours before now.
func versionIDs() []uint64 {
	now := time.Now().UnixNano() / int64(time.Millisecond)
	v := make([]uint64, 9)
	for i := 1; i <= 8; i++ {
		v[i] = tsoutil.ComposeTS(now-int64(8-i)*hourMs, 0)
	}
	return v
}

// column builds the versions ids[len-1..0] newest first.
func column(ids ...uint64) []Version {
	versions := make([]Version, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		versions = append(versions, Version{TxID: ids[i], Value: []byte{byte(i)}})
	}
	return versions
}

func txIDs(versions []Version) []uint64 {
	ids := make([]uint64, 0, len(versions))
	for _, v := range versions {
		ids = append(ids, v.TxID)
	}
	return ids
}

// V6 is still running, V3 V5 V7 are invalid.
func scenarioSnapshot(v []uint64, invalid ...uint64) *snapshot.Snapshot {
	inProgress := map[uint64]snapshot.InProgressTx{
		v[6]: {Expiration: math.MaxInt64, VisibilityUpperBound: v[6] - 1},
	}
	return snapshot.NewSnapshot(1, v[6]-1, v[7], invalid, inProgress, nil)
}

func TestCleanupWithTTL(t *testing.T) {
	v := versionIDs()
	snap := scenarioSnapshot(v, v[3], v[5], v[7])
	assert.Equal(t, v[6], snap.VisibilityUpperBound())
	cfg := ColumnConfig{TTLMillis: 3 * hourMs, MaxVersions: 10}

	expected := map[int][]uint64{
		1: {},
		2: {},
		3: {},
		4: {v[4]},
		5: {v[4]},
		6: {v[6], v[4]},
		7: {v[6], v[4]},
		8: {v[8], v[6], v[4]},
	}
	for row := 1; row <= 8; row++ {
		kept := FilterForCleanup(snap, cfg, column(v[1:row+1]...))
		assert.Equal(t, expected[row], txIDs(kept), "row %d", row)
	}
}

func TestCleanupReasons(t *testing.T) {
	v := versionIDs()
	snap := scenarioSnapshot(v, v[3], v[5], v[7])
	cfg := ColumnConfig{TTLMillis: 3 * hourMs}
	reasons := make([]Reason, 0, 8)
	for _, d := range Classify(snap, cfg, column(v[1:]...)) {
		reasons = append(reasons, d.Reason)
	}
	assert.Equal(t, []Reason{Keep, DropInvalid, Keep, DropInvalid, Keep, DropInvalid, DropExpired, DropExpired}, reasons)
}

func TestCleanupDeleteMarker(t *testing.T) {
	v := versionIDs()
	snap := scenarioSnapshot(v, v[7])
	versions := []Version{
		{TxID: v[8], Value: []byte("8")},
		{TxID: v[7], Value: []byte("7")},
		{TxID: v[6], Value: []byte("6")},
		{TxID: v[5], Delete: true},
		{TxID: v[4], Value: []byte("4")},
	}
	kept := FilterForCleanup(snap, ColumnConfig{MaxVersions: 10}, versions)
	assert.Equal(t, []uint64{v[8], v[6]}, txIDs(kept))

	var reasons []Reason
	for _, d := range Classify(snap, ColumnConfig{}, versions) {
		reasons = append(reasons, d.Reason)
	}
	assert.Equal(t, []Reason{Keep, DropInvalid, Keep, DropDeleteMarker, DropMasked}, reasons)
}

func TestUndecidedDeleteMarkerIsKept(t *testing.T) {
	v := versionIDs()
	snap := scenarioSnapshot(v)
	// The delete of the running V6 may still be rolled back.
	versions := []Version{
		{TxID: v[6], Delete: true},
		{TxID: v[4], Value: []byte("4")},
	}
	kept := FilterForCleanup(snap, ColumnConfig{}, versions)
	assert.Equal(t, []uint64{v[6], v[4]}, txIDs(kept))

	// A delete above the read pointer is not decided either.
	versions[0].TxID = v[8]
	kept = FilterForCleanup(snap, ColumnConfig{}, versions)
	assert.Equal(t, []uint64{v[8], v[4]}, txIDs(kept))
}

func TestInvalidAlwaysDropped(t *testing.T) {
	v := versionIDs()
	// Invalid versions go even when they are above the visibility upper bound.
	snap := scenarioSnapshot(v, v[8])
	kept := FilterForCleanup(snap, ColumnConfig{}, column(v[4], v[8]))
	assert.Equal(t, []uint64{v[4]}, txIDs(kept))
}

func TestFutureVersionsAreProtected(t *testing.T) {
	v := versionIDs()
	snap := scenarioSnapshot(v)
	cfg := ColumnConfig{TTLMillis: 1, MaxVersions: 1}
	// V7 and V8 are above the bound and V6 is running, so TTL and the
	// version budget cannot touch them.
	kept := FilterForCleanup(snap, cfg, column(v[1], v[6], v[7], v[8]))
	assert.Equal(t, []uint64{v[8], v[7], v[6]}, txIDs(kept))

	// They do not use up the budget either: V4 is the newest committed
	// version readers see.
	kept = FilterForCleanup(snap, ColumnConfig{MaxVersions: 1}, column(v[2], v[4], v[6], v[8]))
	assert.Equal(t, []uint64{v[8], v[6], v[4]}, txIDs(kept))
}

func TestBudgetKeepsVersionSeenByRunningTransaction(t *testing.T) {
	inProgress := map[uint64]snapshot.InProgressTx{10: {Expiration: math.MaxInt64, VisibilityUpperBound: 5}}
	snap := snapshot.NewSnapshot(1, 5, 10, nil, inProgress, nil)
	reader := &snapshot.Transaction{ID: 11, ReadPointer: 5, Excluded: []uint64{10}, VisibilityUpperBound: 10}
	cfg := ColumnConfig{MaxVersions: 1}

	versions := column(5, 10)
	before := FilterForRead(snap, reader, cfg, versions)
	assert.Equal(t, []uint64{5}, txIDs(before))

	kept := FilterForCleanup(snap, cfg, versions)
	assert.Equal(t, []uint64{10, 5}, txIDs(kept))
	assert.Equal(t, before, FilterForRead(snap, reader, cfg, kept))
}

func TestDeleteMarkerAboveBoundIsKept(t *testing.T) {
	// 20 is committed but 10 is still running, so the bound is 10.
	inProgress := map[uint64]snapshot.InProgressTx{10: {Expiration: math.MaxInt64, VisibilityUpperBound: 5}}
	snap := snapshot.NewSnapshot(1, 20, 20, nil, inProgress, nil)
	assert.Equal(t, uint64(10), snap.VisibilityUpperBound())

	versions := []Version{
		{TxID: 20, Delete: true},
		{TxID: 5, Value: []byte("5")},
	}
	var reasons []Reason
	for _, d := range Classify(snap, ColumnConfig{}, versions) {
		reasons = append(reasons, d.Reason)
	}
	assert.Equal(t, []Reason{Keep, DropMasked}, reasons)

	// The running transaction writes below the marker; the marker still hides it.
	kept := FilterForCleanup(snap, ColumnConfig{}, versions)
	kept = append(kept, Version{TxID: 10, Value: []byte("10")})
	reader := &snapshot.Transaction{ID: 30, ReadPointer: 30, VisibilityUpperBound: 30}
	assert.Empty(t, FilterForRead(snap, reader, ColumnConfig{}, kept))

	kept = FilterForCleanup(snap, ColumnConfig{}, kept)
	assert.Equal(t, []uint64{20}, txIDs(kept))

	// Once the bound passes the marker it is retired with what it masks.
	later := snapshot.NewSnapshot(2, 30, 30, nil, nil, nil)
	assert.Empty(t, FilterForCleanup(later, ColumnConfig{}, append(kept, Version{TxID: 10, Value: []byte("10")})))
}

func TestTTLIsMeasuredFromVisibilityBound(t *testing.T) {
	v := versionIDs()
	cfg := ColumnConfig{TTLMillis: 3 * hourMs}
	// The same column gives the same answer no matter when it is filtered.
	snap := scenarioSnapshot(v)
	first := FilterForCleanup(snap, cfg, column(v[1:6]...))
	time.Sleep(5 * time.Millisecond)
	second := FilterForCleanup(snap, cfg, column(v[1:6]...))
	assert.Equal(t, first, second)
	assert.Equal(t, []uint64{v[5], v[4], v[3]}, txIDs(first))

	// Exactly TTL old is still alive.
	bound := snapshot.NewSnapshot(1, v[6], v[6], nil, nil, nil)
	kept := FilterForCleanup(bound, cfg, column(v[2], v[3]))
	assert.Equal(t, []uint64{v[3]}, txIDs(kept))
}

func TestVersionBudget(t *testing.T) {
	snap := snapshot.NewSnapshot(1, 100, 100, nil, nil, nil)
	kept := FilterForCleanup(snap, ColumnConfig{MaxVersions: 2}, column(10, 20, 30, 40))
	assert.Equal(t, []uint64{40, 30}, txIDs(kept))

	kept = FilterForCleanup(snap, ColumnConfig{}, column(10, 20, 30, 40))
	assert.Len(t, kept, 4)
}

func TestNilSnapshotKeepsEverything(t *testing.T) {
	versions := []Version{
		{TxID: 30, Delete: true},
		{TxID: 20, Value: []byte("a")},
		{TxID: 10, Value: []byte("b")},
	}
	kept := FilterForCleanup(nil, ColumnConfig{TTLMillis: 1, MaxVersions: 1}, versions)
	assert.Equal(t, versions, kept)
}

func TestFilterForRead(t *testing.T) {
	v := versionIDs()
	snap := scenarioSnapshot(v, v[3], v[5], v[7])
	reader := &snapshot.Transaction{
		ID:                   v[8],
		ReadPointer:          v[6] - 1,
		Excluded:             []uint64{v[6]},
		VisibilityUpperBound: v[6],
	}
	// Own writes and committed versions are visible, running and invalid ones are not.
	visible := FilterForRead(snap, reader, ColumnConfig{}, column(v[1:]...))
	assert.Equal(t, []uint64{v[8], v[4], v[2], v[1]}, txIDs(visible))

	visible = FilterForRead(snap, reader, ColumnConfig{MaxVersions: 2}, column(v[1:]...))
	assert.Equal(t, []uint64{v[8], v[4]}, txIDs(visible))

	visible = FilterForRead(snap, reader, ColumnConfig{TTLMillis: 3 * hourMs}, column(v[1:]...))
	assert.Equal(t, []uint64{v[8], v[4]}, txIDs(visible))

	// A visible delete hides older versions and is not returned itself.
	versions := []Version{
		{TxID: v[4], Delete: true},
		{TxID: v[2], Value: []byte("2")},
	}
	assert.Empty(t, FilterForRead(snap, reader, ColumnConfig{}, versions))

	// A delete by a running transaction does not hide anything.
	versions[0].TxID = v[6]
	visible = FilterForRead(snap, reader, ColumnConfig{}, versions)
	assert.Equal(t, []uint64{v[2]}, txIDs(visible))
}
