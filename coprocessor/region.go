package coprocessor

import (
	"bytes"
	"sort"
	"sync"

	"github.com/coocood/badger"
	"github.com/google/btree"
	"github.com/pingcap-incubator/tinytx/janitor"
	"github.com/pingcap-incubator/tinytx/snapshot"
	"github.com/pingcap-incubator/tinytx/util/codec"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// StateSource provides the transaction state used to clean up and read
// data. It returns nil while no state is known.
type StateSource interface {
	LatestState() *snapshot.Snapshot
}

// RegionConfig configures a Region. Columns are named "family:qualifier" and
// take the retention settings of their family.
type RegionConfig struct {
	Dir      string
	Families map[string]janitor.ColumnConfig
}

func (c *RegionConfig) columnConfig(column []byte) janitor.ColumnConfig {
	family := column
	if i := bytes.IndexByte(column, ':'); i >= 0 {
		family = column[:i]
	}
	return c.Families[string(family)]
}

const (
	valueFlagPut    byte = 'P'
	valueFlagDelete byte = 'D'

	btreeDegree = 32
)

// Cells are stored under EncodeBytes(row) | EncodeBytes(column) | ^ts so
// that the versions of a column are adjacent and newest first.
func columnPrefix(row, column []byte) []byte {
	return codec.EncodeBytes(codec.EncodeBytes(nil, row), column)
}

func cellKey(row, column []byte, ts uint64) []byte {
	return codec.AppendTs(columnPrefix(row, column), ts)
}

func decodeColumnPrefix(prefix []byte) (row, column []byte, err error) {
	left, row, err := codec.DecodeBytes(prefix)
	if err != nil {
		return nil, nil, err
	}
	left, column, err = codec.DecodeBytes(left)
	if err != nil {
		return nil, nil, err
	}
	if len(left) != 0 {
		return nil, nil, errors.Errorf("invalid cell key %q", prefix)
	}
	return row, column, nil
}

func splitCellKey(key []byte) (prefix []byte, ts uint64, err error) {
	ts, err = codec.DecodeTs(key)
	if err != nil {
		return nil, 0, err
	}
	return key[:len(key)-8], ts, nil
}

func encodeValue(v janitor.Version) []byte {
	if v.Delete {
		return []byte{valueFlagDelete}
	}
	return append([]byte{valueFlagPut}, v.Value...)
}

func decodeValue(ts uint64, data []byte) (janitor.Version, error) {
	if len(data) == 0 {
		return janitor.Version{}, errors.Errorf("empty cell value at %d", ts)
	}
	switch data[0] {
	case valueFlagPut:
		return janitor.Version{TxID: ts, Value: append([]byte{}, data[1:]...)}, nil
	case valueFlagDelete:
		return janitor.Version{TxID: ts, Delete: true}, nil
	}
	return janitor.Version{}, errors.Errorf("invalid cell value flag %d at %d", data[0], ts)
}

type memCell struct {
	key   []byte
	value []byte
}

func (c *memCell) Less(than btree.Item) bool {
	return bytes.Compare(c.key, than.(*memCell).key) < 0
}

// Cell is one version of one column.
type Cell struct {
	Row    []byte
	Column []byte
	TxID   uint64
	Value  []byte
	Delete bool
}

type column struct {
	prefix   []byte
	versions []janitor.Version
}

// Region is a multi-versioned table kept in a memstore and flushed to badger.
// Flushes and compactions drop the versions the transaction state says are no
// longer needed; transactional scans hide what the reader must not see.
type Region struct {
	cfg   RegionConfig
	state StateSource
	db    *badger.DB

	mu       sync.RWMutex
	memstore *btree.BTree
}

func NewRegion(cfg RegionConfig, state StateSource) (*Region, error) {
	opts := badger.DefaultOptions
	opts.Dir = cfg.Dir
	opts.ValueDir = cfg.Dir
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open region %s", cfg.Dir)
	}
	return &Region{
		cfg:      cfg,
		state:    state,
		db:       db,
		memstore: btree.New(btreeDegree),
	}, nil
}

func (r *Region) Close() error {
	return errors.WithStack(r.db.Close())
}

func (r *Region) Put(row, column []byte, ts uint64, value []byte) {
	r.write(cellKey(row, column, ts), encodeValue(janitor.Version{TxID: ts, Value: value}))
}

// Delete writes a delete marker that hides every version of the column up to ts.
func (r *Region) Delete(row, column []byte, ts uint64) {
	r.write(cellKey(row, column, ts), encodeValue(janitor.Version{TxID: ts, Delete: true}))
}

func (r *Region) write(key, value []byte) {
	r.mu.Lock()
	r.memstore.ReplaceOrInsert(&memCell{key: key, value: value})
	r.mu.Unlock()
}

// memColumns groups the memstore by column.
func memColumns(mem *btree.BTree) ([]column, error) {
	var (
		columns []column
		err     error
	)
	mem.Ascend(func(i btree.Item) bool {
		cell := i.(*memCell)
		var (
			prefix []byte
			ts     uint64
			v      janitor.Version
		)
		if prefix, ts, err = splitCellKey(cell.key); err != nil {
			return false
		}
		if v, err = decodeValue(ts, cell.value); err != nil {
			return false
		}
		if n := len(columns); n > 0 && bytes.Equal(columns[n-1].prefix, prefix) {
			columns[n-1].versions = append(columns[n-1].versions, v)
		} else {
			columns = append(columns, column{prefix: prefix, versions: []janitor.Version{v}})
		}
		return true
	})
	return columns, err
}

// readColumn returns the stored versions of the column at prefix, newest first.
func readColumn(txn *badger.Txn, prefix []byte) ([]janitor.Version, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	var versions []janitor.Version
	for it.Seek(prefix); it.Valid(); it.Next() {
		item := it.Item()
		key := item.Key()
		if !bytes.HasPrefix(key, prefix) || len(key) != len(prefix)+8 {
			break
		}
		ts, err := codec.DecodeTs(key)
		if err != nil {
			return nil, err
		}
		val, err := item.Value()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		v, err := decodeValue(ts, val)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// mergeVersions merges two newest first sequences, a wins on equal versions.
func mergeVersions(a, b []janitor.Version) []janitor.Version {
	merged := make([]janitor.Version, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j == len(b) || (i < len(a) && a[i].TxID > b[j].TxID):
			merged = append(merged, a[i])
			i++
		case i == len(a) || b[j].TxID > a[i].TxID:
			merged = append(merged, b[j])
			j++
		default:
			merged = append(merged, a[i])
			i++
			j++
		}
	}
	return merged
}

func (r *Region) cleanup(snap *snapshot.Snapshot, prefix []byte, versions []janitor.Version) ([]janitor.Decision, error) {
	_, col, err := decodeColumnPrefix(prefix)
	if err != nil {
		return nil, err
	}
	return janitor.Classify(snap, r.cfg.columnConfig(col), versions), nil
}

// Flush moves the memstore into badger. Each touched column is cleaned up
// together with its stored versions against the latest transaction state;
// without a state nothing is dropped.
func (r *Region) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.memstore.Len() == 0 {
		return nil
	}
	columns, err := memColumns(r.memstore)
	if err != nil {
		return err
	}
	snap := r.state.LatestState()
	if snap == nil {
		log.Warn("no transaction state yet, flush without cleanup", zap.String("region", r.cfg.Dir))
	}
	dropped := 0
	for _, c := range columns {
		err = r.db.Update(func(txn *badger.Txn) error {
			stored, err := readColumn(txn, c.prefix)
			if err != nil {
				return err
			}
			decisions, err := r.cleanup(snap, c.prefix, mergeVersions(c.versions, stored))
			if err != nil {
				return err
			}
			for _, d := range decisions {
				key := codec.AppendTs(append([]byte{}, c.prefix...), d.Version.TxID)
				if d.Reason == janitor.Keep {
					err = txn.Set(key, encodeValue(d.Version))
				} else {
					dropped++
					err = txn.Delete(key)
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return errors.Annotate(err, "flush region")
		}
	}
	flushedCellsCounter.Add(float64(r.memstore.Len()))
	droppedCellsCounter.WithLabelValues("flush").Add(float64(dropped))
	log.Debug("region flushed", zap.String("region", r.cfg.Dir), zap.Int("cells", r.memstore.Len()),
		zap.Int("dropped", dropped))
	r.memstore = btree.New(btreeDegree)
	return nil
}

// storedColumns returns every column in badger, in key order.
func (r *Region) storedColumns() ([]column, error) {
	var columns []column
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := append([]byte{}, item.Key()...)
			prefix, ts, err := splitCellKey(key)
			if err != nil {
				return err
			}
			val, err := item.Value()
			if err != nil {
				return errors.WithStack(err)
			}
			v, err := decodeValue(ts, val)
			if err != nil {
				return err
			}
			if n := len(columns); n > 0 && bytes.Equal(columns[n-1].prefix, prefix) {
				columns[n-1].versions = append(columns[n-1].versions, v)
			} else {
				columns = append(columns, column{prefix: prefix, versions: []janitor.Version{v}})
			}
		}
		return nil
	})
	return columns, err
}

const maxDeleteBatch = 1024

// Compact cleans up every column, unflushed versions included, and returns
// the number of dropped versions.
func (r *Region) Compact() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.state.LatestState()
	if snap == nil {
		log.Warn("no transaction state yet, skip compaction", zap.String("region", r.cfg.Dir))
		return 0, nil
	}
	columns, err := r.columnsLocked()
	if err != nil {
		return 0, err
	}
	var drop [][]byte
	for _, c := range columns {
		decisions, err := r.cleanup(snap, c.prefix, c.versions)
		if err != nil {
			return 0, err
		}
		for _, d := range decisions {
			if d.Reason != janitor.Keep {
				key := codec.AppendTs(append([]byte{}, c.prefix...), d.Version.TxID)
				r.memstore.Delete(&memCell{key: key})
				drop = append(drop, key)
			}
		}
	}
	for start := 0; start < len(drop); start += maxDeleteBatch {
		end := start + maxDeleteBatch
		if end > len(drop) {
			end = len(drop)
		}
		err = r.db.Update(func(txn *badger.Txn) error {
			for _, key := range drop[start:end] {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, errors.Annotate(err, "compact region")
		}
	}
	droppedCellsCounter.WithLabelValues("compaction").Add(float64(len(drop)))
	log.Info("region compacted", zap.String("region", r.cfg.Dir), zap.Int("columns", len(columns)),
		zap.Int("dropped", len(drop)))
	return len(drop), nil
}

func (r *Region) allColumns() ([]column, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.columnsLocked()
}

// columnsLocked merges the memstore over the stored columns.
func (r *Region) columnsLocked() ([]column, error) {
	stored, err := r.storedColumns()
	if err != nil {
		return nil, err
	}
	mem, err := memColumns(r.memstore)
	if err != nil {
		return nil, err
	}
	byPrefix := make(map[string][]janitor.Version, len(stored)+len(mem))
	for _, c := range stored {
		byPrefix[string(c.prefix)] = c.versions
	}
	for _, c := range mem {
		byPrefix[string(c.prefix)] = mergeVersions(c.versions, byPrefix[string(c.prefix)])
	}
	columns := make([]column, 0, len(byPrefix))
	for prefix, versions := range byPrefix {
		columns = append(columns, column{prefix: []byte(prefix), versions: versions})
	}
	sort.Slice(columns, func(i, j int) bool {
		return bytes.Compare(columns[i].prefix, columns[j].prefix) < 0
	})
	return columns, nil
}

func appendCells(cells []Cell, prefix []byte, versions []janitor.Version) ([]Cell, error) {
	row, col, err := decodeColumnPrefix(prefix)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		cells = append(cells, Cell{Row: row, Column: col, TxID: v.TxID, Value: v.Value, Delete: v.Delete})
	}
	return cells, nil
}

// Scan returns the raw cells, delete markers included, at most maxVersions
// per column (0 returns all) in key order.
func (r *Region) Scan(maxVersions int) ([]Cell, error) {
	columns, err := r.allColumns()
	if err != nil {
		return nil, err
	}
	var cells []Cell
	for _, c := range columns {
		versions := c.versions
		if maxVersions > 0 && len(versions) > maxVersions {
			versions = versions[:maxVersions]
		}
		if cells, err = appendCells(cells, c.prefix, versions); err != nil {
			return nil, err
		}
	}
	return cells, nil
}

// TxScan returns the cells visible to tx, at most maxVersions per column.
func (r *Region) TxScan(tx *snapshot.Transaction, maxVersions int) ([]Cell, error) {
	columns, err := r.allColumns()
	if err != nil {
		return nil, err
	}
	snap := r.state.LatestState()
	var cells []Cell
	for _, c := range columns {
		_, col, err := decodeColumnPrefix(c.prefix)
		if err != nil {
			return nil, err
		}
		cfg := r.cfg.columnConfig(col)
		if maxVersions > 0 && (cfg.MaxVersions == 0 || maxVersions < cfg.MaxVersions) {
			cfg.MaxVersions = maxVersions
		}
		visible := janitor.FilterForRead(snap, tx, cfg, c.versions)
		if cells, err = appendCells(cells, c.prefix, visible); err != nil {
			return nil, err
		}
	}
	return cells, nil
}
