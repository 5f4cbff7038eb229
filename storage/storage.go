package storage

import (
	"github.com/pingcap-incubator/tinytx/snapshot"
	"github.com/pingcap-incubator/tinytx/txlog"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var (
	// ErrCorruptSnapshot means a stored snapshot failed its checksum or could not be decoded.
	ErrCorruptSnapshot = errors.New("snapshot is corrupt")
	// ErrUnknownCodec means a stored snapshot was written with a codec that is not registered.
	ErrUnknownCodec = errors.New("unknown snapshot codec")
	// ErrSnapshotNotFound is returned by ReadSnapshot for a missing generation.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// StateStorage persists snapshot generations and the transaction logs
// written after each of them. Generations and logs are named by the wall
// clock time in ms at which they were started.
type StateStorage interface {
	Start() error
	Stop() error
	// WriteSnapshot stores snap atomically, a concurrent reader never sees a partial snapshot.
	WriteSnapshot(snap *snapshot.Snapshot) error
	// LatestSnapshot returns the newest snapshot, or nil on a fresh system.
	LatestSnapshot() (*snapshot.Snapshot, error)
	ReadSnapshot(timestamp int64) (*snapshot.Snapshot, error)
	// ListSnapshots returns the stored generations, newest first.
	ListSnapshots() ([]int64, error)
	// DeleteOldSnapshots keeps the newest retain generations and returns the
	// oldest one kept, or 0 if there is none.
	DeleteOldSnapshots(retain int) (int64, error)
	CreateLogWriter(timestamp int64) (txlog.Writer, error)
	// ListLogs returns the stored logs, oldest first.
	ListLogs() ([]int64, error)
	OpenLog(timestamp int64) (txlog.Reader, error)
	DeleteLogsOlderThan(timestamp int64) error
	// Location describes where the storage lives, for diagnostics.
	Location() string
}

// IsCorrupt tells whether err comes from a damaged snapshot.
func IsCorrupt(err error) bool {
	return errors.Cause(err) == ErrCorruptSnapshot
}

// LoadLatestValid returns the newest snapshot that can be read, skipping
// corrupt generations. A snapshot written with an unregistered codec stops
// the search since every older generation would lose its edits. It returns
// nil if no generation exists.
func LoadLatestValid(s StateStorage) (*snapshot.Snapshot, error) {
	timestamps, err := s.ListSnapshots()
	if err != nil {
		return nil, err
	}
	for _, ts := range timestamps {
		snap, err := s.ReadSnapshot(ts)
		if err == nil {
			return snap, nil
		}
		if IsCorrupt(err) {
			storageErrorCounter.WithLabelValues("corrupt").Inc()
			log.Warn("skip corrupt snapshot", zap.String("storage", s.Location()),
				zap.Int64("timestamp", ts), zap.Error(err))
			continue
		}
		return nil, err
	}
	return nil, nil
}

// ApplyRetention keeps the newest retain snapshots and the logs needed to
// replay forward from the oldest of them.
func ApplyRetention(s StateStorage, retain int) error {
	oldest, err := s.DeleteOldSnapshots(retain)
	if err != nil {
		return err
	}
	if oldest == 0 {
		return nil
	}
	return s.DeleteLogsOlderThan(oldest)
}

// New creates the storage engine named by engine in dir.
func New(engine, dir string, codecs *CodecProvider) (StateStorage, error) {
	switch engine {
	case "local":
		return NewLocalStorage(dir, codecs), nil
	case "badger":
		return NewBadgerStorage(dir, codecs), nil
	}
	return nil, errors.Errorf("unknown storage engine %q", engine)
}
