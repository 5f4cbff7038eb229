package storage

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pingcap-incubator/tinytx/snapshot"
	"github.com/pingcap-incubator/tinytx/txlog"
	"github.com/pingcap-incubator/tinytx/util"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	snapshotFilePrefix = "snapshot."
	logFilePrefix      = "txlog."
	tmpFileSuffix      = ".tmp"
)

// LocalStorage keeps snapshots and logs as files in one directory.
type LocalStorage struct {
	dir    string
	codecs *CodecProvider
}

func NewLocalStorage(dir string, codecs *CodecProvider) *LocalStorage {
	return &LocalStorage{dir: dir, codecs: codecs}
}

func (s *LocalStorage) Location() string { return s.dir }

func (s *LocalStorage) Start() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return errors.WithStack(err)
	}
	files, err := ioutil.ReadDir(s.dir)
	if err != nil {
		return errors.WithStack(err)
	}
	// Left over by a crash during WriteSnapshot.
	for _, f := range files {
		if strings.HasSuffix(f.Name(), tmpFileSuffix) {
			if _, err := util.DeleteFileIfExists(filepath.Join(s.dir, f.Name())); err != nil {
				return err
			}
		}
	}
	log.Info("local state storage started", zap.String("dir", s.dir))
	return nil
}

func (s *LocalStorage) Stop() error { return nil }

func (s *LocalStorage) snapshotPath(ts int64) string {
	return filepath.Join(s.dir, snapshotFilePrefix+strconv.FormatInt(ts, 10))
}

func (s *LocalStorage) logPath(ts int64) string {
	return filepath.Join(s.dir, logFilePrefix+strconv.FormatInt(ts, 10))
}

// LogSize returns the size in bytes of the log started at ts.
func (s *LocalStorage) LogSize(ts int64) (uint64, error) {
	return util.GetFileSize(s.logPath(ts))
}

// LogChecksum returns the CRC32 of the whole log file started at ts.
func (s *LocalStorage) LogChecksum(ts int64) (uint32, error) {
	return util.CalcCRC32(s.logPath(ts))
}

func (s *LocalStorage) WriteSnapshot(snap *snapshot.Snapshot) error {
	start := time.Now()
	data, err := s.codecs.Encode(snap)
	if err != nil {
		return err
	}
	if err = util.WriteFileAtomic(s.snapshotPath(snap.Timestamp()), data); err != nil {
		storageErrorCounter.WithLabelValues("write_snapshot").Inc()
		return errors.Annotatef(err, "write snapshot %d", snap.Timestamp())
	}
	snapshotWriteDuration.WithLabelValues("local").Observe(time.Since(start).Seconds())
	snapshotSizeGauge.WithLabelValues("local").Set(float64(len(data)))
	log.Info("snapshot written", zap.String("dir", s.dir), zap.Stringer("snapshot", snap),
		zap.Int("size", len(data)), zap.Duration("takes", time.Since(start)))
	return nil
}

func (s *LocalStorage) LatestSnapshot() (*snapshot.Snapshot, error) {
	timestamps, err := s.ListSnapshots()
	if err != nil || len(timestamps) == 0 {
		return nil, err
	}
	return s.ReadSnapshot(timestamps[0])
}

func (s *LocalStorage) ReadSnapshot(ts int64) (*snapshot.Snapshot, error) {
	data, err := ioutil.ReadFile(s.snapshotPath(ts))
	if os.IsNotExist(err) {
		return nil, errors.Annotatef(ErrSnapshotNotFound, "timestamp %d", ts)
	}
	if err != nil {
		storageErrorCounter.WithLabelValues("read_snapshot").Inc()
		return nil, errors.WithStack(err)
	}
	snap, err := s.codecs.Decode(data)
	if err != nil {
		return nil, errors.Annotatef(err, "snapshot file %s", s.snapshotPath(ts))
	}
	return snap, nil
}

// listFiles returns the timestamps of the complete files with prefix, ascending.
func (s *LocalStorage) listFiles(prefix string) ([]int64, error) {
	files, err := ioutil.ReadDir(s.dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var timestamps []int64
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasPrefix(name, prefix) || strings.HasSuffix(name, tmpFileSuffix) {
			continue
		}
		ts, err := strconv.ParseInt(strings.TrimPrefix(name, prefix), 10, 64)
		if err != nil {
			log.Warn("ignore unexpected file in state storage", zap.String("dir", s.dir), zap.String("file", name))
			continue
		}
		timestamps = append(timestamps, ts)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })
	return timestamps, nil
}

func (s *LocalStorage) ListSnapshots() ([]int64, error) {
	timestamps, err := s.listFiles(snapshotFilePrefix)
	if err != nil {
		return nil, err
	}
	reverse(timestamps)
	return timestamps, nil
}

func reverse(ts []int64) {
	for i, j := 0, len(ts)-1; i < j; i, j = i+1, j-1 {
		ts[i], ts[j] = ts[j], ts[i]
	}
}

func (s *LocalStorage) DeleteOldSnapshots(retain int) (int64, error) {
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
	for _, ts := range timestamps[retain:] {
		if _, err := util.DeleteFileIfExists(s.snapshotPath(ts)); err != nil {
			storageErrorCounter.WithLabelValues("delete").Inc()
			return 0, err
		}
		log.Info("old snapshot deleted", zap.String("dir", s.dir), zap.Int64("timestamp", ts))
	}
	return timestamps[retain-1], nil
}

func (s *LocalStorage) CreateLogWriter(ts int64) (txlog.Writer, error) {
	w, err := txlog.NewFileWriter(s.logPath(ts))
	if err != nil {
		return nil, err
	}
	// Make the new file visible to ListLogs after a crash.
	if err = util.SyncDir(s.dir); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (s *LocalStorage) ListLogs() ([]int64, error) {
	return s.listFiles(logFilePrefix)
}

func (s *LocalStorage) OpenLog(ts int64) (txlog.Reader, error) {
	return txlog.OpenFileReader(s.logPath(ts))
}

func (s *LocalStorage) DeleteLogsOlderThan(ts int64) error {
	timestamps, err := s.ListLogs()
	if err != nil {
		return err
	}
	for _, logTs := range timestamps {
		if logTs >= ts {
			break
		}
		if _, err := util.DeleteFileIfExists(s.logPath(logTs)); err != nil {
			storageErrorCounter.WithLabelValues("delete").Inc()
			return err
		}
		log.Info("old transaction log deleted", zap.String("dir", s.dir), zap.Int64("timestamp", logTs))
	}
	return nil
}
