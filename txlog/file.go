package txlog

import (
	"bufio"
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Every record of a log file is [uint32 length][uint32 crc32 of payload][payload].
const (
	recordHeaderSize = 8
	maxRecordSize    = 64 << 20

	fileBufferSize = 256 * 1024
)

// FileWriter appends entries to a log file.
type FileWriter struct {
	path string

	mu       sync.Mutex
	file     *os.File
	buf      *bufio.Writer
	appended uint64
	closed   bool

	gc *GroupCommitter
}

// NewFileWriter creates the log file at path. The file must not exist.
func NewFileWriter(path string) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &FileWriter{
		path: path,
		file: f,
		buf:  bufio.NewWriterSize(f, fileBufferSize),
		gc:   NewGroupCommitter(path),
	}, nil
}

func (w *FileWriter) Append(entry *Entry) error {
	if err := w.gc.Faulted(); err != nil {
		return err
	}
	payload, err := entry.Marshal()
	if err != nil {
		return err
	}
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:], crc32.ChecksumIEEE(payload))

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if _, err = w.buf.Write(header[:]); err == nil {
		_, err = w.buf.Write(payload)
	}
	if err != nil {
		w.gc.setFaulted(err)
		return errors.Annotatef(ErrWriterFaulted, "append to %s: %v", w.path, err)
	}
	w.appended++
	appendedEntriesCounter.WithLabelValues(entry.Type.String()).Inc()
	return nil
}

func (w *FileWriter) Sync(ctx context.Context) error {
	w.mu.Lock()
	seq := w.appended
	w.mu.Unlock()
	return w.gc.Sync(ctx, seq, w.flush)
}

func (w *FileWriter) flush() (uint64, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, ErrWriterClosed
	}
	upTo := w.appended
	err := w.buf.Flush()
	w.mu.Unlock()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	// Appends can go on while the file is fsynced.
	return upTo, errors.WithStack(w.file.Sync())
}

func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.gc.Faulted() == nil {
		if err := w.buf.Flush(); err != nil {
			log.Warn("flush transaction log on close failed", zap.String("path", w.path), zap.Error(err))
		}
	}
	return errors.WithStack(w.file.Close())
}

// FileReader reads a log file written by FileWriter.
type FileReader struct {
	path   string
	file   *os.File
	buf    *bufio.Reader
	size   int64
	offset int64
}

func OpenFileReader(path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.WithStack(err)
	}
	return &FileReader{
		path: path,
		file: f,
		buf:  bufio.NewReaderSize(f, fileBufferSize),
		size: fi.Size(),
	}, nil
}

func (r *FileReader) tornTail(reason string) error {
	log.Warn("ignore torn record at the end of transaction log",
		zap.String("path", r.path), zap.Int64("offset", r.offset), zap.String("reason", reason))
	r.offset = r.size
	return io.EOF
}

func (r *FileReader) Next() (*Entry, error) {
	if r.offset >= r.size {
		return nil, io.EOF
	}
	if r.size-r.offset < recordHeaderSize {
		return nil, r.tornTail("short header")
	}
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.buf, header[:]); err != nil {
		return nil, errors.WithStack(err)
	}
	length := int64(binary.LittleEndian.Uint32(header[:4]))
	checksum := binary.LittleEndian.Uint32(header[4:])
	end := r.offset + recordHeaderSize + length
	if end > r.size {
		return nil, r.tornTail("short payload")
	}
	if length > maxRecordSize {
		return nil, errors.Annotatef(ErrCorruptLog, "%s: record of %d bytes at offset %d", r.path, length, r.offset)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r.buf, payload); err != nil {
		return nil, errors.WithStack(err)
	}
	if crc32.ChecksumIEEE(payload) != checksum {
		if end == r.size {
			return nil, r.tornTail("checksum mismatch")
		}
		return nil, errors.Annotatef(ErrCorruptLog, "%s: checksum mismatch at offset %d", r.path, r.offset)
	}
	entry, err := UnmarshalEntry(payload)
	if err != nil {
		return nil, errors.Annotatef(ErrCorruptLog, "%s: bad entry at offset %d: %v", r.path, r.offset, err)
	}
	r.offset = end
	return entry, nil
}

func (r *FileReader) Close() error {
	return errors.WithStack(r.file.Close())
}
