package txlog

import (
	"context"
	"io"

	"github.com/pingcap/errors"
)

var (
	// ErrWriterFaulted is returned by every call on a writer after a sync
	// failed or timed out. The owner has to roll to a new log.
	ErrWriterFaulted = errors.New("transaction log writer is faulted")
	// ErrSyncTimeout is returned when Sync does not finish before its context.
	ErrSyncTimeout = errors.New("transaction log sync timed out")
	// ErrCorruptLog is returned when a record before the end of a log fails its checksum.
	ErrCorruptLog = errors.New("transaction log is corrupt")
	// ErrWriterClosed is returned when appending to a closed writer.
	ErrWriterClosed = errors.New("transaction log writer is closed")
)

// Writer appends entries to one log. Append may be called from many
// goroutines; the order of the calls is the order in the log.
type Writer interface {
	Append(entry *Entry) error
	// Sync makes every entry appended before the call durable. It returns
	// ErrSyncTimeout if ctx is done first, after which the writer is faulted.
	Sync(ctx context.Context) error
	// Close releases the writer without syncing.
	Close() error
}

// Reader returns the entries of one log in append order, io.EOF at the end.
type Reader interface {
	Next() (*Entry, error)
	Close() error
}

// ReadAll drains r and closes it.
func ReadAll(r Reader) ([]*Entry, error) {
	defer r.Close()
	var entries []*Entry
	for {
		e, err := r.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
}

// IsFaulted tells whether err means the writer can no longer be used.
func IsFaulted(err error) bool {
	cause := errors.Cause(err)
	return cause == ErrWriterFaulted || cause == ErrSyncTimeout
}
