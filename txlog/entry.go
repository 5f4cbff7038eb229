package txlog

import (
	"fmt"

	"github.com/gogo/protobuf/proto"
	"github.com/pingcap/errors"
)

// EntryType is the kind of state edit recorded by an Entry.
type EntryType int32

const (
	BeginTx EntryType = iota + 1
	CommitTx
	AbortTx
	InvalidateTx
	MoveVisibilityBound
)

func (t EntryType) String() string {
	switch t {
	case BeginTx:
		return "begin"
	case CommitTx:
		return "commit"
	case AbortTx:
		return "abort"
	case InvalidateTx:
		return "invalidate"
	case MoveVisibilityBound:
		return "move_visibility_bound"
	}
	return fmt.Sprintf("unknown(%d)", int32(t))
}

// Entry is a single edit of the transaction state. Entries are never changed
// after they are appended.
type Entry struct {
	Type EntryType
	TxID uint64
	// Expiration is the wall clock time in ms after which a BeginTx transaction
	// is invalidated.
	Expiration int64
	// VisibilityUpperBound is the bound in effect when a BeginTx transaction started.
	VisibilityUpperBound uint64
	// CommitPointer is the write pointer at commit time, CommitTx only.
	CommitPointer uint64
	Changes       [][]byte
}

func NewBeginEntry(txID uint64, expiration int64, visibilityUpperBound uint64) *Entry {
	return &Entry{Type: BeginTx, TxID: txID, Expiration: expiration, VisibilityUpperBound: visibilityUpperBound}
}

func NewCommitEntry(txID, commitPointer uint64, changes [][]byte) *Entry {
	return &Entry{Type: CommitTx, TxID: txID, CommitPointer: commitPointer, Changes: changes}
}

func NewAbortEntry(txID uint64) *Entry {
	return &Entry{Type: AbortTx, TxID: txID}
}

func NewInvalidateEntry(txID uint64) *Entry {
	return &Entry{Type: InvalidateTx, TxID: txID}
}

func NewMoveVisibilityBoundEntry(txID uint64) *Entry {
	return &Entry{Type: MoveVisibilityBound, TxID: txID}
}

func (e *Entry) String() string {
	switch e.Type {
	case BeginTx:
		return fmt.Sprintf("%s tx %d expiration %d vub %d", e.Type, e.TxID, e.Expiration, e.VisibilityUpperBound)
	case CommitTx:
		return fmt.Sprintf("%s tx %d commit pointer %d changes %d", e.Type, e.TxID, e.CommitPointer, len(e.Changes))
	}
	return fmt.Sprintf("%s tx %d", e.Type, e.TxID)
}

// Protobuf wire field numbers of an encoded entry.
const (
	fieldType                 = 1
	fieldTxID                 = 2
	fieldExpiration           = 3
	fieldVisibilityUpperBound = 4
	fieldCommitPointer        = 5
	fieldChanges              = 6

	wireVarint = 0
	wireBytes  = 2
)

func encodeTag(buf *proto.Buffer, field, wire uint64) error {
	return buf.EncodeVarint(field<<3 | wire)
}

func encodeVarintField(buf *proto.Buffer, field, v uint64) error {
	if v == 0 {
		return nil
	}
	if err := encodeTag(buf, field, wireVarint); err != nil {
		return err
	}
	return buf.EncodeVarint(v)
}

// Marshal encodes the entry as a protobuf message.
func (e *Entry) Marshal() ([]byte, error) {
	buf := proto.NewBuffer(make([]byte, 0, 32+e.changesSize()))
	if err := encodeVarintField(buf, fieldType, uint64(e.Type)); err != nil {
		return nil, errors.Trace(err)
	}
	if err := encodeVarintField(buf, fieldTxID, e.TxID); err != nil {
		return nil, errors.Trace(err)
	}
	if err := encodeVarintField(buf, fieldExpiration, uint64(e.Expiration)); err != nil {
		return nil, errors.Trace(err)
	}
	if err := encodeVarintField(buf, fieldVisibilityUpperBound, e.VisibilityUpperBound); err != nil {
		return nil, errors.Trace(err)
	}
	if err := encodeVarintField(buf, fieldCommitPointer, e.CommitPointer); err != nil {
		return nil, errors.Trace(err)
	}
	for _, change := range e.Changes {
		if err := encodeTag(buf, fieldChanges, wireBytes); err != nil {
			return nil, errors.Trace(err)
		}
		if err := buf.EncodeRawBytes(change); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return buf.Bytes(), nil
}

func (e *Entry) changesSize() int {
	size := 0
	for _, c := range e.Changes {
		size += len(c) + proto.SizeVarint(uint64(len(c))) + 1
	}
	return size
}

func decodeVarint(data []byte) (uint64, []byte, error) {
	v, n := proto.DecodeVarint(data)
	if n == 0 {
		return 0, nil, errors.New("truncated varint")
	}
	return v, data[n:], nil
}

func decodeBytes(data []byte) ([]byte, []byte, error) {
	l, data, err := decodeVarint(data)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(data)) < l {
		return nil, nil, errors.Errorf("bytes field needs %d bytes, %d left", l, len(data))
	}
	return data[:l:l], data[l:], nil
}

// UnmarshalEntry decodes an entry produced by Entry.Marshal. Unknown fields are skipped.
func UnmarshalEntry(data []byte) (*Entry, error) {
	e := new(Entry)
	for len(data) > 0 {
		var (
			key, v uint64
			b      []byte
			err    error
		)
		if key, data, err = decodeVarint(data); err != nil {
			return nil, errors.Trace(err)
		}
		field, wire := key>>3, key&7
		switch wire {
		case wireVarint:
			v, data, err = decodeVarint(data)
		case wireBytes:
			b, data, err = decodeBytes(data)
		default:
			err = errors.Errorf("unsupported wire type %d of field %d", wire, field)
		}
		if err != nil {
			return nil, errors.Trace(err)
		}
		switch field {
		case fieldType:
			e.Type = EntryType(v)
		case fieldTxID:
			e.TxID = v
		case fieldExpiration:
			e.Expiration = int64(v)
		case fieldVisibilityUpperBound:
			e.VisibilityUpperBound = v
		case fieldCommitPointer:
			e.CommitPointer = v
		case fieldChanges:
			e.Changes = append(e.Changes, append([]byte{}, b...))
		}
	}
	if e.Type < BeginTx || e.Type > MoveVisibilityBound {
		return nil, errors.Errorf("invalid entry type %d", int32(e.Type))
	}
	return e, nil
}
