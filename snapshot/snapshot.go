package snapshot

import (
	"bytes"
	"fmt"
	"sort"
)

// InProgressTx is what the authority remembers about a running transaction.
type InProgressTx struct {
	// Expiration is the wall clock time in ms after which the transaction is invalidated.
	Expiration int64
	// VisibilityUpperBound is the bound that was in effect when the transaction started.
	VisibilityUpperBound uint64
}

// ChangeSet is the set of change keys written by a committed transaction.
type ChangeSet struct {
	TxID    uint64
	Changes [][]byte
}

// Snapshot is an immutable copy of the transaction state at one point in time.
// Every accessor returning a collection returns a copy.
type Snapshot struct {
	timestamp            int64
	readPointer          uint64
	writePointer         uint64
	visibilityUpperBound uint64
	invalid              []uint64
	inProgress           map[uint64]InProgressTx
	inProgressIDs        []uint64
	changeSets           map[uint64]ChangeSet
}

// NewSnapshot builds a snapshot. changeSets is keyed by commit pointer. The
// arguments are copied.
func NewSnapshot(timestamp int64, readPointer, writePointer uint64, invalid []uint64,
	inProgress map[uint64]InProgressTx, changeSets map[uint64]ChangeSet) *Snapshot {
	s := &Snapshot{
		timestamp:    timestamp,
		readPointer:  readPointer,
		writePointer: writePointer,
		invalid:      append(make([]uint64, 0, len(invalid)), invalid...),
		inProgress:   make(map[uint64]InProgressTx, len(inProgress)),
		changeSets:   make(map[uint64]ChangeSet, len(changeSets)),
	}
	sortIDs(s.invalid)
	s.inProgressIDs = make([]uint64, 0, len(inProgress))
	for id, tx := range inProgress {
		s.inProgress[id] = tx
		s.inProgressIDs = append(s.inProgressIDs, id)
	}
	sortIDs(s.inProgressIDs)
	for cp, cs := range changeSets {
		s.changeSets[cp] = copyChangeSet(cs)
	}
	s.visibilityUpperBound = readPointer
	if len(s.inProgressIDs) > 0 {
		s.visibilityUpperBound = s.inProgressIDs[0]
	}
	return s
}

func copyChangeSet(cs ChangeSet) ChangeSet {
	changes := make([][]byte, len(cs.Changes))
	for i, c := range cs.Changes {
		changes[i] = append([]byte{}, c...)
	}
	return ChangeSet{TxID: cs.TxID, Changes: changes}
}

func sortIDs(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func searchID(ids []uint64, id uint64) bool {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	return i < len(ids) && ids[i] == id
}

// Timestamp is the wall clock time in ms at which the snapshot was taken.
func (s *Snapshot) Timestamp() int64 { return s.timestamp }

// ReadPointer is the highest committed transaction ID.
func (s *Snapshot) ReadPointer() uint64 { return s.readPointer }

// WritePointer is the highest transaction ID ever issued.
func (s *Snapshot) WritePointer() uint64 { return s.writePointer }

// VisibilityUpperBound is the lowest in-progress transaction ID, or the read
// pointer when nothing is in progress. Every version at or below it has been
// decided.
func (s *Snapshot) VisibilityUpperBound() uint64 { return s.visibilityUpperBound }

// Invalid returns the invalid transaction IDs in ascending order.
func (s *Snapshot) Invalid() []uint64 {
	return append([]uint64{}, s.invalid...)
}

func (s *Snapshot) IsInvalid(id uint64) bool {
	return searchID(s.invalid, id)
}

func (s *Snapshot) InProgress() map[uint64]InProgressTx {
	m := make(map[uint64]InProgressTx, len(s.inProgress))
	for id, tx := range s.inProgress {
		m[id] = tx
	}
	return m
}

// InProgressIDs returns the in-progress transaction IDs in ascending order.
func (s *Snapshot) InProgressIDs() []uint64 {
	return append([]uint64{}, s.inProgressIDs...)
}

func (s *Snapshot) IsInProgress(id uint64) bool {
	_, ok := s.inProgress[id]
	return ok
}

func (s *Snapshot) InProgressTx(id uint64) (InProgressTx, bool) {
	tx, ok := s.inProgress[id]
	return tx, ok
}

// CommittedChangeSets returns the retained change sets keyed by commit pointer.
func (s *Snapshot) CommittedChangeSets() map[uint64]ChangeSet {
	m := make(map[uint64]ChangeSet, len(s.changeSets))
	for cp, cs := range s.changeSets {
		m[cp] = copyChangeSet(cs)
	}
	return m
}

// ChangeSetsSince returns the change sets committed after transaction id
// started, ordered by commit pointer.
func (s *Snapshot) ChangeSetsSince(id uint64) []ChangeSet {
	cps := make([]uint64, 0, len(s.changeSets))
	for cp := range s.changeSets {
		if cp >= id {
			cps = append(cps, cp)
		}
	}
	sortIDs(cps)
	sets := make([]ChangeSet, 0, len(cps))
	for _, cp := range cps {
		sets = append(sets, copyChangeSet(s.changeSets[cp]))
	}
	return sets
}

func (s *Snapshot) NumChangeSets() int { return len(s.changeSets) }

// Equal reports whether both snapshots hold the same state. The timestamp is ignored.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.readPointer != o.readPointer || s.writePointer != o.writePointer ||
		len(s.invalid) != len(o.invalid) || len(s.inProgress) != len(o.inProgress) ||
		len(s.changeSets) != len(o.changeSets) {
		return false
	}
	for i := range s.invalid {
		if s.invalid[i] != o.invalid[i] {
			return false
		}
	}
	for id, tx := range s.inProgress {
		if otx, ok := o.inProgress[id]; !ok || otx != tx {
			return false
		}
	}
	for cp, cs := range s.changeSets {
		ocs, ok := o.changeSets[cp]
		if !ok || ocs.TxID != cs.TxID || len(ocs.Changes) != len(cs.Changes) {
			return false
		}
		for i := range cs.Changes {
			if !bytes.Equal(cs.Changes[i], ocs.Changes[i]) {
				return false
			}
		}
	}
	return true
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("snapshot{timestamp: %d, read pointer: %d, write pointer: %d, visibility upper bound: %d, "+
		"invalid: %d, in progress: %d, change sets: %d}", s.timestamp, s.readPointer, s.writePointer,
		s.visibilityUpperBound, len(s.invalid), len(s.inProgress), len(s.changeSets))
}

// Transaction is the view of the state a transaction gets when it starts.
type Transaction struct {
	ID          uint64
	ReadPointer uint64
	// Excluded holds the transactions in progress when this one started, ascending.
	Excluded             []uint64
	VisibilityUpperBound uint64
}

func (t *Transaction) IsExcluded(id uint64) bool {
	return searchID(t.Excluded, id)
}

// IsVisible tells whether a version written by transaction id is visible to t.
// Invalid transactions are not known here and have to be checked separately.
func (t *Transaction) IsVisible(id uint64) bool {
	if id == t.ID {
		return true
	}
	return id <= t.ReadPointer && !t.IsExcluded(id)
}
