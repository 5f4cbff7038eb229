package snapshot

import (
	"github.com/google/btree"
	"github.com/pingcap-incubator/tinytx/txlog"
	"github.com/pingcap/errors"
)

const btreeDegree = 32

type idItem uint64

func (i idItem) Less(than btree.Item) bool {
	return i < than.(idItem)
}

type inProgressItem struct {
	id uint64
	tx InProgressTx
}

func (i *inProgressItem) Less(than btree.Item) bool {
	return i.id < than.(*inProgressItem).id
}

type changeSetItem struct {
	commitPointer uint64
	set           ChangeSet
}

func (i *changeSetItem) Less(than btree.Item) bool {
	return i.commitPointer < than.(*changeSetItem).commitPointer
}

// State is the transaction state owned by the authority. It changes only by
// applying log entries, so replaying a log onto the snapshot it started from
// gives back the same state. State is not safe for concurrent use.
type State struct {
	readPointer  uint64
	writePointer uint64
	inProgress   *btree.BTree
	invalid      *btree.BTree
	changeSets   *btree.BTree
	// Change sets committed this far below the pruning horizon are still kept.
	pruneGrace uint64
}

func NewState() *State {
	return &State{
		inProgress: btree.New(btreeDegree),
		invalid:    btree.New(btreeDegree),
		changeSets: btree.New(btreeDegree),
	}
}

func NewStateFromSnapshot(snap *Snapshot) *State {
	s := NewState()
	if snap == nil {
		return s
	}
	s.readPointer = snap.readPointer
	s.writePointer = snap.writePointer
	for _, id := range snap.invalid {
		s.invalid.ReplaceOrInsert(idItem(id))
	}
	for id, tx := range snap.inProgress {
		s.inProgress.ReplaceOrInsert(&inProgressItem{id: id, tx: tx})
	}
	for cp, cs := range snap.changeSets {
		s.changeSets.ReplaceOrInsert(&changeSetItem{commitPointer: cp, set: copyChangeSet(cs)})
	}
	return s
}

// SetChangeSetPruneGrace sets the grace window, in transaction ID units.
func (s *State) SetChangeSetPruneGrace(grace uint64) {
	s.pruneGrace = grace
}

func (s *State) ReadPointer() uint64  { return s.readPointer }
func (s *State) WritePointer() uint64 { return s.writePointer }

func (s *State) VisibilityUpperBound() uint64 {
	if min := s.inProgress.Min(); min != nil {
		return min.(*inProgressItem).id
	}
	return s.readPointer
}

func (s *State) IsInProgress(id uint64) bool {
	return s.inProgress.Has(&inProgressItem{id: id})
}

func (s *State) IsInvalid(id uint64) bool {
	return s.invalid.Has(idItem(id))
}

func (s *State) NumInProgress() int { return s.inProgress.Len() }

// InProgressIDs returns the in-progress transaction IDs in ascending order.
func (s *State) InProgressIDs() []uint64 {
	ids := make([]uint64, 0, s.inProgress.Len())
	s.inProgress.Ascend(func(i btree.Item) bool {
		ids = append(ids, i.(*inProgressItem).id)
		return true
	})
	return ids
}

// Expired returns the in-progress transactions whose expiration is before nowMs.
func (s *State) Expired(nowMs int64) []uint64 {
	var ids []uint64
	s.inProgress.Ascend(func(i btree.Item) bool {
		item := i.(*inProgressItem)
		if item.tx.Expiration < nowMs {
			ids = append(ids, item.id)
		}
		return true
	})
	return ids
}

func maxID(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// Apply applies one log entry. Applying the same entry twice has no further effect.
func (s *State) Apply(e *txlog.Entry) error {
	switch e.Type {
	case txlog.BeginTx:
		s.inProgress.ReplaceOrInsert(&inProgressItem{
			id: e.TxID,
			tx: InProgressTx{Expiration: e.Expiration, VisibilityUpperBound: e.VisibilityUpperBound},
		})
		s.writePointer = maxID(s.writePointer, e.TxID)
	case txlog.CommitTx:
		s.inProgress.Delete(&inProgressItem{id: e.TxID})
		s.readPointer = maxID(s.readPointer, e.TxID)
		s.writePointer = maxID(s.writePointer, maxID(e.TxID, e.CommitPointer))
		if len(e.Changes) > 0 {
			s.changeSets.ReplaceOrInsert(&changeSetItem{
				commitPointer: e.CommitPointer,
				set:           copyChangeSet(ChangeSet{TxID: e.TxID, Changes: e.Changes}),
			})
		}
		s.pruneChangeSets()
	case txlog.AbortTx:
		s.inProgress.Delete(&inProgressItem{id: e.TxID})
	case txlog.InvalidateTx:
		s.inProgress.Delete(&inProgressItem{id: e.TxID})
		s.invalid.ReplaceOrInsert(idItem(e.TxID))
	case txlog.MoveVisibilityBound:
		s.readPointer = maxID(s.readPointer, e.TxID)
		s.writePointer = maxID(s.writePointer, e.TxID)
	default:
		return errors.Errorf("unknown log entry type %v", e.Type)
	}
	return nil
}

// pruneChangeSets drops the change sets no running or future transaction can
// conflict with. A transaction needs every change set committed at or after
// its own ID, so everything below the oldest in-progress ID is unneeded.
func (s *State) pruneChangeSets() {
	horizon := s.writePointer + 1
	if min := s.inProgress.Min(); min != nil {
		horizon = min.(*inProgressItem).id
	}
	if horizon <= s.pruneGrace {
		return
	}
	horizon -= s.pruneGrace
	for {
		min := s.changeSets.Min()
		if min == nil || min.(*changeSetItem).commitPointer >= horizon {
			return
		}
		s.changeSets.DeleteMin()
	}
}

// Snapshot exports the state as an immutable snapshot taken at nowMs.
func (s *State) Snapshot(nowMs int64) *Snapshot {
	snap := &Snapshot{
		timestamp:     nowMs,
		readPointer:   s.readPointer,
		writePointer:  s.writePointer,
		invalid:       make([]uint64, 0, s.invalid.Len()),
		inProgress:    make(map[uint64]InProgressTx, s.inProgress.Len()),
		inProgressIDs: make([]uint64, 0, s.inProgress.Len()),
		changeSets:    make(map[uint64]ChangeSet, s.changeSets.Len()),
	}
	s.invalid.Ascend(func(i btree.Item) bool {
		snap.invalid = append(snap.invalid, uint64(i.(idItem)))
		return true
	})
	s.inProgress.Ascend(func(i btree.Item) bool {
		item := i.(*inProgressItem)
		snap.inProgress[item.id] = item.tx
		snap.inProgressIDs = append(snap.inProgressIDs, item.id)
		return true
	})
	s.changeSets.Ascend(func(i btree.Item) bool {
		item := i.(*changeSetItem)
		snap.changeSets[item.commitPointer] = copyChangeSet(item.set)
		return true
	})
	snap.visibilityUpperBound = s.readPointer
	if len(snap.inProgressIDs) > 0 {
		snap.visibilityUpperBound = snap.inProgressIDs[0]
	}
	return snap
}

// NewTransaction builds the reader view of transaction id, which must have
// been begun in this state.
func (s *State) NewTransaction(id uint64) *Transaction {
	tx := &Transaction{
		ID:                   id,
		ReadPointer:          s.readPointer,
		VisibilityUpperBound: s.readPointer,
	}
	s.inProgress.Ascend(func(i btree.Item) bool {
		if other := i.(*inProgressItem).id; other != id {
			tx.Excluded = append(tx.Excluded, other)
		}
		return true
	})
	if len(tx.Excluded) > 0 {
		tx.VisibilityUpperBound = tx.Excluded[0]
	}
	return tx
}
