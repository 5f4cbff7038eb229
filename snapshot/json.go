package snapshot

import (
	"encoding/json"
	"sort"
)

type inProgressJSON struct {
	ID                   uint64 `json:"id"`
	Expiration           int64  `json:"expiration"`
	VisibilityUpperBound uint64 `json:"visibility_upper_bound"`
}

type changeSetJSON struct {
	CommitPointer uint64 `json:"commit_pointer"`
	TxID          uint64 `json:"tx_id"`
	Changes       int    `json:"changes"`
}

type snapshotJSON struct {
	Timestamp            int64            `json:"timestamp"`
	ReadPointer          uint64           `json:"read_pointer"`
	WritePointer         uint64           `json:"write_pointer"`
	VisibilityUpperBound uint64           `json:"visibility_upper_bound"`
	InProgress           []inProgressJSON `json:"in_progress"`
	Invalid              []uint64         `json:"invalid"`
	ChangeSets           []changeSetJSON  `json:"change_sets"`
}

// MarshalJSON renders a summary for diagnostics. Change keys are counted, not listed.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		Timestamp:            s.timestamp,
		ReadPointer:          s.readPointer,
		WritePointer:         s.writePointer,
		VisibilityUpperBound: s.visibilityUpperBound,
		InProgress:           make([]inProgressJSON, 0, len(s.inProgressIDs)),
		Invalid:              s.Invalid(),
		ChangeSets:           make([]changeSetJSON, 0, len(s.changeSets)),
	}
	for _, id := range s.inProgressIDs {
		tx := s.inProgress[id]
		out.InProgress = append(out.InProgress, inProgressJSON{
			ID:                   id,
			Expiration:           tx.Expiration,
			VisibilityUpperBound: tx.VisibilityUpperBound,
		})
	}
	for cp, cs := range s.changeSets {
		out.ChangeSets = append(out.ChangeSets, changeSetJSON{CommitPointer: cp, TxID: cs.TxID, Changes: len(cs.Changes)})
	}
	sort.Slice(out.ChangeSets, func(i, j int) bool {
		return out.ChangeSets[i].CommitPointer < out.ChangeSets[j].CommitPointer
	})
	return json.Marshal(out)
}
