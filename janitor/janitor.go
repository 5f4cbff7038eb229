package janitor

import (
	"fmt"

	"github.com/pingcap-incubator/tinytx/snapshot"
	"github.com/pingcap-incubator/tinytx/util/tsoutil"
)

// Version is one version of a column, written by transaction TxID.
type Version struct {
	TxID   uint64
	Value  []byte
	Delete bool
}

func (v Version) String() string {
	if v.Delete {
		return fmt.Sprintf("delete@%d", v.TxID)
	}
	return fmt.Sprintf("put@%d", v.TxID)
}

// ColumnConfig holds the retention settings of a column family.
type ColumnConfig struct {
	// TTLMillis is how long a version lives below the visibility upper bound, 0 keeps forever.
	TTLMillis int64 `toml:"ttl-ms" json:"ttl-ms"`
	// MaxVersions is the number of versions kept per column, 0 keeps all.
	MaxVersions int `toml:"max-versions" json:"max-versions"`
}

// Reason is why a version is kept or dropped.
type Reason int

const (
	Keep Reason = iota
	DropInvalid
	DropDeleteMarker
	DropMasked
	DropExpired
	DropExcess
)

var reasonNames = map[Reason]string{
	Keep:             "keep",
	DropInvalid:      "invalid",
	DropDeleteMarker: "delete_marker",
	DropMasked:       "masked",
	DropExpired:      "expired",
	DropExcess:       "excess_version",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

type Decision struct {
	Version Version
	Reason  Reason
}

// decided tells whether the delete marker written by id takes effect.
func decided(snap *snapshot.Snapshot, id uint64) bool {
	return !snap.IsInvalid(id) && !snap.IsInProgress(id) && id <= snap.ReadPointer()
}

// Classify decides for every version of one column whether it survives a
// flush or compaction. versions must hold the whole column, newest first.
//
// Versions of invalid transactions are always dropped. A decided delete
// marker drops everything older. The marker itself is retired only at or
// below the visibility upper bound; above it a running transaction with a
// smaller ID may still write a version the marker has to hide. Versions
// above the bound, or written by a running transaction, are never dropped
// for age or count and do not use up MaxVersions. The TTL is measured from
// the visibility upper bound, not from the wall clock.
//
// With a nil snapshot every version is kept.
func Classify(snap *snapshot.Snapshot, cfg ColumnConfig, versions []Version) []Decision {
	decisions := make([]Decision, 0, len(versions))
	if snap == nil {
		for _, v := range versions {
			decisions = append(decisions, Decision{Version: v, Reason: Keep})
		}
		return decisions
	}
	vub := snap.VisibilityUpperBound()
	ttl := tsoutil.MillisToTS(cfg.TTLMillis)
	kept, masked := 0, false
	for _, v := range versions {
		reason := Keep
		protected := v.TxID > vub || snap.IsInProgress(v.TxID)
		switch {
		case snap.IsInvalid(v.TxID):
			reason = DropInvalid
		case masked:
			reason = DropMasked
		case v.Delete && decided(snap, v.TxID):
			masked = true
			if v.TxID <= vub {
				reason = DropDeleteMarker
			}
		case protected:
		case ttl > 0 && vub-v.TxID > ttl:
			reason = DropExpired
		case cfg.MaxVersions > 0 && kept >= cfg.MaxVersions:
			reason = DropExcess
		default:
			kept++
		}
		decisionCounter.WithLabelValues(reason.String()).Inc()
		decisions = append(decisions, Decision{Version: v, Reason: reason})
	}
	return decisions
}

// FilterForCleanup returns the versions of one column that survive a flush
// or compaction, newest first.
func FilterForCleanup(snap *snapshot.Snapshot, cfg ColumnConfig, versions []Version) []Version {
	kept := make([]Version, 0, len(versions))
	for _, d := range Classify(snap, cfg, versions) {
		if d.Reason == Keep {
			kept = append(kept, d.Version)
		}
	}
	return kept
}

// FilterForRead returns the versions of one column visible to tx, newest
// first. Nothing is deleted; versions the reader must not see are skipped.
// A visible delete marker hides every older version and is not returned.
func FilterForRead(snap *snapshot.Snapshot, tx *snapshot.Transaction, cfg ColumnConfig, versions []Version) []Version {
	var visible []Version
	ttl := tsoutil.MillisToTS(cfg.TTLMillis)
	for _, v := range versions {
		if snap != nil && snap.IsInvalid(v.TxID) {
			continue
		}
		if !tx.IsVisible(v.TxID) {
			continue
		}
		if v.Delete {
			break
		}
		if ttl > 0 && v.TxID < tx.VisibilityUpperBound && tx.VisibilityUpperBound-v.TxID > ttl {
			break
		}
		visible = append(visible, v)
		if cfg.MaxVersions > 0 && len(visible) >= cfg.MaxVersions {
			break
		}
	}
	return visible
}
