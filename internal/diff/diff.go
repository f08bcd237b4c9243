// Package diff computes structural differences between two ordered
// mailbox snapshots. It is pure: no I/O, no shared state.
package diff

import (
	"github.com/marpies/mailcache/internal/model"
)

// Result holds the index sets of a snapshot comparison. Removes
// indexes into the old snapshot; Inserts and Updates index into the
// new one. A nil *Result means "no incremental update": either
// nothing changed, or the old snapshot was empty and the consumer
// must treat the new one as a full replace.
type Result struct {
	Removes map[int]struct{}
	Inserts map[int]struct{}
	Updates map[int]struct{}
}

// Empty reports whether all three index sets are empty.
func (r *Result) Empty() bool {
	return len(r.Removes) == 0 && len(r.Inserts) == 0 && len(r.Updates) == 0
}

// Diff compares two snapshots of the same (label, kind) pair.
// hinted names ids the caller already knows changed (event payload
// hints); their indices in the new snapshot are reported as updates
// even when the hash matches. Removal and insertion take precedence:
// an index never appears both in Updates and in Removes/Inserts.
func Diff(old, new *model.Snapshot, hinted map[string]struct{}) *Result {
	// An empty-to-non-empty transition is a fresh load, not an
	// incremental update.
	if old.Empty() {
		return nil
	}

	oldHash := make(map[string]uint64, len(old.Items))
	for _, it := range old.Items {
		oldHash[it.ID] = it.Hash()
	}
	newIDs := new.IDSet()

	result := &Result{
		Removes: make(map[int]struct{}),
		Inserts: make(map[int]struct{}),
		Updates: make(map[int]struct{}),
	}

	for i, it := range old.Items {
		if _, ok := newIDs[it.ID]; !ok {
			result.Removes[i] = struct{}{}
		}
	}

	for i, it := range new.Items {
		prevHash, existed := oldHash[it.ID]
		if !existed {
			result.Inserts[i] = struct{}{}
			continue
		}

		if _, ok := hinted[it.ID]; ok {
			result.Updates[i] = struct{}{}
			continue
		}
		if prevHash != it.Hash() {
			result.Updates[i] = struct{}{}
		}
	}

	// Removal/insertion win over update for the same index value.
	for i := range result.Removes {
		delete(result.Updates, i)
	}
	for i := range result.Inserts {
		delete(result.Updates, i)
	}

	if result.Empty() {
		return nil
	}
	return result
}
