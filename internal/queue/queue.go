// Package queue implements the durable offline mutation queue: a
// FIFO list of user-initiated mutations awaiting remote application,
// persisted to disk on every change so it survives process restarts.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marpies/mailcache/internal/model"
)

// schemaVersion is the current persisted file format version.
const schemaVersion = 1

// Entry is a single pending mutation. Entries are removed only on a
// terminal drain decision, never reordered.
type Entry struct {
	ID         uuid.UUID    `json:"id"`
	TargetIDs  []string     `json:"target_ids"`
	Action     model.Action `json:"action"`
	Data1      string       `json:"data1"`
	Data2      string       `json:"data2"`
	UserID     string       `json:"user_id"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
	Attempts   int          `json:"attempts"`
}

// HasTarget reports whether the entry mutates the given id.
func (e Entry) HasTarget(targetID string) bool {
	for _, id := range e.TargetIDs {
		if id == targetID {
			return true
		}
	}
	return false
}

// fileState is the on-disk representation of the queue.
type fileState struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Queue is a durable, ordered, single-writer mutation queue. All
// mutations run under one mutex and persist with an atomic
// write-to-temp-then-rename, so a crash mid-write cannot truncate
// the file.
type Queue struct {
	path string

	mu      sync.Mutex
	entries []Entry

	// Process-local drain gates; never persisted.
	inProgress           bool
	blocked              bool
	verificationRequired bool
}

// Open loads (or creates) the queue backed by the file at path.
func Open(path string) (*Queue, error) {
	if path == "" {
		return nil, errors.New("queue path must not be empty")
	}
	q := &Queue{path: path, entries: []Entry{}}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// Enqueue appends a new pending mutation and returns its id. The
// entry is always appended; a persistence failure is reported but
// does not reject the mutation.
func (q *Queue) Enqueue(
	targetIDs []string,
	action model.Action,
	data1, data2 string,
	userID string,
) (uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := Entry{
		ID:         uuid.New(),
		TargetIDs:  append([]string(nil), targetIDs...),
		Action:     action,
		Data1:      data1,
		Data2:      data2,
		UserID:     userID,
		EnqueuedAt: time.Now().UTC(),
	}
	q.entries = append(q.entries, entry)

	if err := q.saveLocked(); err != nil {
		return entry.ID, fmt.Errorf("persisting queue: %w", err)
	}
	return entry.ID, nil
}

// PeekHead returns the first entry without removing it. It returns
// false when the queue is empty or when a drain gate (in-progress,
// blocked, verification pending) is set.
func (q *Queue) PeekHead() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 || q.inProgress || q.blocked || q.verificationRequired {
		return Entry{}, false
	}
	return q.entries[0], true
}

// ClaimHead atomically peeks the head entry and takes the
// single-flight gate in one critical section, so two concurrent
// drains can never claim the same entry. The claimer must release
// the gate with SetInProgress(false) once the dispatch settles.
func (q *Queue) ClaimHead() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 || q.inProgress || q.blocked || q.verificationRequired {
		return Entry{}, false
	}
	q.inProgress = true
	return q.entries[0], true
}

// Remove deletes the entry with the given id, reporting whether it
// was present. Order of the remaining entries is unchanged.
func (q *Queue) Remove(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			_ = q.saveLocked()
			return true
		}
	}
	return false
}

// Dedupe drops the given target from queued entries whose action is
// in superseded, so a new mutation cancels the stale ones it
// replaces. Label and unlabel entries are cancelled only when they
// carry the same label id; an unlabel of Starred must survive a
// later apply of an unrelated label. Entries left with no targets
// are removed entirely.
func (q *Queue) Dedupe(targetID string, labelID string, superseded []model.Action) {
	if len(superseded) == 0 {
		return
	}
	set := make(map[model.Action]struct{}, len(superseded))
	for _, a := range superseded {
		set[a] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	changed := false
	kept := q.entries[:0]
	for _, e := range q.entries {
		if _, ok := set[e.Action]; !ok || !e.HasTarget(targetID) {
			kept = append(kept, e)
			continue
		}
		if labelScoped(e.Action) && e.Data1 != labelID {
			kept = append(kept, e)
			continue
		}
		changed = true
		targets := e.TargetIDs[:0]
		for _, id := range e.TargetIDs {
			if id != targetID {
				targets = append(targets, id)
			}
		}
		if len(targets) > 0 {
			e.TargetIDs = targets
			kept = append(kept, e)
		}
	}
	q.entries = kept

	if changed {
		_ = q.saveLocked()
	}
}

// labelScoped reports whether an action's supersede match must also
// compare the label id carried in Data1.
func labelScoped(a model.Action) bool {
	return a == model.ActionLabel || a == model.ActionUnlabel
}

// RemoveAll purges every entry belonging to the given user, used on
// sign-out.
func (q *Queue) RemoveAll(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.UserID != userID {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(q.entries) {
		return
	}
	q.entries = kept
	_ = q.saveLocked()
}

// QueuedIDs returns the union of all target ids currently queued.
func (q *Queue) QueuedIDs() map[string]struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make(map[string]struct{})
	for _, e := range q.entries {
		for _, id := range e.TargetIDs {
			ids[id] = struct{}{}
		}
	}
	return ids
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// BumpAttempts increments the dispatch counter for the given entry.
func (q *Queue) BumpAttempts(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.entries {
		if q.entries[i].ID == id {
			q.entries[i].Attempts++
			_ = q.saveLocked()
			return
		}
	}
}

// SetInProgress marks (or clears) the single-flight gate.
func (q *Queue) SetInProgress(v bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inProgress = v
}

// InProgress reports whether a dispatch is currently in flight.
func (q *Queue) InProgress() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inProgress
}

// SetBlocked pauses or resumes draining without touching entries.
func (q *Queue) SetBlocked(v bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.blocked = v
}

// Blocked reports whether draining is paused.
func (q *Queue) Blocked() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.blocked
}

// SetVerificationRequired pauses the queue until an out-of-band
// human verification challenge completes.
func (q *Queue) SetVerificationRequired(v bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.verificationRequired = v
}

// VerificationRequired reports whether the queue is paused on a
// verification challenge.
func (q *Queue) VerificationRequired() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.verificationRequired
}

func (q *Queue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading queue file: %w", err)
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decoding queue file: %w", err)
	}
	state = migrate(state)
	if state.Version != schemaVersion {
		return fmt.Errorf("unsupported queue file version %d", state.Version)
	}

	q.entries = append([]Entry(nil), state.Entries...)
	return nil
}

// migrate upgrades older persisted formats in place. Version 0 files
// predate the version field and carry the v1 entry layout.
func migrate(state fileState) fileState {
	if state.Version == 0 {
		state.Version = schemaVersion
	}
	return state
}

func (q *Queue) saveLocked() error {
	state := fileState{
		Version: schemaVersion,
		Entries: append([]Entry(nil), q.entries...),
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
