package store

import (
	"context"
	"time"

	"github.com/marpies/mailcache/internal/model"
)

// FetchFilter controls a mailbox read from the cache.
type FetchFilter struct {
	// LabelID restricts results to one mailbox/label.
	LabelID string

	// Kind selects conversation rows or message rows.
	Kind model.ItemKind

	// OlderThan, when non-zero, returns only items strictly older
	// than the given time (pagination bound).
	OlderThan time.Time

	// Limit caps the number of returned items; 0 means no cap.
	Limit int
}

// Store is the persistence interface for the local mailbox cache.
// It is the single source of truth for converting raw wire records
// into display items.
type Store interface {
	// === Raw record ingestion ===

	SaveConversations(ctx context.Context, userID string, raw []model.RawConversation) error
	SaveMessages(ctx context.Context, userID string, raw []model.RawMessage) error

	// === Mailbox reads ===

	FetchByLabel(ctx context.Context, userID string, filter FetchFilter) ([]model.Item, error)
	LoadByIDs(ctx context.Context, userID string, kind model.ItemKind, ids []string) ([]model.Item, error)

	// === Optimistic local mutations ===

	UpdateReadState(ctx context.Context, userID string, kind model.ItemKind, ids []string, unread bool) error
	UpdateLabel(ctx context.Context, userID string, kind model.ItemKind, ids []string, labelID string, apply bool, includeChildren bool) error
	Delete(ctx context.Context, userID string, kind model.ItemKind, ids []string) error

	// === Mailbox lifecycle ===

	CleanMailbox(ctx context.Context, userID string, removeDrafts bool) error

	// === Sync bookkeeping (key-value state) ===

	Cursor(ctx context.Context, userID string) (string, error)
	SetCursor(ctx context.Context, userID string, eventID string) error
	SetLabelFetchedAt(ctx context.Context, userID string, labelID string, at time.Time) error
	ClearLabelFetchTimes(ctx context.Context, userID string) error
}
