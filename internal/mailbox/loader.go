// Package mailbox loads one (label, mode) mailbox view
// cache-then-network: the local cache paints instantly, fresh pages
// merge into the cache, and changes are reported as diffs against
// the previously dispatched snapshot.
package mailbox

import (
	"context"
	"fmt"
	"time"

	"github.com/marpies/mailcache/internal/api"
	"github.com/marpies/mailcache/internal/diff"
	"github.com/marpies/mailcache/internal/model"
	"github.com/marpies/mailcache/internal/store"
)

// Loader owns the snapshot for a single (label, kind) pair. It is a
// single writer for that pair: all calls are expected to run on one
// serial execution context, so comparisons are never stale.
type Loader struct {
	userID   string
	label    string
	kind     model.ItemKind
	store    store.Store
	client   api.Client
	pageSize int
	maxPages int

	// held is the most recently dispatched snapshot, the baseline
	// for the next diff.
	held *model.Snapshot
}

// NewLoader creates a loader for one mailbox view.
func NewLoader(
	userID string,
	label string,
	kind model.ItemKind,
	st store.Store,
	client api.Client,
	pageSize int,
	maxPages int,
) *Loader {
	if pageSize <= 0 {
		pageSize = 50
	}
	if maxPages <= 0 {
		maxPages = 2
	}
	return &Loader{
		userID:   userID,
		label:    label,
		kind:     kind,
		store:    st,
		client:   client,
		pageSize: pageSize,
		maxPages: maxPages,
	}
}

// Label returns the mailbox label this loader serves.
func (l *Loader) Label() string { return l.label }

// Kind returns the display mode this loader serves.
func (l *Loader) Kind() model.ItemKind { return l.kind }

// LoadCached reads the mailbox straight from the local cache, never
// touching the network. The result becomes the new held snapshot and
// is meant to be dispatched as a full replace.
func (l *Loader) LoadCached(ctx context.Context) (*model.Snapshot, error) {
	snap, err := l.readBack(ctx)
	if err != nil {
		return nil, err
	}
	l.held = snap
	return snap, nil
}

// LoadFresh fetches fresh pages from the API, merges them into the
// local cache, and re-reads the mailbox through the cache so the
// store stays the single source of truth for conversion. The
// returned diff is nil when the load amounts to a full replace or a
// no-op.
func (l *Loader) LoadFresh(
	ctx context.Context,
	olderThan time.Time,
) (*model.Snapshot, *diff.Result, error) {
	var endTime int64
	if !olderThan.IsZero() {
		endTime = olderThan.Unix()
	}

	for page := 0; page < l.maxPages; page++ {
		opts := api.ListOptions{
			LabelID:  l.label,
			EndTime:  endTime,
			Page:     page,
			PageSize: l.pageSize,
		}

		count, err := l.fetchPage(ctx, opts)
		if err != nil {
			return nil, nil, err
		}
		if count < l.pageSize {
			break
		}
	}

	if err := l.store.SetLabelFetchedAt(ctx, l.userID, l.label, time.Now()); err != nil {
		return nil, nil, err
	}

	return l.rediff(ctx, nil)
}

// Reload re-derives the snapshot from the local cache, diffing with
// the given updated-id hints. Used on the event path, where the
// cache was already updated as a side effect of event processing.
func (l *Loader) Reload(
	ctx context.Context,
	hinted map[string]struct{},
) (*model.Snapshot, *diff.Result, error) {
	return l.rediff(ctx, hinted)
}

// fetchPage pulls one page from the API into the cache and returns
// how many items the page carried.
func (l *Loader) fetchPage(ctx context.Context, opts api.ListOptions) (int, error) {
	switch l.kind {
	case model.KindMessage:
		resp, err := l.client.ListMessages(ctx, opts)
		if err != nil {
			return 0, fmt.Errorf("fetching messages page %d of %s: %w", opts.Page, l.label, err)
		}
		if err := l.store.SaveMessages(ctx, l.userID, resp.Messages); err != nil {
			return 0, err
		}
		return len(resp.Messages), nil
	default:
		resp, err := l.client.ListConversations(ctx, opts)
		if err != nil {
			return 0, fmt.Errorf("fetching conversations page %d of %s: %w", opts.Page, l.label, err)
		}
		if err := l.store.SaveConversations(ctx, l.userID, resp.Conversations); err != nil {
			return 0, err
		}
		return len(resp.Conversations), nil
	}
}

// rediff reads back the cache, diffs against the held snapshot, and
// installs the new snapshot as the baseline.
func (l *Loader) rediff(
	ctx context.Context,
	hinted map[string]struct{},
) (*model.Snapshot, *diff.Result, error) {
	snap, err := l.readBack(ctx)
	if err != nil {
		return nil, nil, err
	}

	d := diff.Diff(l.held, snap, hinted)
	l.held = snap
	return snap, d, nil
}

func (l *Loader) readBack(ctx context.Context) (*model.Snapshot, error) {
	items, err := l.store.FetchByLabel(ctx, l.userID, store.FetchFilter{
		LabelID: l.label,
		Kind:    l.kind,
		Limit:   l.pageSize * l.maxPages,
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s mailbox %s from cache: %w", l.kind, l.label, err)
	}
	return &model.Snapshot{Label: l.label, Kind: l.kind, Items: items}, nil
}
