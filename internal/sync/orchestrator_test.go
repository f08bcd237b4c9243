package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/marpies/mailcache/internal/api"
	"github.com/marpies/mailcache/internal/event"
	"github.com/marpies/mailcache/internal/model"
	"github.com/marpies/mailcache/internal/session"
	"github.com/marpies/mailcache/internal/store"
	"github.com/marpies/mailcache/tests/testutil"
)

const testUser = "user1"

// fakeSyncClient serves canned list pages and event batches.
type fakeSyncClient struct {
	latest string
	pages  [][]model.RawConversation
	events map[string]*api.EventsResponse

	eventsErr error

	latestCalls int
	listCalls   int
	eventsCalls []string
}

func (f *fakeSyncClient) ListConversations(
	_ context.Context,
	opts api.ListOptions,
) (*api.ConversationsResponse, error) {
	f.listCalls++
	if opts.Page < len(f.pages) {
		return &api.ConversationsResponse{Conversations: f.pages[opts.Page]}, nil
	}
	return &api.ConversationsResponse{}, nil
}

func (f *fakeSyncClient) ListMessages(context.Context, api.ListOptions) (*api.MessagesResponse, error) {
	return &api.MessagesResponse{}, nil
}

func (f *fakeSyncClient) LatestEventID(context.Context) (string, error) {
	f.latestCalls++
	return f.latest, nil
}

func (f *fakeSyncClient) Events(_ context.Context, since string) (*api.EventsResponse, error) {
	f.eventsCalls = append(f.eventsCalls, since)
	if f.eventsErr != nil {
		return nil, f.eventsErr
	}
	if resp, ok := f.events[since]; ok {
		return resp, nil
	}
	return &api.EventsResponse{EventID: since}, nil
}

func (f *fakeSyncClient) MarkRead(context.Context, model.ItemKind, []string) error   { return nil }
func (f *fakeSyncClient) MarkUnread(context.Context, model.ItemKind, []string) error { return nil }
func (f *fakeSyncClient) ApplyLabel(context.Context, model.ItemKind, string, []string) error {
	return nil
}
func (f *fakeSyncClient) RemoveLabel(context.Context, model.ItemKind, string, []string) error {
	return nil
}

// recordingStore notes the order of cleanup-relevant store calls.
// Ordering is safe to read once a result arrived: the worker's writes
// happen before the result send.
type recordingStore struct {
	store.Store
	calls []string
}

func (r *recordingStore) CleanMailbox(ctx context.Context, userID string, removeDrafts bool) error {
	r.calls = append(r.calls, "clean_mailbox")
	return r.Store.CleanMailbox(ctx, userID, removeDrafts)
}

func (r *recordingStore) ClearLabelFetchTimes(ctx context.Context, userID string) error {
	r.calls = append(r.calls, "clear_fetch_times")
	return r.Store.ClearLabelFetchTimes(ctx, userID)
}

func (r *recordingStore) SetCursor(ctx context.Context, userID string, eventID string) error {
	r.calls = append(r.calls, "set_cursor:"+eventID)
	return r.Store.SetCursor(ctx, userID, eventID)
}

type syncFixture struct {
	orch   *Orchestrator
	store  *recordingStore
	client *fakeSyncClient
	events <-chan event.Event
}

func newSyncFixture(t *testing.T, client *fakeSyncClient) *syncFixture {
	t.Helper()

	st := &recordingStore{Store: testutil.NewTestStore(t)}

	sessions := session.NewManagerWithStore(session.MemoryTokenStore{}, nil)
	if err := sessions.SetSession(session.Session{UserID: testUser, Token: "tok"}); err != nil {
		t.Fatalf("setting session: %v", err)
	}

	bus := event.NewBus()
	events := bus.Subscribe()

	orch := New(Options{
		Store:        st,
		Client:       client,
		Sessions:     sessions,
		Bus:          bus,
		Log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		PageSize:     50,
		MaxPages:     2,
		PollInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go orch.Run(ctx)

	return &syncFixture{orch: orch, store: st, client: client, events: events}
}

func waitResult(t *testing.T, f *syncFixture) LoadResult {
	t.Helper()
	select {
	case r := <-f.orch.Results():
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a load result")
		return LoadResult{}
	}
}

func seedInbox(t *testing.T, f *syncFixture) {
	t.Helper()
	err := f.store.SaveConversations(context.Background(), testUser, []model.RawConversation{
		{ID: "c1", Subject: "one", Time: 300, NumMessages: 1,
			LabelIDs: []string{model.LabelInbox}},
		{ID: "c2", Subject: "two", Time: 200, NumMessages: 1,
			LabelIDs: []string{model.LabelInbox}},
	})
	if err != nil {
		t.Fatalf("seeding store: %v", err)
	}
}

func TestBootstrapCleansBeforeCursorPersists(t *testing.T) {
	client := &fakeSyncClient{
		latest: "e1",
		pages: [][]model.RawConversation{
			{{ID: "c1", Subject: "one", Time: 300, NumMessages: 1,
				LabelIDs: []string{model.LabelInbox}}},
		},
	}
	f := newSyncFixture(t, client)
	ctx := context.Background()

	f.orch.LoadMailbox(ctx, model.LabelInbox, model.KindConversation)

	cached := waitResult(t, f)
	if cached.Outcome != OutcomeUpdated || len(cached.Snapshot.Items) != 0 {
		t.Fatalf("expected an empty cached dispatch first, got %+v", cached)
	}

	fresh := waitResult(t, f)
	if fresh.Outcome != OutcomeCleanupRequired {
		t.Fatalf("expected a cleanup outcome on cursor bootstrap, got %+v", fresh)
	}
	if len(fresh.Snapshot.Items) != 1 || fresh.Snapshot.Items[0].ID != "c1" {
		t.Fatalf("expected the reloaded snapshot to carry c1, got %v", fresh.Snapshot.IDs())
	}

	if client.latestCalls != 1 {
		t.Errorf("expected one latest-event fetch, got %d", client.latestCalls)
	}
	if len(client.eventsCalls) != 0 {
		t.Errorf("bootstrap must not walk the event log, got %v", client.eventsCalls)
	}

	want := []string{"clean_mailbox", "clear_fetch_times", "set_cursor:e1"}
	if len(f.store.calls) != len(want) {
		t.Fatalf("store calls = %v, want %v", f.store.calls, want)
	}
	for i, c := range want {
		if f.store.calls[i] != c {
			t.Fatalf("store calls = %v, want %v", f.store.calls, want)
		}
	}

	cursor, err := f.store.Cursor(ctx, testUser)
	if err != nil || cursor != "e1" {
		t.Errorf("cursor = %q err=%v, want e1", cursor, err)
	}
}

func TestServerResyncFlagForcesCleanup(t *testing.T) {
	client := &fakeSyncClient{
		events: map[string]*api.EventsResponse{
			"e1": {EventID: "e9", Refresh: 1},
		},
	}
	f := newSyncFixture(t, client)
	ctx := context.Background()

	seedInbox(t, f)
	if err := f.store.SetCursor(ctx, testUser, "e1"); err != nil {
		t.Fatalf("setting cursor: %v", err)
	}
	f.store.calls = nil

	f.orch.LoadMailbox(ctx, model.LabelInbox, model.KindConversation)
	waitResult(t, f) // cached dispatch

	fresh := waitResult(t, f)
	if fresh.Outcome != OutcomeCleanupRequired {
		t.Fatalf("expected cleanup on server resync flag, got %+v", fresh)
	}

	cursor, _ := f.store.Cursor(ctx, testUser)
	if cursor != "e9" {
		t.Errorf("cursor = %q, want e9", cursor)
	}
	if len(f.store.calls) == 0 || f.store.calls[0] != "clean_mailbox" {
		t.Errorf("expected the mailbox wiped first, calls = %v", f.store.calls)
	}
}

func TestTargetedRefreshDiffsOnlyHintedItems(t *testing.T) {
	client := &fakeSyncClient{
		events: map[string]*api.EventsResponse{
			"e1": {
				EventID: "e2",
				Conversations: []api.ConversationEvent{
					{ID: "c2", Action: api.EventActionUpdate,
						Conversation: model.RawConversation{
							ID: "c2", Subject: "two, edited", Time: 200, NumMessages: 1,
							LabelIDs: []string{model.LabelInbox},
						}},
				},
				UpdatedConversations: []string{"c2"},
			},
		},
	}
	f := newSyncFixture(t, client)
	ctx := context.Background()

	seedInbox(t, f)
	if err := f.store.SetCursor(ctx, testUser, "e1"); err != nil {
		t.Fatalf("setting cursor: %v", err)
	}

	f.orch.LoadMailbox(ctx, model.LabelInbox, model.KindConversation)

	cached := waitResult(t, f)
	if len(cached.Snapshot.Items) != 2 {
		t.Fatalf("expected 2 cached items, got %v", cached.Snapshot.IDs())
	}

	fresh := waitResult(t, f)
	if fresh.Outcome != OutcomeUpdated {
		t.Fatalf("expected an updated outcome, got %+v", fresh)
	}
	if fresh.Diff == nil {
		t.Fatalf("expected an incremental diff")
	}
	if len(fresh.Diff.Removes) != 0 || len(fresh.Diff.Inserts) != 0 {
		t.Errorf("expected a pure update diff, got %+v", fresh.Diff)
	}
	if _, ok := fresh.Diff.Updates[1]; !ok || len(fresh.Diff.Updates) != 1 {
		t.Errorf("expected only c2 (index 1) flagged updated, got %v", fresh.Diff.Updates)
	}
	if fresh.Snapshot.Items[1].Subject != "two, edited" {
		t.Errorf("expected the event payload merged into the cache, got %q", fresh.Snapshot.Items[1].Subject)
	}

	if client.listCalls != 0 {
		t.Errorf("a targeted refresh must not refetch the mailbox list, got %d fetches", client.listCalls)
	}
	cursor, _ := f.store.Cursor(ctx, testUser)
	if cursor != "e2" {
		t.Errorf("cursor = %q, want e2", cursor)
	}

	if _, ok := (<-f.events).(event.ConversationsUpdated); !ok {
		t.Errorf("expected a ConversationsUpdated broadcast")
	}
}

func TestTargetedRefreshMessageMode(t *testing.T) {
	client := &fakeSyncClient{
		events: map[string]*api.EventsResponse{
			"e1": {
				EventID: "e2",
				Messages: []api.MessageEvent{
					{ID: "m1", Action: api.EventActionFlags,
						Message: model.RawMessage{
							ID: "m1", Subject: "draft", Time: 300, Unread: 1,
							LabelIDs: []string{model.LabelDrafts},
						}},
				},
				UpdatedMessages: []string{"m1"},
			},
		},
	}
	f := newSyncFixture(t, client)
	ctx := context.Background()

	err := f.store.SaveMessages(ctx, testUser, []model.RawMessage{
		{ID: "m1", Subject: "draft", Time: 300, Unread: 0,
			LabelIDs: []string{model.LabelDrafts}},
		{ID: "m2", Subject: "older draft", Time: 200, Unread: 0,
			LabelIDs: []string{model.LabelDrafts}},
	})
	if err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	if err := f.store.SetCursor(ctx, testUser, "e1"); err != nil {
		t.Fatalf("setting cursor: %v", err)
	}

	f.orch.LoadMailbox(ctx, model.LabelDrafts, model.KindForLabel(model.LabelDrafts))
	waitResult(t, f) // cached dispatch

	fresh := waitResult(t, f)
	if fresh.Kind != model.KindMessage {
		t.Fatalf("expected a message-mode result, got %+v", fresh)
	}
	if fresh.Diff == nil {
		t.Fatalf("expected an incremental diff, not a full replace")
	}
	if _, ok := fresh.Diff.Updates[0]; !ok || len(fresh.Diff.Updates) != 1 {
		t.Errorf("expected exactly m1 (index 0) flagged updated, got %v", fresh.Diff.Updates)
	}
	if !fresh.Snapshot.Items[0].Unread {
		t.Errorf("expected the flags event merged into the cache")
	}

	if _, ok := (<-f.events).(event.MessagesUpdated); !ok {
		t.Errorf("expected a MessagesUpdated broadcast")
	}
}

func TestEventsOnlyRefreshNoChanges(t *testing.T) {
	client := &fakeSyncClient{
		events: map[string]*api.EventsResponse{
			"e1": {EventID: "e1"},
			"e2": {EventID: "e2"},
		},
	}
	f := newSyncFixture(t, client)
	ctx := context.Background()

	seedInbox(t, f)
	if err := f.store.SetCursor(ctx, testUser, "e1"); err != nil {
		t.Fatalf("setting cursor: %v", err)
	}

	f.orch.LoadMailbox(ctx, model.LabelInbox, model.KindConversation)
	waitResult(t, f) // cached dispatch

	// The explicit load guarantees a fresh fetch even with no events.
	fresh := waitResult(t, f)
	if fresh.Outcome != OutcomeUpdated {
		t.Fatalf("expected the explicit load to force a fresh fetch, got %+v", fresh)
	}
	if client.listCalls == 0 {
		t.Fatalf("expected a list fetch on the explicit load")
	}

	listCalls := client.listCalls
	if err := f.store.SetCursor(ctx, testUser, "e2"); err != nil {
		t.Fatalf("advancing cursor: %v", err)
	}

	// A poll-style refresh with no changes settles as a no-op.
	f.orch.Refresh(ctx, true)
	polled := waitResult(t, f)
	if polled.Outcome != OutcomeNoOp {
		t.Fatalf("expected a no-op poll outcome, got %+v", polled)
	}
	if client.listCalls != listCalls {
		t.Errorf("a no-change poll must not fetch the mailbox, got %d extra calls",
			client.listCalls-listCalls)
	}
}

func TestExplicitRefreshReportsIncrementalDiff(t *testing.T) {
	client := &fakeSyncClient{
		events: map[string]*api.EventsResponse{
			"e1": {EventID: "e1"},
		},
		pages: [][]model.RawConversation{
			{{ID: "c1", Subject: "one, edited", Time: 300, NumMessages: 1,
				LabelIDs: []string{model.LabelInbox}}},
		},
	}
	f := newSyncFixture(t, client)
	ctx := context.Background()

	seedInbox(t, f)
	if err := f.store.SetCursor(ctx, testUser, "e1"); err != nil {
		t.Fatalf("setting cursor: %v", err)
	}

	f.orch.LoadMailbox(ctx, model.LabelInbox, model.KindConversation)

	cached := waitResult(t, f)
	if len(cached.Snapshot.Items) != 2 {
		t.Fatalf("expected 2 cached items, got %v", cached.Snapshot.IDs())
	}

	// No event changes, so the explicit load falls through to a fresh
	// fetch; the changed item must arrive as a diff against the held
	// snapshot, not as a bare full replace.
	fresh := waitResult(t, f)
	if fresh.Outcome != OutcomeUpdated {
		t.Fatalf("expected an updated outcome, got %+v", fresh)
	}
	if fresh.Diff == nil {
		t.Fatalf("expected the fresh load's diff delivered with the result")
	}
	if _, ok := fresh.Diff.Updates[0]; !ok || len(fresh.Diff.Updates) != 1 {
		t.Errorf("expected c1 (index 0) flagged updated, got %v", fresh.Diff.Updates)
	}
	if len(fresh.Diff.Removes) != 0 || len(fresh.Diff.Inserts) != 0 {
		t.Errorf("expected a pure update diff, got %+v", fresh.Diff)
	}
}

func TestDeleteEventRemovesFromSnapshot(t *testing.T) {
	client := &fakeSyncClient{
		events: map[string]*api.EventsResponse{
			"e1": {
				EventID: "e2",
				Conversations: []api.ConversationEvent{
					{ID: "c2", Action: api.EventActionDelete},
				},
			},
		},
	}
	f := newSyncFixture(t, client)
	ctx := context.Background()

	seedInbox(t, f)
	if err := f.store.SetCursor(ctx, testUser, "e1"); err != nil {
		t.Fatalf("setting cursor: %v", err)
	}

	f.orch.LoadMailbox(ctx, model.LabelInbox, model.KindConversation)
	waitResult(t, f) // cached dispatch

	fresh := waitResult(t, f)
	if fresh.Outcome != OutcomeUpdated || fresh.Diff == nil {
		t.Fatalf("expected an updated outcome with a diff, got %+v", fresh)
	}
	if len(fresh.Diff.Removes) != 1 {
		t.Errorf("expected one removal, got %v", fresh.Diff.Removes)
	}
	if len(fresh.Snapshot.Items) != 1 || fresh.Snapshot.Items[0].ID != "c1" {
		t.Errorf("expected only c1 left, got %v", fresh.Snapshot.IDs())
	}

	items, _ := f.store.LoadByIDs(ctx, testUser, model.KindConversation, []string{"c2"})
	if len(items) != 0 {
		t.Errorf("expected c2 deleted from the cache, got %v", items)
	}
}

func TestConnectivityFailureSurfacesAndBroadcasts(t *testing.T) {
	client := &fakeSyncClient{
		eventsErr: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")},
	}
	f := newSyncFixture(t, client)
	ctx := context.Background()

	seedInbox(t, f)
	if err := f.store.SetCursor(ctx, testUser, "e1"); err != nil {
		t.Fatalf("setting cursor: %v", err)
	}

	f.orch.LoadMailbox(ctx, model.LabelInbox, model.KindConversation)
	waitResult(t, f) // cached dispatch

	failed := waitResult(t, f)
	if failed.Outcome != OutcomeFailed || failed.Err == nil {
		t.Fatalf("expected a failed outcome, got %+v", failed)
	}

	select {
	case e := <-f.events:
		if _, ok := e.(event.ServerUnreachable); !ok {
			t.Errorf("expected ServerUnreachable, got %T", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a connectivity broadcast")
	}
}

func TestMoreBatchesChainWithoutTimer(t *testing.T) {
	client := &fakeSyncClient{
		events: map[string]*api.EventsResponse{
			"e1": {
				EventID:              "e2",
				More:                 1,
				UpdatedConversations: []string{"c2"},
			},
			"e2": {EventID: "e3"},
		},
	}
	f := newSyncFixture(t, client)
	ctx := context.Background()

	seedInbox(t, f)
	if err := f.store.SetCursor(ctx, testUser, "e1"); err != nil {
		t.Fatalf("setting cursor: %v", err)
	}

	f.orch.LoadMailbox(ctx, model.LabelInbox, model.KindConversation)
	waitResult(t, f) // cached dispatch

	batch := waitResult(t, f)
	if batch.Outcome != OutcomeUpdated {
		t.Fatalf("expected the first batch applied, got %+v", batch)
	}

	chained := waitResult(t, f)
	if chained.Outcome != OutcomeNoOp {
		t.Fatalf("expected the chained batch to settle as a no-op, got %+v", chained)
	}

	if len(client.eventsCalls) != 2 || client.eventsCalls[0] != "e1" || client.eventsCalls[1] != "e2" {
		t.Fatalf("expected chained event fetches [e1 e2], got %v", client.eventsCalls)
	}
	cursor, _ := f.store.Cursor(ctx, testUser)
	if cursor != "e3" {
		t.Errorf("cursor = %q, want e3", cursor)
	}
}
