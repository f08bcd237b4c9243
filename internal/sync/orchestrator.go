// Package sync owns the event-cursor-driven refresh state machine:
// it decides between event-log refresh and full refetch, routes
// conversation-mode and message-mode mailboxes to their loaders, and
// keeps a single repeating poll timer armed.
package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/marpies/mailcache/internal/api"
	"github.com/marpies/mailcache/internal/diff"
	"github.com/marpies/mailcache/internal/event"
	"github.com/marpies/mailcache/internal/mailbox"
	"github.com/marpies/mailcache/internal/model"
	"github.com/marpies/mailcache/internal/ops"
	"github.com/marpies/mailcache/internal/session"
	"github.com/marpies/mailcache/internal/store"
)

// State is the orchestrator's position in the refresh cycle.
type State string

const (
	StateIdle          State = "idle"
	StateLoadingCached State = "loading_cached"
	StateRefreshing    State = "refreshing"
)

// Outcome classifies how a refresh settled.
type Outcome string

const (
	// OutcomeNoOp means the event log showed no visible change.
	OutcomeNoOp Outcome = "noop"

	// OutcomeUpdated means the snapshot changed; Diff carries the
	// incremental update when one applies, otherwise Snapshot is a
	// full replace.
	OutcomeUpdated Outcome = "updated"

	// OutcomeCleanupRequired means the cursor was reset and the
	// mailbox was wiped and reloaded from scratch.
	OutcomeCleanupRequired Outcome = "cleanup_required"

	// OutcomeFailed means the refresh hit an error; the poll timer
	// is re-armed and the cycle retries at the fixed interval.
	OutcomeFailed Outcome = "failed"
)

// LoadResult is the single result type delivered to the consumer,
// collapsing what used to be a chain of delegate callbacks.
type LoadResult struct {
	Label    string
	Kind     model.ItemKind
	Outcome  Outcome
	Snapshot *model.Snapshot
	Diff     *diff.Result
	Err      error
}

// Orchestrator drives the sync state machine for one mailbox context.
// All state transitions execute on its single run-loop goroutine;
// network work runs in worker goroutines whose continuations re-enter
// the loop and are discarded when a newer load superseded them.
type Orchestrator struct {
	store        store.Store
	client       api.Client
	sessions     *session.Manager
	mutations    *ops.Service
	bus          *event.Bus
	log          *slog.Logger
	pageSize     int
	maxPages     int
	pollInterval time.Duration

	cmdCh    <-chan func()
	postCh   chan<- func()
	resultCh chan LoadResult

	// Run-loop-owned state. Never touched off-loop.
	state      State
	loader     *mailbox.Loader
	generation int
	timer      *time.Timer
}

// Options bundles the orchestrator's construction inputs.
type Options struct {
	Store        store.Store
	Client       api.Client
	Sessions     *session.Manager
	Mutations    *ops.Service
	Bus          *event.Bus
	Log          *slog.Logger
	PageSize     int
	MaxPages     int
	PollInterval time.Duration
}

// New creates an orchestrator. The poll interval defaults to 30s.
func New(opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	ch := make(chan func(), 64)
	return &Orchestrator{
		store:        opts.Store,
		client:       opts.Client,
		sessions:     opts.Sessions,
		mutations:    opts.Mutations,
		bus:          opts.Bus,
		log:          opts.Log,
		pageSize:     opts.PageSize,
		maxPages:     opts.MaxPages,
		pollInterval: opts.PollInterval,
		cmdCh:        ch,
		postCh:       ch,
		resultCh:     make(chan LoadResult, 16),
		state:        StateIdle,
	}
}

// Results delivers cached snapshots, diffs, and failures to the
// consumer. Slow consumers miss results rather than stalling sync.
func (o *Orchestrator) Results() <-chan LoadResult {
	return o.resultCh
}

// Run executes the serialized command loop until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.disarmTimer()
			return
		case cmd := <-o.cmdCh:
			cmd()
		}
	}
}

// LoadMailbox switches the orchestrator to the given mailbox view:
// any in-flight work for the previous view is cancelled, the cached
// snapshot is dispatched immediately so the UI paints even stale,
// and a full refresh follows.
func (o *Orchestrator) LoadMailbox(ctx context.Context, label string, kind model.ItemKind) {
	o.post(func() { o.loadMailbox(ctx, label, kind) })
}

// Refresh checks the event log. With eventsOnly set, a batch with no
// mailbox-relevant changes just re-arms the timer; otherwise a full
// fresh load is guaranteed.
func (o *Orchestrator) Refresh(ctx context.Context, eventsOnly bool) {
	o.post(func() { o.startRefresh(ctx, o.generation, eventsOnly) })
}

// post hands a command to the run loop. Callers run off-loop.
func (o *Orchestrator) post(cmd func()) {
	o.postCh <- cmd
}

func (o *Orchestrator) loadMailbox(ctx context.Context, label string, kind model.ItemKind) {
	sess, ok := o.sessions.Current()
	if !ok {
		o.sendResult(LoadResult{Label: label, Kind: kind, Outcome: OutcomeFailed, Err: session.ErrNoSession})
		return
	}

	// Detach from any in-flight loader: a bumped generation makes
	// its completions no-ops.
	o.generation++
	o.loader = mailbox.NewLoader(sess.UserID, label, kind, o.store, o.client, o.pageSize, o.maxPages)
	o.state = StateLoadingCached

	snap, err := o.loader.LoadCached(ctx)
	if err != nil {
		o.log.Warn("cached load failed", "label", label, "error", err)
	} else {
		o.sendResult(LoadResult{Label: label, Kind: kind, Outcome: OutcomeUpdated, Snapshot: snap})
	}

	o.startRefresh(ctx, o.generation, false)
}

// startRefresh kicks a refresh worker for the current loader. Runs
// on the loop; a second refresh while one is in flight is a no-op.
func (o *Orchestrator) startRefresh(ctx context.Context, gen int, eventsOnly bool) {
	if o.loader == nil || gen != o.generation || o.state == StateRefreshing {
		return
	}
	sess, ok := o.sessions.Current()
	if !ok {
		return
	}

	o.disarmTimer()
	o.state = StateRefreshing

	ldr := o.loader
	go o.refreshWorker(ctx, gen, eventsOnly, ldr, sess.UserID)
}

// refreshWorker performs the network half of a refresh off-loop and
// posts its continuation back, tagged with its generation.
func (o *Orchestrator) refreshWorker(
	ctx context.Context,
	gen int,
	eventsOnly bool,
	ldr *mailbox.Loader,
	userID string,
) {
	cursor, err := o.store.Cursor(ctx, userID)
	if err != nil {
		o.finishFailed(gen, ldr, err)
		return
	}

	// Unset cursor: bootstrap from the newest event position.
	if cursor == "" || cursor == "0" {
		eventID, err := o.client.LatestEventID(ctx)
		if err != nil {
			o.finishFailed(gen, ldr, err)
			return
		}
		o.cleanupAndReload(ctx, gen, ldr, userID, eventID)
		return
	}

	resp, err := o.client.Events(ctx, cursor)
	if err != nil {
		o.finishFailed(gen, ldr, err)
		return
	}

	if resp.RequiresResync() {
		o.cleanupAndReload(ctx, gen, ldr, userID, resp.EventID)
		return
	}

	if !resp.HasMailboxChanges() {
		if err := o.store.SetCursor(ctx, userID, resp.EventID); err != nil {
			o.finishFailed(gen, ldr, err)
			return
		}
		if eventsOnly {
			o.finish(gen, LoadResult{Label: ldr.Label(), Kind: ldr.Kind(), Outcome: OutcomeNoOp})
			return
		}
		// The caller wants a guaranteed refresh, not a cursor check.
		snap, d, err := ldr.LoadFresh(ctx, time.Time{})
		if err != nil {
			o.finishFailed(gen, ldr, err)
			return
		}
		o.finish(gen, LoadResult{Label: ldr.Label(), Kind: ldr.Kind(), Outcome: OutcomeUpdated, Snapshot: snap, Diff: d})
		return
	}

	// Apply the event payload to the cache, then re-derive the
	// snapshot from the cache with the updated ids as hints.
	if err := o.applyEvents(ctx, userID, resp); err != nil {
		o.finishFailed(gen, ldr, err)
		return
	}

	updatedConvs, updatedMsgs := updatedIDs(resp)
	if len(updatedConvs) > 0 {
		o.bus.Publish(event.ConversationsUpdated{IDs: updatedConvs})
	}
	if len(updatedMsgs) > 0 {
		o.bus.Publish(event.MessagesUpdated{IDs: updatedMsgs})
	}

	hints := make(map[string]struct{})
	hintIDs := updatedConvs
	if ldr.Kind() == model.KindMessage {
		hintIDs = updatedMsgs
	}
	for _, id := range hintIDs {
		hints[id] = struct{}{}
	}

	snap, d, err := ldr.Reload(ctx, hints)
	if err != nil {
		o.finishFailed(gen, ldr, err)
		return
	}
	if err := o.store.SetCursor(ctx, userID, resp.EventID); err != nil {
		o.finishFailed(gen, ldr, err)
		return
	}

	outcome := OutcomeUpdated
	if d == nil {
		outcome = OutcomeNoOp
	}
	result := LoadResult{Label: ldr.Label(), Kind: ldr.Kind(), Outcome: outcome, Snapshot: snap, Diff: d}

	if resp.More != 0 {
		// Further batches are already waiting; chain straight into
		// the next events fetch instead of waiting out the timer.
		o.post(func() {
			if gen != o.generation {
				return
			}
			o.state = StateIdle
			o.sendResult(result)
			o.startRefresh(ctx, gen, true)
		})
		return
	}

	o.finish(gen, result)
}

// cleanupAndReload wipes this user's cached mailbox, reloads the
// current label from the network, and only then persists the new
// cursor, so the cursor never runs ahead of a durable reload.
func (o *Orchestrator) cleanupAndReload(
	ctx context.Context,
	gen int,
	ldr *mailbox.Loader,
	userID string,
	eventID string,
) {
	if err := o.store.CleanMailbox(ctx, userID, false); err != nil {
		o.finishFailed(gen, ldr, err)
		return
	}
	if err := o.store.ClearLabelFetchTimes(ctx, userID); err != nil {
		o.finishFailed(gen, ldr, err)
		return
	}

	snap, _, err := ldr.LoadFresh(ctx, time.Time{})
	if err != nil {
		o.finishFailed(gen, ldr, err)
		return
	}

	if err := o.store.SetCursor(ctx, userID, eventID); err != nil {
		o.finishFailed(gen, ldr, err)
		return
	}

	o.finish(gen, LoadResult{
		Label:    ldr.Label(),
		Kind:     ldr.Kind(),
		Outcome:  OutcomeCleanupRequired,
		Snapshot: snap,
	})
}

// applyEvents folds the embedded entity changes of an event batch
// into the local cache.
func (o *Orchestrator) applyEvents(ctx context.Context, userID string, resp *api.EventsResponse) error {
	var (
		deletedConvs []string
		deletedMsgs  []string
		savedConvs   []model.RawConversation
		savedMsgs    []model.RawMessage
	)

	for _, ce := range resp.Conversations {
		if ce.Action == api.EventActionDelete {
			deletedConvs = append(deletedConvs, ce.ID)
			continue
		}
		if ce.Conversation.ID != "" {
			savedConvs = append(savedConvs, ce.Conversation)
		}
	}
	for _, me := range resp.Messages {
		if me.Action == api.EventActionDelete {
			deletedMsgs = append(deletedMsgs, me.ID)
			continue
		}
		if me.Message.ID != "" {
			savedMsgs = append(savedMsgs, me.Message)
		}
	}

	if len(deletedConvs) > 0 {
		if err := o.store.Delete(ctx, userID, model.KindConversation, deletedConvs); err != nil {
			return err
		}
	}
	if len(deletedMsgs) > 0 {
		if err := o.store.Delete(ctx, userID, model.KindMessage, deletedMsgs); err != nil {
			return err
		}
	}
	if err := o.store.SaveConversations(ctx, userID, savedConvs); err != nil {
		return err
	}
	return o.store.SaveMessages(ctx, userID, savedMsgs)
}

// updatedIDs merges the explicit updated-id sets with the ids of
// embedded entity changes, deletions excluded.
func updatedIDs(resp *api.EventsResponse) (convs, msgs []string) {
	convSet := make(map[string]struct{})
	msgSet := make(map[string]struct{})

	for _, id := range resp.UpdatedConversations {
		convSet[id] = struct{}{}
	}
	for _, id := range resp.UpdatedMessages {
		msgSet[id] = struct{}{}
	}
	for _, ce := range resp.Conversations {
		if ce.Action != api.EventActionDelete && ce.ID != "" {
			convSet[ce.ID] = struct{}{}
		}
	}
	for _, me := range resp.Messages {
		if me.Action != api.EventActionDelete && me.ID != "" {
			msgSet[me.ID] = struct{}{}
		}
	}

	for id := range convSet {
		convs = append(convs, id)
	}
	for id := range msgSet {
		msgs = append(msgs, id)
	}
	return convs, msgs
}

// finish posts the settled result back to the run loop: dispatch,
// re-arm the timer, and resume the mutation queue.
func (o *Orchestrator) finish(gen int, result LoadResult) {
	o.post(func() {
		if gen != o.generation {
			// A newer load superseded this worker; discard.
			return
		}
		o.state = StateIdle
		o.sendResult(result)
		o.armTimer()
		o.drainMutations()
	})
}

// finishFailed surfaces a load error and re-arms the timer so the
// cycle keeps retrying at the fixed interval.
func (o *Orchestrator) finishFailed(gen int, ldr *mailbox.Loader, err error) {
	if ops.Classify(err) == ops.ClassConnectivity {
		if ops.IsTimeout(err) {
			o.bus.Publish(event.LoadDidTimeout{})
		} else {
			o.bus.Publish(event.ServerUnreachable{})
		}
	}

	o.post(func() {
		if gen != o.generation {
			return
		}
		o.state = StateIdle
		o.log.Warn("refresh failed", "label", ldr.Label(), "error", err)
		o.sendResult(LoadResult{Label: ldr.Label(), Kind: ldr.Kind(), Outcome: OutcomeFailed, Err: err})
		o.armTimer()
	})
}

// drainMutations resumes the offline mutation queue after a settled
// refresh, the only path that un-pauses a connectivity-halted drain.
func (o *Orchestrator) drainMutations() {
	if o.mutations == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	go func() {
		defer cancel()
		o.mutations.Drain(ctx)
	}()
}

// armTimer schedules the next events-only refresh. The timer is a
// singleton: always invalidated before a rearm.
func (o *Orchestrator) armTimer() {
	o.disarmTimer()
	gen := o.generation
	o.timer = time.AfterFunc(o.pollInterval, func() {
		o.post(func() {
			o.startRefresh(context.Background(), gen, true)
		})
	})
}

func (o *Orchestrator) disarmTimer() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

func (o *Orchestrator) sendResult(result LoadResult) {
	select {
	case o.resultCh <- result:
	default:
		// Drop if the consumer has fallen behind.
	}
}
