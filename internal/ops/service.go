// Package ops turns user intents into optimistic local mutations
// plus durably queued remote mutations, and drives the queue to
// completion one dispatch at a time.
package ops

import (
	"context"
	"errors"
	"log/slog"

	"github.com/marpies/mailcache/internal/api"
	"github.com/marpies/mailcache/internal/event"
	"github.com/marpies/mailcache/internal/model"
	"github.com/marpies/mailcache/internal/queue"
	"github.com/marpies/mailcache/internal/session"
	"github.com/marpies/mailcache/internal/store"
)

// errDeleteUnsupported marks the delete action, which has no remote
// endpoint: deletion happens against the local cache only.
var errDeleteUnsupported = errors.New("remote delete is not implemented")

// Params carries the action-specific inputs of a mutation.
type Params struct {
	// Kind selects conversation or message endpoints and tables.
	Kind model.ItemKind

	// LabelID is the label to apply/remove, or the destination
	// folder for a move.
	LabelID string
}

// Service applies mutations locally, queues them for the server, and
// drains the queue with single-flight dispatch.
type Service struct {
	store    store.Store
	client   api.Client
	queue    *queue.Queue
	sessions *session.Manager
	bus      *event.Bus
	log      *slog.Logger
}

// NewService wires an ops service from its required collaborators.
func NewService(
	st store.Store,
	client api.Client,
	q *queue.Queue,
	sessions *session.Manager,
	bus *event.Bus,
	log *slog.Logger,
) *Service {
	return &Service{
		store:    st,
		client:   client,
		queue:    q,
		sessions: sessions,
		bus:      bus,
		log:      log,
	}
}

// Apply performs the mutation against the local cache, and only if
// that succeeds, enqueues the corresponding remote mutation and
// broadcasts a change notification. It returns false, enqueuing
// nothing, when no user is signed in or the targets are missing
// from the cache.
func (s *Service) Apply(
	ctx context.Context,
	action model.Action,
	targetIDs []string,
	params Params,
) bool {
	sess, ok := s.sessions.Current()
	if !ok {
		return false
	}
	if len(targetIDs) == 0 {
		return false
	}

	kind := params.Kind
	if kind == "" {
		kind = model.KindConversation
	}

	items, err := s.store.LoadByIDs(ctx, sess.UserID, kind, targetIDs)
	if err != nil || len(items) == 0 {
		return false
	}

	if err := s.applyLocal(ctx, sess.UserID, kind, action, targetIDs, params); err != nil {
		s.log.Error("local mutation failed",
			"action", action, "kind", kind, "targets", len(targetIDs), "error", err)
		return false
	}

	for _, id := range targetIDs {
		s.queue.Dedupe(id, params.LabelID, action.Supersedes())
	}
	if _, err := s.queue.Enqueue(targetIDs, action, params.LabelID, string(kind), sess.UserID); err != nil {
		s.log.Warn("queue persistence failed", "action", action, "error", err)
	}

	s.publishUpdated(kind, targetIDs)
	return true
}

// applyLocal performs the optimistic cache mutation for one action.
func (s *Service) applyLocal(
	ctx context.Context,
	userID string,
	kind model.ItemKind,
	action model.Action,
	targetIDs []string,
	params Params,
) error {
	switch action {
	case model.ActionRead:
		return s.store.UpdateReadState(ctx, userID, kind, targetIDs, false)
	case model.ActionUnread:
		return s.store.UpdateReadState(ctx, userID, kind, targetIDs, true)
	case model.ActionLabel, model.ActionMoveFolder:
		return s.store.UpdateLabel(ctx, userID, kind, targetIDs, params.LabelID, true, true)
	case model.ActionUnlabel:
		return s.store.UpdateLabel(ctx, userID, kind, targetIDs, params.LabelID, false, true)
	case model.ActionDelete:
		return s.store.Delete(ctx, userID, kind, targetIDs)
	}
	return errors.New("unsupported action " + string(action))
}

// MarkRead marks items read, locally now and remotely later.
func (s *Service) MarkRead(ctx context.Context, kind model.ItemKind, ids []string) bool {
	return s.Apply(ctx, model.ActionRead, ids, Params{Kind: kind})
}

// MarkUnread marks items unread, locally now and remotely later.
func (s *Service) MarkUnread(ctx context.Context, kind model.ItemKind, ids []string) bool {
	return s.Apply(ctx, model.ActionUnread, ids, Params{Kind: kind})
}

// Star adds items to the built-in Starred label.
func (s *Service) Star(ctx context.Context, kind model.ItemKind, ids []string) bool {
	return s.Apply(ctx, model.ActionLabel, ids, Params{Kind: kind, LabelID: model.LabelStarred})
}

// Unstar removes items from the built-in Starred label.
func (s *Service) Unstar(ctx context.Context, kind model.ItemKind, ids []string) bool {
	return s.Apply(ctx, model.ActionUnlabel, ids, Params{Kind: kind, LabelID: model.LabelStarred})
}

// ApplyLabel attaches a label to items.
func (s *Service) ApplyLabel(ctx context.Context, kind model.ItemKind, labelID string, ids []string) bool {
	return s.Apply(ctx, model.ActionLabel, ids, Params{Kind: kind, LabelID: labelID})
}

// RemoveLabel detaches a label from items.
func (s *Service) RemoveLabel(ctx context.Context, kind model.ItemKind, labelID string, ids []string) bool {
	return s.Apply(ctx, model.ActionUnlabel, ids, Params{Kind: kind, LabelID: labelID})
}

// MoveToFolder moves items to the destination folder.
func (s *Service) MoveToFolder(ctx context.Context, kind model.ItemKind, folderID string, ids []string) bool {
	return s.Apply(ctx, model.ActionMoveFolder, ids, Params{Kind: kind, LabelID: folderID})
}

// Delete removes items from the local cache. There is no remote
// delete endpoint; the queued entry is dropped at dispatch time.
func (s *Service) Delete(ctx context.Context, kind model.ItemKind, ids []string) bool {
	return s.Apply(ctx, model.ActionDelete, ids, Params{Kind: kind})
}

// Drain dispatches queued mutations head-first until the queue is
// empty or a policy decision halts it. It is idempotent: a call
// while a dispatch is in flight, or while the queue is paused, is a
// no-op. At most one dispatch is in flight at any instant.
func (s *Service) Drain(ctx context.Context) {
	for {
		// Claiming the head and taking the single-flight gate is one
		// atomic step; a concurrent drain finds the gate set and
		// backs off instead of dispatching the same entry.
		entry, ok := s.queue.ClaimHead()
		if !ok {
			return
		}

		// Entries restored from older persisted formats can carry
		// actions this build does not know.
		if !entry.Action.Known() {
			s.log.Warn("dropping unrecognized queued action", "action", entry.Action)
			s.queue.Remove(entry.ID)
			s.queue.SetInProgress(false)
			continue
		}

		proceed := s.dispatch(ctx, entry)
		s.queue.SetInProgress(false)

		if !proceed {
			return
		}
	}
}

// dispatch sends one entry to the server and applies the policy for
// its outcome. It reports whether draining should continue.
func (s *Service) dispatch(ctx context.Context, entry queue.Entry) bool {
	sess, ok := s.sessions.Current()
	if !ok || sess.UserID != entry.UserID {
		// No usable session for this entry; terminal auth failure.
		s.log.Warn("dropping queued mutation without session",
			"action", entry.Action, "entry", entry.ID)
		s.queue.Remove(entry.ID)
		return true
	}

	if entry.Action == model.ActionDelete {
		// Delete never had a remote endpoint; the cache mutation
		// already happened at Apply time.
		s.log.Warn("dropping queued delete, no remote endpoint", "entry", entry.ID)
		s.queue.Remove(entry.ID)
		return true
	}

	s.queue.BumpAttempts(entry.ID)

	err := s.send(ctx, entry)
	if err == nil {
		s.queue.Remove(entry.ID)
		return true
	}

	switch Classify(err) {
	case ClassConnectivity:
		// Entry stays queued; the next poll- or user-triggered
		// refresh resumes the drain.
		if IsTimeout(err) {
			s.bus.Publish(event.LoadDidTimeout{})
		} else {
			s.bus.Publish(event.ServerUnreachable{})
		}
		s.log.Info("mutation dispatch hit connectivity failure, pausing drain",
			"action", entry.Action, "error", err)
		return false

	case ClassNotFound:
		// Target already gone server-side.
		s.queue.Remove(entry.ID)
		return true

	case ClassServerInternal:
		// Dropped without retry, matching long-standing behavior.
		s.log.Warn("dropping mutation on server error",
			"action", entry.Action, "error", err)
		s.queue.Remove(entry.ID)
		return true

	case ClassHumanVerification:
		s.queue.SetVerificationRequired(true)
		s.bus.Publish(event.VerificationRequired{})
		s.log.Info("queue paused pending human verification")
		return false

	case ClassAuth:
		return s.retryAfterRefresh(ctx, sess, entry)

	default:
		s.log.Warn("dropping mutation on domain error",
			"action", entry.Action, "error", err)
		s.queue.Remove(entry.ID)
		return true
	}
}

// retryAfterRefresh handles a 401: refresh the session, retry the
// same entry exactly once, and sign the failure out if neither works.
func (s *Service) retryAfterRefresh(ctx context.Context, sess session.Session, entry queue.Entry) bool {
	if err := s.sessions.Refresh(ctx); err != nil {
		s.log.Warn("session refresh failed", "user", sess.UserID, "error", err)
		s.queue.Remove(entry.ID)
		s.bus.Publish(event.SessionRevoked{UserID: sess.UserID})
		return false
	}

	if err := s.send(ctx, entry); err != nil {
		s.log.Warn("mutation failed after session refresh",
			"action", entry.Action, "error", err)
		s.queue.Remove(entry.ID)
		if Classify(err) == ClassAuth {
			s.bus.Publish(event.SessionRevoked{UserID: sess.UserID})
			return false
		}
		return true
	}

	s.queue.Remove(entry.ID)
	return true
}

// send maps one entry to exactly one remote request.
func (s *Service) send(ctx context.Context, entry queue.Entry) error {
	kind := model.ItemKind(entry.Data2)
	if kind != model.KindMessage {
		kind = model.KindConversation
	}

	switch entry.Action {
	case model.ActionRead:
		return s.client.MarkRead(ctx, kind, entry.TargetIDs)
	case model.ActionUnread:
		return s.client.MarkUnread(ctx, kind, entry.TargetIDs)
	case model.ActionLabel, model.ActionMoveFolder:
		return s.client.ApplyLabel(ctx, kind, entry.Data1, entry.TargetIDs)
	case model.ActionUnlabel:
		return s.client.RemoveLabel(ctx, kind, entry.Data1, entry.TargetIDs)
	case model.ActionDelete:
		return errDeleteUnsupported
	}
	return errors.New("unsupported action " + string(entry.Action))
}

// ResumeAfterVerification clears the verification gate and resumes
// draining, the out-of-band completion hook for the UI collaborator.
func (s *Service) ResumeAfterVerification(ctx context.Context) {
	s.queue.SetVerificationRequired(false)
	s.Drain(ctx)
}

// SignOut purges the user's queued mutations and cached mailbox and
// drops their session.
func (s *Service) SignOut(ctx context.Context) {
	sess, ok := s.sessions.Current()
	if !ok {
		return
	}
	s.queue.RemoveAll(sess.UserID)
	if err := s.store.CleanMailbox(ctx, sess.UserID, true); err != nil {
		s.log.Warn("cleaning mailbox on sign-out failed", "user", sess.UserID, "error", err)
	}
	s.sessions.SignOut()
}

// QueuedIDs exposes the ids with pending mutations, for UI badges
// and consistency checks.
func (s *Service) QueuedIDs() map[string]struct{} {
	return s.queue.QueuedIDs()
}

func (s *Service) publishUpdated(kind model.ItemKind, ids []string) {
	switch kind {
	case model.KindMessage:
		if len(ids) == 1 {
			s.bus.Publish(event.MessageUpdated{ID: ids[0]})
			return
		}
		s.bus.Publish(event.MessagesUpdated{IDs: ids})
	default:
		s.bus.Publish(event.ConversationsUpdated{IDs: ids})
	}
}
