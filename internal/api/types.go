package api

import "github.com/marpies/mailcache/internal/model"

// Event action codes used inside an event batch.
const (
	EventActionDelete = 0
	EventActionCreate = 1
	EventActionUpdate = 2
	EventActionFlags  = 3
)

// ConversationsResponse is a page of a conversation-mode mailbox.
type ConversationsResponse struct {
	Conversations []model.RawConversation `json:"Conversations"`
	Total         int                     `json:"Total"`
}

// MessagesResponse is a page of a message-mode mailbox.
type MessagesResponse struct {
	Messages []model.RawMessage `json:"Messages"`
	Total    int                `json:"Total"`
}

// LatestEventResponse carries the newest position of the server's
// event log, used to bootstrap an unset cursor.
type LatestEventResponse struct {
	EventID string `json:"EventID"`
}

// ConversationEvent is one conversation change inside an event batch.
type ConversationEvent struct {
	ID           string                `json:"ID"`
	Action       int                   `json:"Action"`
	Conversation model.RawConversation `json:"Conversation"`
}

// MessageEvent is one message change inside an event batch.
type MessageEvent struct {
	ID      string           `json:"ID"`
	Action  int              `json:"Action"`
	Message model.RawMessage `json:"Message"`
}

// EventsResponse is a batch of changes since a cursor position.
type EventsResponse struct {
	// EventID is the cursor to persist once the batch is applied.
	EventID string `json:"EventID"`

	// Refresh is non-zero when the server has invalidated the
	// client's cursor and a full resync is required.
	Refresh int `json:"Refresh"`

	// More is non-zero when further batches are already available.
	More int `json:"More"`

	Conversations []ConversationEvent `json:"Conversations,omitempty"`
	Messages      []MessageEvent      `json:"Messages,omitempty"`

	// UpdatedConversations and UpdatedMessages are the id sets the
	// server flags as changed in this batch.
	UpdatedConversations []string `json:"UpdatedConversations,omitempty"`
	UpdatedMessages      []string `json:"UpdatedMessages,omitempty"`
}

// RequiresResync reports whether the server invalidated the cursor.
func (r *EventsResponse) RequiresResync() bool {
	return r.Refresh != 0
}

// HasMailboxChanges reports whether the batch carries any
// conversation- or message-relevant keys at all.
func (r *EventsResponse) HasMailboxChanges() bool {
	return len(r.Conversations) > 0 || len(r.Messages) > 0 ||
		len(r.UpdatedConversations) > 0 || len(r.UpdatedMessages) > 0
}

// idsRequest is the body for batch read-state endpoints.
type idsRequest struct {
	IDs []string `json:"IDs"`
}

// labelRequest is the body for the label apply/remove endpoints.
type labelRequest struct {
	LabelID string   `json:"LabelID"`
	IDs     []string `json:"IDs"`
}
