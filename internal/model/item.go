package model

import (
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// ItemKind selects whether a mailbox is viewed as grouped conversation
// threads or as individual messages (Sent and Drafts use messages).
type ItemKind string

const (
	KindConversation ItemKind = "conversation"
	KindMessage      ItemKind = "message"
)

// Item is an immutable snapshot of one server-side mail entity
// (a conversation or a single message) at fetch time. Items are
// superseded on reload, never mutated in place.
type Item struct {
	// ID is the server-assigned identifier of the entity.
	ID string `json:"id"`

	// Kind reports whether this item is a conversation or a message.
	Kind ItemKind `json:"kind"`

	// ConversationID is the owning thread for message items; empty
	// for conversation items.
	ConversationID string `json:"conversation_id,omitempty"`

	// Subject is the display title of the conversation or message.
	Subject string `json:"subject"`

	// Time is the server-side timestamp used for mailbox ordering.
	Time time.Time `json:"time"`

	// Unread reports whether the item still counts as unread.
	Unread bool `json:"unread"`

	// Starred reports membership in the built-in Starred label.
	Starred bool `json:"starred"`

	// NumMessages and NumUnread are conversation roll-up counters;
	// both are 1/0-valued for message items.
	NumMessages int `json:"num_messages"`
	NumUnread   int `json:"num_unread"`

	// LabelIDs holds every label the item belongs to, built-in
	// mailboxes included.
	LabelIDs []string `json:"label_ids"`

	// Expanded is purely local view state and must never count as a
	// visible change.
	Expanded bool `json:"-" hash:"ignore"`
}

// Hash returns the structural hash used for change detection. Fields
// that only reflect local view state are excluded, so two items hash
// equal exactly when the server-visible content is identical.
func (i Item) Hash() uint64 {
	h, err := hashstructure.Hash(i, hashstructure.FormatV2, nil)
	if err != nil {
		return 0
	}
	return h
}

// HasLabel reports whether the item carries the given label id.
func (i Item) HasLabel(labelID string) bool {
	for _, l := range i.LabelIDs {
		if l == labelID {
			return true
		}
	}
	return false
}

// Snapshot is the full ordered set of items currently believed to
// belong to one (label, kind) pair. Order is server-defined, typically
// time-descending. A snapshot is replaced wholesale on every load.
type Snapshot struct {
	Label string
	Kind  ItemKind
	Items []Item
}

// IDs returns the item ids in snapshot order.
func (s *Snapshot) IDs() []string {
	ids := make([]string, len(s.Items))
	for i, it := range s.Items {
		ids[i] = it.ID
	}
	return ids
}

// IDSet returns the item ids as a membership set.
func (s *Snapshot) IDSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.Items))
	for _, it := range s.Items {
		set[it.ID] = struct{}{}
	}
	return set
}

// Empty reports whether the snapshot holds no items.
func (s *Snapshot) Empty() bool {
	return s == nil || len(s.Items) == 0
}
