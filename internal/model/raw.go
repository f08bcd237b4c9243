package model

// RawConversation mirrors the conversation fields the sync engine
// inspects from the remote API. Anything else in the wire payload is
// ignored on purpose.
type RawConversation struct {
	ID          string   `json:"ID"`
	Subject     string   `json:"Subject"`
	Time        int64    `json:"Time"`
	NumMessages int      `json:"NumMessages"`
	NumUnread   int      `json:"NumUnread"`
	LabelIDs    []string `json:"LabelIDs"`
}

// RawMessage mirrors the message fields the sync engine inspects.
type RawMessage struct {
	ID             string   `json:"ID"`
	ConversationID string   `json:"ConversationID"`
	Subject        string   `json:"Subject"`
	Time           int64    `json:"Time"`
	Unread         int      `json:"Unread"`
	LabelIDs       []string `json:"LabelIDs"`
}
