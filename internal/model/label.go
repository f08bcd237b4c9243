package model

// Built-in label ids assigned by the server. User-created labels and
// folders get opaque ids outside this range.
const (
	LabelInbox   = "0"
	LabelDrafts  = "1"
	LabelSent    = "2"
	LabelTrash   = "3"
	LabelSpam    = "4"
	LabelAllMail = "5"
	LabelArchive = "6"
	LabelStarred = "10"
)

// MessageModeLabels lists the built-in mailboxes that display
// individual messages instead of conversation threads.
var MessageModeLabels = map[string]bool{
	LabelDrafts: true,
	LabelSent:   true,
}

// KindForLabel returns the display mode the given mailbox uses.
func KindForLabel(labelID string) ItemKind {
	if MessageModeLabels[labelID] {
		return KindMessage
	}
	return KindConversation
}
