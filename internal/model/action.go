package model

// Action identifies a user-initiated mutation that must be applied
// both locally and remotely.
type Action string

const (
	ActionRead       Action = "read"
	ActionUnread     Action = "unread"
	ActionLabel      Action = "label"
	ActionUnlabel    Action = "unlabel"
	ActionMoveFolder Action = "folder"
	ActionDelete     Action = "delete"
)

// Known reports whether the action is one the drain loop can dispatch
// or deliberately drop. Entries restored from older persisted queue
// formats may carry anything.
func (a Action) Known() bool {
	switch a {
	case ActionRead, ActionUnread, ActionLabel, ActionUnlabel,
		ActionMoveFolder, ActionDelete:
		return true
	}
	return false
}

// Supersedes returns the actions that a newly applied action cancels
// for the same target while they are still queued. Marking unread
// cancels a pending read for the same id, and a second folder move
// replaces the first.
func (a Action) Supersedes() []Action {
	switch a {
	case ActionRead:
		return []Action{ActionUnread}
	case ActionUnread:
		return []Action{ActionRead}
	case ActionLabel:
		return []Action{ActionUnlabel}
	case ActionUnlabel:
		return []Action{ActionLabel}
	case ActionMoveFolder:
		return []Action{ActionMoveFolder}
	}
	return nil
}
