package imapsync

import "fmt"

type EventType int

const (
	EventInfo EventType = iota
	EventWarning
	EventErrorNetwork
	EventImapConnected
	EventImapMessageMoved
	EventImapMessageDeleted
	EventImapFolderEmptied
)

func (t EventType) String() string {
	switch t {
	case EventInfo:
		return "info"
	case EventWarning:
		return "warning"
	case EventErrorNetwork:
		return "error_network"
	case EventImapConnected:
		return "imap_connected"
	case EventImapMessageMoved:
		return "imap_message_moved"
	case EventImapMessageDeleted:
		return "imap_message_deleted"
	case EventImapFolderEmptied:
		return "imap_folder_emptied"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

type Event struct {
	Type EventType
	Msg  string
	// Folder is set for [EventImapFolderEmptied].
	Folder string
}

// EventSink receives events for the user interface.
// Emit must not block.
type EventSink interface {
	Emit(Event)
}
