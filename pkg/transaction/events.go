package transaction

import (
	"fmt"

	"github.com/glorpus-work/pahkat/pkg/types"
)

// EventKind discriminates transaction progress events.
type EventKind uint8

// Event kinds. A successful transaction emits Downloading events first,
// then Uninstalling or Installing followed by Completed for each step in
// plan order, RebootRequired if any step needs it, and Done last.
const (
	EventDownloading EventKind = iota
	EventInstalling
	EventUninstalling
	EventCompleted
	EventFailed
	EventRebootRequired
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventDownloading:
		return "downloading"
	case EventInstalling:
		return "installing"
	case EventUninstalling:
		return "uninstalling"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventRebootRequired:
		return "reboot required"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one progress notification from a running transaction. The
// stream is ordered, finite and never re-delivered.
type Event struct {
	Kind EventKind
	Key  types.PackageKey

	// Downloading only.
	Current int64
	Total   int64

	// Failed only.
	Err error
}

func (e Event) String() string {
	switch e.Kind {
	case EventDownloading:
		return fmt.Sprintf("%s %s (%d/%d)", e.Kind, e.Key.ID, e.Current, e.Total)
	case EventFailed:
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Key.ID, e.Err)
	case EventRebootRequired, EventDone:
		return e.Kind.String()
	default:
		return fmt.Sprintf("%s %s", e.Kind, e.Key.ID)
	}
}
