package device

import (
	"time"

	"github.com/shaunagostinho/cr14-rfid/internal/protocol"
)

type EventKind int

const (
	EventOpen EventKind = iota
	EventClose
	// EventTag is a tag reported while polling.
	EventTag
	// EventCommand is a block command that completed and emitted a frame.
	EventCommand
	// EventCommandFailed is a block command abandoned on a hard error.
	EventCommandFailed
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventTag:
		return "tag"
	case EventCommand:
		return "command"
	case EventCommandFailed:
		return "command_failed"
	default:
		return "unknown"
	}
}

type Event struct {
	Time  time.Time
	Kind  EventKind
	Mode  protocol.Mode
	UID   protocol.UID
	Frame []byte
	Err   error
}

type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }
