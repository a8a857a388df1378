package replication

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownEvent       = errors.New("unknown event type")
	ErrInvalidRequest     = errors.New("invalid replication request")
	ErrRootNotFound       = errors.New("replication root not found")
	ErrPathEscapesRoot    = errors.New("path escapes replication root")
	ErrStructuralConflict = errors.New("structural conflict")
	ErrRequestTooLarge    = errors.New("request too large for transport")
)

// EventType is the kind of change carried by an Event or a Request.
// The zero value is not a valid event type.
type EventType uint8

const (
	EventAdded EventType = iota + 1
	EventRemoved
	EventModified
)

// EventTypes lists every valid event type.
var EventTypes = []EventType{EventAdded, EventRemoved, EventModified}

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "ADDED"
	case EventRemoved:
		return "REMOVED"
	case EventModified:
		return "MODIFIED"
	default:
		return fmt.Sprintf("???(%d)", uint8(t))
	}
}

func (t EventType) Valid() bool {
	switch t {
	case EventAdded, EventRemoved, EventModified:
		return true
	default:
		return false
	}
}

func (t EventType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEvent, uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *EventType) UnmarshalText(text []byte) error {
	parsed, err := ParseEventType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ADDED":
		return EventAdded, nil
	case "REMOVED":
		return EventRemoved, nil
	case "MODIFIED":
		return EventModified, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownEvent, s)
	}
}

// Event is a single mutation reported by a watch registration.
// Path is the absolute, slash-separated path of the entry that changed.
type Event struct {
	Type EventType
	Path string
}

func (e Event) String() string {
	return e.Type.String() + " " + e.Path
}
