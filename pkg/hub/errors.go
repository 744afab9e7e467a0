package hub

import (
	"errors"
	"fmt"
)

// Sentinel errors for command validation and collaborator lookups.
var (
	// ErrUnsupportedCommand is returned for commands outside the wire
	// protocol.
	ErrUnsupportedCommand = errors.New("hub: unsupported command")

	// ErrUnknownComponent is returned when a get-state names a component
	// that is not mirrored.
	ErrUnknownComponent = errors.New("hub: unknown component")

	// ErrInvalidEventType is returned when a listener registration names
	// a type outside the broadcast allow-list.
	ErrInvalidEventType = errors.New("hub: invalid event type")

	// ErrSocketClosed is returned when a send is attempted on a closed
	// socket.
	ErrSocketClosed = errors.New("hub: socket closed")
)

// LookupError wraps a collaborator failure with the command it was
// serving, so the scoped error reply can name the offending command.
type LookupError struct {
	Command string
	Err     error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("hub: %s: %v", e.Command, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }
