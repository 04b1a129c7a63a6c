package channel

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("channel is not connected")
	ErrAlreadyOpen  = errors.New("channel is already open for another room")
	ErrEmptyBody    = errors.New("message body is empty")
	ErrNoRoom       = errors.New("room is not specified")
	ErrNoIdentity   = errors.New("identity is not specified")

	// errMalformedEvent marks inbound frames that could not be parsed at all.
	// It is logged and never returned to callers.
	errMalformedEvent = errors.New("malformed event")
)

// TransportError is returned when the underlying transport fails to deliver
// an outbound frame.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
