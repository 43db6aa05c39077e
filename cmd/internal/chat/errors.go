package chat

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to wire error codes).
var (
	// ErrInvalidMessage reports a malformed append: no content at all, a bad
	// media kind, or a reply reference that does not resolve inside the log.
	ErrInvalidMessage = errors.New("invalid_message")
	// ErrNotFound reports an unknown message or conversation reference.
	ErrNotFound = errors.New("not_found")
	// ErrUnavailable reports an underlying storage failure. Operations that
	// return it have no partial effects; callers may retry with backoff.
	ErrUnavailable = errors.New("unavailable")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind MUST be one of the sentinel kinds above. Msg may include human-readable
// context; never message contents.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// IsInvalidMessage reports whether err represents ErrInvalidMessage.
func IsInvalidMessage(err error) bool { return errors.Is(err, ErrInvalidMessage) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsUnavailable reports whether err represents ErrUnavailable.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }
