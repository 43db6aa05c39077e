package social

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to wire error codes).
var (
	// ErrSelfFollow reports a follow request targeting the requester.
	ErrSelfFollow = errors.New("self_follow")
	// ErrAlreadyAccepted reports a follow request for an edge that is already accepted.
	ErrAlreadyAccepted = errors.New("already_accepted")
	// ErrNoSuchRequest reports an accept/reject with no matching pending edge.
	ErrNoSuchRequest = errors.New("no_such_request")
	// ErrNotFound reports a missing user, edge, or conversation reference.
	ErrNotFound = errors.New("not_found")
	// ErrConflict reports a provisioning race. It never escapes the
	// provisioner: the desired end state already holds, so it resolves to a no-op.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable reports an underlying storage failure with no partial effects.
	ErrUnavailable = errors.New("unavailable")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
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

// IsSelfFollow reports whether err represents ErrSelfFollow.
func IsSelfFollow(err error) bool { return errors.Is(err, ErrSelfFollow) }

// IsAlreadyAccepted reports whether err represents ErrAlreadyAccepted.
func IsAlreadyAccepted(err error) bool { return errors.Is(err, ErrAlreadyAccepted) }

// IsNoSuchRequest reports whether err represents ErrNoSuchRequest.
func IsNoSuchRequest(err error) bool { return errors.Is(err, ErrNoSuchRequest) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsUnavailable reports whether err represents ErrUnavailable.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }
