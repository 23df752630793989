package remote

import (
	"errors"
	"fmt"
)

// ErrConversationNotFound is fatal for a session: the conversation was
// deleted (or the caller was never a participant). The session must tear
// down and the client navigate away.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrSubscriptionDropped signals a transport-level disconnect of a live
// feed. The session attempts one re-open before treating it as a fetch
// failure.
var ErrSubscriptionDropped = errors.New("subscription dropped")

// FetchError wraps a transient read failure. The caller may retry with
// the same cursor or subscription parameters.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed: %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// WriteError wraps a failed remote write. Status-advance writes are
// logged and absorbed: the write is monotonic and the next observation of
// the same message naturally retries it.
type WriteError struct {
	Target string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write failed for %s: %v", e.Target, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsRecoverable reports whether err is a transient failure the caller
// may retry, as opposed to a fatal session error.
func IsRecoverable(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) || errors.Is(err, ErrSubscriptionDropped)
}
