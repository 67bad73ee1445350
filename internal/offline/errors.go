package offline

import (
	"errors"
	"fmt"
)

var (
	// ErrQueuedForLater is matched by every error returned when a call was
	// stored for replay instead of executed.
	ErrQueuedForLater = errors.New("request queued for later")

	ErrInvalidRequest = errors.New("invalid request")
)

// QueuedError tells the caller the call was not executed but will be
// replayed once connectivity returns. Cause is the connectivity error of the
// immediate attempt, nil if the queue was already offline.
type QueuedError struct {
	Request QueuedRequest
	Pending int
	Cause   error
}

func (e *QueuedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s queued for later (%d pending): %v", e.Request.String(), e.Pending, e.Cause)
	}

	return fmt.Sprintf("%s queued for later (%d pending)", e.Request.String(), e.Pending)
}

// Is makes errors.Is(err, ErrQueuedForLater) hold. Cause is not unwrapped,
// so a queued call never reports as a connectivity failure.
func (e *QueuedError) Is(target error) bool {
	return target == ErrQueuedForLater
}

// IsQueued reports whether err is the queued-for-later signal.
func IsQueued(err error) bool {
	return errors.Is(err, ErrQueuedForLater)
}
