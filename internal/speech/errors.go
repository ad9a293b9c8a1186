package speech

import (
	"errors"
	"fmt"
)

// ErrQueueClosed is returned by [Queue.PopText] after [Queue.Close].
var ErrQueueClosed = errors.New("speech: queue closed")

// ErrWorkerStopped is returned by [Worker.Start] on a stopped worker.
var ErrWorkerStopped = errors.New("speech: worker stopped")

// StaleQueueError is returned by [Queue.PushAudio] when the queue was
// cleared after the event was taken from it. The unit is dropped.
type StaleQueueError struct {
	GuildID string
	Ticket  uint64
	Current uint64
}

func (e *StaleQueueError) Error() string {
	return fmt.Sprintf("speech: stale queue for guild %s (generation %d, current %d)", e.GuildID, e.Ticket, e.Current)
}

// IsStale reports whether err is or wraps a [*StaleQueueError].
func IsStale(err error) bool {
	var se *StaleQueueError
	return errors.As(err, &se)
}
