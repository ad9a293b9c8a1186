package speech

import (
	"context"
	"sync"

	"github.com/MrWong99/yomiage/pkg/audio"
)

// Ticket records the queue generation a text event was taken from. Audio
// produced for the event is only accepted while the generation is current.
type Ticket struct {
	gen uint64
}

// Queue holds a guild's pending text events and ready audio units.
//
// Both sides are unbounded FIFOs. The intended use is one producer and one
// consumer per side, but all methods are safe for concurrent use.
type Queue struct {
	guildID string

	mu     sync.Mutex
	gen    uint64
	text   []TextEvent
	audio  []audio.AudioUnit
	closed bool

	// notify has capacity 1 and is signalled on every PushText.
	notify chan struct{}
	done   chan struct{}
}

// NewQueue creates an empty queue for guildID.
func NewQueue(guildID string) *Queue {
	return &Queue{
		guildID: guildID,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// GuildID returns the guild the queue belongs to.
func (q *Queue) GuildID() string { return q.guildID }

// PushText appends ev to the text FIFO. Events pushed after Close are
// discarded.
func (q *Queue) PushText(ev TextEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.text = append(q.text, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// PopText removes and returns the oldest text event, blocking until one is
// available, ctx is cancelled or the queue is closed.
func (q *Queue) PopText(ctx context.Context) (TextEvent, Ticket, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return TextEvent{}, Ticket{}, ErrQueueClosed
		}
		if len(q.text) > 0 {
			ev := q.text[0]
			q.text[0] = TextEvent{}
			q.text = q.text[1:]
			t := Ticket{gen: q.gen}
			q.mu.Unlock()
			return ev, t, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return TextEvent{}, Ticket{}, ctx.Err()
		}
	}
}

// PushAudio appends unit to the audio FIFO. It returns a *StaleQueueError
// when the queue was cleared after t was issued.
func (q *Queue) PushAudio(t Ticket, unit audio.AudioUnit) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || t.gen != q.gen {
		return &StaleQueueError{GuildID: q.guildID, Ticket: t.gen, Current: q.gen}
	}
	q.audio = append(q.audio, unit)
	return nil
}

// TryPopAudio removes and returns the oldest audio unit without blocking.
func (q *Queue) TryPopAudio() (audio.AudioUnit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.audio) == 0 {
		return audio.AudioUnit{}, false
	}
	u := q.audio[0]
	q.audio[0] = audio.AudioUnit{}
	q.audio = q.audio[1:]
	return u, true
}

// Clear drops everything in both FIFOs and invalidates outstanding tickets.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.text = nil
	q.audio = nil
	q.gen++
}

// Len returns the number of pending text events and audio units.
func (q *Queue) Len() (text, audio int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.text), len(q.audio)
}

// Close clears the queue and wakes blocked PopText callers with
// ErrQueueClosed. It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.text = nil
	q.audio = nil
	q.gen++
	close(q.done)
}
