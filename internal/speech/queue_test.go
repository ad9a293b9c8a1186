package speech

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/yomiage/pkg/audio"
)

func TestQueue_TextFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue("g1")
	for _, s := range []string{"a", "b", "c"} {
		q.PushText(SystemEvent("g1", s))
	}
	if n, _ := q.Len(); n != 3 {
		t.Fatalf("text len = %d, want 3", n)
	}
	for _, want := range []string{"a", "b", "c"} {
		ev, _, err := q.PopText(t.Context())
		if err != nil {
			t.Fatalf("PopText: %v", err)
		}
		if ev.Text != want {
			t.Errorf("PopText = %q, want %q", ev.Text, want)
		}
	}
}

func TestQueue_PopTextBlocksUntilPush(t *testing.T) {
	t.Parallel()

	q := NewQueue("g1")
	got := make(chan string, 1)
	go func() {
		ev, _, err := q.PopText(context.Background())
		if err == nil {
			got <- ev.Text
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.PushText(SystemEvent("g1", "late"))

	select {
	case s := <-got:
		if s != "late" {
			t.Errorf("PopText = %q, want late", s)
		}
	case <-time.After(time.Second):
		t.Fatal("PopText did not wake on push")
	}
}

func TestQueue_PopTextContextAndClose(t *testing.T) {
	t.Parallel()

	q := NewQueue("g1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := q.PopText(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("PopText err = %v, want DeadlineExceeded", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, _, err := q.PopText(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrQueueClosed) {
			t.Errorf("PopText err = %v, want ErrQueueClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake PopText")
	}

	q.PushText(SystemEvent("g1", "ignored"))
	if n, _ := q.Len(); n != 0 {
		t.Errorf("push after Close kept %d events", n)
	}
}

func TestQueue_AudioFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue("g1")
	if _, ok := q.TryPopAudio(); ok {
		t.Fatal("TryPopAudio on empty queue returned ok")
	}
	q.PushText(SystemEvent("g1", "x"))
	_, ticket, _ := q.PopText(t.Context())

	for _, s := range []string{"1", "2"} {
		if err := q.PushAudio(ticket, audio.AudioUnit{Text: s}); err != nil {
			t.Fatalf("PushAudio: %v", err)
		}
	}
	for _, want := range []string{"1", "2"} {
		u, ok := q.TryPopAudio()
		if !ok || u.Text != want {
			t.Errorf("TryPopAudio = %q, %v; want %q", u.Text, ok, want)
		}
	}
}

func TestQueue_ClearInvalidatesTickets(t *testing.T) {
	t.Parallel()

	q := NewQueue("g1")
	q.PushText(SystemEvent("g1", "a"))
	q.PushText(SystemEvent("g1", "b"))
	_, ticket, _ := q.PopText(t.Context())
	_ = q.PushAudio(ticket, audio.AudioUnit{Text: "a"})

	q.Clear()

	if text, au := q.Len(); text != 0 || au != 0 {
		t.Errorf("Len after Clear = %d, %d; want 0, 0", text, au)
	}
	err := q.PushAudio(ticket, audio.AudioUnit{Text: "late"})
	var se *StaleQueueError
	if !errors.As(err, &se) {
		t.Fatalf("PushAudio err = %v, want *StaleQueueError", err)
	}
	if se.GuildID != "g1" || se.Current != se.Ticket+1 {
		t.Errorf("StaleQueueError = %+v", se)
	}
	if !IsStale(err) {
		t.Error("IsStale = false")
	}
	if _, au := q.Len(); au != 0 {
		t.Errorf("stale unit was queued")
	}

	q.PushText(SystemEvent("g1", "c"))
	_, fresh, _ := q.PopText(t.Context())
	if err := q.PushAudio(fresh, audio.AudioUnit{}); err != nil {
		t.Errorf("PushAudio with fresh ticket: %v", err)
	}
}

func TestQueue_Concurrent(t *testing.T) {
	t.Parallel()

	q := NewQueue("g1")
	const n = 200

	var wg sync.WaitGroup
	wg.Go(func() {
		for range n {
			q.PushText(SystemEvent("g1", "x"))
		}
	})

	popped := 0
	for popped < n {
		if _, _, err := q.PopText(t.Context()); err != nil {
			t.Fatalf("PopText: %v", err)
		}
		popped++
	}
	wg.Wait()
	if text, _ := q.Len(); text != 0 {
		t.Errorf("text len = %d, want 0", text)
	}
}
