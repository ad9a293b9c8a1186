package voice

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultTickInterval = 100 * time.Millisecond

// cleanupTimeout bounds one asynchronous teardown.
const cleanupTimeout = 10 * time.Second

// SchedulerOption configures a [Scheduler].
type SchedulerOption func(*Scheduler)

// WithInterval sets the tick period. Defaults to 100ms.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// Scheduler feeds ready audio into every connected guild and cleans up
// sessions whose connection dropped or whose channel emptied.
//
// A tick never blocks: playback is started and not awaited, and cleanups
// run in their own goroutines. At most one cleanup per guild is in flight.
type Scheduler struct {
	reg      *Registry
	interval time.Duration

	mu       sync.Mutex
	cleaning map[string]bool
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler over reg.
func NewScheduler(reg *Registry, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		reg:      reg,
		interval: defaultTickInterval,
		cleaning: make(map[string]bool),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run ticks until ctx is done, then waits for in-flight cleanups.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one scheduling pass over all connected guilds.
func (s *Scheduler) Tick() {
	for _, e := range s.reg.Snapshot() {
		switch {
		case !e.Conn.Connected():
			s.cleanup(e, "connection dropped")
		case e.Conn.Members() < 2:
			s.cleanup(e, "voice channel empty")
		case e.Conn.Playing():
		default:
			unit, ok := e.Queue.TryPopAudio()
			if !ok {
				continue
			}
			if err := e.Conn.Play(unit); err != nil {
				slog.Warn("voice: play failed", "guild_id", e.GuildID, "event_id", unit.EventID, "err", err)
				continue
			}
			s.reg.metrics.SegmentsPlayed.Add(context.Background(), 1)
		}
	}
}

// cleanup releases e's connection in the background unless a cleanup for
// the guild is already running.
func (s *Scheduler) cleanup(e Entry, reason string) {
	s.mu.Lock()
	if s.cleaning[e.GuildID] {
		s.mu.Unlock()
		return
	}
	s.cleaning[e.GuildID] = true
	s.mu.Unlock()

	slog.Info("voice: cleaning up session", "guild_id", e.GuildID, "reason", reason)
	s.wg.Go(func() {
		defer func() {
			s.mu.Lock()
			delete(s.cleaning, e.GuildID)
			s.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := s.reg.release(ctx, e.GuildID, e.Conn); err != nil {
			slog.Warn("voice: cleanup failed", "guild_id", e.GuildID, "err", err)
		}
	})
}
