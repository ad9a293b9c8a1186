// Package voice owns the per-guild voice sessions: which guilds are
// connected, their speech queues and workers, and the scheduler that feeds
// ready audio into each connection.
package voice

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/yomiage/internal/observe"
	"github.com/MrWong99/yomiage/internal/speech"
	"github.com/MrWong99/yomiage/pkg/audio"
)

// NotConnectedError is returned for operations on a guild without a voice
// session.
type NotConnectedError struct {
	GuildID string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("voice: guild %s is not connected", e.GuildID)
}

// IsNotConnected reports whether err is or wraps a [*NotConnectedError].
func IsNotConnected(err error) bool {
	var nc *NotConnectedError
	return errors.As(err, &nc)
}

// WorkerFactory builds the speech worker for a freshly connected guild.
type WorkerFactory func(guildID string, queue *speech.Queue) *speech.Worker

// Option configures a [Registry].
type Option func(*Registry)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithBaseContext sets the context workers run under. Defaults to
// [context.Background]; workers are stopped through Disconnect either way.
func WithBaseContext(ctx context.Context) Option {
	return func(r *Registry) { r.baseCtx = ctx }
}

// guildSession is the state of one guild. Entries are never removed from
// the registry map so that lifecycle transitions always serialize on the
// same mutex.
type guildSession struct {
	guildID string
	queue   *speech.Queue

	// life serializes Connect and Disconnect for the guild.
	life sync.Mutex

	mu          sync.RWMutex
	conn        audio.Connection
	worker      *speech.Worker
	readChannel string
}

func (s *guildSession) connection() audio.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Registry tracks at most one voice connection per guild.
//
// All methods are safe for concurrent use. Operations on one guild never
// block operations on another beyond the brief map lookup.
type Registry struct {
	platform  audio.Platform
	newWorker WorkerFactory
	metrics   *observe.Metrics
	baseCtx   context.Context

	mu     sync.RWMutex
	guilds map[string]*guildSession
}

// NewRegistry creates an empty registry.
func NewRegistry(platform audio.Platform, newWorker WorkerFactory, opts ...Option) *Registry {
	r := &Registry{
		platform:  platform,
		newWorker: newWorker,
		baseCtx:   context.Background(),
		guilds:    make(map[string]*guildSession),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// session returns the guild's entry, creating it when create is set.
func (r *Registry) session(guildID string, create bool) *guildSession {
	r.mu.RLock()
	s, ok := r.guilds[guildID]
	r.mu.RUnlock()
	if ok || !create {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.guilds[guildID]; ok {
		return s
	}
	s = &guildSession{guildID: guildID, queue: speech.NewQueue(guildID)}
	r.guilds[guildID] = s
	return s
}

// Connect joins channelID in guildID. When the guild already has a live
// connection it is moved instead of opening a second one. A fresh
// connection starts with empty queues and a new worker.
func (r *Registry) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	s := r.session(guildID, true)
	s.life.Lock()
	defer s.life.Unlock()

	log := slog.With("guild_id", guildID, "channel_id", channelID)

	if conn := s.connection(); conn != nil {
		if conn.Connected() {
			if conn.ChannelID() != channelID {
				if err := conn.Move(ctx, channelID); err != nil {
					return nil, fmt.Errorf("voice: move guild %s: %w", guildID, err)
				}
				log.Info("voice: moved connection")
			}
			r.ensureWorker(s)
			return conn, nil
		}
		// Dropped by the platform but not yet cleaned up.
		if err := r.teardown(ctx, s); err != nil {
			log.Debug("voice: releasing dropped connection", "err", err)
		}
	}

	conn, err := r.platform.Connect(ctx, guildID, channelID)
	if err != nil {
		return nil, fmt.Errorf("voice: connect guild %s: %w", guildID, err)
	}
	s.queue.Clear()
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	r.metrics.VoiceConnections.Add(ctx, 1)
	r.ensureWorker(s)
	log.Info("voice: connected")
	return conn, nil
}

// ensureWorker starts a worker for s unless one is running. Must be called
// with s.life held.
func (r *Registry) ensureWorker(s *guildSession) {
	s.mu.RLock()
	w := s.worker
	s.mu.RUnlock()
	if w != nil && w.Running() {
		return
	}
	w = r.newWorker(s.guildID, s.queue)
	if err := w.Start(r.baseCtx); err != nil {
		slog.Error("voice: starting worker", "guild_id", s.guildID, "err", err)
		return
	}
	s.mu.Lock()
	s.worker = w
	s.mu.Unlock()
}

// Disconnect stops the guild's worker, clears its queues and releases the
// connection, in that order. Other guilds are not affected.
func (r *Registry) Disconnect(ctx context.Context, guildID string) error {
	s := r.session(guildID, false)
	if s == nil {
		return &NotConnectedError{GuildID: guildID}
	}
	s.life.Lock()
	defer s.life.Unlock()
	if s.connection() == nil {
		return &NotConnectedError{GuildID: guildID}
	}
	return r.teardown(ctx, s)
}

// release disconnects guildID only if conn is still its current
// connection. The scheduler uses it so that a cleanup racing with a
// reconnect never tears down the new session.
func (r *Registry) release(ctx context.Context, guildID string, conn audio.Connection) error {
	s := r.session(guildID, false)
	if s == nil {
		return nil
	}
	s.life.Lock()
	defer s.life.Unlock()
	if s.connection() != conn {
		return nil
	}
	return r.teardown(ctx, s)
}

// teardown performs the disconnect sequence. Must be called with s.life
// held.
func (r *Registry) teardown(ctx context.Context, s *guildSession) error {
	s.mu.Lock()
	w, conn := s.worker, s.conn
	s.worker, s.conn, s.readChannel = nil, nil, ""
	s.mu.Unlock()

	if w != nil {
		w.Stop()
		select {
		case <-w.Done():
		case <-ctx.Done():
			slog.Warn("voice: worker did not stop in time", "guild_id", s.guildID)
		}
	}
	s.queue.Clear()

	if conn == nil {
		return nil
	}
	r.metrics.VoiceConnections.Add(ctx, -1)
	if err := conn.Disconnect(); err != nil {
		return fmt.Errorf("voice: disconnect guild %s: %w", s.guildID, err)
	}
	slog.Info("voice: disconnected", "guild_id", s.guildID)
	return nil
}

// DisconnectAll disconnects every connected guild. It is meant for
// shutdown; errors are joined.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	var errs []error
	for _, id := range r.ActiveGuilds() {
		if err := r.Disconnect(ctx, id); err != nil && !IsNotConnected(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Enqueue queues ev for the guild's worker.
func (r *Registry) Enqueue(ev speech.TextEvent) error {
	s := r.session(ev.GuildID, false)
	if s == nil || s.connection() == nil {
		return &NotConnectedError{GuildID: ev.GuildID}
	}
	s.queue.PushText(ev)
	return nil
}

// Speak queues a system announcement for guildID.
func (r *Registry) Speak(guildID, text string) error {
	return r.Enqueue(speech.SystemEvent(guildID, text))
}

// SetReadChannel binds the text channel whose messages are read aloud.
func (r *Registry) SetReadChannel(guildID, channelID string) error {
	s := r.session(guildID, false)
	if s == nil {
		return &NotConnectedError{GuildID: guildID}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return &NotConnectedError{GuildID: guildID}
	}
	s.readChannel = channelID
	return nil
}

// ReadChannel returns the bound text channel, or "" when the guild is not
// connected.
func (r *Registry) ReadChannel(guildID string) string {
	s := r.session(guildID, false)
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readChannel
}

// Connection returns the guild's connection, if any.
func (r *Registry) Connection(guildID string) (audio.Connection, bool) {
	s := r.session(guildID, false)
	if s == nil {
		return nil, false
	}
	conn := s.connection()
	return conn, conn != nil
}

// Queue returns the guild's speech queue, or nil if the guild has never
// been connected.
func (r *Registry) Queue(guildID string) *speech.Queue {
	s := r.session(guildID, false)
	if s == nil {
		return nil
	}
	return s.queue
}

// Entry is one connected guild as seen by [Registry.Snapshot].
type Entry struct {
	GuildID string
	Conn    audio.Connection
	Queue   *speech.Queue
}

// Snapshot returns the connected guilds ordered by guild ID.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	sessions := make([]*guildSession, 0, len(r.guilds))
	for _, s := range r.guilds {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var out []Entry
	for _, s := range sessions {
		if conn := s.connection(); conn != nil {
			out = append(out, Entry{GuildID: s.guildID, Conn: conn, Queue: s.queue})
		}
	}
	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.GuildID, b.GuildID) })
	return out
}

// ActiveGuilds returns the IDs of connected guilds in ascending order.
func (r *Registry) ActiveGuilds() []string {
	snap := r.Snapshot()
	ids := make([]string, len(snap))
	for i, e := range snap {
		ids[i] = e.GuildID
	}
	return ids
}

// QueueDepth sums the pending text events and audio units of all
// connected guilds.
func (r *Registry) QueueDepth() (text, ready int) {
	for _, e := range r.Snapshot() {
		t, a := e.Queue.Len()
		text += t
		ready += a
	}
	return text, ready
}
