// Package mock provides in-memory implementations of [audio.Platform] and
// [audio.Connection] for unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on arguments, and expose fields that control return values.
//
// Typical usage:
//
//	platform := &mock.Platform{}
//	conn, _ := platform.Connect(ctx, "guild-1", "voice-1")
//	// ... drive the scheduler ...
//	units := platform.Connection("guild-1").Played()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/yomiage/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Connection = (*Connection)(nil)
	_ audio.Platform   = (*Platform)(nil)
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock [audio.Connection].
//
// By default Play finishes instantly (Playing stays false). Set HoldPlayback
// to keep a unit "playing" until [Connection.FinishPlayback] is called.
type Connection struct {
	mu sync.Mutex

	Guild   string
	Channel string

	// MemberCount is returned by Members. Zero is reported as 2 so that a
	// freshly created mock is not treated as an empty channel.
	MemberCount int

	// HoldPlayback keeps Playing true after Play until FinishPlayback.
	HoldPlayback bool

	// PlayError is returned by Play when non-nil.
	PlayError error

	// MoveError is returned by Move when non-nil.
	MoveError error

	// DisconnectError is returned by the first Disconnect call.
	DisconnectError error

	// Dropped simulates the platform dropping the connection.
	Dropped bool

	played       []audio.AudioUnit
	playing      bool
	closed       bool
	moves        []string
	disconnects  int
	onDisconnect func()
}

// GuildID implements [audio.Connection].
func (c *Connection) GuildID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Guild
}

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Channel
}

// Connected implements [audio.Connection].
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.Dropped
}

// Playing implements [audio.Connection].
func (c *Connection) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// Members implements [audio.Connection].
func (c *Connection) Members() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.MemberCount == 0 {
		return 2
	}
	return c.MemberCount
}

// Play implements [audio.Connection]. The unit is recorded in play order.
func (c *Connection) Play(unit audio.AudioUnit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return audio.ErrClosed
	case c.playing:
		return audio.ErrBusy
	case c.PlayError != nil:
		return c.PlayError
	}
	c.played = append(c.played, unit)
	c.playing = c.HoldPlayback
	return nil
}

// Move implements [audio.Connection].
func (c *Connection) Move(_ context.Context, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moves = append(c.moves, channelID)
	if c.MoveError != nil {
		return c.MoveError
	}
	c.Channel = channelID
	return nil
}

// Disconnect implements [audio.Connection].
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.playing = false
	cb := c.onDisconnect
	err := c.DisconnectError
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
	return err
}

// FinishPlayback ends the unit currently held by HoldPlayback.
func (c *Connection) FinishPlayback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playing = false
}

// Drop marks the connection as dropped by the platform.
func (c *Connection) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Dropped = true
}

// SetMembers changes the reported member count.
func (c *Connection) SetMembers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MemberCount = n
}

// OnDisconnect registers fn to run after the first Disconnect.
func (c *Connection) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// Played returns a copy of all units passed to Play, in order.
func (c *Connection) Played() []audio.AudioUnit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.AudioUnit, len(c.played))
	copy(out, c.played)
	return out
}

// Moves returns the channel IDs passed to Move, in order.
func (c *Connection) Moves() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.moves...)
}

// DisconnectCalls returns how many times Disconnect was called.
func (c *Connection) DisconnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of one [Platform.Connect] invocation.
type ConnectCall struct {
	GuildID   string
	ChannelID string
}

// Platform is a mock [audio.Platform]. Unless ConnectFunc is set, every
// Connect creates a fresh [Connection] that can be retrieved with
// [Platform.Connection].
type Platform struct {
	mu sync.Mutex

	// ConnectFunc overrides connection creation when non-nil.
	ConnectFunc func(guildID, channelID string) (audio.Connection, error)

	// ConnectError is returned by Connect when non-nil.
	ConnectError error

	// HoldPlayback is copied into every created Connection.
	HoldPlayback bool

	calls []ConnectCall
	conns map[string]*Connection
}

// Connect implements [audio.Platform].
func (p *Platform) Connect(_ context.Context, guildID, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, ConnectCall{GuildID: guildID, ChannelID: channelID})
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	if p.ConnectFunc != nil {
		return p.ConnectFunc(guildID, channelID)
	}
	c := &Connection{Guild: guildID, Channel: channelID, HoldPlayback: p.HoldPlayback}
	if p.conns == nil {
		p.conns = make(map[string]*Connection)
	}
	p.conns[guildID] = c
	return c, nil
}

// Connection returns the most recent Connection created for guildID.
func (p *Platform) Connection(guildID string) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[guildID]
}

// ConnectCalls returns a copy of all recorded Connect invocations.
func (p *Platform) ConnectCalls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.calls...)
}
