// Package audio defines the playback side of the voice relay: the PCM
// [AudioUnit] produced by speech synthesis, format conversion helpers, and
// the [Platform]/[Connection] abstractions a voice backend implements.
//
// Implementations live in platform-specific packages (audio/discord) and
// test doubles in audio/mock. The package lives under pkg/ because other
// voice backends are expected to implement [Platform] and [Connection].
package audio

import (
	"context"
	"errors"
)

// ErrBusy is returned by [Connection.Play] while another unit is playing.
var ErrBusy = errors.New("audio: connection is already playing")

// ErrClosed is returned by [Connection] methods after Disconnect.
var ErrClosed = errors.New("audio: connection closed")

// Connection is a live voice session in one guild.
//
// At most one Connection exists per guild at a time. All methods are safe
// for concurrent use; Connected, Playing and Members never block on the
// network so that a periodic scheduler can poll them cheaply.
type Connection interface {
	// GuildID returns the guild the connection belongs to.
	GuildID() string

	// ChannelID returns the voice channel the connection currently occupies.
	ChannelID() string

	// Connected reports whether the connection is still attached to a voice
	// channel. It turns false after Disconnect or when the platform drops us.
	Connected() bool

	// Playing reports whether a unit is currently being transmitted.
	Playing() bool

	// Members returns the number of participants in the voice channel,
	// including the bot itself.
	Members() int

	// Play starts transmitting unit and returns immediately. It returns
	// [ErrBusy] if another unit is still playing and [ErrClosed] after
	// Disconnect.
	Play(unit AudioUnit) error

	// Move rebinds the connection to another voice channel in the same guild.
	Move(ctx context.Context, channelID string) error

	// Disconnect leaves the voice channel and stops any playback. It is safe
	// to call more than once; later calls return nil.
	Disconnect() error
}

// Platform opens voice connections.
//
// Implementations must be safe for concurrent use across guilds.
type Platform interface {
	// Connect joins channelID in guildID and returns the live connection.
	// ctx bounds the join handshake only.
	Connect(ctx context.Context, guildID, channelID string) (Connection, error)
}
