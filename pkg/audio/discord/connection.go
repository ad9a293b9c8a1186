package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/yomiage/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

// Connection wraps a discordgo.VoiceConnection and adapts it to
// [audio.Connection]. Each [audio.AudioUnit] handed to Play is converted to
// 48 kHz stereo, cut into 20 ms frames, Opus-encoded and pushed to
// vc.OpusSend from a dedicated goroutine.
//
// Connection is safe for concurrent use.
type Connection struct {
	session   *discordgo.Session
	vc        *discordgo.VoiceConnection
	guildID   string
	botUserID string

	mu        sync.RWMutex
	channelID string
	connected bool

	playing atomic.Bool
	enc     *opusEncoder
	conv    audio.FormatConverter

	done      chan struct{}
	closeOnce sync.Once

	removeHandler func()

	// The following default to the vc methods and are overridden in tests.
	disconnectVC  func() error
	changeChannel func(channelID string) error
	speaking      func(bool) error
}

// newConnection initialises a Connection for an already-joined voice channel.
func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID, channelID string) (*Connection, error) {
	enc, err := newOpusEncoder()
	if err != nil {
		return nil, err
	}

	c := &Connection{
		session:   session,
		vc:        vc,
		guildID:   guildID,
		channelID: channelID,
		connected: true,
		enc:       enc,
		conv:      audio.FormatConverter{Target: audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}},
		done:      make(chan struct{}),
	}
	c.disconnectVC = vc.Disconnect
	c.changeChannel = func(ch string) error {
		return vc.ChangeChannel(ch, false, true)
	}
	c.speaking = vc.Speaking
	if session.State != nil && session.State.User != nil {
		c.botUserID = session.State.User.ID
	}

	// Track our own voice state so that a kick or a move by a moderator is
	// reflected in Connected and ChannelID.
	c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)
	return c, nil
}

// GuildID implements [audio.Connection].
func (c *Connection) GuildID() string { return c.guildID }

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channelID
}

// Connected implements [audio.Connection].
func (c *Connection) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Playing implements [audio.Connection].
func (c *Connection) Playing() bool { return c.playing.Load() }

// Members implements [audio.Connection]. It counts the voice states in the
// session's state cache that point at our channel, the bot included.
func (c *Connection) Members() int {
	st := c.session.State
	if st == nil {
		return 0
	}
	g, err := st.Guild(c.guildID)
	if err != nil {
		return 0
	}
	channelID := c.ChannelID()

	st.RLock()
	defer st.RUnlock()
	n := 0
	for _, vs := range g.VoiceStates {
		if vs.ChannelID == channelID {
			n++
		}
	}
	return n
}

// Play implements [audio.Connection].
func (c *Connection) Play(unit audio.AudioUnit) error {
	select {
	case <-c.done:
		return audio.ErrClosed
	default:
	}
	if !c.playing.CompareAndSwap(false, true) {
		return audio.ErrBusy
	}
	go c.playUnit(unit)
	return nil
}

// playUnit streams one unit to Discord. discordgo's opus sender paces the
// packets at 20 ms, so Playing stays true for roughly the audio duration.
func (c *Connection) playUnit(unit audio.AudioUnit) {
	defer c.playing.Store(false)

	frames := audio.Frames(c.conv.Convert(unit).Data, opusFrameBytes)
	if len(frames) == 0 {
		return
	}

	c.setSpeaking(true)
	defer c.setSpeaking(false)

	for _, frame := range frames {
		pkt, err := c.enc.encode(frame)
		if err != nil {
			slog.Warn("discord: opus encode error", "guild_id", c.guildID, "err", err)
			continue
		}
		select {
		case c.vc.OpusSend <- pkt:
		case <-c.done:
			return
		}
	}
}

// Move implements [audio.Connection].
func (c *Connection) Move(ctx context.Context, channelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.Connected() {
		return audio.ErrClosed
	}
	if err := c.changeChannel(channelID); err != nil {
		return fmt.Errorf("discord: move to channel %q: %w", channelID, err)
	}
	c.mu.Lock()
	c.channelID = channelID
	c.mu.Unlock()
	return nil
}

// Disconnect implements [audio.Connection].
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		if c.removeHandler != nil {
			c.removeHandler()
		}

		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
	})
	return err
}

// handleVoiceStateUpdate follows the bot's own voice state in this guild.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.VoiceState == nil || vsu.GuildID != c.guildID || c.botUserID == "" || vsu.UserID != c.botUserID {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if vsu.ChannelID == "" {
		if c.connected {
			slog.Info("discord: voice connection dropped", "guild_id", c.guildID, "channel_id", c.channelID)
		}
		c.connected = false
		return
	}
	c.channelID = vsu.ChannelID
}

// setSpeaking sends a speaking notification, logging any error.
func (c *Connection) setSpeaking(b bool) {
	if c.speaking == nil {
		return
	}
	if err := c.speaking(b); err != nil {
		slog.Debug("discord: speaking notification error", "speaking", b, "err", err)
	}
}
