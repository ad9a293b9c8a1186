// Package discord provides an [audio.Platform] backed by Discord voice
// channels via bwmarrin/discordgo. It is playback-only: the bot joins
// deafened and transmits synthesized speech as Opus.
//
// One Platform serves every guild the session can see; each call to
// [Platform.Connect] returns an independent [Connection].
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/yomiage/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] on top of a discordgo session owned
// by the bot layer.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
}

// New creates a Platform for the given session.
func New(session *discordgo.Session) *Platform {
	return &Platform{session: session}
}

// Connect joins channelID in guildID. ctx is checked before the join; the
// join handshake itself is bounded by discordgo's own timeout.
func (p *Platform) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// mute=false (we transmit), deaf=true (we never listen).
	vc, err := p.session.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}

	conn, err := newConnection(vc, p.session, guildID, channelID)
	if err != nil {
		_ = vc.Disconnect()
		return nil, fmt.Errorf("discord: create connection: %w", err)
	}
	return conn, nil
}
