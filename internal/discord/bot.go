// Package discord provides the Discord bot layer for yomiage. It owns the
// discordgo.Session lifecycle, routes slash command interactions to
// registered handlers, turns gateway events into speech and checks
// permissions for server-wide settings.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/yomiage/pkg/audio"
	discordaudio "github.com/MrWong99/yomiage/pkg/audio/discord"
)

// Config holds Discord bot configuration.
type Config struct {
	// Token is the Discord bot token without the "Bot " prefix.
	Token string

	// CommandGuilds registers slash commands in these guilds only. Guild
	// commands update instantly, which is what test servers want. When
	// empty, commands are registered globally.
	CommandGuilds []string

	// AdminRoleID grants server-setting access in addition to the Manage
	// Server permission.
	AdminRoleID string
}

// Directory answers member questions from the gateway state cache.
type Directory interface {
	// VoiceChannel returns the voice channel the member is in, or "".
	VoiceChannel(guildID, userID string) string

	// DisplayName returns the name to read for u. With nickname set, the
	// guild nickname wins when there is one.
	DisplayName(guildID string, u *discordgo.User, nickname bool) string

	// BotUserID returns the bot's own user ID.
	BotUserID() string

	// ChannelMembers counts the members in a voice channel, not counting
	// the bot itself.
	ChannelMembers(guildID, channelID string) int
}

// Bot owns the Discord gateway connection and routes interactions
// to registered command handlers.
type Bot struct {
	mu            sync.RWMutex
	session       *discordgo.Session
	platform      *discordaudio.Platform
	router        *CommandRouter
	perms         *PermissionChecker
	commandGuilds []string
	registered    map[string][]*discordgo.ApplicationCommand
	ready         atomic.Bool
	closeOnce     sync.Once
}

// New creates a Bot and registers the interaction handler. The gateway is
// opened by [Bot.Run] so that callers can add their own handlers first.
func New(cfg Config) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuilds |
		discordgo.IntentsMessageContent
	session.State.TrackVoice = true
	session.State.TrackMembers = true

	b := &Bot{
		session:       session,
		platform:      discordaudio.New(session),
		router:        NewCommandRouter(),
		perms:         NewPermissionChecker(cfg.AdminRoleID),
		commandGuilds: cfg.CommandGuilds,
		registered:    make(map[string][]*discordgo.ApplicationCommand),
	}

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})
	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		b.ready.Store(true)
		slog.Info("discord: gateway ready", "user", r.User.Username, "guilds", len(r.Guilds))
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		b.ready.Store(false)
		slog.Warn("discord: gateway disconnected")
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		b.ready.Store(true)
		slog.Info("discord: gateway resumed")
	})

	return b, nil
}

// Platform returns the audio.Platform for voice channel connections.
func (b *Bot) Platform() audio.Platform {
	return b.platform
}

// Session returns the underlying discordgo session.
func (b *Bot) Session() *discordgo.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

// Permissions returns the permission checker.
func (b *Bot) Permissions() *PermissionChecker {
	return b.perms
}

// Directory returns a member directory backed by the session state.
func (b *Bot) Directory() Directory {
	return &stateDirectory{state: b.session.State}
}

// Ready reports whether the gateway is connected and has received READY.
func (b *Bot) Ready() bool {
	return b.ready.Load()
}

// Latency returns the last measured gateway heartbeat round trip.
func (b *Bot) Latency() time.Duration {
	return b.session.HeartbeatLatency()
}

// Run opens the gateway, registers slash commands and blocks until ctx is
// cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}

	appID := b.session.State.User.ID
	cmds := b.router.ApplicationCommands()
	targets := b.commandGuilds
	if len(targets) == 0 {
		targets = []string{""}
	}
	for _, guildID := range targets {
		registered, err := b.session.ApplicationCommandBulkOverwrite(appID, guildID, cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands in %q: %w", guildID, err)
		}
		b.mu.Lock()
		b.registered[guildID] = registered
		b.mu.Unlock()
		slog.Info("discord: commands registered", "guild_id", guildID, "count", len(registered))
	}

	<-ctx.Done()
	return nil
}

// Close disconnects from Discord. Guild-scoped commands are removed again;
// global commands stay registered because they take long to propagate.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.session.State.User != nil {
			appID := b.session.State.User.ID
			for guildID, cmds := range b.registered {
				if guildID == "" {
					continue
				}
				for _, cmd := range cmds {
					if err := b.session.ApplicationCommandDelete(appID, guildID, cmd.ID); err != nil {
						slog.Warn("discord: failed to delete command", "name", cmd.Name, "guild_id", guildID, "err", err)
					}
				}
			}
		}

		b.ready.Store(false)
		if err := b.session.Close(); err != nil {
			closeErr = fmt.Errorf("discord: close session: %w", err)
		}
		slog.Info("discord: bot closed")
	})
	return closeErr
}

// stateDirectory implements [Directory] over the gateway state cache. It
// never calls the REST API.
type stateDirectory struct {
	state *discordgo.State
}

func (d *stateDirectory) VoiceChannel(guildID, userID string) string {
	vs, err := d.state.VoiceState(guildID, userID)
	if err != nil || vs == nil {
		return ""
	}
	return vs.ChannelID
}

func (d *stateDirectory) DisplayName(guildID string, u *discordgo.User, nickname bool) string {
	if u == nil {
		return ""
	}
	if nickname {
		if m, err := d.state.Member(guildID, u.ID); err == nil && m.Nick != "" {
			return m.Nick
		}
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func (d *stateDirectory) BotUserID() string {
	if d.state.User == nil {
		return ""
	}
	return d.state.User.ID
}

func (d *stateDirectory) ChannelMembers(guildID, channelID string) int {
	g, err := d.state.Guild(guildID)
	if err != nil {
		return 0
	}
	self := d.BotUserID()

	d.state.RLock()
	defer d.state.RUnlock()
	n := 0
	for _, vs := range g.VoiceStates {
		if vs.ChannelID == channelID && vs.UserID != self {
			n++
		}
	}
	return n
}
