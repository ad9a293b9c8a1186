package discord

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/yomiage/internal/replacer"
	"github.com/MrWong99/yomiage/internal/settings"
	"github.com/MrWong99/yomiage/internal/speech"
	"github.com/MrWong99/yomiage/internal/voice"
	"github.com/MrWong99/yomiage/pkg/audio"
)

const (
	attachmentNotice = "添付ファイル"
	joinSuffix       = "さんが参加しました"
	leaveSuffix      = "さんが退出しました"

	// gatewayTimeout bounds the settings lookups of one gateway event.
	gatewayTimeout = 10 * time.Second
)

// Sessions is the view of the voice registry the gateway needs.
type Sessions interface {
	Connection(guildID string) (audio.Connection, bool)
	ReadChannel(guildID string) string
	Enqueue(ev speech.TextEvent) error
	Speak(guildID, text string) error
	Disconnect(ctx context.Context, guildID string) error
}

var _ Sessions = (*voice.Registry)(nil)

// SettingsSource is the view of the settings layer the gateway needs.
type SettingsSource interface {
	Guild(ctx context.Context, guildID string) (settings.GuildSettings, error)
	User(ctx context.Context, userID string) (settings.UserSettings, error)
	UserReplacer(ctx context.Context, userID string) (*replacer.Replacer, error)
	GuildReplacer(ctx context.Context, guildID string) (*replacer.Replacer, error)
	EnsureGuild(ctx context.Context, guildID string) error
}

var _ SettingsSource = (*settings.Resolver)(nil)

// Gateway turns Discord gateway events into speech events.
type Gateway struct {
	sessions      Sessions
	settings      SettingsSource
	dir           Directory
	commandPrefix string
}

// GatewayOption configures a [Gateway].
type GatewayOption func(*Gateway)

// WithCommandPrefix skips messages starting with prefix, so commands meant
// for text bots are not read aloud.
func WithCommandPrefix(prefix string) GatewayOption {
	return func(g *Gateway) { g.commandPrefix = prefix }
}

// NewGateway creates a Gateway.
func NewGateway(sessions Sessions, src SettingsSource, dir Directory, opts ...GatewayOption) *Gateway {
	g := &Gateway{sessions: sessions, settings: src, dir: dir}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Register adds the gateway's event handlers to s.
func (g *Gateway) Register(s *discordgo.Session) {
	s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		g.HandleMessage(context.Background(), m.Message)
	})
	s.AddHandler(func(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
		g.HandleVoiceState(context.Background(), v)
	})
	s.AddHandler(func(_ *discordgo.Session, gc *discordgo.GuildCreate) {
		g.HandleGuildCreate(context.Background(), gc.ID)
	})
}

// ShouldRead reports whether msg is read aloud in a guild whose session is
// bound to readChannel and connected through conn.
func ShouldRead(msg *discordgo.Message, gs settings.GuildSettings, readChannel string, conn audio.Connection, voiceChannelOf func(guildID, userID string) string) bool {
	if msg.Author == nil || msg.Author.Bot || msg.WebhookID != "" {
		return false
	}
	if conn == nil || readChannel == "" || msg.ChannelID != readChannel {
		return false
	}
	if gs.ReadNonParticipants {
		return true
	}
	return voiceChannelOf(msg.GuildID, msg.Author.ID) == conn.ChannelID()
}

// HandleMessage reads msg aloud if it passes [ShouldRead].
func (g *Gateway) HandleMessage(ctx context.Context, msg *discordgo.Message) {
	if msg.GuildID == "" || msg.Author == nil {
		return
	}
	if g.commandPrefix != "" && strings.HasPrefix(msg.Content, g.commandPrefix) {
		return
	}
	conn, ok := g.sessions.Connection(msg.GuildID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()

	log := slog.With("guild_id", msg.GuildID, "message_id", msg.ID)
	gs, err := g.settings.Guild(ctx, msg.GuildID)
	if err != nil {
		log.Warn("discord: loading guild settings", "err", err)
		return
	}
	if !ShouldRead(msg, gs, g.sessions.ReadChannel(msg.GuildID), conn, g.dir.VoiceChannel) {
		return
	}

	ev, ok := g.messageEvent(msg, gs)
	if !ok {
		return
	}
	if err := g.sessions.Enqueue(ev); err != nil {
		log.Debug("discord: message not queued", "err", err)
	}
}

// messageEvent builds the TextEvent for msg. It reports false when nothing
// is left to read.
func (g *Gateway) messageEvent(msg *discordgo.Message, gs settings.GuildSettings) (speech.TextEvent, bool) {
	text := replacer.StripCustomEmoji(msg.ContentWithMentionsReplaced())
	if len(msg.Attachments) > 0 {
		text = strings.TrimSpace(text + " " + attachmentNotice)
	}
	if strings.TrimSpace(text) == "" {
		return speech.TextEvent{}, false
	}

	ev := speech.NewEvent(msg.GuildID, msg.Author.ID, text)
	if msg.Member != nil {
		ev.RoleIDs = msg.Member.Roles
	}
	if msg.Type == discordgo.MessageTypeReply && msg.ReferencedMessage != nil {
		ev.IsReply = true
		ev.ReplyAuthorName = g.dir.DisplayName(msg.GuildID, msg.ReferencedMessage.Author, gs.ReadNickname)
	}
	return ev, true
}

// HandleVoiceState announces members joining or leaving the connected
// voice channel and releases the session when the bot itself is removed.
func (g *Gateway) HandleVoiceState(ctx context.Context, v *discordgo.VoiceStateUpdate) {
	if v.VoiceState == nil || v.GuildID == "" {
		return
	}
	conn, ok := g.sessions.Connection(v.GuildID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()

	log := slog.With("guild_id", v.GuildID, "user_id", v.UserID)

	if v.UserID == g.dir.BotUserID() {
		if v.ChannelID == "" {
			log.Info("discord: bot left voice, releasing session")
			if err := g.sessions.Disconnect(ctx, v.GuildID); err != nil && !voice.IsNotConnected(err) {
				log.Warn("discord: releasing session", "err", err)
			}
		}
		return
	}
	if v.Member != nil && v.Member.User != nil && v.Member.User.Bot {
		return
	}

	before := ""
	if v.BeforeUpdate != nil {
		before = v.BeforeUpdate.ChannelID
	}
	current := conn.ChannelID()
	var suffix string
	switch {
	case v.ChannelID == current && before != current:
		suffix = joinSuffix
	case before == current && v.ChannelID != current:
		suffix = leaveSuffix
	default:
		return
	}

	gs, err := g.settings.Guild(ctx, v.GuildID)
	if err != nil {
		log.Warn("discord: loading guild settings", "err", err)
		return
	}
	if !gs.ReadJoinLeave {
		return
	}

	name := g.memberName(ctx, v, gs.ReadNickname)
	if name == "" {
		return
	}
	if err := g.sessions.Speak(v.GuildID, name+suffix); err != nil {
		log.Debug("discord: announcement not queued", "err", err)
	}
}

// memberName resolves the name announced for v's member. The member's own
// dictionary always applies; the guild dictionary follows when the member
// enabled UseDictName.
func (g *Gateway) memberName(ctx context.Context, v *discordgo.VoiceStateUpdate, nickname bool) string {
	var u *discordgo.User
	if v.Member != nil {
		u = v.Member.User
	}
	if u == nil {
		u = &discordgo.User{ID: v.UserID}
	}
	name := g.dir.DisplayName(v.GuildID, u, nickname)
	if name == "" {
		return ""
	}

	rep, err := g.settings.UserReplacer(ctx, v.UserID)
	if err != nil {
		slog.Warn("discord: loading user dictionary", "user_id", v.UserID, "err", err)
		return name
	}
	name = rep.Replace(name, replacer.Options{})

	us, err := g.settings.User(ctx, v.UserID)
	if err != nil || !us.UseDictName {
		return name
	}
	guildRep, err := g.settings.GuildReplacer(ctx, v.GuildID)
	if err != nil {
		slog.Warn("discord: loading guild dictionary", "guild_id", v.GuildID, "err", err)
		return name
	}
	return guildRep.Replace(name, replacer.Options{})
}

// HandleGuildCreate makes sure the guild has settings and a dictionary.
func (g *Gateway) HandleGuildCreate(ctx context.Context, guildID string) {
	ctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()
	if err := g.settings.EnsureGuild(ctx, guildID); err != nil {
		slog.Warn("discord: preparing guild", "guild_id", guildID, "err", err)
	}
}
