package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/yomiage/internal/discord"
	"github.com/MrWong99/yomiage/internal/speech"
	"github.com/MrWong99/yomiage/internal/voice"
)

const (
	connectedAnnouncement = "接続しました"

	// maxMessageLength is Discord's limit for message content.
	maxMessageLength = 2000
)

// VoiceCommands holds the dependencies for /join, /leave, /say, /speakers
// and /ping.
type VoiceCommands struct {
	sessions Sessions
	speakers Speakers
	dir      discord.Directory
	latency  func() time.Duration
}

// NewVoiceCommands creates a VoiceCommands and registers its handlers with
// the bot's router.
func NewVoiceCommands(bot *discord.Bot, sessions Sessions, sp Speakers) *VoiceCommands {
	vc := &VoiceCommands{
		sessions: sessions,
		speakers: sp,
		dir:      bot.Directory(),
		latency:  bot.Latency,
	}
	vc.Register(bot.Router())
	return vc
}

// Register registers the voice commands with the router.
func (vc *VoiceCommands) Register(router *discord.CommandRouter) {
	for _, def := range vc.Definitions() {
		var h discord.HandlerFunc
		switch def.Name {
		case "join":
			h = vc.handleJoin
		case "leave":
			h = vc.handleLeave
		case "say":
			h = vc.handleSay
		case "speakers":
			h = vc.handleSpeakers
		case "ping":
			h = vc.handlePing
		}
		router.RegisterCommand(def.Name, def, h)
	}
}

// Definitions returns the ApplicationCommand definitions for Discord.
func (vc *VoiceCommands) Definitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "join",
			Description: "ボイスチャンネルに接続する",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         "channel",
					Description:  "接続するVC",
					ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice},
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "force",
					Description: "他で接続中でも強制的に接続させます",
				},
			},
		},
		{
			Name:        "leave",
			Description: "VCを切断する",
		},
		{
			Name:        "say",
			Description: "テキストを読み上げる",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "text",
					Description: "読み上げるテキスト",
					Required:    true,
				},
			},
		},
		{
			Name:        "speakers",
			Description: "話者の一覧を表示する",
		},
		{
			Name:        "ping",
			Description: "応答速度を確認する",
		},
	}
}

// handleJoin handles /join.
func (vc *VoiceCommands) handleJoin(r discord.Responder, i *discordgo.InteractionCreate) {
	if i.GuildID == "" {
		discord.RespondEphemeral(r, i, "サーバー内で実行してください")
		return
	}
	opts := options(i)
	target := idOption(opts, "channel")
	if target == "" {
		target = vc.dir.VoiceChannel(i.GuildID, interactionUserID(i))
	}
	if target == "" {
		discord.RespondEphemeral(r, i, "VCに参加するか参加するチャンネルを指定してください")
		return
	}

	if vc.dir.ChannelMembers(i.GuildID, target) == 0 {
		discord.RespondEphemeral(r, i, "VCに接続中のメンバーがいません")
		return
	}

	if conn, ok := vc.sessions.Connection(i.GuildID); ok && conn.Connected() && conn.ChannelID() != target && !boolOption(opts, "force") {
		discord.RespondEphemeral(r, i, fmt.Sprintf(
			"既に<#%s>に接続しています\n強制的に接続する場合は`force`オプションを有効にしてください",
			conn.ChannelID(),
		))
		return
	}

	// Defer reply since the voice handshake may take a moment.
	discord.DeferReply(r, i)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if _, err := vc.sessions.Connect(ctx, i.GuildID, target); err != nil {
		slog.Warn("commands: join failed", "guild_id", i.GuildID, "channel_id", target, "err", err)
		discord.FollowUp(r, i, fmt.Sprintf("接続できませんでした: %v", err))
		return
	}
	if q := vc.sessions.Queue(i.GuildID); q != nil {
		q.Clear()
	}
	if err := vc.sessions.SetReadChannel(i.GuildID, i.ChannelID); err != nil {
		discord.FollowUp(r, i, fmt.Sprintf("接続できませんでした: %v", err))
		return
	}
	if err := vc.sessions.Speak(i.GuildID, connectedAnnouncement); err != nil {
		slog.Debug("commands: join announcement not queued", "guild_id", i.GuildID, "err", err)
	}
	discord.FollowUp(r, i, fmt.Sprintf("<#%s>に接続しました", target))
}

// handleLeave handles /leave.
func (vc *VoiceCommands) handleLeave(r discord.Responder, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	err := vc.sessions.Disconnect(ctx, i.GuildID)
	switch {
	case voice.IsNotConnected(err):
		discord.RespondEphemeral(r, i, "接続されていません")
	case err != nil:
		discord.RespondError(r, i, err)
	default:
		discord.Respond(r, i, "切断しました")
	}
}

// handleSay handles /say.
func (vc *VoiceCommands) handleSay(r discord.Responder, i *discordgo.InteractionCreate) {
	text := strings.TrimSpace(stringOption(options(i), "text"))
	if text == "" {
		discord.RespondEphemeral(r, i, "テキストを指定してください")
		return
	}
	ev := speech.NewEvent(i.GuildID, interactionUserID(i), text)
	ev.RoleIDs = interactionRoles(i)
	if err := vc.sessions.Enqueue(ev); err != nil {
		discord.RespondEphemeral(r, i, "接続してください")
		return
	}
	discord.Respond(r, i, fmt.Sprintf("「%s」と言います", text))
}

// handleSpeakers handles /speakers.
func (vc *VoiceCommands) handleSpeakers(r discord.Responder, i *discordgo.InteractionCreate) {
	discord.DeferReply(r, i)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	names, err := vc.speakers.Styles(ctx)
	if err != nil {
		discord.FollowUp(r, i, fmt.Sprintf("話者一覧を取得できませんでした: %v", err))
		return
	}
	var b strings.Builder
	length := 0
	for _, n := range names {
		id, _ := vc.speakers.Lookup(ctx, n)
		line := fmt.Sprintf("- %s %d\n", n, id)
		length += utf8.RuneCountInString(line)
		if length > maxMessageLength {
			break
		}
		b.WriteString(line)
	}
	if b.Len() == 0 {
		b.WriteString("話者が見つかりません")
	}
	discord.FollowUp(r, i, b.String())
}

// handlePing handles /ping.
func (vc *VoiceCommands) handlePing(r discord.Responder, i *discordgo.InteractionCreate) {
	ms := float64(vc.latency().Microseconds()) / 1000
	discord.Respond(r, i, fmt.Sprintf("%.2fms", ms))
}

// idOption returns the snowflake carried by a channel, user or role option.
func idOption(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	o, ok := opts[name]
	if !ok {
		return ""
	}
	id, _ := o.Value.(string)
	return id
}
