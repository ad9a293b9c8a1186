package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/yomiage/internal/discord"
	"github.com/MrWong99/yomiage/internal/settings"
	"github.com/MrWong99/yomiage/pkg/provider/tts"
)

var (
	errInvalidSpeaker = errors.New("commands: unknown speaker")
	errAlreadyListed  = errors.New("commands: already listed")
	errNotListed      = errors.New("commands: not listed")
)

// SettingsService reads and writes guild and user settings.
type SettingsService interface {
	Guild(ctx context.Context, id string) (settings.GuildSettings, error)
	User(ctx context.Context, id string) (settings.UserSettings, error)
	UpdateGuild(ctx context.Context, id string, fn func(*settings.GuildSettings) error) (settings.GuildSettings, error)
	UpdateUser(ctx context.Context, id string, fn func(*settings.UserSettings) error) (settings.UserSettings, error)
}

var _ SettingsService = (*settings.Service)(nil)

// profileField is one adjustable number of a voice profile.
type profileField struct {
	name  string
	label string
	min   float64
	max   float64
	set   func(p *tts.VoiceProfile, v float64)
}

var profileFieldList = []profileField{
	{name: "speed", label: "再生速度", min: tts.MinSpeed, max: tts.MaxSpeed, set: func(p *tts.VoiceProfile, v float64) { p.Speed = v }},
	{name: "pitch", label: "音程", min: tts.MinPitch, max: tts.MaxPitch, set: func(p *tts.VoiceProfile, v float64) { p.Pitch = v }},
	{name: "intonation", label: "抑揚", min: tts.MinIntonation, max: tts.MaxIntonation, set: func(p *tts.VoiceProfile, v float64) { p.Intonation = v }},
	{name: "volume", label: "音量", min: tts.MinVolume, max: tts.MaxVolume, set: func(p *tts.VoiceProfile, v float64) { p.Volume = v }},
}

// guildToggle is one boolean server setting.
type guildToggle struct {
	name        string
	description string
	message     string
	set         func(g *settings.GuildSettings, v bool)
}

var guildToggles = []guildToggle{
	{"read-joinleave", "ユーザーの参加/退出を読み上げるか", "ユーザーの参加/退出を読み上げる設定を%sに変更しました", func(g *settings.GuildSettings, v bool) { g.ReadJoinLeave = v }},
	{"read-nonparticipant", "VCに参加していないユーザーを読み上げるか", "VCに参加していないユーザーを読み上げる設定を%sに変更しました", func(g *settings.GuildSettings, v bool) { g.ReadNonParticipants = v }},
	{"read-replyuser", "リプライされたユーザーを読み上げるか", "リプライされたユーザーを読み上げる設定を%sに変更しました", func(g *settings.GuildSettings, v bool) { g.ReadReplyUser = v }},
	{"read-nickname", "ニックネームを読み上げるか", "ニックネームを読み上げる設定を%sに変更しました", func(g *settings.GuildSettings, v bool) { g.ReadNickname = v }},
	{"force-profile", "サーバーの声を全員に適用するか", "サーバーの声を全員に適用する設定を%sに変更しました", func(g *settings.GuildSettings, v bool) { g.ForceProfile = v }},
	{"force-speaker", "サーバーの話者を全員に適用するか", "サーバーの話者を全員に適用する設定を%sに変更しました", func(g *settings.GuildSettings, v bool) { g.ForceSpeaker = v }},
}

// SettingCommands holds the dependencies for /user-setting and
// /server-setting.
type SettingCommands struct {
	svc      SettingsService
	speakers Speakers
	perms    *discord.PermissionChecker
}

// NewSettingCommands creates a SettingCommands and registers its handlers
// with the bot's router.
func NewSettingCommands(bot *discord.Bot, svc SettingsService, sp Speakers) *SettingCommands {
	sc := &SettingCommands{svc: svc, speakers: sp, perms: bot.Permissions()}
	sc.Register(bot.Router())
	return sc
}

// Register registers the setting command groups with the router.
func (sc *SettingCommands) Register(router *discord.CommandRouter) {
	subcommand := func(r discord.Responder, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(r, i, "サブコマンドを指定してください")
	}
	defs := sc.Definitions()
	router.RegisterCommand("user-setting", defs[0], subcommand)
	router.RegisterCommand("server-setting", defs[1], subcommand)

	router.RegisterHandler("user-setting/speaker", sc.handleUserSpeaker)
	router.RegisterHandler("user-setting/use-dict-name", sc.handleUserDictName)
	router.RegisterHandler("user-setting/show", sc.handleUserShow)
	router.RegisterHandler("server-setting/speaker", sc.guarded(sc.handleGuildSpeaker))
	router.RegisterHandler("server-setting/read-length", sc.guarded(sc.handleGuildReadLength))
	router.RegisterHandler("server-setting/ignore-user-add", sc.guarded(sc.ignoreHandler(true, true)))
	router.RegisterHandler("server-setting/ignore-user-remove", sc.guarded(sc.ignoreHandler(true, false)))
	router.RegisterHandler("server-setting/ignore-role-add", sc.guarded(sc.ignoreHandler(false, true)))
	router.RegisterHandler("server-setting/ignore-role-remove", sc.guarded(sc.ignoreHandler(false, false)))
	router.RegisterHandler("server-setting/show", sc.handleGuildShow)

	for _, f := range profileFieldList {
		router.RegisterHandler("user-setting/"+f.name, func(r discord.Responder, i *discordgo.InteractionCreate) {
			sc.handleUserNumber(f, r, i)
		})
		router.RegisterHandler("server-setting/"+f.name, sc.guarded(func(r discord.Responder, i *discordgo.InteractionCreate) {
			sc.handleGuildNumber(f, r, i)
		}))
	}
	for _, t := range guildToggles {
		router.RegisterHandler("server-setting/"+t.name, sc.guarded(func(r discord.Responder, i *discordgo.InteractionCreate) {
			sc.handleGuildToggle(t, r, i)
		}))
	}

	router.RegisterAutocomplete("user-setting/speaker", sc.autocompleteSpeaker)
	router.RegisterAutocomplete("server-setting/speaker", sc.autocompleteSpeaker)
}

// Definitions returns the /user-setting and /server-setting definitions.
func (sc *SettingCommands) Definitions() []*discordgo.ApplicationCommand {
	speaker := func(desc string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "speaker",
			Description: desc,
			Options: []*discordgo.ApplicationCommandOption{{
				Type:         discordgo.ApplicationCommandOptionString,
				Name:         "speaker",
				Description:  "話者(スタイル)",
				Required:     true,
				Autocomplete: true,
			}},
		}
	}
	number := func(f profileField, prefix string) *discordgo.ApplicationCommandOption {
		minValue := f.min
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        f.name,
			Description: prefix + f.label + "を変更する",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionNumber,
				Name:        "value",
				Description: fmt.Sprintf("%vから%vの間", f.min, f.max),
				Required:    true,
				MinValue:    &minValue,
				MaxValue:    f.max,
			}},
		}
	}
	show := func(desc string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "show",
			Description: desc,
		}
	}

	user := &discordgo.ApplicationCommand{
		Name:        "user-setting",
		Description: "ユーザー設定",
		Options:     []*discordgo.ApplicationCommandOption{speaker("話者を変更する")},
	}
	for _, f := range profileFieldList {
		user.Options = append(user.Options, number(f, ""))
	}
	user.Options = append(user.Options,
		&discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "use-dict-name",
			Description: "参加/退出時の名前にサーバー辞書も使うか",
			Options: []*discordgo.ApplicationCommandOption{{
				Type: discordgo.ApplicationCommandOptionBoolean, Name: "value", Description: "使うか", Required: true,
			}},
		},
		show("ユーザー設定を表示する"),
	)

	server := &discordgo.ApplicationCommand{
		Name:        "server-setting",
		Description: "サーバー設定",
		Options:     []*discordgo.ApplicationCommandOption{speaker("サーバー標準の話者を変更する")},
	}
	for _, f := range profileFieldList {
		server.Options = append(server.Options, number(f, "サーバー標準の"))
	}
	for _, t := range guildToggles {
		server.Options = append(server.Options, &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        t.name,
			Description: t.description,
			Options: []*discordgo.ApplicationCommandOption{{
				Type: discordgo.ApplicationCommandOptionBoolean, Name: "value", Description: t.description, Required: true,
			}},
		})
	}
	zero := 0.0
	server.Options = append(server.Options,
		&discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "read-length",
			Description: "読み上げる最大文字数を変更する (0で無制限)",
			Options: []*discordgo.ApplicationCommandOption{{
				Type: discordgo.ApplicationCommandOptionInteger, Name: "value", Description: "文字数", Required: true, MinValue: &zero,
			}},
		},
		ignoreOption("ignore-user-add", "読み上げないユーザーを追加する", discordgo.ApplicationCommandOptionUser, "user"),
		ignoreOption("ignore-user-remove", "読み上げないユーザーを削除する", discordgo.ApplicationCommandOptionUser, "user"),
		ignoreOption("ignore-role-add", "読み上げないロールを追加する", discordgo.ApplicationCommandOptionRole, "role"),
		ignoreOption("ignore-role-remove", "読み上げないロールを削除する", discordgo.ApplicationCommandOptionRole, "role"),
		show("サーバー設定を表示する"),
	)
	return []*discordgo.ApplicationCommand{user, server}
}

func ignoreOption(name, desc string, typ discordgo.ApplicationCommandOptionType, optName string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionSubCommand,
		Name:        name,
		Description: desc,
		Options: []*discordgo.ApplicationCommandOption{{
			Type: typ, Name: optName, Description: desc, Required: true,
		}},
	}
}

// guarded wraps h with the Manage Server check.
func (sc *SettingCommands) guarded(h discord.HandlerFunc) discord.HandlerFunc {
	return func(r discord.Responder, i *discordgo.InteractionCreate) {
		if i.GuildID == "" {
			discord.RespondEphemeral(r, i, "サーバー内で実行してください")
			return
		}
		if !sc.perms.CanManageGuild(i) {
			discord.RespondEphemeral(r, i, "サーバー設定の変更には「サーバー管理」権限が必要です")
			return
		}
		h(r, i)
	}
}

// resolveSpeaker accepts a style name or a numeric style ID.
func (sc *SettingCommands) resolveSpeaker(ctx context.Context, value string) (int, string, error) {
	value = strings.TrimSpace(value)
	if id, ok := sc.speakers.Lookup(ctx, value); ok {
		return id, value, nil
	}
	if id, err := strconv.Atoi(value); err == nil {
		if name := sc.speakers.Name(ctx, id); name != "" {
			return id, name, nil
		}
	}
	return 0, "", errInvalidSpeaker
}

func (sc *SettingCommands) autocompleteSpeaker(r discord.Responder, i *discordgo.InteractionCreate) {
	query := ""
	if o := focusedOption(i); o != nil {
		query, _ = o.Value.(string)
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	discord.RespondChoices(r, i, speakerChoices(ctx, sc.speakers, query))
}

func (sc *SettingCommands) handleUserSpeaker(r discord.Responder, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	id, name, err := sc.resolveSpeaker(ctx, stringOption(options(i), "speaker"))
	if err != nil {
		discord.RespondEphemeral(r, i, "無効な値です")
		return
	}
	userID := interactionUserID(i)
	if _, err := sc.svc.UpdateUser(ctx, userID, func(u *settings.UserSettings) error {
		u.SpeakerID = id
		return nil
	}); err != nil {
		sc.respondUpdateError(r, i, err)
		return
	}
	discord.Respond(r, i, fmt.Sprintf("<@%s>さんの話者を%sに変更しました", userID, name))
}

func (sc *SettingCommands) handleUserNumber(f profileField, r discord.Responder, i *discordgo.InteractionCreate) {
	v := floatOption(options(i), "value")
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	userID := interactionUserID(i)
	if _, err := sc.svc.UpdateUser(ctx, userID, func(u *settings.UserSettings) error {
		f.set(&u.VoiceProfile, v)
		return nil
	}); err != nil {
		sc.respondUpdateError(r, i, err)
		return
	}
	discord.Respond(r, i, fmt.Sprintf("<@%s>さんの%sを%vに変更しました", userID, f.label, v))
}

func (sc *SettingCommands) handleUserDictName(r discord.Responder, i *discordgo.InteractionCreate) {
	v := boolOption(options(i), "value")
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	userID := interactionUserID(i)
	if _, err := sc.svc.UpdateUser(ctx, userID, func(u *settings.UserSettings) error {
		u.UseDictName = v
		return nil
	}); err != nil {
		sc.respondUpdateError(r, i, err)
		return
	}
	discord.Respond(r, i, fmt.Sprintf("<@%s>さんの名前にユーザー辞書を使う設定を%sに変更しました", userID, onOff(v)))
}

func (sc *SettingCommands) handleUserShow(r discord.Responder, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	userID := interactionUserID(i)
	u, err := sc.svc.User(ctx, userID)
	if err != nil {
		discord.RespondError(r, i, err)
		return
	}
	fields := profileFields(ctx, sc.speakers, u.VoiceProfile)
	fields = append(fields, &discordgo.MessageEmbedField{Name: "名前にサーバー辞書も使う", Value: onOff(u.UseDictName), Inline: true})
	discord.RespondEmbed(r, i, &discordgo.MessageEmbed{
		Title:       "ユーザー設定",
		Description: fmt.Sprintf("<@%s>の設定", userID),
		Fields:      fields,
	})
}

func (sc *SettingCommands) handleGuildSpeaker(r discord.Responder, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	id, name, err := sc.resolveSpeaker(ctx, stringOption(options(i), "speaker"))
	if err != nil {
		discord.RespondEphemeral(r, i, "無効な値です")
		return
	}
	if _, err := sc.svc.UpdateGuild(ctx, i.GuildID, func(g *settings.GuildSettings) error {
		g.SpeakerID = id
		return nil
	}); err != nil {
		sc.respondUpdateError(r, i, err)
		return
	}
	discord.Respond(r, i, fmt.Sprintf("サーバー標準の話者を%sに変更しました", name))
}

func (sc *SettingCommands) handleGuildNumber(f profileField, r discord.Responder, i *discordgo.InteractionCreate) {
	v := floatOption(options(i), "value")
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if _, err := sc.svc.UpdateGuild(ctx, i.GuildID, func(g *settings.GuildSettings) error {
		f.set(&g.VoiceProfile, v)
		return nil
	}); err != nil {
		sc.respondUpdateError(r, i, err)
		return
	}
	discord.Respond(r, i, fmt.Sprintf("サーバー標準の%sを%vに変更しました", f.label, v))
}

func (sc *SettingCommands) handleGuildToggle(t guildToggle, r discord.Responder, i *discordgo.InteractionCreate) {
	v := boolOption(options(i), "value")
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if _, err := sc.svc.UpdateGuild(ctx, i.GuildID, func(g *settings.GuildSettings) error {
		t.set(g, v)
		return nil
	}); err != nil {
		sc.respondUpdateError(r, i, err)
		return
	}
	discord.Respond(r, i, fmt.Sprintf(t.message, onOff(v)))
}

func (sc *SettingCommands) handleGuildReadLength(r discord.Responder, i *discordgo.InteractionCreate) {
	var n int
	if o, ok := options(i)["value"]; ok {
		n = int(o.IntValue())
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if _, err := sc.svc.UpdateGuild(ctx, i.GuildID, func(g *settings.GuildSettings) error {
		g.MaxReadLength = n
		return nil
	}); err != nil {
		sc.respondUpdateError(r, i, err)
		return
	}
	if n == 0 {
		discord.Respond(r, i, "読み上げ文字数の制限を解除しました")
		return
	}
	discord.Respond(r, i, fmt.Sprintf("読み上げ文字数を%dに変更しました", n))
}

// ignoreHandler builds the handler for one of the four ignore list
// subcommands.
func (sc *SettingCommands) ignoreHandler(user, add bool) discord.HandlerFunc {
	optName, mention := "role", "<@&%s>"
	if user {
		optName, mention = "user", "<@%s>"
	}
	return func(r discord.Responder, i *discordgo.InteractionCreate) {
		id := idOption(options(i), optName)
		if id == "" {
			discord.RespondEphemeral(r, i, "無効な値です")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		_, err := sc.svc.UpdateGuild(ctx, i.GuildID, func(g *settings.GuildSettings) error {
			var changed bool
			switch {
			case user && add:
				changed = g.AddIgnoredUser(id)
			case user:
				changed = g.RemoveIgnoredUser(id)
			case add:
				changed = g.AddIgnoredRole(id)
			default:
				changed = g.RemoveIgnoredRole(id)
			}
			if changed {
				return nil
			}
			if add {
				return errAlreadyListed
			}
			return errNotListed
		})
		if err != nil {
			sc.respondUpdateError(r, i, err)
			return
		}
		title := "読み上げ除外に追加"
		if !add {
			title = "読み上げ除外から削除"
		}
		discord.RespondEmbed(r, i, &discordgo.MessageEmbed{
			Title:       title,
			Description: fmt.Sprintf(mention, id),
		})
	}
}

func (sc *SettingCommands) handleGuildShow(r discord.Responder, i *discordgo.InteractionCreate) {
	if i.GuildID == "" {
		discord.RespondEphemeral(r, i, "サーバー内で実行してください")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	g, err := sc.svc.Guild(ctx, i.GuildID)
	if err != nil {
		discord.RespondError(r, i, err)
		return
	}
	length := "無制限"
	if g.MaxReadLength > 0 {
		length = strconv.Itoa(g.MaxReadLength)
	}
	fields := profileFields(ctx, sc.speakers, g.VoiceProfile)
	fields = append(fields,
		&discordgo.MessageEmbedField{Name: "参加/退出の読み上げ", Value: onOff(g.ReadJoinLeave), Inline: true},
		&discordgo.MessageEmbedField{Name: "VC外のユーザー", Value: onOff(g.ReadNonParticipants), Inline: true},
		&discordgo.MessageEmbedField{Name: "リプライ先の読み上げ", Value: onOff(g.ReadReplyUser), Inline: true},
		&discordgo.MessageEmbedField{Name: "ニックネーム", Value: onOff(g.ReadNickname), Inline: true},
		&discordgo.MessageEmbedField{Name: "声を全員に適用", Value: onOff(g.ForceProfile), Inline: true},
		&discordgo.MessageEmbedField{Name: "話者を全員に適用", Value: onOff(g.ForceSpeaker), Inline: true},
		&discordgo.MessageEmbedField{Name: "読み上げ文字数", Value: length, Inline: true},
		&discordgo.MessageEmbedField{Name: "除外ユーザー", Value: mentionList(g.IgnoreUsers, "<@%s>")},
		&discordgo.MessageEmbedField{Name: "除外ロール", Value: mentionList(g.IgnoreRoles, "<@&%s>")},
	)
	discord.RespondEmbed(r, i, &discordgo.MessageEmbed{Title: "サーバー設定", Fields: fields})
}

func (sc *SettingCommands) respondUpdateError(r discord.Responder, i *discordgo.InteractionCreate, err error) {
	var ve *tts.ValidationError
	switch {
	case errors.As(err, &ve):
		discord.RespondEphemeral(r, i, validationMessage(err))
	case errors.Is(err, errAlreadyListed):
		discord.RespondEphemeral(r, i, "既に追加されています")
	case errors.Is(err, errNotListed):
		discord.RespondEphemeral(r, i, "登録されていません")
	default:
		slog.Warn("commands: settings update failed", "guild_id", i.GuildID, "err", err)
		discord.RespondError(r, i, err)
	}
}

func floatOption(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) float64 {
	if o, ok := opts[name]; ok {
		return o.FloatValue()
	}
	return 0
}

func mentionList(ids []string, format string) string {
	if len(ids) == 0 {
		return "なし"
	}
	parts := make([]string, len(ids))
	for n, id := range ids {
		parts[n] = fmt.Sprintf(format, id)
	}
	return strings.Join(parts, " ")
}
