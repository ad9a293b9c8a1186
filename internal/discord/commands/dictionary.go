package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/yomiage/internal/discord"
	"github.com/MrWong99/yomiage/internal/settings"
)

// maxEmbedDescription is Discord's limit for an embed description.
const maxEmbedDescription = 4096

// Dictionaries edits guild and user dictionaries and keeps the compiled
// replacers in sync.
type Dictionaries interface {
	ListRules(ctx context.Context, owner settings.Owner) ([]settings.Rule, error)
	AddRule(ctx context.Context, owner settings.Owner, rule settings.Rule) (settings.Rule, error)
	DeleteRule(ctx context.Context, owner settings.Owner, pattern string) error
	UpdateRule(ctx context.Context, owner settings.Owner, oldPattern string, rule settings.Rule) (settings.Rule, error)
}

var _ Dictionaries = (*settings.ReplacerCache)(nil)

// dictionaryScope describes one of the two dictionary command groups.
type dictionaryScope struct {
	command string
	label   string
	owner   func(i *discordgo.InteractionCreate) (settings.Owner, bool)
}

var (
	guildScope = dictionaryScope{
		command: "dictionary",
		label:   "辞書",
		owner: func(i *discordgo.InteractionCreate) (settings.Owner, bool) {
			return settings.GuildOwner(i.GuildID), i.GuildID != ""
		},
	}
	userScope = dictionaryScope{
		command: "user-dictionary",
		label:   "ユーザー辞書",
		owner: func(i *discordgo.InteractionCreate) (settings.Owner, bool) {
			id := interactionUserID(i)
			return settings.UserOwner(id), id != ""
		},
	}
)

// DictionaryCommands holds the dependencies for /dictionary and
// /user-dictionary.
type DictionaryCommands struct {
	dicts Dictionaries
}

// NewDictionaryCommands creates a DictionaryCommands and registers its
// handlers with the bot's router.
func NewDictionaryCommands(bot *discord.Bot, dicts Dictionaries) *DictionaryCommands {
	dc := &DictionaryCommands{dicts: dicts}
	dc.Register(bot.Router())
	return dc
}

// Register registers both dictionary command groups with the router.
func (dc *DictionaryCommands) Register(router *discord.CommandRouter) {
	for _, scope := range []dictionaryScope{guildScope, userScope} {
		def := dc.definition(scope)
		router.RegisterCommand(scope.command, def, func(r discord.Responder, i *discordgo.InteractionCreate) {
			discord.RespondEphemeral(r, i, "サブコマンドを指定してください")
		})
		router.RegisterHandler(scope.command+"/add", func(r discord.Responder, i *discordgo.InteractionCreate) { dc.handleAdd(scope, r, i) })
		router.RegisterHandler(scope.command+"/delete", func(r discord.Responder, i *discordgo.InteractionCreate) { dc.handleDelete(scope, r, i) })
		router.RegisterHandler(scope.command+"/list", func(r discord.Responder, i *discordgo.InteractionCreate) { dc.handleList(scope, r, i) })
		router.RegisterHandler(scope.command+"/update", func(r discord.Responder, i *discordgo.InteractionCreate) { dc.handleUpdate(scope, r, i) })
	}
}

// Definitions returns the ApplicationCommand definitions for Discord.
func (dc *DictionaryCommands) Definitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{dc.definition(guildScope), dc.definition(userScope)}
}

func (dc *DictionaryCommands) definition(scope dictionaryScope) *discordgo.ApplicationCommand {
	before := &discordgo.ApplicationCommandOption{
		Type: discordgo.ApplicationCommandOptionString, Name: "before", Description: "変換前の文字列", Required: true,
	}
	after := &discordgo.ApplicationCommandOption{
		Type: discordgo.ApplicationCommandOptionString, Name: "after", Description: "変換後の文字列", Required: true,
	}
	useRegex := &discordgo.ApplicationCommandOption{
		Type: discordgo.ApplicationCommandOptionBoolean, Name: "use_regex", Description: "正規表現を使用するか",
	}
	return &discordgo.ApplicationCommand{
		Name:        scope.command,
		Description: scope.label + "を管理する",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "add",
				Description: scope.label + "を追加する",
				Options:     []*discordgo.ApplicationCommandOption{before, after, useRegex},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "delete",
				Description: scope.label + "を削除する",
				Options:     []*discordgo.ApplicationCommandOption{before},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "list",
				Description: scope.label + "を表示する",
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionBoolean, Name: "json", Description: "JSON形式で表示するか"},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "update",
				Description: scope.label + "を更新する",
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionString, Name: "old_before", Description: "更新する変換前の文字列", Required: true},
					{Type: discordgo.ApplicationCommandOptionString, Name: "new_before", Description: "新しい変換前の文字列", Required: true},
					after,
					useRegex,
				},
			},
		},
	}
}

func (dc *DictionaryCommands) handleAdd(scope dictionaryScope, r discord.Responder, i *discordgo.InteractionCreate) {
	owner, ok := scope.owner(i)
	if !ok {
		discord.RespondEphemeral(r, i, "サーバー内で実行してください")
		return
	}
	opts := options(i)
	rule := settings.Rule{
		Pattern:     stringOption(opts, "before"),
		Replacement: stringOption(opts, "after"),
		IsRegex:     boolOption(opts, "use_regex"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if _, err := dc.dicts.AddRule(ctx, owner, rule); err != nil {
		dc.respondRuleError(r, i, owner, err)
		return
	}
	discord.RespondEmbed(r, i, &discordgo.MessageEmbed{
		Title: scope.label + "追加",
		Fields: []*discordgo.MessageEmbedField{
			{Name: "単語", Value: codeValue(rule.Pattern)},
			{Name: "読み", Value: codeValue(rule.Replacement)},
			{Name: "正規表現", Value: regexLabel(rule.IsRegex)},
		},
	})
}

func (dc *DictionaryCommands) handleDelete(scope dictionaryScope, r discord.Responder, i *discordgo.InteractionCreate) {
	owner, ok := scope.owner(i)
	if !ok {
		discord.RespondEphemeral(r, i, "サーバー内で実行してください")
		return
	}
	pattern := stringOption(options(i), "before")

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := dc.dicts.DeleteRule(ctx, owner, pattern); err != nil {
		dc.respondRuleError(r, i, owner, err)
		return
	}
	discord.RespondEmbed(r, i, &discordgo.MessageEmbed{
		Title:  scope.label + "削除",
		Fields: []*discordgo.MessageEmbedField{{Name: "単語", Value: codeValue(pattern)}},
	})
}

func (dc *DictionaryCommands) handleUpdate(scope dictionaryScope, r discord.Responder, i *discordgo.InteractionCreate) {
	owner, ok := scope.owner(i)
	if !ok {
		discord.RespondEphemeral(r, i, "サーバー内で実行してください")
		return
	}
	opts := options(i)
	old := stringOption(opts, "old_before")
	rule := settings.Rule{
		Pattern:     stringOption(opts, "new_before"),
		Replacement: stringOption(opts, "after"),
		IsRegex:     boolOption(opts, "use_regex"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if _, err := dc.dicts.UpdateRule(ctx, owner, old, rule); err != nil {
		dc.respondRuleError(r, i, owner, err)
		return
	}
	discord.RespondEmbed(r, i, &discordgo.MessageEmbed{
		Title: scope.label + "更新",
		Fields: []*discordgo.MessageEmbedField{
			{Name: "単語", Value: codeValue(old)},
			{Name: "新しい単語", Value: codeValue(rule.Pattern)},
			{Name: "読み", Value: codeValue(rule.Replacement)},
			{Name: "正規表現", Value: regexLabel(rule.IsRegex)},
		},
	})
}

// dictionaryExport is the JSON layout of /dictionary list json:true.
type dictionaryExport struct {
	Regex  map[string]string `json:"regex"`
	Simple map[string]string `json:"simple"`
}

func (dc *DictionaryCommands) handleList(scope dictionaryScope, r discord.Responder, i *discordgo.InteractionCreate) {
	owner, ok := scope.owner(i)
	if !ok {
		discord.RespondEphemeral(r, i, "サーバー内で実行してください")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	rules, err := dc.dicts.ListRules(ctx, owner)
	if err != nil {
		discord.RespondError(r, i, err)
		return
	}
	if len(rules) == 0 {
		discord.RespondEphemeral(r, i, scope.label+"が存在しません")
		return
	}
	summary := fmt.Sprintf("%d件の%sが登録されています", len(rules), scope.label)

	if boolOption(options(i), "json") {
		export := dictionaryExport{Regex: map[string]string{}, Simple: map[string]string{}}
		for _, rule := range rules {
			if rule.IsRegex {
				export.Regex[rule.Pattern] = rule.Replacement
			} else {
				export.Simple[rule.Pattern] = rule.Replacement
			}
		}
		data, err := json.MarshalIndent(export, "", "  ")
		if err != nil {
			discord.RespondError(r, i, err)
			return
		}
		respondFile(r, i, summary, fmt.Sprintf("%s_%s.json", owner.ID, strings.ReplaceAll(scope.command, "-", "_")), data)
		return
	}

	var b strings.Builder
	length := 0
	shown := 0
	for _, rule := range rules {
		line := fmt.Sprintf("`%s` → `%s`", rule.Pattern, rule.Replacement)
		if rule.IsRegex {
			line += " (正規表現)"
		}
		line += "\n"
		length += utf8.RuneCountInString(line)
		if length > maxEmbedDescription-32 {
			break
		}
		b.WriteString(line)
		shown++
	}
	if shown < len(rules) {
		fmt.Fprintf(&b, "…ほか%d件", len(rules)-shown)
	}
	discord.RespondEmbed(r, i, &discordgo.MessageEmbed{
		Title:       scope.label,
		Description: b.String(),
		Footer:      &discordgo.MessageEmbedFooter{Text: summary},
	})
}

func (dc *DictionaryCommands) respondRuleError(r discord.Responder, i *discordgo.InteractionCreate, owner settings.Owner, err error) {
	switch {
	case errors.Is(err, settings.ErrDuplicateRule):
		discord.RespondEphemeral(r, i, "既に登録されています")
	case errors.Is(err, settings.ErrRuleNotFound):
		discord.RespondEphemeral(r, i, "登録されていません")
	default:
		slog.Warn("commands: dictionary update failed", "owner", owner.String(), "err", err)
		discord.RespondError(r, i, err)
	}
}

// respondFile answers with content and one attached file.
func respondFile(r discord.Responder, i *discordgo.InteractionCreate, content, name string, data []byte) {
	err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Files: []*discordgo.File{{
				Name:        name,
				ContentType: "application/json",
				Reader:      bytes.NewReader(data),
			}},
		},
	})
	if err != nil {
		slog.Warn("commands: failed to send file response", "err", err)
	}
}

func codeValue(s string) string {
	return "```" + strings.ReplaceAll(s, "`", "'") + "```"
}

func regexLabel(b bool) string {
	if b {
		return "使用する"
	}
	return "使用しない"
}
