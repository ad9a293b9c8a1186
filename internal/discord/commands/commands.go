// Package commands implements the slash commands of yomiage.
package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/yomiage/internal/speakers"
	"github.com/MrWong99/yomiage/internal/speech"
	"github.com/MrWong99/yomiage/internal/voice"
	"github.com/MrWong99/yomiage/pkg/audio"
	"github.com/MrWong99/yomiage/pkg/provider/tts"
)

// commandTimeout bounds the work of a single command.
const commandTimeout = 15 * time.Second

// maxChoices is Discord's limit for autocomplete results.
const maxChoices = 25

// Sessions is the voice registry as seen by commands.
type Sessions interface {
	Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error)
	Disconnect(ctx context.Context, guildID string) error
	Connection(guildID string) (audio.Connection, bool)
	SetReadChannel(guildID, channelID string) error
	Enqueue(ev speech.TextEvent) error
	Speak(guildID, text string) error
	Queue(guildID string) *speech.Queue
}

var _ Sessions = (*voice.Registry)(nil)

// Speakers resolves speaker style names.
type Speakers interface {
	Styles(ctx context.Context) ([]string, error)
	Lookup(ctx context.Context, name string) (int, bool)
	Name(ctx context.Context, id int) string
	Suggest(ctx context.Context, query string, n int) []string
}

var _ Speakers = (*speakers.Catalog)(nil)

// interactionUserID extracts the user ID from an interaction, handling
// both guild (Member) and DM (User) contexts.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

// interactionRoles returns the invoking member's roles.
func interactionRoles(i *discordgo.InteractionCreate) []string {
	if i.Member == nil {
		return nil
	}
	return i.Member.Roles
}

// options returns the options of the invoked subcommand, or the top-level
// options when the command has no subcommands.
func options(i *discordgo.InteractionCreate) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	opts := i.ApplicationCommandData().Options
	if len(opts) == 1 && opts[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		opts = opts[0].Options
	}
	m := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(opts))
	for _, o := range opts {
		m[o.Name] = o
	}
	return m
}

func stringOption(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	if o, ok := opts[name]; ok {
		return o.StringValue()
	}
	return ""
}

func boolOption(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) bool {
	if o, ok := opts[name]; ok {
		return o.BoolValue()
	}
	return false
}

// focusedOption returns the option the user is typing in during
// autocomplete.
func focusedOption(i *discordgo.InteractionCreate) *discordgo.ApplicationCommandInteractionDataOption {
	for _, o := range options(i) {
		if o.Focused {
			return o
		}
	}
	return nil
}

// speakerChoices answers speaker autocomplete with names from sp.
func speakerChoices(ctx context.Context, sp Speakers, query string) []*discordgo.ApplicationCommandOptionChoice {
	names := sp.Suggest(ctx, query, maxChoices)
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(names))
	for _, n := range names {
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: n, Value: n})
	}
	return choices
}

var fieldLabels = map[string]string{
	"speaker":     "話者",
	"speed":       "再生速度",
	"pitch":       "音程",
	"intonation":  "抑揚",
	"volume":      "音量",
	"read_length": "読み上げ文字数",
}

// validationMessage renders a range error the way users see it.
func validationMessage(err error) string {
	var ve *tts.ValidationError
	if !errors.As(err, &ve) {
		return fmt.Sprintf("エラー: %v", err)
	}
	label := fieldLabels[ve.Field]
	if label == "" {
		label = ve.Field
	}
	if ve.Max < ve.Min {
		return fmt.Sprintf("%sは%v以上で指定してください", label, ve.Min)
	}
	return fmt.Sprintf("%sは%vから%vの間で指定してください", label, ve.Min, ve.Max)
}

// profileFields renders a voice profile as embed fields.
func profileFields(ctx context.Context, sp Speakers, p tts.VoiceProfile) []*discordgo.MessageEmbedField {
	name := sp.Name(ctx, p.SpeakerID)
	if name == "" {
		name = "不明"
	}
	return []*discordgo.MessageEmbedField{
		{Name: "話者", Value: fmt.Sprintf("%s (%d)", name, p.SpeakerID), Inline: true},
		{Name: "再生速度", Value: fmt.Sprint(p.Speed), Inline: true},
		{Name: "音程", Value: fmt.Sprint(p.Pitch), Inline: true},
		{Name: "抑揚", Value: fmt.Sprint(p.Intonation), Inline: true},
		{Name: "音量", Value: fmt.Sprint(p.Volume), Inline: true},
	}
}

func onOff(b bool) string {
	if b {
		return "有効"
	}
	return "無効"
}
