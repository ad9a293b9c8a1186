// Package mock provides test doubles for Discord interaction testing.
package mock

import (
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// InteractionResponder records interaction responses for test assertions.
type InteractionResponder struct {
	mu sync.Mutex

	// Responses records all InteractionRespond calls.
	Responses []*discordgo.InteractionResponse

	// FollowUps records all FollowupMessageCreate calls.
	FollowUps []*discordgo.WebhookParams

	// Err is returned by InteractionRespond and FollowupMessageCreate
	// when non-nil, allowing error injection.
	Err error
}

// InteractionRespond records the response and returns the configured error.
func (m *InteractionResponder) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, resp)
	return m.Err
}

// FollowupMessageCreate records the follow-up and returns a stub message.
func (m *InteractionResponder) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, params *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FollowUps = append(m.FollowUps, params)
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-followup"}, nil
}

// LastResponse returns the most recently recorded response, or nil.
func (m *InteractionResponder) LastResponse() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Responses) == 0 {
		return nil
	}
	return m.Responses[len(m.Responses)-1]
}

// LastFollowUp returns the most recently recorded follow-up, or nil.
func (m *InteractionResponder) LastFollowUp() *discordgo.WebhookParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.FollowUps) == 0 {
		return nil
	}
	return m.FollowUps[len(m.FollowUps)-1]
}

// LastContent returns the text of the latest follow-up, or of the latest
// response when there is no follow-up.
func (m *InteractionResponder) LastContent() string {
	if f := m.LastFollowUp(); f != nil {
		return f.Content
	}
	if r := m.LastResponse(); r != nil && r.Data != nil {
		return r.Data.Content
	}
	return ""
}

// Reset clears all recorded interactions and errors.
func (m *InteractionResponder) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = nil
	m.FollowUps = nil
	m.Err = nil
}

// Directory is a static member directory.
type Directory struct {
	// Voice maps "guildID/userID" to a voice channel ID.
	Voice map[string]string

	// Nicks maps "guildID/userID" to a guild nickname.
	Nicks map[string]string

	// Bot is the bot's own user ID.
	Bot string
}

// VoiceChannel returns the configured voice channel for the member.
func (d *Directory) VoiceChannel(guildID, userID string) string {
	return d.Voice[guildID+"/"+userID]
}

// DisplayName returns the nickname when requested and known, else the
// user's global name or username.
func (d *Directory) DisplayName(guildID string, u *discordgo.User, nickname bool) string {
	if u == nil {
		return ""
	}
	if nick := d.Nicks[guildID+"/"+u.ID]; nickname && nick != "" {
		return nick
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// BotUserID returns the configured bot ID.
func (d *Directory) BotUserID() string { return d.Bot }

// ChannelMembers counts the entries of Voice in channelID, except the bot.
func (d *Directory) ChannelMembers(guildID, channelID string) int {
	n := 0
	for key, ch := range d.Voice {
		if ch == channelID && key != guildID+"/"+d.Bot && strings.HasPrefix(key, guildID+"/") {
			n++
		}
	}
	return n
}
