// Package speech turns text events into playable audio.
//
// Each connected guild owns one [Queue] holding two FIFOs: text events
// waiting for synthesis and audio units waiting for playback. A [Worker]
// drains the text side, applies the guild's and user's dictionaries,
// truncates and splits the text, synthesizes each segment and pushes the
// resulting units to the audio side in order. Playback is driven elsewhere
// (see internal/voice).
package speech

import (
	"time"

	"github.com/google/uuid"
)

// TextEvent is one message to read aloud. It is built once at the gateway
// boundary; UserID is empty for system announcements.
type TextEvent struct {
	ID      string
	Text    string
	GuildID string
	UserID  string
	RoleIDs []string

	// IsReply marks a reply to another message. ReplyAuthorName is the
	// display name of the replied-to author.
	IsReply         bool
	ReplyAuthorName string

	EnqueuedAt time.Time
}

// NewEvent returns a user event with a fresh ID.
func NewEvent(guildID, userID, text string) TextEvent {
	return TextEvent{
		ID:         uuid.NewString(),
		Text:       text,
		GuildID:    guildID,
		UserID:     userID,
		EnqueuedAt: time.Now(),
	}
}

// SystemEvent returns an announcement event spoken with the guild's voice.
func SystemEvent(guildID, text string) TextEvent {
	return NewEvent(guildID, "", text)
}

// IsSystem reports whether the event has no author.
func (e TextEvent) IsSystem() bool { return e.UserID == "" }
