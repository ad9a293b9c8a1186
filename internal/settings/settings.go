// Package settings holds per-guild and per-user reading configuration and
// the substitution dictionaries owned by guilds and users.
//
// Persistence goes through the [Store] interface ([PostgresStore] in
// production, [MemStore] for tests and database-less runs). [Service] and
// [ReplacerCache] sit on top of a Store and serve the read-mostly hot path:
// every text event resolves its guild and user settings through them.
package settings

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/MrWong99/yomiage/internal/replacer"
	"github.com/MrWong99/yomiage/pkg/provider/tts"
)

// Rule is a dictionary entry.
type Rule = replacer.Rule

// Default reading parameters.
const (
	DefaultSpeakerID     = 3
	DefaultSpeed         = 1.1
	DefaultMaxReadLength = 100
)

// OwnerKind distinguishes guild dictionaries from user dictionaries.
type OwnerKind string

const (
	OwnerGuild OwnerKind = "guild"
	OwnerUser  OwnerKind = "user"
)

// Owner identifies the guild or user a dictionary belongs to.
type Owner struct {
	Kind OwnerKind
	ID   string
}

// GuildOwner returns the dictionary owner for a guild.
func GuildOwner(id string) Owner { return Owner{Kind: OwnerGuild, ID: id} }

// UserOwner returns the dictionary owner for a user.
func UserOwner(id string) Owner { return Owner{Kind: OwnerUser, ID: id} }

func (o Owner) String() string { return string(o.Kind) + ":" + o.ID }

// TableName returns the per-owner dictionary table, e.g. "guild1234". Only
// numeric IDs are accepted so the name is always a safe identifier.
func (o Owner) TableName() (string, error) {
	if o.Kind != OwnerGuild && o.Kind != OwnerUser {
		return "", fmt.Errorf("settings: unknown owner kind %q", o.Kind)
	}
	if _, err := parseID(o.ID); err != nil {
		return "", err
	}
	return string(o.Kind) + o.ID, nil
}

// parseID converts a Discord snowflake to the BIGINT stored in the database.
func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("settings: invalid snowflake %q", id)
	}
	return n, nil
}

// GuildSettings configures how a guild's messages are read.
type GuildSettings struct {
	ID string

	// VoiceProfile is used for events without a user (announcements) and, when
	// ForceProfile is set, for every event of the guild.
	tts.VoiceProfile

	// ForceProfile makes the guild profile override every user profile.
	ForceProfile bool

	// ForceSpeaker overrides only the user's speaker with the guild's.
	ForceSpeaker bool

	// ReadJoinLeave announces members joining or leaving the voice channel.
	ReadJoinLeave bool

	// ReadNonParticipants reads messages from members outside the voice channel.
	ReadNonParticipants bool

	// ReadReplyUser prefixes replies with the name of the replied-to author.
	ReadReplyUser bool

	// ReadNickname uses guild nicknames instead of global display names.
	ReadNickname bool

	// MaxReadLength truncates longer messages. 0 disables truncation.
	MaxReadLength int

	// IgnoreUsers and IgnoreRoles list members whose messages are dropped.
	IgnoreUsers []string
	IgnoreRoles []string
}

// DefaultGuildSettings returns the settings a guild starts with.
func DefaultGuildSettings(id string) GuildSettings {
	return GuildSettings{
		ID:            id,
		VoiceProfile:  defaultProfile(),
		ReadJoinLeave: true,
		ReadNickname:  true,
		MaxReadLength: DefaultMaxReadLength,
		IgnoreUsers:   []string{},
		IgnoreRoles:   []string{},
	}
}

// Validate checks the voice profile and the read length.
func (g *GuildSettings) Validate() error {
	if err := g.VoiceProfile.Validate(); err != nil {
		return err
	}
	if g.MaxReadLength < 0 {
		return &tts.ValidationError{Field: "read_length", Value: float64(g.MaxReadLength), Min: 0, Max: -1}
	}
	return nil
}

// Clone returns a deep copy.
func (g GuildSettings) Clone() GuildSettings {
	g.IgnoreUsers = slices.Clone(g.IgnoreUsers)
	g.IgnoreRoles = slices.Clone(g.IgnoreRoles)
	return g
}

// Ignores reports whether a message from userID carrying roleIDs must be
// dropped.
func (g *GuildSettings) Ignores(userID string, roleIDs []string) bool {
	if userID != "" && slices.Contains(g.IgnoreUsers, userID) {
		return true
	}
	for _, r := range roleIDs {
		if slices.Contains(g.IgnoreRoles, r) {
			return true
		}
	}
	return false
}

// UserSettings is a user's personal voice.
type UserSettings struct {
	ID string
	tts.VoiceProfile

	// UseDictName also applies the guild dictionary to the user's name in
	// join/leave announcements. The user's own dictionary always applies.
	UseDictName bool
}

// DefaultUserSettings returns the settings a user starts with.
func DefaultUserSettings(id string) UserSettings {
	return UserSettings{ID: id, VoiceProfile: defaultProfile()}
}

// Validate checks the voice profile.
func (u *UserSettings) Validate() error {
	return u.VoiceProfile.Validate()
}

// SystemProfile is used for events that have neither a user nor a guild.
func SystemProfile() tts.VoiceProfile {
	return tts.VoiceProfile{SpeakerID: DefaultSpeakerID, Speed: 1.0, Pitch: 0, Intonation: 1, Volume: 1}
}

func defaultProfile() tts.VoiceProfile {
	return tts.VoiceProfile{SpeakerID: DefaultSpeakerID, Speed: DefaultSpeed, Pitch: 0, Intonation: 1, Volume: 1}
}

// addUnique appends v unless already present.
func addUnique(list []string, v string) ([]string, bool) {
	if slices.Contains(list, v) {
		return list, false
	}
	return append(list, v), true
}

// removeValue deletes v from list.
func removeValue(list []string, v string) ([]string, bool) {
	i := slices.Index(list, v)
	if i < 0 {
		return list, false
	}
	return slices.Delete(list, i, i+1), true
}

// AddIgnoredUser adds a user to the ignore list. It reports false when the
// user was already listed.
func (g *GuildSettings) AddIgnoredUser(id string) bool {
	var ok bool
	g.IgnoreUsers, ok = addUnique(g.IgnoreUsers, id)
	return ok
}

// RemoveIgnoredUser removes a user from the ignore list.
func (g *GuildSettings) RemoveIgnoredUser(id string) bool {
	var ok bool
	g.IgnoreUsers, ok = removeValue(g.IgnoreUsers, id)
	return ok
}

// AddIgnoredRole adds a role to the ignore list.
func (g *GuildSettings) AddIgnoredRole(id string) bool {
	var ok bool
	g.IgnoreRoles, ok = addUnique(g.IgnoreRoles, id)
	return ok
}

// RemoveIgnoredRole removes a role from the ignore list.
func (g *GuildSettings) RemoveIgnoredRole(id string) bool {
	var ok bool
	g.IgnoreRoles, ok = removeValue(g.IgnoreRoles, id)
	return ok
}
