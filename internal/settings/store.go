package settings

import (
	"context"
	"errors"
)

var (
	// ErrDuplicateRule is returned when a dictionary already has a rule for
	// the pattern.
	ErrDuplicateRule = errors.New("settings: rule already exists")

	// ErrRuleNotFound is returned when no rule matches the pattern.
	ErrRuleNotFound = errors.New("settings: rule not found")
)

// Store persists settings and dictionaries.
// Implementations must be safe for concurrent use.
type Store interface {
	// GuildSettings returns the stored settings. Returns (nil, nil) if absent.
	GuildSettings(ctx context.Context, id string) (*GuildSettings, error)

	// PutGuildSettings creates or replaces the guild's settings.
	PutGuildSettings(ctx context.Context, s *GuildSettings) error

	// UserSettings returns the stored settings. Returns (nil, nil) if absent.
	UserSettings(ctx context.Context, id string) (*UserSettings, error)

	// PutUserSettings creates or replaces the user's settings.
	PutUserSettings(ctx context.Context, s *UserSettings) error

	// EnsureDictionary creates the owner's dictionary if it does not exist.
	EnsureDictionary(ctx context.Context, owner Owner) error

	// Rules returns the owner's rules ordered by ID. A missing dictionary
	// yields an empty result.
	Rules(ctx context.Context, owner Owner) ([]Rule, error)

	// AddRule inserts a rule and returns it with its assigned ID.
	// Returns ErrDuplicateRule if the pattern is taken.
	AddRule(ctx context.Context, owner Owner, rule Rule) (Rule, error)

	// DeleteRule removes the rule for pattern. Returns ErrRuleNotFound if
	// there is none.
	DeleteRule(ctx context.Context, owner Owner, pattern string) error

	// UpdateRule replaces the rule for oldPattern, keeping its ID.
	// Returns ErrRuleNotFound or ErrDuplicateRule.
	UpdateRule(ctx context.Context, owner Owner, oldPattern string, rule Rule) (Rule, error)
}
