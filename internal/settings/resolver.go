package settings

import (
	"context"

	"github.com/MrWong99/yomiage/internal/replacer"
)

// Resolver combines a [Service] and a [ReplacerCache] into the read-only
// view the speech pipeline consumes.
type Resolver struct {
	Settings  *Service
	Replacers *ReplacerCache
}

// NewResolver returns a Resolver over store with fresh caches.
func NewResolver(store Store) *Resolver {
	return &Resolver{
		Settings:  NewService(store),
		Replacers: NewReplacerCache(store),
	}
}

// Guild returns the guild's settings.
func (r *Resolver) Guild(ctx context.Context, guildID string) (GuildSettings, error) {
	return r.Settings.Guild(ctx, guildID)
}

// User returns the user's settings.
func (r *Resolver) User(ctx context.Context, userID string) (UserSettings, error) {
	return r.Settings.User(ctx, userID)
}

// GuildReplacer returns the guild dictionary.
func (r *Resolver) GuildReplacer(ctx context.Context, guildID string) (*replacer.Replacer, error) {
	return r.Replacers.Guild(ctx, guildID)
}

// UserReplacer returns the user dictionary.
func (r *Resolver) UserReplacer(ctx context.Context, userID string) (*replacer.Replacer, error) {
	return r.Replacers.User(ctx, userID)
}

// EnsureGuild creates the guild's settings row and dictionary if missing.
func (r *Resolver) EnsureGuild(ctx context.Context, guildID string) error {
	if _, err := r.Settings.Guild(ctx, guildID); err != nil {
		return err
	}
	_, err := r.Replacers.Guild(ctx, guildID)
	return err
}
