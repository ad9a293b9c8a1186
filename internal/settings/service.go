package settings

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Service caches settings in front of a [Store].
//
// Lookups create default settings on first access. Concurrent misses for
// the same key share one store round trip. A load that overlaps an
// invalidation still answers its callers but does not populate the cache.
// Every returned value is a copy, so callers may modify it freely.
//
// Service is safe for concurrent use.
type Service struct {
	store Store

	mu     sync.RWMutex
	guilds map[string]GuildSettings
	users  map[string]UserSettings
	// gens counts invalidations per cache key.
	gens map[string]uint64

	loads   singleflight.Group
	updates keyLock
}

// NewService creates a Service backed by store.
func NewService(store Store) *Service {
	return &Service{
		store:  store,
		guilds: make(map[string]GuildSettings),
		users:  make(map[string]UserSettings),
		gens:   make(map[string]uint64),
	}
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// Guild returns the guild's settings, creating defaults if none are stored.
func (s *Service) Guild(ctx context.Context, id string) (GuildSettings, error) {
	s.mu.RLock()
	g, ok := s.guilds[id]
	s.mu.RUnlock()
	if ok {
		return g.Clone(), nil
	}

	key := guildKey(id)
	v, err, _ := s.loads.Do(key, func() (any, error) {
		gen := s.generation(key)
		stored, err := s.store.GuildSettings(ctx, id)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			def := DefaultGuildSettings(id)
			if err := s.store.PutGuildSettings(ctx, &def); err != nil {
				return nil, err
			}
			stored = &def
		}
		s.mu.Lock()
		if s.gens[key] == gen {
			s.guilds[id] = stored.Clone()
		}
		s.mu.Unlock()
		return *stored, nil
	})
	if err != nil {
		return GuildSettings{}, fmt.Errorf("settings: load guild %s: %w", id, err)
	}
	return v.(GuildSettings).Clone(), nil
}

// User returns the user's settings, creating defaults if none are stored.
func (s *Service) User(ctx context.Context, id string) (UserSettings, error) {
	s.mu.RLock()
	u, ok := s.users[id]
	s.mu.RUnlock()
	if ok {
		return u, nil
	}

	key := userKey(id)
	v, err, _ := s.loads.Do(key, func() (any, error) {
		gen := s.generation(key)
		stored, err := s.store.UserSettings(ctx, id)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			def := DefaultUserSettings(id)
			if err := s.store.PutUserSettings(ctx, &def); err != nil {
				return nil, err
			}
			stored = &def
		}
		s.mu.Lock()
		if s.gens[key] == gen {
			s.users[id] = *stored
		}
		s.mu.Unlock()
		return *stored, nil
	})
	if err != nil {
		return UserSettings{}, fmt.Errorf("settings: load user %s: %w", id, err)
	}
	return v.(UserSettings), nil
}

// UpdateGuild applies fn to a copy of the guild's settings, validates the
// result and persists it. When fn or validation fails nothing is written and
// the cached value is unchanged. The cache entry is dropped after a
// successful write so the next read observes the stored state. Updates of
// the same guild are serialized.
func (s *Service) UpdateGuild(ctx context.Context, id string, fn func(*GuildSettings) error) (GuildSettings, error) {
	unlock := s.updates.lock(guildKey(id))
	defer unlock()

	g, err := s.Guild(ctx, id)
	if err != nil {
		return GuildSettings{}, err
	}
	if err := fn(&g); err != nil {
		return GuildSettings{}, err
	}
	g.ID = id
	if err := g.Validate(); err != nil {
		return GuildSettings{}, err
	}
	if err := s.store.PutGuildSettings(ctx, &g); err != nil {
		return GuildSettings{}, err
	}
	s.InvalidateGuild(id)
	return g, nil
}

// UpdateUser is the user counterpart of UpdateGuild.
func (s *Service) UpdateUser(ctx context.Context, id string, fn func(*UserSettings) error) (UserSettings, error) {
	unlock := s.updates.lock(userKey(id))
	defer unlock()

	u, err := s.User(ctx, id)
	if err != nil {
		return UserSettings{}, err
	}
	if err := fn(&u); err != nil {
		return UserSettings{}, err
	}
	u.ID = id
	if err := u.Validate(); err != nil {
		return UserSettings{}, err
	}
	if err := s.store.PutUserSettings(ctx, &u); err != nil {
		return UserSettings{}, err
	}
	s.InvalidateUser(id)
	return u, nil
}

// InvalidateGuild drops the cached guild settings. Loads already running
// are detached, so the next read fetches from the store again.
func (s *Service) InvalidateGuild(id string) {
	key := guildKey(id)
	s.mu.Lock()
	delete(s.guilds, id)
	s.gens[key]++
	s.mu.Unlock()
	s.loads.Forget(key)
}

// InvalidateUser drops the cached user settings.
func (s *Service) InvalidateUser(id string) {
	key := userKey(id)
	s.mu.Lock()
	delete(s.users, id)
	s.gens[key]++
	s.mu.Unlock()
	s.loads.Forget(key)
}

func (s *Service) generation(key string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gens[key]
}

func guildKey(id string) string { return "guild:" + id }
func userKey(id string) string  { return "user:" + id }

// ReloadGuild forces a re-fetch from the store.
func (s *Service) ReloadGuild(ctx context.Context, id string) (GuildSettings, error) {
	s.InvalidateGuild(id)
	return s.Guild(ctx, id)
}

// ReloadUser forces a re-fetch from the store.
func (s *Service) ReloadUser(ctx context.Context, id string) (UserSettings, error) {
	s.InvalidateUser(id)
	return s.User(ctx, id)
}
