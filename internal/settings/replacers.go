package settings

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/yomiage/internal/replacer"
)

// ReplacerCache keeps one compiled [replacer.Replacer] per dictionary owner.
//
// A Replacer is loaded on first use (creating the owner's dictionary if it is
// missing) and updated in place after every dictionary mutation made through
// the cache, so workers holding a Replacer see the new rules on their next
// Replace call.
//
// ReplacerCache is safe for concurrent use.
type ReplacerCache struct {
	store Store

	mu   sync.RWMutex
	m    map[Owner]*replacer.Replacer
	gens map[Owner]uint64

	loads   singleflight.Group
	reloads keyLock
}

// NewReplacerCache creates a ReplacerCache backed by store.
func NewReplacerCache(store Store) *ReplacerCache {
	return &ReplacerCache{
		store: store,
		m:     make(map[Owner]*replacer.Replacer),
		gens:  make(map[Owner]uint64),
	}
}

// Guild returns the guild dictionary's Replacer.
func (c *ReplacerCache) Guild(ctx context.Context, id string) (*replacer.Replacer, error) {
	return c.Get(ctx, GuildOwner(id))
}

// User returns the user dictionary's Replacer.
func (c *ReplacerCache) User(ctx context.Context, id string) (*replacer.Replacer, error) {
	return c.Get(ctx, UserOwner(id))
}

// Get returns the owner's Replacer, loading it on first use.
func (c *ReplacerCache) Get(ctx context.Context, owner Owner) (*replacer.Replacer, error) {
	c.mu.RLock()
	r, ok := c.m[owner]
	c.mu.RUnlock()
	if ok {
		return r, nil
	}

	v, err, _ := c.loads.Do(owner.String(), func() (any, error) {
		c.mu.RLock()
		gen := c.gens[owner]
		c.mu.RUnlock()

		r, err := c.load(ctx, owner)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if existing, ok := c.m[owner]; ok {
			return existing, nil
		}
		// A mutation since the load began may not be in r.
		if c.gens[owner] == gen {
			c.m[owner] = r
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("settings: load dictionary %s: %w", owner, err)
	}
	return v.(*replacer.Replacer), nil
}

// load reads the owner's rules into a fresh Replacer.
func (c *ReplacerCache) load(ctx context.Context, owner Owner) (*replacer.Replacer, error) {
	if err := c.store.EnsureDictionary(ctx, owner); err != nil {
		return nil, err
	}
	rules, err := c.store.Rules(ctx, owner)
	if err != nil {
		return nil, err
	}
	r := replacer.Empty()
	if err := r.SetRules(usableRules(owner, rules)); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the owner's rules and swaps them into the cached Replacer.
// Reloads of one owner are serialized and never share a load that started
// before them.
func (c *ReplacerCache) Reload(ctx context.Context, owner Owner) error {
	unlock := c.reloads.lock(owner.String())
	defer unlock()

	c.mu.Lock()
	c.gens[owner]++
	c.mu.Unlock()
	c.loads.Forget(owner.String())

	fresh, err := c.load(ctx, owner)
	if err != nil {
		return fmt.Errorf("settings: reload dictionary %s: %w", owner, err)
	}

	c.mu.Lock()
	r, ok := c.m[owner]
	if !ok {
		c.m[owner] = fresh
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	regex, literal := fresh.Rules()
	return r.UpdateRules(regex, literal)
}

// Forget drops the cached Replacer of owner, e.g. when a guild is removed.
func (c *ReplacerCache) Forget(owner Owner) {
	c.mu.Lock()
	delete(c.m, owner)
	c.gens[owner]++
	c.mu.Unlock()
	c.loads.Forget(owner.String())
}

// ListRules returns the owner's rules ordered by ID.
func (c *ReplacerCache) ListRules(ctx context.Context, owner Owner) ([]Rule, error) {
	if err := c.store.EnsureDictionary(ctx, owner); err != nil {
		return nil, err
	}
	return c.store.Rules(ctx, owner)
}

// AddRule validates and stores a rule, then refreshes the owner's Replacer.
func (c *ReplacerCache) AddRule(ctx context.Context, owner Owner, rule Rule) (Rule, error) {
	if err := replacer.ValidatePattern(rule); err != nil {
		return Rule{}, err
	}
	if err := c.store.EnsureDictionary(ctx, owner); err != nil {
		return Rule{}, err
	}
	added, err := c.store.AddRule(ctx, owner, rule)
	if err != nil {
		return Rule{}, err
	}
	return added, c.Reload(ctx, owner)
}

// DeleteRule removes the rule for pattern and refreshes the owner's Replacer.
func (c *ReplacerCache) DeleteRule(ctx context.Context, owner Owner, pattern string) error {
	if err := c.store.DeleteRule(ctx, owner, pattern); err != nil {
		return err
	}
	return c.Reload(ctx, owner)
}

// UpdateRule replaces the rule for oldPattern and refreshes the owner's
// Replacer.
func (c *ReplacerCache) UpdateRule(ctx context.Context, owner Owner, oldPattern string, rule Rule) (Rule, error) {
	if err := replacer.ValidatePattern(rule); err != nil {
		return Rule{}, err
	}
	updated, err := c.store.UpdateRule(ctx, owner, oldPattern, rule)
	if err != nil {
		return Rule{}, err
	}
	return updated, c.Reload(ctx, owner)
}

// usableRules drops rules that do not compile.
func usableRules(owner Owner, rules []Rule) []Rule {
	out := rules[:0:0]
	for _, r := range rules {
		if err := replacer.ValidatePattern(r); err != nil {
			slog.Warn("settings: skipping invalid dictionary rule", "owner", owner.String(), "pattern", r.Pattern, "err", err)
			continue
		}
		out = append(out, r)
	}
	return out
}
