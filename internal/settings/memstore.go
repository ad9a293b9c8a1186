package settings

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-process [Store]. Nothing survives a restart; it backs
// tests and runs without a database.
type MemStore struct {
	mu     sync.Mutex
	guilds map[string]GuildSettings
	users  map[string]UserSettings
	dicts  map[Owner]map[string]Rule
	nextID int64
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		guilds: make(map[string]GuildSettings),
		users:  make(map[string]UserSettings),
		dicts:  make(map[Owner]map[string]Rule),
	}
}

// GuildSettings implements [Store].
func (m *MemStore) GuildSettings(_ context.Context, id string) (*GuildSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guilds[id]
	if !ok {
		return nil, nil
	}
	c := g.Clone()
	return &c, nil
}

// PutGuildSettings implements [Store].
func (m *MemStore) PutGuildSettings(_ context.Context, g *GuildSettings) error {
	if err := g.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guilds[g.ID] = g.Clone()
	return nil
}

// UserSettings implements [Store].
func (m *MemStore) UserSettings(_ context.Context, id string) (*UserSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// PutUserSettings implements [Store].
func (m *MemStore) PutUserSettings(_ context.Context, u *UserSettings) error {
	if err := u.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = *u
	return nil
}

// EnsureDictionary implements [Store].
func (m *MemStore) EnsureDictionary(_ context.Context, owner Owner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dict(owner)
	return nil
}

// dict returns the owner's dictionary, creating it. Callers hold m.mu.
func (m *MemStore) dict(owner Owner) map[string]Rule {
	d, ok := m.dicts[owner]
	if !ok {
		d = make(map[string]Rule)
		m.dicts[owner] = d
	}
	return d
}

// Rules implements [Store].
func (m *MemStore) Rules(_ context.Context, owner Owner) ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.dicts[owner]
	rules := make([]Rule, 0, len(d))
	for _, r := range d {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

// AddRule implements [Store].
func (m *MemStore) AddRule(_ context.Context, owner Owner, rule Rule) (Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.dict(owner)
	if _, ok := d[rule.Pattern]; ok {
		return Rule{}, fmt.Errorf("%w: %q", ErrDuplicateRule, rule.Pattern)
	}
	m.nextID++
	rule.ID = m.nextID
	d[rule.Pattern] = rule
	return rule, nil
}

// DeleteRule implements [Store].
func (m *MemStore) DeleteRule(_ context.Context, owner Owner, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.dicts[owner]
	if _, ok := d[pattern]; !ok {
		return fmt.Errorf("%w: %q", ErrRuleNotFound, pattern)
	}
	delete(d, pattern)
	return nil
}

// UpdateRule implements [Store].
func (m *MemStore) UpdateRule(_ context.Context, owner Owner, oldPattern string, rule Rule) (Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.dicts[owner]
	old, ok := d[oldPattern]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %q", ErrRuleNotFound, oldPattern)
	}
	if _, taken := d[rule.Pattern]; taken && rule.Pattern != oldPattern {
		return Rule{}, fmt.Errorf("%w: %q", ErrDuplicateRule, rule.Pattern)
	}
	delete(d, oldPattern)
	rule.ID = old.ID
	d[rule.Pattern] = rule
	return rule, nil
}
