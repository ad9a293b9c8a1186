// Package speakers keeps the engine's speaker/style table and answers
// lookups by the "speaker(style)" names users type.
package speakers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/yomiage/pkg/provider/tts"
)

const defaultTTL = 10 * time.Minute

// Option configures a Catalog.
type Option func(*Catalog)

// WithTTL sets how long a fetched table stays fresh. Defaults to 10 minutes.
func WithTTL(d time.Duration) Option {
	return func(c *Catalog) { c.ttl = d }
}

// withClock replaces time.Now in tests.
func withClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// Catalog caches the flattened style table of a tts.Provider.
// It is safe for concurrent use.
type Catalog struct {
	provider tts.Provider
	ttl      time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	byName   map[string]int
	byID     map[int]string
	names    []string
	loadedAt time.Time
}

// New creates a Catalog. The table is fetched lazily on first use.
func New(p tts.Provider, opts ...Option) *Catalog {
	c := &Catalog{provider: p, ttl: defaultTTL, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Refresh fetches the speaker list and replaces the table. On error the
// previous table stays in place.
func (c *Catalog) Refresh(ctx context.Context) error {
	speakers, err := c.provider.ListSpeakers(ctx)
	if err != nil {
		return fmt.Errorf("speakers: refresh: %w", err)
	}
	byName := tts.FlattenStyles(speakers)
	byID := make(map[int]string, len(byName))
	for name, id := range byName {
		byID[id] = name
	}
	names := tts.SortedStyleNames(byName)

	c.mu.Lock()
	c.byName, c.byID, c.names = byName, byID, names
	c.loadedAt = c.now()
	c.mu.Unlock()
	return nil
}

// ensure refreshes the table when it is missing or stale. A failed refresh
// of a stale table is tolerated; only a missing table is an error.
func (c *Catalog) ensure(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.byName != nil
	fresh := loaded && c.now().Sub(c.loadedAt) < c.ttl
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	if err := c.Refresh(ctx); err != nil && !loaded {
		return err
	}
	return nil
}

// Styles returns every style name ordered by style ID.
func (c *Catalog) Styles(ctx context.Context) ([]string, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.names...), nil
}

// Lookup resolves a style name to its ID. The match is exact first, then
// case-insensitive.
func (c *Catalog) Lookup(ctx context.Context, name string) (int, bool) {
	if c.ensure(ctx) != nil {
		return 0, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id, ok := c.byName[name]; ok {
		return id, true
	}
	for n, id := range c.byName {
		if strings.EqualFold(n, name) {
			return id, true
		}
	}
	return 0, false
}

// Name returns the style name for id, or "" if unknown.
func (c *Catalog) Name(ctx context.Context, id int) string {
	if c.ensure(ctx) != nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[id]
}

// Suggest returns up to n style names for autocomplete. Names containing
// query come first in ID order; the rest are ranked by Jaro-Winkler
// similarity. An empty query returns the first n names.
func (c *Catalog) Suggest(ctx context.Context, query string, n int) []string {
	if n <= 0 || c.ensure(ctx) != nil {
		return nil
	}
	c.mu.RLock()
	names := append([]string(nil), c.names...)
	c.mu.RUnlock()

	query = strings.TrimSpace(query)
	if query == "" {
		return names[:min(n, len(names))]
	}

	var contains []string
	type scored struct {
		name  string
		score float64
	}
	var rest []scored
	lq := strings.ToLower(query)
	for _, name := range names {
		if strings.Contains(strings.ToLower(name), lq) {
			contains = append(contains, name)
			continue
		}
		rest = append(rest, scored{name: name, score: matchr.JaroWinkler(query, name, false)})
	}
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].score > rest[j].score })

	out := contains
	for _, s := range rest {
		if len(out) >= n {
			break
		}
		out = append(out, s.name)
	}
	return out[:min(n, len(out))]
}
