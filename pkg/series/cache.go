package series

import (
	"sort"
	"sync"

	"github.com/foamflask/foamflask/pkg/types"
)

// Stats describes the cache contents and how it has been updated
type Stats struct {
	Keys         int
	Samples      int
	Appends      int64
	FastExtends  int64
	Replacements int64
}

// Cache holds one append-only sample sequence per (case, name) key.
//
// Sequences are shared with readers without copying: a snapshot is a slice
// whose capacity is capped at its length, and the cache only ever writes
// past the end of what any snapshot can see. Replacing a sequence swaps in
// a new backing array, so existing snapshots keep their old contents.
type Cache struct {
	mu     sync.RWMutex
	series map[types.SeriesKey][]types.Sample

	appends      int64
	fastExtends  int64
	replacements int64
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{
		series: make(map[types.SeriesKey][]types.Sample),
	}
}

// Get returns a snapshot of the sequence for key, nil if absent
func (c *Cache) Get(key types.SeriesKey) []types.Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.series[key]
	return s[:len(s):len(s)]
}

// Len returns the number of samples stored for key
func (c *Cache) Len(key types.SeriesKey) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.series[key])
}

// Latest returns the last k samples for key
func (c *Cache) Latest(key types.SeriesKey, k int) []types.Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.series[key]
	if k < len(s) {
		s = s[len(s)-k:]
	}
	return s[:len(s):len(s)]
}

// Append adds samples to the end of the sequence for key, creating it if
// needed. Callers are responsible for keeping X non-decreasing.
func (c *Cache) Append(key types.SeriesKey, samples ...types.Sample) {
	if len(samples) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.series[key] = append(c.series[key], samples...)
	c.appends++
}

// Extend makes next the sequence for key. When the cached sequence is a
// prefix of next only the new suffix is appended; otherwise the cached
// sequence is discarded and replaced by a copy of next. It reports whether
// the cached samples were kept.
func (c *Cache) Extend(key types.SeriesKey, next []types.Sample) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.series[key]
	n := len(cur)
	if n > 0 && len(next) >= n && hasPrefix(next, cur) {
		if len(next) > n {
			c.series[key] = append(cur, next[n:]...)
			c.fastExtends++
		}
		return true
	}

	replacement := make([]types.Sample, len(next))
	copy(replacement, next)
	c.series[key] = replacement
	c.replacements++
	return false
}

// hasPrefix compares from the newest sample backwards, where a rerun
// usually diverges first
func hasPrefix(next, prefix []types.Sample) bool {
	for i := len(prefix) - 1; i >= 0; i-- {
		if next[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Names returns the names stored for a case, sorted
func (c *Cache) Names(caseID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var names []string
	for key := range c.series {
		if key.Case == caseID {
			names = append(names, key.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Delete removes one sequence
func (c *Cache) Delete(key types.SeriesKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.series, key)
}

// ResetCase removes every sequence of a case
func (c *Cache) ResetCase(caseID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.series {
		if key.Case == caseID {
			delete(c.series, key)
		}
	}
}

// Stats returns a point-in-time summary
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Stats{
		Keys:         len(c.series),
		Appends:      c.appends,
		FastExtends:  c.fastExtends,
		Replacements: c.replacements,
	}
	for _, s := range c.series {
		st.Samples += len(s)
	}
	return st
}
