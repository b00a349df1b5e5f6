// Copyright 2024 The RangeServer authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package locator implements RangeLocator and LocationCache: resolving a
// row in a table down to the RangeServer that owns it, by walking the
// two-level METADATA table, and caching the result (§4.10).
//
// LocationCache's LRU is grounded on the teacher's dedupe.go, which wraps
// hashicorp/golang-lru/v2 keyed by entry identity; here the same generic
// lru.Cache[K,V] is keyed by (table, end_row) instead, with a second,
// unbounded map of "pegged" entries (the root range location) that the LRU
// never sees and therefore never evicts.
package locator

import (
	"bytes"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Location is a cached (or freshly resolved) range location.
type Location struct {
	StartRow, EndRow []byte
	RangeServerID    string
}

type cacheKey struct {
	Table  string
	EndRow string
}

func keyFor(table string, endRow []byte) cacheKey {
	return cacheKey{Table: table, EndRow: string(endRow)}
}

// LocationCache is an LRU over (table, end_row) -> Location, with pegged
// entries (root range info) exempt from eviction, per §4.10.
type LocationCache struct {
	mu     sync.Mutex
	lru    *lru.Cache[cacheKey, Location]
	pegged map[cacheKey]Location
}

// NewLocationCache returns a cache admitting at most maxEntries non-pegged
// locations.
func NewLocationCache(maxEntries int) *LocationCache {
	c, err := lru.New[cacheKey, Location](maxEntries)
	if err != nil {
		panic(fmt.Errorf("locator: lru.New(%d): %w", maxEntries, err))
	}
	return &LocationCache{lru: c, pegged: map[cacheKey]Location{}}
}

// InsertPegged adds a location that is never evicted, for the root
// METADATA range discovered through the coordination service.
func (c *LocationCache) InsertPegged(table string, loc Location) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pegged[keyFor(table, loc.EndRow)] = loc
}

// Insert adds or refreshes a non-pegged location, subject to LRU eviction.
func (c *LocationCache) Insert(table string, loc Location) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(keyFor(table, loc.EndRow), loc)
}

// Lookup finds the cached location whose interval contains row, checking
// pegged entries first. A hit on a non-pegged entry moves it to the head of
// the LRU (a pure lookup never grows the cache).
func (c *LocationCache) Lookup(table string, row []byte) (Location, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, loc := range c.pegged {
		if k.Table == table && rowInInterval(row, loc.StartRow, loc.EndRow) {
			return loc, true
		}
	}
	for _, k := range c.lru.Keys() {
		if k.Table != table {
			continue
		}
		loc, ok := c.lru.Peek(k)
		if !ok || !rowInInterval(row, loc.StartRow, loc.EndRow) {
			continue
		}
		c.lru.Get(k) // bump recency without mutating the value
		return loc, true
	}
	return Location{}, false
}

// Invalidate drops the cached entry for table whose end_row is >= row, per
// §4.10: a stale location (post-split or reassignment) is removed so the
// next Lookup falls through to a fresh resolve.
func (c *LocationCache) Invalidate(table string, row []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.lru.Keys() {
		if k.Table != table {
			continue
		}
		loc, ok := c.lru.Peek(k)
		if ok && bytes.Compare(loc.EndRow, row) >= 0 {
			c.lru.Remove(k)
		}
	}
}

// Len reports the number of non-pegged entries currently cached.
func (c *LocationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func rowInInterval(row, start, end []byte) bool {
	if len(start) > 0 && bytes.Compare(row, start) <= 0 {
		return false
	}
	if len(end) > 0 && bytes.Compare(row, end) > 0 {
		return false
	}
	return true
}
