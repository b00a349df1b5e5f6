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

// Package cellcache implements the per-access-group in-memory sorted map,
// with arena-backed storage and atomic snapshot-for-compaction semantics.
//
// The snapshot/swap discipline is grounded on the teacher's
// storage/internal/queue.go Close lifecycle: a single mutex protects a
// pointer swap, and the old structure remains valid and immutable for
// whoever already holds a reference to it, exactly like the teacher's queue
// draining its buffer before closing rather than locking readers out.
package cellcache

import (
	"sync"

	"github.com/wcstore/rangeserver/arena"
	"github.com/wcstore/rangeserver/key"
)

// entry is one key->value mapping, with both sides copied into the cache's
// arena so callers may reuse their input buffers.
type entry struct {
	k key.Key
	v []byte
}

// tree is one generation of the cache's sorted map. It is built once,
// mutated only by add, and becomes immutable the moment it's snapshotted.
type tree struct {
	arena   *arena.Arena
	entries []entry // kept sorted by key.Compare
}

func newTree() *tree {
	return &tree{arena: arena.New(0)}
}

func (t *tree) add(k key.Key, v []byte) {
	// copy into the arena so the cache owns its storage independent of the
	// caller's buffers
	row := t.arena.CopyBytes(k.Row)
	qual := t.arena.CopyBytes(k.Qualifier)
	val := t.arena.CopyBytes(v)
	owned := key.Key{Row: row, Family: k.Family, Qualifier: qual, Timestamp: k.Timestamp, Revision: k.Revision, Flag: k.Flag}

	i := t.searchInsertPos(owned)
	t.entries = append(t.entries, entry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = entry{k: owned, v: val}
}

// searchInsertPos returns the index at which k belongs to keep entries
// sorted, via binary search (O(log n)).
func (t *tree) searchInsertPos(k key.Key) int {
	lo, hi := 0, len(t.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if key.Compare(t.entries[mid].k, k) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Cache is a sorted key->value map backed by an arena, supporting snapshot
// for compaction. It is safe for concurrent use.
type Cache struct {
	mu       sync.RWMutex
	live     *tree
	snapshot *tree // non-nil while a compaction holds the frozen generation
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{live: newTree()}
}

// Add inserts a key/value pair into the live generation.
func (c *Cache) Add(k key.Key, v []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live.add(k, v)
}

// Snapshot atomically swaps the live map with a fresh, empty one and hands
// a read-only view of the old generation to the caller. The old generation
// remains valid for the lifetime of any scanner that acquired it, even after
// a later Snapshot call replaces c.snapshot.
func (c *Cache) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.live
	c.live = newTree()
	c.snapshot = old
	return &Snapshot{t: old}
}

// DiscardSnapshot releases the cache's reference to its frozen generation
// once a compaction has fully drained it. Scanners that captured the
// Snapshot value independently keep it alive regardless.
func (c *Cache) DiscardSnapshot() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = nil
}

// MemUsed returns the number of row, qualifier and value bytes copied into
// the live generation's arena. The fixed-width key fields (family, flag,
// timestamp, revision) are not counted.
func (c *Cache) MemUsed() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.live.arena.Used()
}

// MemAllocated returns the live generation arena's total page bytes.
func (c *Cache) MemAllocated() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.live.arena.Allocated()
}

// Scan returns every live entry, in key order, honoring neither TTL nor
// max_versions — that composition happens one layer up, in accessgroup.
func (c *Cache) Scan() []key.Cell {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.live.scanAll()
}

func (t *tree) scanAll() []key.Cell {
	out := make([]key.Cell, len(t.entries))
	for i, e := range t.entries {
		out[i] = key.Cell{Key: e.k, Value: e.v}
	}
	return out
}

// Snapshot is a read-only, frozen view of one generation of a Cache,
// captured by Cache.Snapshot for the duration of a compaction.
type Snapshot struct {
	t *tree
}

// Scan returns every entry in the frozen generation, in key order.
func (s *Snapshot) Scan() []key.Cell {
	return s.t.scanAll()
}

// MemUsed returns the frozen generation's arena usage, still counted toward
// "compactable memory" until the compaction retires it.
func (s *Snapshot) MemUsed() int64 {
	return s.t.arena.Used()
}
