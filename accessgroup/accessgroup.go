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

// Package accessgroup groups column families that are stored together: one
// CellCache plus an ordered list of CellStores, all belonging to exactly one
// range.
//
// The merge-scan composition here is grounded on the teacher's
// storage/integrate.go Integrate function, which merges newly sequenced
// entries with the already-integrated tile tree; the same "merge newest
// first, stop once every source is exhausted" shape applies to merging a
// CellCache snapshot with a list of CellStores in recency order.
package accessgroup

import (
	"container/heap"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wcstore/rangeserver/cellcache"
	"github.com/wcstore/rangeserver/cellstore"
	"github.com/wcstore/rangeserver/key"
	"k8s.io/klog/v2"
)

// Options configures an AccessGroup.
type Options struct {
	Name        string
	Dir         string // directory CellStore files are written into
	Families    map[uint8]key.ColumnFamily
	BlockSize   int
	BloomMode   cellstore.BloomMode
}

// AccessGroup owns one CellCache and an ordered (newest-first) list of
// CellStore readers for a single range.
type AccessGroup struct {
	opts Options

	mu      sync.RWMutex
	cache   *cellcache.Cache
	stores  []*cellstore.Reader // index 0 is newest
	nextNum int

	compacting bool
	snapshot   *cellcache.Snapshot
}

// New returns an empty AccessGroup.
func New(opts Options) *AccessGroup {
	return &AccessGroup{opts: opts, cache: cellcache.New()}
}

// Add inserts a cell into the CellCache without checking that the cell's
// family belongs to this AG; callers route at the Range layer and should
// not call Add for the wrong AG.
func (ag *AccessGroup) Add(c key.Cell) {
	ag.mu.RLock()
	defer ag.mu.RUnlock()
	ag.cache.Add(c.Key, c.Value)
}

// MaintenanceData is the per-AG slice of the stats the maintenance
// prioritizer ranks on.
type MaintenanceData struct {
	CellCacheMem     int64
	ShadowCacheMem   int64
	BlockIndexMem    int64
	CompactableMem   int64
	DiskUsage        int64
}

// GetMaintenanceData reports memory/disk figures for the prioritizer.
func (ag *AccessGroup) GetMaintenanceData() MaintenanceData {
	ag.mu.RLock()
	defer ag.mu.RUnlock()
	md := MaintenanceData{CellCacheMem: ag.cache.MemUsed()}
	if ag.snapshot != nil {
		md.ShadowCacheMem = ag.snapshot.MemUsed()
		md.CompactableMem = md.ShadowCacheMem
	}
	for _, s := range ag.stores {
		md.BlockIndexMem += int64(s.Trailer().FixedIndexLength + s.Trailer().VariableIndexLength)
		md.DiskUsage += int64(s.Trailer().VariableIndexOffset) // approx: bytes before index region
	}
	return md
}

// CreateScanner returns a merging view across the CellCache (and frozen
// snapshot, if a compaction is in progress) plus every CellStore, newest to
// oldest, honoring spec's max_versions (or the family's) and delete-shadowing.
// Column-family TTL is not applied: expired cells are still returned.
func (ag *AccessGroup) CreateScanner(spec ScanSpec) (*Scanner, error) {
	ag.mu.RLock()
	defer ag.mu.RUnlock()

	var sources [][]key.Cell
	sources = append(sources, ag.cache.Scan())
	if ag.snapshot != nil {
		sources = append(sources, ag.snapshot.Scan())
	}
	for _, s := range ag.stores {
		cells, err := s.Scan()
		if err != nil {
			return nil, fmt.Errorf("accessgroup %s: scan store: %w", ag.opts.Name, err)
		}
		sources = append(sources, cells)
	}
	merged := mergeSorted(sources)
	filtered := applyScanSpec(merged, spec, ag.opts.Families)
	return &Scanner{cells: filtered}, nil
}

// mergeSorted k-way merges already-sorted cell slices by key.Compare,
// preserving all duplicates (shadowing is resolved by applyScanSpec).
func mergeSorted(sources [][]key.Cell) []key.Cell {
	h := &mergeHeap{}
	for i, s := range sources {
		if len(s) > 0 {
			heap.Push(h, mergeItem{cell: s[0], src: i, idx: 0})
		}
	}
	heap.Init(h)
	var out []key.Cell
	for h.Len() > 0 {
		item := heap.Pop(h).(mergeItem)
		out = append(out, item.cell)
		next := item.idx + 1
		if next < len(sources[item.src]) {
			heap.Push(h, mergeItem{cell: sources[item.src][next], src: item.src, idx: next})
		}
	}
	return out
}

type mergeItem struct {
	cell key.Cell
	src  int
	idx  int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	return key.Compare(h[i].cell.Key, h[j].cell.Key) < 0
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Compact drains the frozen CellCache snapshot (minor) or merges every
// CellStore plus the snapshot (major) into one new CellStore, publishing it
// atomically and retiring the inputs.
func (ag *AccessGroup) Compact(major bool) error {
	ag.mu.Lock()
	snap := ag.cache.Snapshot()
	ag.snapshot = snap
	ag.compacting = true
	num := ag.nextNum
	ag.nextNum++
	oldStores := ag.stores
	ag.mu.Unlock()

	var sources [][]key.Cell
	sources = append(sources, snap.Scan())
	if major {
		for _, s := range oldStores {
			cells, err := s.Scan()
			if err != nil {
				return fmt.Errorf("accessgroup %s: compact: scan store: %w", ag.opts.Name, err)
			}
			sources = append(sources, cells)
		}
	}
	merged := mergeSorted(sources)
	merged = dropShadowed(merged, nil)

	w := cellstore.NewWriter(cellstore.WriterOptions{BlockSize: ag.opts.BlockSize, BloomMode: ag.opts.BloomMode, MajorCompaction: major, ExpectedKeys: uint(len(merged))})
	for _, c := range merged {
		if err := w.Add(c); err != nil {
			return fmt.Errorf("accessgroup %s: compact: %w", ag.opts.Name, err)
		}
	}
	if err := os.MkdirAll(ag.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("accessgroup %s: compact: mkdir: %w", ag.opts.Name, err)
	}
	path := filepath.Join(ag.opts.Dir, fmt.Sprintf("cs-%d", num))
	if err := w.Finish(path); err != nil {
		return fmt.Errorf("accessgroup %s: compact: finish: %w", ag.opts.Name, err)
	}
	newStore, err := cellstore.Open(path)
	if err != nil {
		return fmt.Errorf("accessgroup %s: compact: reopen: %w", ag.opts.Name, err)
	}

	ag.mu.Lock()
	defer ag.mu.Unlock()
	if major {
		ag.stores = []*cellstore.Reader{newStore}
		for _, s := range oldStores {
			s.Close()
		}
	} else {
		ag.stores = append([]*cellstore.Reader{newStore}, ag.stores...)
	}
	ag.cache.DiscardSnapshot()
	ag.snapshot = nil
	ag.compacting = false
	klog.Infof("accessgroup %s: compaction (major=%v) produced %s with %d cells", ag.opts.Name, major, path, len(merged))
	return nil
}

// PurgeMemory drops the in-memory block index of every CellStore, to be
// rebuilt lazily on next Seek, freeing memory under pressure.
func (ag *AccessGroup) PurgeMemory() {
	ag.mu.RLock()
	defer ag.mu.RUnlock()
	for _, s := range ag.stores {
		s.DropIndex()
	}
}

// ExtractInto builds a brand new AccessGroup at dir containing only the
// cells in (start, end], by scanning this AG's live cache and every
// CellStore with a row filter. Used by the split "build new CellStores for
// both halves" step (§4.8) to populate the departing side's AccessGroup
// without disturbing this one; pair with ShrinkTo to narrow the side that
// stays.
func (ag *AccessGroup) ExtractInto(start, end []byte, dir string) (*AccessGroup, error) {
	ag.mu.RLock()
	stores := ag.stores
	liveCells := ag.cache.Scan()
	ag.mu.RUnlock()

	spec := ScanSpec{StartRow: start, EndRow: end, ReturnDeletes: true}

	var sources [][]key.Cell
	sources = append(sources, liveCells)
	for _, s := range stores {
		cells, err := s.Scan()
		if err != nil {
			return nil, fmt.Errorf("accessgroup %s: extract: scan store: %w", ag.opts.Name, err)
		}
		sources = append(sources, cells)
	}
	merged := mergeSorted(sources)
	kept := make([]key.Cell, 0, len(merged))
	for _, c := range merged {
		if spec.rowInRange(c.Key.Row) {
			kept = append(kept, c)
		}
	}

	newOpts := ag.opts
	newOpts.Dir = dir
	out := New(newOpts)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("accessgroup %s: extract: mkdir: %w", ag.opts.Name, err)
	}
	if len(stores) == 0 {
		for _, c := range kept {
			out.cache.Add(c.Key, c.Value)
		}
		return out, nil
	}
	if len(kept) == 0 {
		return out, nil
	}
	w := cellstore.NewWriter(cellstore.WriterOptions{BlockSize: ag.opts.BlockSize, BloomMode: ag.opts.BloomMode, Split: true, ExpectedKeys: uint(len(kept))})
	for _, c := range kept {
		if err := w.Add(c); err != nil {
			return nil, fmt.Errorf("accessgroup %s: extract: %w", ag.opts.Name, err)
		}
	}
	path := filepath.Join(dir, "cs-0")
	if err := w.Finish(path); err != nil {
		return nil, fmt.Errorf("accessgroup %s: extract: finish: %w", ag.opts.Name, err)
	}
	newStore, err := cellstore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("accessgroup %s: extract: reopen: %w", ag.opts.Name, err)
	}
	out.stores = []*cellstore.Reader{newStore}
	out.nextNum = 1
	return out, nil
}

// ShrinkTo rebuilds this AG's on-disk state to contain only rows in
// (start, end], for the split "shrink" step of §4.8: scan every existing
// source with a row filter and replace the store list with the result. Live
// CellCache entries outside the new interval are dropped too, since they
// belong to the departing side of the split.
func (ag *AccessGroup) ShrinkTo(start, end []byte) error {
	ag.mu.Lock()
	oldStores := ag.stores
	liveCells := ag.cache.Scan()
	num := ag.nextNum
	ag.nextNum++
	ag.mu.Unlock()

	spec := ScanSpec{StartRow: start, EndRow: end, ReturnDeletes: true}

	var sources [][]key.Cell
	sources = append(sources, liveCells)
	for _, s := range oldStores {
		cells, err := s.Scan()
		if err != nil {
			return fmt.Errorf("accessgroup %s: shrink: scan store: %w", ag.opts.Name, err)
		}
		sources = append(sources, cells)
	}
	merged := mergeSorted(sources)
	kept := make([]key.Cell, 0, len(merged))
	for _, c := range merged {
		if spec.rowInRange(c.Key.Row) {
			kept = append(kept, c)
		}
	}

	newCache := cellcache.New()
	var forStore []key.Cell
	if len(oldStores) == 0 {
		for _, c := range kept {
			newCache.Add(c.Key, c.Value)
		}
	} else {
		forStore = kept
	}

	ag.mu.Lock()
	defer ag.mu.Unlock()
	for _, s := range oldStores {
		s.Close()
	}
	ag.stores = nil
	ag.cache = newCache
	if len(forStore) > 0 {
		w := cellstore.NewWriter(cellstore.WriterOptions{BlockSize: ag.opts.BlockSize, BloomMode: ag.opts.BloomMode, Split: true, ExpectedKeys: uint(len(forStore))})
		for _, c := range forStore {
			if err := w.Add(c); err != nil {
				return fmt.Errorf("accessgroup %s: shrink: %w", ag.opts.Name, err)
			}
		}
		if err := os.MkdirAll(ag.opts.Dir, 0o755); err != nil {
			return fmt.Errorf("accessgroup %s: shrink: mkdir: %w", ag.opts.Name, err)
		}
		path := filepath.Join(ag.opts.Dir, fmt.Sprintf("cs-%d", num))
		if err := w.Finish(path); err != nil {
			return fmt.Errorf("accessgroup %s: shrink: finish: %w", ag.opts.Name, err)
		}
		newStore, err := cellstore.Open(path)
		if err != nil {
			return fmt.Errorf("accessgroup %s: shrink: reopen: %w", ag.opts.Name, err)
		}
		ag.stores = []*cellstore.Reader{newStore}
	}
	klog.Infof("accessgroup %s: shrunk to (%q,%q], %d cells retained", ag.opts.Name, start, end, len(kept))
	return nil
}

// dropShadowed removes cells masked by a later delete of the same row/family
// (DeleteColumnFamily), row (DeleteRow), or exact cell (DeleteCell) at a
// timestamp greater than or equal to the cell's own, matching §4.7's merge
// rule. cells must already be in key order (delete entries sort before the
// data they shadow, since higher timestamps sort first).
func dropShadowed(cells []key.Cell, now *time.Time) []key.Cell {
	type shadowState struct {
		rowDeleteTS    uint64
		famDeleteTS    map[uint8]uint64
		cellDeleteTS   map[string]uint64
	}
	out := make([]key.Cell, 0, len(cells))
	var cur shadowState
	var curRow string
	for _, c := range cells {
		row := string(c.Key.Row)
		if row != curRow {
			curRow = row
			cur = shadowState{famDeleteTS: map[uint8]uint64{}, cellDeleteTS: map[string]uint64{}}
		}
		switch c.Key.Flag {
		case key.DeleteRow:
			if c.Key.Timestamp > cur.rowDeleteTS {
				cur.rowDeleteTS = c.Key.Timestamp
			}
			out = append(out, c) // retained only if the caller later filters it back out
			continue
		case key.DeleteColumnFamily:
			if c.Key.Timestamp > cur.famDeleteTS[c.Key.Family] {
				cur.famDeleteTS[c.Key.Family] = c.Key.Timestamp
			}
			out = append(out, c)
			continue
		case key.DeleteCell:
			ck := cellShadowKey(c.Key)
			if c.Key.Timestamp > cur.cellDeleteTS[ck] {
				cur.cellDeleteTS[ck] = c.Key.Timestamp
			}
			out = append(out, c)
			continue
		}
		if c.Key.Timestamp <= cur.rowDeleteTS {
			continue
		}
		if ts, ok := cur.famDeleteTS[c.Key.Family]; ok && c.Key.Timestamp <= ts {
			continue
		}
		if ts, ok := cur.cellDeleteTS[cellShadowKey(c.Key)]; ok && c.Key.Timestamp <= ts {
			continue
		}
		out = append(out, c)
	}
	return out
}

func cellShadowKey(k key.Key) string {
	return fmt.Sprintf("%d:%s", k.Family, k.Qualifier)
}

// ScanSpec narrows a scan to a sub-interval, column set, version limit,
// timestamp interval, and whether to surface tombstones, per §4.12.
type ScanSpec struct {
	StartRow, EndRow []byte // half-open (start, end]; empty EndRow means unbounded
	Families         []uint8
	MaxVersions      int
	ReturnDeletes    bool
	MinTimestamp     uint64
	MaxTimestamp     uint64
}

func (s ScanSpec) rowInRange(row []byte) bool {
	if len(s.StartRow) > 0 && string(row) <= string(s.StartRow) {
		return false
	}
	if len(s.EndRow) > 0 && string(row) > string(s.EndRow) {
		return false
	}
	return true
}

func (s ScanSpec) familyAllowed(f uint8) bool {
	if len(s.Families) == 0 {
		return true
	}
	for _, x := range s.Families {
		if x == f {
			return true
		}
	}
	return false
}

// applyScanSpec filters merged cells (already delete-shadowed is NOT yet
// applied here; callers pass raw merged streams so deletes can still mask
// across the AG before max_versions truncation) according to spec, dropping
// tombstones unless ReturnDeletes is set and truncating to MaxVersions per
// (row,family,qualifier).
func applyScanSpec(cells []key.Cell, spec ScanSpec, families map[uint8]key.ColumnFamily) []key.Cell {
	shadowed := dropShadowed(cells, nil)
	versionCount := map[string]int{}
	out := make([]key.Cell, 0, len(shadowed))
	for _, c := range shadowed {
		if !spec.rowInRange(c.Key.Row) {
			continue
		}
		if !spec.familyAllowed(c.Key.Family) {
			continue
		}
		if spec.MinTimestamp > 0 && c.Key.Timestamp < spec.MinTimestamp {
			continue
		}
		if spec.MaxTimestamp > 0 && c.Key.Timestamp > spec.MaxTimestamp {
			continue
		}
		if c.Key.Flag != key.Insert && !spec.ReturnDeletes {
			continue
		}
		maxV := spec.MaxVersions
		if maxV == 0 {
			if fam, ok := families[c.Key.Family]; ok && fam.MaxVersions > 0 {
				maxV = fam.MaxVersions
			}
		}
		if maxV > 0 {
			vk := fmt.Sprintf("%s/%d/%s", c.Key.Row, c.Key.Family, c.Key.Qualifier)
			versionCount[vk]++
			if versionCount[vk] > maxV {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// Scanner yields cells in sorted order from a pre-computed, already merged
// and filtered slice.
type Scanner struct {
	cells []key.Cell
	pos   int
}

// Next returns the next cell, or ok=false at end of stream.
func (s *Scanner) Next() (key.Cell, bool) {
	if s.pos >= len(s.cells) {
		return key.Cell{}, false
	}
	c := s.cells[s.pos]
	s.pos++
	return c, true
}

// Close releases the scanner's reference to its backing slice.
func (s *Scanner) Close() {
	s.cells = nil
}
