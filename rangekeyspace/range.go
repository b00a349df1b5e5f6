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

// Package rangekeyspace implements Range: a half-open row-key interval
// owned by exactly one server, coordinating updates and scans across its
// AccessGroups under the barrier/guard discipline of §5, and the split
// state machine of §4.8.
//
// The barrier/guard shape is grounded on the teacher's append_lifecycle.go
// shutdown terminator (a latch that drains in-flight work before a
// structural change proceeds) and migrate_lifecycle.go's staged handoff
// between "copying" and "live" states, generalized here from a one-shot
// lifecycle to a repeatable per-maintenance-cycle barrier.
package rangekeyspace

import (
	"bytes"
	"container/heap"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/wcstore/rangeserver/accessgroup"
	"github.com/wcstore/rangeserver/cellstore"
	"github.com/wcstore/rangeserver/commitlog"
	"github.com/wcstore/rangeserver/key"
)

// State is the split/lifecycle state machine described in §4.8.
type State int

const (
	Active State = iota
	SplitLogInstalled
	SplitShrunk
	Relinquish
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case SplitLogInstalled:
		return "SPLIT_LOG_INSTALLED"
	case SplitShrunk:
		return "SPLIT_SHRUNK"
	case Relinquish:
		return "RELINQUISH"
	default:
		return "UNKNOWN"
	}
}

// ErrRangeNotFound is returned by every operation on a dropped range.
var ErrRangeNotFound = errors.New("rangekeyspace: range not found")

// Options configures a new Range.
type Options struct {
	Table     key.TableIdentifier
	Schema    key.Schema
	Start     []byte // exclusive
	End       []byte // inclusive; key.EndOfTable for the tail range
	Dir       string // holds the range's commit log and per-AG store directories
	SoftLimit int64
	RollLimit int64
	BlockSize int
	BloomMode cellstore.BloomMode
}

// Range owns one row-key interval's AccessGroups, commit log, and
// maintenance state.
type Range struct {
	opts Options

	mu         sync.RWMutex
	start, end []byte
	groups     map[string]*accessgroup.AccessGroup
	famToGroup map[uint8]string
	log        *commitlog.Writer
	splitLog   *commitlog.Writer
	splitOnLow bool // while SplitLogInstalled: true routes rows <= splitRow to splitLog
	splitRow   []byte
	state      State
	dropped    bool

	revision               atomic.Uint64
	earliestCachedRevision atomic.Uint64 // 0 means "nothing pinning the log since the last compaction"

	UpdateBarrier *Barrier
	ScanBarrier   *Barrier
	Guard         *MaintenanceGuard
}

// New creates a Range's on-disk layout (commit log directory, one directory
// per access group) and returns the live object.
func New(opts Options) (*Range, error) {
	if err := opts.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("rangekeyspace: %w", err)
	}
	r := &Range{
		opts:          opts,
		start:         append([]byte(nil), opts.Start...),
		end:           append([]byte(nil), opts.End...),
		groups:        map[string]*accessgroup.AccessGroup{},
		famToGroup:    map[uint8]string{},
		state:         Active,
		UpdateBarrier: NewBarrier(),
		ScanBarrier:   NewBarrier(),
		Guard:         &MaintenanceGuard{},
	}
	for _, f := range opts.Schema.Families {
		r.famToGroup[f.ID] = f.AccessGroup
	}
	for _, agSpec := range opts.Schema.AccessGroups {
		dir := filepath.Join(opts.Dir, "ag", agSpec.Name)
		fams := map[uint8]key.ColumnFamily{}
		for _, f := range opts.Schema.Families {
			if f.AccessGroup == agSpec.Name {
				fams[f.ID] = f
			}
		}
		r.groups[agSpec.Name] = accessgroup.New(accessgroup.Options{
			Name:      agSpec.Name,
			Dir:       dir,
			Families:  fams,
			BlockSize: opts.BlockSize,
			BloomMode: opts.BloomMode,
		})
	}
	logDir := filepath.Join(opts.Dir, "log")
	log, err := commitlog.Open(logDir, opts.RollLimit)
	if err != nil {
		return nil, fmt.Errorf("rangekeyspace: open commit log: %w", err)
	}
	r.log = log
	return r, nil
}

// StartRow and EndRow report the range's current half-open interval.
func (r *Range) StartRow() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]byte(nil), r.start...)
}

func (r *Range) EndRow() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]byte(nil), r.end...)
}

func (r *Range) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Contains reports whether row belongs to (start, end].
func (r *Range) Contains(row []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return rowInInterval(row, r.start, r.end)
}

func rowInInterval(row, start, end []byte) bool {
	if len(start) > 0 && compareBytes(row, start) <= 0 {
		return false
	}
	if len(end) > 0 && compareBytes(row, end) > 0 {
		return false
	}
	return true
}

func compareBytes(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Add routes a cell to its access group, writes it durably to the commit
// log first, then inserts it into the CellCache, per the update path in §2.
// The caller is expected to already hold a reference acquired via
// EnterUpdate/LeaveUpdate (the GroupCommit aggregator does this once per
// batch, not once per cell).
func (r *Range) Add(c key.Cell, sync bool) error {
	r.mu.RLock()
	if r.dropped {
		r.mu.RUnlock()
		return ErrRangeNotFound
	}
	agName, ok := r.famToGroup[c.Key.Family]
	if !ok {
		r.mu.RUnlock()
		return fmt.Errorf("rangekeyspace: unknown family %d", c.Key.Family)
	}
	ag := r.groups[agName]
	targetLog := r.log
	if r.state == SplitLogInstalled && r.routeToSplitLog(c.Key.Row) {
		targetLog = r.splitLog
	}
	r.mu.RUnlock()

	rev := r.revision.Add(1)
	r.earliestCachedRevision.CompareAndSwap(0, rev)
	enc, err := key.EncodeCell(c)
	if err != nil {
		return fmt.Errorf("rangekeyspace: encode: %w", err)
	}
	if err := targetLog.Write(r.opts.Table, enc, rev); err != nil {
		return fmt.Errorf("rangekeyspace: commit log write: %w", err)
	}
	if sync {
		if err := targetLog.Sync(); err != nil {
			return fmt.Errorf("rangekeyspace: commit log sync: %w", err)
		}
	}
	ag.Add(c)
	return nil
}

func (r *Range) routeToSplitLog(row []byte) bool {
	c := compareBytes(row, r.splitRow)
	if r.splitOnLow {
		return c <= 0
	}
	return c > 0
}

// EnterUpdate/LeaveUpdate and EnterScan/LeaveScan expose the range's
// barriers so GroupCommit and the scanner pipeline can hold them across a
// whole batch or scan rather than per cell.
func (r *Range) EnterUpdate() { r.UpdateBarrier.Enter() }
func (r *Range) LeaveUpdate() { r.UpdateBarrier.Leave() }
func (r *Range) EnterScan()   { r.ScanBarrier.Enter() }
func (r *Range) LeaveScan()   { r.ScanBarrier.Leave() }

// CreateScanner returns a scanner merging every AccessGroup's scanner in
// key order, per §4.12.
func (r *Range) CreateScanner(spec accessgroup.ScanSpec) (*Scanner, error) {
	r.mu.RLock()
	if r.dropped {
		r.mu.RUnlock()
		return nil, ErrRangeNotFound
	}
	groups := make([]*accessgroup.AccessGroup, 0, len(r.groups))
	for _, ag := range r.groups {
		groups = append(groups, ag)
	}
	r.mu.RUnlock()

	scanners := make([]*accessgroup.Scanner, 0, len(groups))
	for _, ag := range groups {
		s, err := ag.CreateScanner(spec)
		if err != nil {
			return nil, fmt.Errorf("rangekeyspace: create scanner: %w", err)
		}
		scanners = append(scanners, s)
	}
	return newScanner(scanners), nil
}

// Scanner merges the per-AccessGroup scanners of a Range into one sorted
// stream.
type Scanner struct {
	h *agMergeHeap
}

func newScanner(scanners []*accessgroup.Scanner) *Scanner {
	h := &agMergeHeap{}
	for _, s := range scanners {
		if c, ok := s.Next(); ok {
			heap.Push(h, agMergeItem{cell: c, s: s})
		}
	}
	heap.Init(h)
	return &Scanner{h: h}
}

// Next returns the next cell in key order across all access groups.
func (s *Scanner) Next() (key.Cell, bool) {
	if s.h.Len() == 0 {
		return key.Cell{}, false
	}
	item := heap.Pop(s.h).(agMergeItem)
	if next, ok := item.s.Next(); ok {
		heap.Push(s.h, agMergeItem{cell: next, s: item.s})
	}
	return item.cell, true
}

// Close releases every underlying access-group scanner.
func (s *Scanner) Close() {
	for _, item := range *s.h {
		item.s.Close()
	}
	*s.h = nil
}

type agMergeItem struct {
	cell key.Cell
	s    *accessgroup.Scanner
}

type agMergeHeap []agMergeItem

func (h agMergeHeap) Len() int { return len(h) }
func (h agMergeHeap) Less(i, j int) bool {
	return key.Compare(h[i].cell.Key, h[j].cell.Key) < 0
}
func (h agMergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *agMergeHeap) Push(x any)   { *h = append(*h, x.(agMergeItem)) }
func (h *agMergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MaintenanceData aggregates every access group's figures plus whether this
// range has exceeded its soft size limit, for the maintenance prioritizer.
type MaintenanceData struct {
	CellCacheMem   int64
	ShadowCacheMem int64
	BlockIndexMem  int64
	CompactableMem int64
	DiskUsage      int64
	ExceedsLimit   bool
	State          State
	Guarded        bool
}

func (r *Range) GetMaintenanceData() MaintenanceData {
	r.mu.RLock()
	groups := make([]*accessgroup.AccessGroup, 0, len(r.groups))
	for _, ag := range r.groups {
		groups = append(groups, ag)
	}
	state := r.state
	r.mu.RUnlock()

	var md MaintenanceData
	md.State = state
	md.Guarded = r.Guard.InProgress()
	for _, ag := range groups {
		d := ag.GetMaintenanceData()
		md.CellCacheMem += d.CellCacheMem
		md.ShadowCacheMem += d.ShadowCacheMem
		md.BlockIndexMem += d.BlockIndexMem
		md.CompactableMem += d.CompactableMem
		md.DiskUsage += d.DiskUsage
	}
	md.ExceedsLimit = r.opts.SoftLimit > 0 && md.DiskUsage > r.opts.SoftLimit
	return md
}

// Compact runs a minor (major=false) or major (major=true) compaction on
// every access group, under the maintenance guard.
func (r *Range) Compact(major bool) error {
	act, err := r.Guard.Activate()
	if err != nil {
		return err
	}
	defer act.Release()

	r.mu.RLock()
	groups := make([]*accessgroup.AccessGroup, 0, len(r.groups))
	for _, ag := range r.groups {
		groups = append(groups, ag)
	}
	r.mu.RUnlock()

	for _, ag := range groups {
		if err := ag.Compact(major); err != nil {
			return fmt.Errorf("rangekeyspace: compact: %w", err)
		}
	}
	r.earliestCachedRevision.Store(0)
	return nil
}

// EarliestCachedRevision reports the lowest commit-log revision still only
// resident in a CellCache (not yet flushed to a CellStore by compaction),
// or 0 if nothing written since the last compaction pins the log.
func (r *Range) EarliestCachedRevision() uint64 {
	return r.earliestCachedRevision.Load()
}

// ID returns a stable identifier for this range: its table and end row,
// suitable as a maintenance-ledger key across restarts.
func (r *Range) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("%s/end=%x", r.opts.Table.String(), r.end)
}

// LinkReplayLog records otherDir's log as the source of this range's
// updates up to the point it was linked in, per §4.14's atomic_merge:
// a TableInfo recovered by replaying fragments rejoins the live map by
// pointing the live range's commit log at the replay log instead of
// re-appending its contents.
func (r *Range) LinkReplayLog(otherDir string) error {
	r.mu.RLock()
	log := r.log
	r.mu.RUnlock()
	return log.LinkLog(otherDir)
}

// PurgeMemory drops every access group's in-memory block index.
func (r *Range) PurgeMemory() error {
	act, err := r.Guard.Activate()
	if err != nil {
		return err
	}
	defer act.Release()

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ag := range r.groups {
		ag.PurgeMemory()
	}
	return nil
}

// Drop marks the range dropped; every subsequent operation fails with
// ErrRangeNotFound.
func (r *Range) Drop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = true
	r.groups = nil
	if r.log != nil {
		return r.log.Close()
	}
	return nil
}

