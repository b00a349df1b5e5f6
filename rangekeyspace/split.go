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

package rangekeyspace

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/wcstore/rangeserver/accessgroup"
	"github.com/wcstore/rangeserver/commitlog"
	"k8s.io/klog/v2"
)

// SplitResult describes the outcome of a completed Split: this range has
// narrowed to KeptStart/KeptEnd, and a brand new Range now owns
// (NewStart, NewEnd]. Everything outside this package — writing the new
// row into METADATA and notifying the Master — is the caller's
// responsibility, per §1's scoping of Master as an external collaborator.
type SplitResult struct {
	SplitRow           []byte
	KeptStart, KeptEnd []byte
	NewStart, NewEnd   []byte
	New                *Range
}

// ShouldSplit reports whether disk usage exceeds the soft limit and no
// maintenance task currently holds this range's guard, per §4.11's "a range
// currently in-progress is skipped" rule.
func (r *Range) ShouldSplit() bool {
	if r.Guard.InProgress() {
		return false
	}
	return r.GetMaintenanceData().ExceedsLimit
}

// Split carries out the five internal steps of §4.8's split algorithm:
// choose the split row, install a split log, build CellStores for both
// halves by row-filtered rescans, then atomically narrow this range and
// hand back a fully populated Range for the departing side. newDir is
// where the departing side's on-disk state (its own commit log and AG
// directories) is created.
func (r *Range) Split(newDir string) (*SplitResult, error) {
	act, err := r.Guard.Activate()
	if err != nil {
		return nil, err
	}
	defer act.Release()

	r.mu.RLock()
	start, end := append([]byte(nil), r.start...), append([]byte(nil), r.end...)
	groups := make(map[string]*accessgroup.AccessGroup, len(r.groups))
	for name, ag := range r.groups {
		groups[name] = ag
	}
	rangeDir := r.opts.Dir
	r.mu.RUnlock()

	splitRow, err := medianRow(groups, start, end)
	if err != nil {
		return nil, fmt.Errorf("rangekeyspace: split: %w", err)
	}
	splitOffHigh := decideSplitOffHigh(start, end, splitRow)

	var keptStart, keptEnd, newStart, newEnd []byte
	if splitOffHigh {
		keptStart, keptEnd = start, splitRow
		newStart, newEnd = splitRow, end
	} else {
		keptStart, keptEnd = splitRow, end
		newStart, newEnd = start, splitRow
	}

	splitLogDir := filepath.Join(rangeDir, "split-log")
	r.UpdateBarrier.PutUp()
	splitLog, err := commitlog.Open(splitLogDir, r.opts.RollLimit)
	if err != nil {
		r.UpdateBarrier.TakeDown()
		return nil, fmt.Errorf("rangekeyspace: split: install split log: %w", err)
	}
	r.mu.Lock()
	r.splitLog = splitLog
	r.splitRow = splitRow
	r.splitOnLow = !splitOffHigh
	r.state = SplitLogInstalled
	r.mu.Unlock()
	r.UpdateBarrier.TakeDown()
	klog.Infof("rangekeyspace: split log installed at %s, split row %q, splitOffHigh=%v", splitLogDir, splitRow, splitOffHigh)

	newGroups := make(map[string]*accessgroup.AccessGroup, len(groups))
	for name, ag := range groups {
		extracted, err := ag.ExtractInto(newStart, newEnd, filepath.Join(newDir, "ag", name))
		if err != nil {
			return nil, fmt.Errorf("rangekeyspace: split: extract %s: %w", name, err)
		}
		newGroups[name] = extracted
		if err := ag.ShrinkTo(keptStart, keptEnd); err != nil {
			return nil, fmt.Errorf("rangekeyspace: split: shrink %s: %w", name, err)
		}
	}

	r.mu.Lock()
	r.state = SplitShrunk
	r.mu.Unlock()

	if err := splitLog.Close(); err != nil {
		return nil, fmt.Errorf("rangekeyspace: split: close split log: %w", err)
	}

	newRange := &Range{
		opts:          r.opts,
		start:         append([]byte(nil), newStart...),
		end:           append([]byte(nil), newEnd...),
		groups:        newGroups,
		famToGroup:    r.famToGroup,
		state:         Active,
		UpdateBarrier: NewBarrier(),
		ScanBarrier:   NewBarrier(),
		Guard:         &MaintenanceGuard{},
	}
	newRange.opts.Dir = newDir
	newLog, err := commitlog.Open(filepath.Join(newDir, "log"), r.opts.RollLimit)
	if err != nil {
		return nil, fmt.Errorf("rangekeyspace: split: open new range log: %w", err)
	}
	if err := newLog.LinkLog(splitLogDir); err != nil {
		return nil, fmt.Errorf("rangekeyspace: split: link split log: %w", err)
	}
	newRange.log = newLog

	r.ScanBarrier.PutUp()
	r.mu.Lock()
	r.start, r.end = keptStart, keptEnd
	r.state = Active
	r.splitLog = nil
	r.splitRow = nil
	r.mu.Unlock()
	r.ScanBarrier.TakeDown()

	klog.Infof("rangekeyspace: split complete: kept (%q,%q], new (%q,%q]", keptStart, keptEnd, newStart, newEnd)
	return &SplitResult{
		SplitRow:  splitRow,
		KeptStart: keptStart,
		KeptEnd:   keptEnd,
		NewStart:  newStart,
		NewEnd:    newEnd,
		New:       newRange,
	}, nil
}

// medianRow samples the access group with the most disk usage for its
// distinct rows and returns the middle one, per §4.8 step 1.
func medianRow(groups map[string]*accessgroup.AccessGroup, start, end []byte) ([]byte, error) {
	var biggest *accessgroup.AccessGroup
	var biggestUsage int64 = -1
	for _, ag := range groups {
		d := ag.GetMaintenanceData()
		if d.DiskUsage > biggestUsage {
			biggestUsage = d.DiskUsage
			biggest = ag
		}
	}
	if biggest == nil {
		return nil, fmt.Errorf("no access groups to split")
	}
	scanner, err := biggest.CreateScanner(accessgroup.ScanSpec{StartRow: start, EndRow: end, ReturnDeletes: true})
	if err != nil {
		return nil, err
	}
	defer scanner.Close()

	var rows [][]byte
	var lastRow []byte
	for {
		c, ok := scanner.Next()
		if !ok {
			break
		}
		if lastRow == nil || !bytes.Equal(c.Key.Row, lastRow) {
			rows = append(rows, c.Key.Row)
			lastRow = c.Key.Row
		}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows to split on")
	}
	return rows[len(rows)/2], nil
}

// decideSplitOffHigh implements §4.8's "based on end_row proximity" rule: a
// tail range (end is the table's end-of-table marker) always splits off its
// high half, since the departing side inherits the open-ended tail and
// should be the one re-evaluated for further splits; otherwise the high half
// departs when splitRow shares at least as long a common prefix with end as
// with start, and the low half departs when it does not.
func decideSplitOffHigh(start, end, splitRow []byte) bool {
	if len(end) == 0 || bytes.Equal(end, []byte{0xFF, 0xFF}) {
		return true
	}
	distToEnd := commonPrefixLen(splitRow, end)
	distToStart := commonPrefixLen(splitRow, start)
	return distToEnd >= distToStart
}

func commonPrefixLen(a, b []byte) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}
