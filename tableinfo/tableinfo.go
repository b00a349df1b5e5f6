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

// Package tableinfo implements TableInfo and TableInfoMap from §4.14: the
// per-table container of ranges keyed by end_row, and the server-global
// registry of those containers by table id.
//
// The contract shape is grounded on the teacher's internal/driver/driver.go,
// which keeps a log implementation behind a small set of named operations
// (Readers/Appenders) rather than granular internal plumbing; TableInfo plays
// the same role here, presenting the RangeServer with "find the range for
// this row" and "enumerate my ranges" without exposing how they're stored.
package tableinfo

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/wcstore/rangeserver/key"
	"github.com/wcstore/rangeserver/rangekeyspace"
)

// ErrDuplicateEndRow is returned by AddRange when another range in the
// table already ends at the same row.
var ErrDuplicateEndRow = errors.New("tableinfo: duplicate end row")

// ErrRangeNotFound is returned when no range in the table covers a row.
var ErrRangeNotFound = errors.New("tableinfo: range not found")

// TableInfo is the per-table container of ranges, kept sorted by end_row.
type TableInfo struct {
	mu     sync.Mutex
	table  key.TableIdentifier
	ranges []*rangekeyspace.Range // sorted ascending by EndRow
}

// New returns an empty TableInfo for table.
func New(table key.TableIdentifier) *TableInfo {
	return &TableInfo{table: table}
}

// Table reports the identifier this TableInfo was built for.
func (ti *TableInfo) Table() key.TableIdentifier {
	return ti.table
}

// AddRange inserts r into the sorted range list. It rejects a range whose
// end row duplicates one already present.
func (ti *TableInfo) AddRange(r *rangekeyspace.Range) error {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	end := r.EndRow()
	i := sort.Search(len(ti.ranges), func(i int) bool {
		return bytes.Compare(ti.ranges[i].EndRow(), end) >= 0
	})
	if i < len(ti.ranges) && bytes.Equal(ti.ranges[i].EndRow(), end) {
		return fmt.Errorf("%w: %x", ErrDuplicateEndRow, end)
	}
	ti.ranges = append(ti.ranges, nil)
	copy(ti.ranges[i+1:], ti.ranges[i:])
	ti.ranges[i] = r
	return nil
}

// RemoveRange drops r from the container, e.g. once a split has narrowed it
// away or it's been relinquished. A no-op if r isn't present.
func (ti *TableInfo) RemoveRange(r *rangekeyspace.Range) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	for i, cur := range ti.ranges {
		if cur == r {
			ti.ranges = append(ti.ranges[:i], ti.ranges[i+1:]...)
			return
		}
	}
}

// Find locates the range covering row: the first range (in end_row order)
// whose end_row is >= row, verified to actually contain row (row must be
// strictly greater than that range's start_row). Returns ErrRangeNotFound if
// no range covers it — e.g. the row falls in a gap during a split handoff.
func (ti *TableInfo) Find(row []byte) (*rangekeyspace.Range, error) {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	i := sort.Search(len(ti.ranges), func(i int) bool {
		return bytes.Compare(ti.ranges[i].EndRow(), row) >= 0
	})
	if i == len(ti.ranges) {
		return nil, fmt.Errorf("%w: row %x past last range", ErrRangeNotFound, row)
	}
	r := ti.ranges[i]
	if !r.Contains(row) {
		return nil, fmt.Errorf("%w: row %x", ErrRangeNotFound, row)
	}
	return r, nil
}

// Ranges returns a snapshot of every range currently in the table, in
// end_row order.
func (ti *TableInfo) Ranges() []*rangekeyspace.Range {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	out := make([]*rangekeyspace.Range, len(ti.ranges))
	copy(out, ti.ranges)
	return out
}

// Len reports how many ranges this table currently has loaded.
func (ti *TableInfo) Len() int {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return len(ti.ranges)
}
