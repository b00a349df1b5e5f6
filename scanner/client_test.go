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

package scanner

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/wcstore/rangeserver/accessgroup"
	"github.com/wcstore/rangeserver/key"
	"github.com/wcstore/rangeserver/locator"
)

// fakeTable serves two adjacent ranges, (, "m"] and ("m", ""], each backed
// by its own slice of cells, to exercise IntervalScanner's range-advance
// logic (step 2's "advance to the next range" path).
type fakeTable struct {
	ranges []fakeRange
}

type fakeRange struct {
	loc   locator.Location
	cells []key.Cell
}

func (f *fakeTable) locate(row []byte) (locator.Location, error) {
	for _, r := range f.ranges {
		if rowInInterval(row, r.loc.StartRow, r.loc.EndRow) {
			return r.loc, nil
		}
	}
	return locator.Location{}, fmt.Errorf("no range for row %q", row)
}

func (f *fakeTable) cellsFor(loc locator.Location, start []byte) []key.Cell {
	for _, r := range f.ranges {
		if bytes.Equal(r.loc.EndRow, loc.EndRow) {
			var out []key.Cell
			for _, c := range r.cells {
				if bytes.Compare(c.Key.Row, start) >= 0 {
					out = append(out, c)
				}
			}
			return out
		}
	}
	return nil
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

type fakeLocator struct{ t *fakeTable }

func (l *fakeLocator) Locate(_ context.Context, _ string, row []byte) (locator.Location, error) {
	return l.t.locate(row)
}
func (l *fakeLocator) Invalidate(string, []byte) {}

type fakeRPC struct {
	t         *fakeTable
	nextID    uint64
	scanners  map[uint64]*fakeServerScanner
}

type fakeServerScanner struct {
	cells []key.Cell
	i     int
}

func newFakeRPC(t *fakeTable) *fakeRPC {
	return &fakeRPC{t: t, scanners: map[uint64]*fakeServerScanner{}}
}

func (r *fakeRPC) CreateScanner(_ context.Context, loc locator.Location, _ string, spec accessgroup.ScanSpec) (uint64, ScanBlock, error) {
	r.nextID++
	id := r.nextID
	cells := r.t.cellsFor(loc, spec.StartRow)
	r.scanners[id] = &fakeServerScanner{cells: cells}
	return id, r.fetch(id), nil
}

func (r *fakeRPC) FetchScanBlock(_ context.Context, _ locator.Location, id uint64) (ScanBlock, error) {
	return r.fetch(id), nil
}

func (r *fakeRPC) fetch(id uint64) ScanBlock {
	s := r.scanners[id]
	block := ScanBlock{ScannerID: id}
	for len(block.Cells) < 2 && s.i < len(s.cells) {
		block.Cells = append(block.Cells, s.cells[s.i])
		s.i++
	}
	if s.i >= len(s.cells) {
		block.EOS = true
		delete(r.scanners, id)
	}
	return block
}

func (r *fakeRPC) DestroyScanner(_ context.Context, _ locator.Location, id uint64) error {
	delete(r.scanners, id)
	return nil
}

func buildFakeTable() *fakeTable {
	lowCells := []key.Cell{cellForRow("a"), cellForRow("b"), cellForRow("c")}
	highCells := []key.Cell{cellForRow("n"), cellForRow("o"), cellForRow("p")}
	return &fakeTable{ranges: []fakeRange{
		{loc: locator.Location{StartRow: nil, EndRow: []byte("m"), RangeServerID: "rs1"}, cells: lowCells},
		{loc: locator.Location{StartRow: []byte("m"), EndRow: nil, RangeServerID: "rs2"}, cells: highCells},
	}}
}

func TestIntervalScannerCrossesRangeBoundary(t *testing.T) {
	ft := buildFakeTable()
	rpc := newFakeRPC(ft)
	loc := &fakeLocator{t: ft}

	ctx := context.Background()
	s, err := NewIntervalScanner(ctx, loc, rpc, Options{Table: "mytable"})
	if err != nil {
		t.Fatalf("NewIntervalScanner: %v", err)
	}
	defer s.Close(ctx)

	var got []string
	for {
		c, ok, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, string(c.Key.Row))
	}
	want := []string{"a", "b", "c", "n", "o", "p"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestIntervalScannerReadahead(t *testing.T) {
	ft := buildFakeTable()
	rpc := newFakeRPC(ft)
	loc := &fakeLocator{t: ft}

	ctx := context.Background()
	s, err := NewIntervalScanner(ctx, loc, rpc, Options{Table: "mytable", Readahead: true})
	if err != nil {
		t.Fatalf("NewIntervalScanner: %v", err)
	}
	defer s.Close(ctx)

	count := 0
	for {
		_, ok, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != 6 {
		t.Fatalf("count = %d, want 6", count)
	}
}

func TestIntervalScannerRowLimit(t *testing.T) {
	ft := buildFakeTable()
	rpc := newFakeRPC(ft)
	loc := &fakeLocator{t: ft}

	ctx := context.Background()
	s, err := NewIntervalScanner(ctx, loc, rpc, Options{Table: "mytable", RowLimit: 2})
	if err != nil {
		t.Fatalf("NewIntervalScanner: %v", err)
	}
	defer s.Close(ctx)

	count := 0
	for {
		_, ok, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}
