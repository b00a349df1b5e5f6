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

package accessgroup

import (
	"testing"

	"github.com/wcstore/rangeserver/key"
)

func cell(row string, fam uint8, ts uint64, flag key.Flag, val string) key.Cell {
	return key.Cell{Key: key.Key{Row: []byte(row), Family: fam, Timestamp: ts, Flag: flag}, Value: []byte(val)}
}

func TestWriteReadScan(t *testing.T) {
	ag := New(Options{Name: "default", Dir: t.TempDir(), BlockSize: 4096})
	ag.Add(cell("a", 1, 10, key.Insert, "v1"))
	ag.Add(cell("b", 1, 10, key.Insert, "v2"))

	scanner, err := ag.CreateScanner(ScanSpec{})
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for {
		c, ok := scanner.Next()
		if !ok {
			break
		}
		got = append(got, string(c.Key.Row)+":"+string(c.Value))
	}
	want := []string{"a:v1", "b:v2"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestTombstoneMasking(t *testing.T) {
	ag := New(Options{Name: "default", Dir: t.TempDir(), BlockSize: 4096})
	ag.Add(cell("r", 1, 10, key.Insert, "v"))
	ag.Add(cell("r", 1, 20, key.DeleteCell, ""))

	scanner, err := ag.CreateScanner(ScanSpec{MaxVersions: 1, ReturnDeletes: false})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := scanner.Next(); ok {
		t.Fatal("expected no cells after tombstone masking")
	}
}

func TestCompactionProducesReadableStore(t *testing.T) {
	ag := New(Options{Name: "default", Dir: t.TempDir(), BlockSize: 4096})
	for _, row := range []string{"a", "b", "c"} {
		ag.Add(cell(row, 1, 10, key.Insert, "v-"+row))
	}
	if err := ag.Compact(true); err != nil {
		t.Fatal(err)
	}
	scanner, err := ag.CreateScanner(ScanSpec{})
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for {
		if _, ok := scanner.Next(); !ok {
			break
		}
		count++
	}
	if count != 3 {
		t.Fatalf("got %d cells after compaction, want 3", count)
	}
}

func TestMaxVersionsTruncates(t *testing.T) {
	ag := New(Options{Name: "default", Dir: t.TempDir(), BlockSize: 4096})
	for ts := uint64(1); ts <= 5; ts++ {
		ag.Add(cell("r", 1, ts, key.Insert, "v"))
	}
	scanner, err := ag.CreateScanner(ScanSpec{MaxVersions: 2})
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for {
		if _, ok := scanner.Next(); !ok {
			break
		}
		count++
	}
	if count != 2 {
		t.Fatalf("got %d cells, want 2 (max_versions)", count)
	}
}
