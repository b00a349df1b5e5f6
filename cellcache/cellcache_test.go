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

package cellcache

import (
	"testing"

	"github.com/wcstore/rangeserver/key"
)

func mkKey(row string, ts uint64) key.Key {
	return key.Key{Row: []byte(row), Timestamp: ts}
}

func TestAddKeepsSortedOrder(t *testing.T) {
	c := New()
	c.Add(mkKey("b", 1), []byte("v-b"))
	c.Add(mkKey("a", 1), []byte("v-a"))
	c.Add(mkKey("c", 1), []byte("v-c"))

	got := c.Scan()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %d cells, want %d", len(got), len(want))
	}
	for i, w := range want {
		if string(got[i].Key.Row) != w {
			t.Fatalf("entry %d: got row %q, want %q", i, got[i].Key.Row, w)
		}
	}
}

func TestSnapshotFreezesAndIsolates(t *testing.T) {
	c := New()
	c.Add(mkKey("a", 1), []byte("pre"))

	snap := c.Snapshot()
	c.Add(mkKey("b", 1), []byte("post"))

	snapCells := snap.Scan()
	if len(snapCells) != 1 || string(snapCells[0].Key.Row) != "a" {
		t.Fatalf("snapshot should contain only pre-snapshot writes, got %+v", snapCells)
	}

	live := c.Scan()
	if len(live) != 1 || string(live[0].Key.Row) != "b" {
		t.Fatalf("live generation should contain only post-snapshot writes, got %+v", live)
	}
}

func TestMemAccounting(t *testing.T) {
	c := New()
	if c.MemUsed() != 0 {
		t.Fatalf("expected zero mem_used on empty cache, got %d", c.MemUsed())
	}
	c.Add(mkKey("a", 1), []byte("value"))
	if c.MemUsed() == 0 {
		t.Fatal("expected non-zero mem_used after insert")
	}
	if c.MemAllocated() < c.MemUsed() {
		t.Fatalf("mem_allocated (%d) should be >= mem_used (%d)", c.MemAllocated(), c.MemUsed())
	}
}
