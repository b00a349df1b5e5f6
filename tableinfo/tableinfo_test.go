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

package tableinfo

import (
	"path/filepath"
	"testing"

	"github.com/wcstore/rangeserver/key"
	"github.com/wcstore/rangeserver/rangekeyspace"
)

func testSchema() key.Schema {
	return key.Schema{
		TableName:  "t",
		Generation: 1,
		AccessGroups: []key.AccessGroupSpec{
			{Name: "default"},
		},
		Families: []key.ColumnFamily{
			{ID: 0, Name: "f", AccessGroup: "default"},
		},
	}
}

func newTestRange(t *testing.T, start, end []byte) *rangekeyspace.Range {
	t.Helper()
	r, err := rangekeyspace.New(rangekeyspace.Options{
		Table:  key.TableIdentifier{ID: "t", Generation: 1},
		Schema: testSchema(),
		Start:  start,
		End:    end,
		Dir:    filepath.Join(t.TempDir(), string(end)+"x"),
	})
	if err != nil {
		t.Fatalf("rangekeyspace.New: %v", err)
	}
	return r
}

func TestTableInfoAddAndFind(t *testing.T) {
	ti := New(key.TableIdentifier{ID: "t", Generation: 1})

	rLow := newTestRange(t, nil, []byte("m"))
	rHigh := newTestRange(t, []byte("m"), key.EndOfTable)

	if err := ti.AddRange(rLow); err != nil {
		t.Fatalf("AddRange(rLow): %v", err)
	}
	if err := ti.AddRange(rHigh); err != nil {
		t.Fatalf("AddRange(rHigh): %v", err)
	}

	got, err := ti.Find([]byte("apple"))
	if err != nil {
		t.Fatalf("Find(apple): %v", err)
	}
	if got != rLow {
		t.Fatalf("Find(apple) returned the wrong range")
	}

	got, err = ti.Find([]byte("zebra"))
	if err != nil {
		t.Fatalf("Find(zebra): %v", err)
	}
	if got != rHigh {
		t.Fatalf("Find(zebra) returned the wrong range")
	}

	got, err = ti.Find([]byte("m"))
	if err != nil {
		t.Fatalf("Find(m): %v", err)
	}
	if got != rLow {
		t.Fatalf("Find(m) should land in rLow: the interval is (start, end]")
	}
}

func TestTableInfoAddRangeRejectsDuplicateEndRow(t *testing.T) {
	ti := New(key.TableIdentifier{ID: "t", Generation: 1})
	r1 := newTestRange(t, nil, []byte("m"))
	r2 := newTestRange(t, []byte("a"), []byte("m"))

	if err := ti.AddRange(r1); err != nil {
		t.Fatalf("AddRange(r1): %v", err)
	}
	if err := ti.AddRange(r2); err == nil {
		t.Fatalf("expected ErrDuplicateEndRow")
	}
}

func TestTableInfoRemoveRange(t *testing.T) {
	ti := New(key.TableIdentifier{ID: "t", Generation: 1})
	r := newTestRange(t, nil, key.EndOfTable)
	if err := ti.AddRange(r); err != nil {
		t.Fatal(err)
	}
	ti.RemoveRange(r)
	if ti.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after RemoveRange", ti.Len())
	}
	if _, err := ti.Find([]byte("x")); err == nil {
		t.Fatalf("Find should fail after the only range is removed")
	}
}

func TestMapRegisterGetDrop(t *testing.T) {
	m := NewMap()
	ti := New(key.TableIdentifier{ID: "t", Generation: 1})
	m.Register("t", ti)

	got, ok := m.Get("t")
	if !ok || got != ti {
		t.Fatalf("Get(t) = %v, %v; want %v, true", got, ok, ti)
	}

	m.Drop("t")
	if _, ok := m.Get("t"); ok {
		t.Fatalf("Get(t) should fail after Drop")
	}
}

func TestMapAtomicMergeIntoEmpty(t *testing.T) {
	m := NewMap()
	other := New(key.TableIdentifier{ID: "t", Generation: 1})
	r := newTestRange(t, nil, key.EndOfTable)
	if err := other.AddRange(r); err != nil {
		t.Fatal(err)
	}

	if err := m.AtomicMerge("t", other, ""); err != nil {
		t.Fatalf("AtomicMerge: %v", err)
	}
	live, ok := m.Get("t")
	if !ok {
		t.Fatalf("expected a live TableInfo for t after merge")
	}
	if live.Len() != 1 {
		t.Fatalf("live.Len() = %d, want 1", live.Len())
	}
}

func TestMapAtomicMergeIntoExisting(t *testing.T) {
	m := NewMap()
	live := New(key.TableIdentifier{ID: "t", Generation: 1})
	rLive := newTestRange(t, nil, []byte("m"))
	if err := live.AddRange(rLive); err != nil {
		t.Fatal(err)
	}
	m.Register("t", live)

	other := New(key.TableIdentifier{ID: "t", Generation: 1})
	rOther := newTestRange(t, []byte("m"), key.EndOfTable)
	if err := other.AddRange(rOther); err != nil {
		t.Fatal(err)
	}

	if err := m.AtomicMerge("t", other, ""); err != nil {
		t.Fatalf("AtomicMerge: %v", err)
	}
	if live.Len() != 2 {
		t.Fatalf("live.Len() = %d, want 2 after merge", live.Len())
	}
}
