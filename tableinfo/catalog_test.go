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

import "testing"

func TestCatalogPutAndList(t *testing.T) {
	c, err := OpenCatalog(t.TempDir())
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}
	defer c.Close()

	e := CatalogEntry{
		TableID:    "t",
		Generation: 1,
		Schema:     testSchema(),
		Start:      nil,
		End:        []byte("m"),
		Dir:        "/data/t/end=6d",
	}
	if err := c.Put(1, e); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := c.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("List() len = %d, want 1", len(got))
	}
	if got[0].TableID != "t" || string(got[0].End) != "m" || got[0].Dir != e.Dir {
		t.Fatalf("List()[0] = %+v, want %+v", got[0], e)
	}
}

func TestCatalogPutReplacesSameEndRow(t *testing.T) {
	c, err := OpenCatalog(t.TempDir())
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}
	defer c.Close()

	e := CatalogEntry{TableID: "t", End: []byte("m"), Dir: "/data/v1"}
	if err := c.Put(1, e); err != nil {
		t.Fatalf("Put: %v", err)
	}
	e.Dir = "/data/v2"
	if err := c.Put(2, e); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := c.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Dir != "/data/v2" {
		t.Fatalf("List() = %+v, want a single entry with Dir /data/v2", got)
	}
}

func TestCatalogRemove(t *testing.T) {
	c, err := OpenCatalog(t.TempDir())
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}
	defer c.Close()

	e := CatalogEntry{TableID: "t", End: []byte("m"), Dir: "/data/t"}
	if err := c.Put(1, e); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Remove(2, "t", []byte("m")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	got, err := c.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("List() after Remove = %+v, want empty", got)
	}
}

