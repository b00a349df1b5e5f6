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

package arena

import "testing"

func TestAllocStable(t *testing.T) {
	a := New(64)
	s1 := a.Alloc(8)
	copy(s1, "abcdefgh")
	s2 := a.Alloc(8)
	copy(s2, "ijklmnop")
	if string(s1) != "abcdefgh" {
		t.Fatalf("s1 got overwritten: %q", s1)
	}
	if string(s2) != "ijklmnop" {
		t.Fatalf("s2 wrong: %q", s2)
	}
}

func TestAllocDownPacksFromTop(t *testing.T) {
	a := New(64)
	head := a.Alloc(4)
	tail := a.AllocDown(4)
	if a.Used() != 8 {
		t.Fatalf("used = %d, want 8", a.Used())
	}
	copy(head, "head")
	copy(tail, "tail")
	if string(head) != "head" || string(tail) != "tail" {
		t.Fatalf("overlap detected: head=%q tail=%q", head, tail)
	}
}

func TestGrowsNewPageWhenFull(t *testing.T) {
	a := New(8)
	a.Alloc(8)
	before := a.Allocated()
	a.Alloc(8)
	if a.Allocated() <= before {
		t.Fatalf("expected a new page to be allocated, allocated=%d", a.Allocated())
	}
}

func TestResetDropsPages(t *testing.T) {
	a := New(16)
	a.Alloc(16)
	if a.Allocated() == 0 {
		t.Fatal("expected non-zero allocation before reset")
	}
	a.Reset()
	if a.Allocated() != 0 {
		t.Fatalf("allocated after reset = %d, want 0", a.Allocated())
	}
}

func TestFlyweightInterns(t *testing.T) {
	f := NewStringFlyweight()
	a := f.Intern([]byte("hello"))
	b := f.Intern([]byte("hello"))
	if &a[0] != &b[0] {
		t.Fatal("expected identical backing array for repeated content")
	}
	if f.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", f.Len())
	}
}
