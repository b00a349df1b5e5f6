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

package commitlog

import (
	"path/filepath"
	"testing"

	"github.com/wcstore/rangeserver/key"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, RollLimit)
	if err != nil {
		t.Fatal(err)
	}
	tid := key.TableIdentifier{ID: "T", Generation: 1}
	if err := w.Write(tid, []byte("buf-1"), 1); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(tid, []byte("buf-2"), 2); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	var got []Record
	r := NewReader(0)
	if err := r.Read(dir, func(rec Record) error {
		got = append(got, rec)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if string(got[0].Payload) != "buf-1" || string(got[1].Payload) != "buf-2" {
		t.Fatalf("unexpected payloads: %+v", got)
	}
	if got[0].Revision >= got[1].Revision {
		t.Fatalf("expected monotonic revisions, got %d then %d", got[0].Revision, got[1].Revision)
	}
}

func TestPurgeRemovesOldFragments(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 1) // tiny roll limit forces a roll per write
	if err != nil {
		t.Fatal(err)
	}
	tid := key.TableIdentifier{ID: "T"}
	for i := uint64(1); i <= 3; i++ {
		if err := w.Write(tid, []byte("x"), i); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Purge(3); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	var revisions []uint64
	r := NewReader(0)
	if err := r.Read(dir, func(rec Record) error {
		revisions = append(revisions, rec.Revision)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	for _, rev := range revisions {
		if rev < 3 {
			t.Fatalf("fragment with revision %d should have been purged", rev)
		}
	}
}

func TestLinkLog(t *testing.T) {
	root := t.TempDir()
	dirB := filepath.Join(root, "b")
	dirA := filepath.Join(root, "a")

	wb, err := Open(dirB, RollLimit)
	if err != nil {
		t.Fatal(err)
	}
	tid := key.TableIdentifier{ID: "T"}
	for _, rev := range []uint64{1, 2, 3} {
		if err := wb.Write(tid, []byte("b"), rev); err != nil {
			t.Fatal(err)
		}
	}
	if err := wb.Close(); err != nil {
		t.Fatal(err)
	}

	wa, err := Open(dirA, RollLimit)
	if err != nil {
		t.Fatal(err)
	}
	if err := wa.LinkLog(dirB); err != nil {
		t.Fatal(err)
	}
	if err := wa.Write(tid, []byte("a"), 4); err != nil {
		t.Fatal(err)
	}
	if err := wa.Close(); err != nil {
		t.Fatal(err)
	}

	var revisions []uint64
	r := NewReader(0)
	if err := r.Read(dirA, func(rec Record) error {
		revisions = append(revisions, rec.Revision)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	want := []uint64{1, 2, 3, 4}
	if len(revisions) != len(want) {
		t.Fatalf("got %v, want %v", revisions, want)
	}
	for i := range want {
		if revisions[i] != want[i] {
			t.Fatalf("got %v, want %v", revisions, want)
		}
	}
}
