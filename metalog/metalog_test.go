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

package metalog

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/mod/sumdb/note"
)

func TestOpenCreatesGenerationZero(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "ranges")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()
	if _, err := os.Stat(filepath.Join(dir, "0")); err != nil {
		t.Fatalf("generation 0 file missing: %v", err)
	}
	if len(l.Snapshot()) != 0 {
		t.Fatalf("Snapshot() on a fresh log should be empty")
	}
}

func TestAppendAndSnapshotReflectsLatestAndRemoved(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "ranges")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if err := l.Append(Entry{Type: 1, ID: 1, Timestamp: 1, Payload: []byte("a")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(Entry{Type: 1, ID: 2, Timestamp: 2, Payload: []byte("b")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(Entry{Type: 1, ID: 1, Timestamp: 3, Payload: []byte("a2")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Remove(2, 1, 4); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	snap := l.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot() len = %d, want 1", len(snap))
	}
	e, ok := snap[1]
	if !ok {
		t.Fatalf("Snapshot() missing id 1")
	}
	if string(e.Payload) != "a2" {
		t.Fatalf("Snapshot()[1].Payload = %q, want %q (latest write should win)", e.Payload, "a2")
	}
	if _, ok := snap[2]; ok {
		t.Fatalf("Snapshot() still has id 2, want removed")
	}
}

func TestOpenReplaysAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "ranges")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Append(Entry{Type: 1, ID: 1, Timestamp: 1, Payload: []byte("a")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(dir, "ranges")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	snap := l2.Snapshot()
	if len(snap) != 1 || string(snap[1].Payload) != "a" {
		t.Fatalf("Snapshot() after reopen = %+v, want {1: a}", snap)
	}
}

func TestSignedRecoverProducesVerifiableNote(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "ranges")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	skey, vkey, err := note.GenerateKey(rand.Reader, "rangeserver-test")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer, err := note.NewSigner(skey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	verifier, err := note.NewVerifier(vkey)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	if err := l.Append(Entry{Type: 1, ID: 1, Timestamp: 1, Payload: []byte("a")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	signed, err := l.SignedRecover(2, signer)
	if err != nil {
		t.Fatalf("SignedRecover: %v", err)
	}

	n, err := note.Open(signed, note.VerifierList(verifier))
	if err != nil {
		t.Fatalf("note.Open: %v", err)
	}
	if n.Text == "" {
		t.Fatalf("signed note has empty text")
	}

	if len(l.Snapshot()) != 1 {
		t.Fatalf("Snapshot() after SignedRecover = %v, want the one non-recover entry still live", l.Snapshot())
	}
}

func TestOpenFallsBackOnCorruptGeneration(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "ranges")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Append(Entry{Type: 1, ID: 1, Timestamp: 1, Payload: []byte("a")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	path1 := filepath.Join(dir, "1")
	if err := os.WriteFile(path1, []byte("not a valid generation file"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	l2, err := Open(dir, "ranges")
	if err != nil {
		t.Fatalf("Open after corrupting newest generation: %v", err)
	}
	defer l2.Close()

	if _, err := os.Stat(path1 + ".bad"); err != nil {
		t.Fatalf("corrupt generation 1 should have been rotated aside: %v", err)
	}
	snap := l2.Snapshot()
	if len(snap) != 1 || string(snap[1].Payload) != "a" {
		t.Fatalf("Snapshot() after fallback = %+v, want generation 0's {1: a}", snap)
	}
}

