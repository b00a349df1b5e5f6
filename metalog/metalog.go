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

// Package metalog implements the typed, versioned, checksummed entity
// journal described in §4.9: a directory of numerically named generation
// files, each holding a fixed 16-byte header followed by a stream of
// checksummed entries, replayed forward to produce a snapshot of live
// entities (latest write per id, minus anything later removed).
//
// The ".bad" rotation-and-fall-back-to-previous-generation recovery shape
// is grounded on the teacher's storage/posix/files.go ensureVersion/
// treeState pattern: a corrupt current-generation file is never repaired in
// place, it is renamed aside and an older, known-good generation takes
// over.
//
// SignedRecover optionally co-signs a generation's Recover boundary with
// note.Sign, the same checkpoint-signing idiom the teacher uses for its
// Merkle tree checkpoints (log.go's WithCheckpointSigner).
package metalog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"
)

// Entry flags.
const (
	FlagRemove uint32 = 1 << iota
)

// TypeRecover is the reserved entity type used for the boundary marker that
// terminates a recoverable generation.
const TypeRecover uint32 = 0xFFFFFFFF

const headerLen = 16   // version[2] + name[14]
const entryHeaderLen = 4 + 4 + 4 + 4 + 8 + 8

// Entry is one typed journal record.
type Entry struct {
	Type      uint32
	ID        uint64
	Timestamp uint64
	Flags     uint32
	Payload   []byte
}

func (e Entry) removed() bool { return e.Flags&FlagRemove != 0 }

// ErrBadHeader and ErrChecksumMismatch surface persistent corruption when no
// earlier generation can be fallen back to.
var (
	ErrBadHeader        = fmt.Errorf("metalog: bad header")
	ErrChecksumMismatch = fmt.Errorf("metalog: checksum mismatch")
)

func encodeEntry(e Entry) []byte {
	buf := make([]byte, entryHeaderLen+len(e.Payload))
	binary.BigEndian.PutUint32(buf[4:8], e.Type)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(e.Payload)))
	binary.BigEndian.PutUint32(buf[12:16], e.Flags)
	binary.BigEndian.PutUint64(buf[16:24], e.ID)
	binary.BigEndian.PutUint64(buf[24:32], e.Timestamp)
	copy(buf[entryHeaderLen:], e.Payload)
	sum := checksum(e.Timestamp, e.Type, uint32(len(e.Payload)), e.Payload)
	binary.BigEndian.PutUint32(buf[0:4], sum)
	return buf
}

func checksum(ts uint64, typ, size uint32, payload []byte) uint32 {
	var h [16]byte
	binary.BigEndian.PutUint64(h[0:8], ts)
	binary.BigEndian.PutUint32(h[8:12], typ)
	binary.BigEndian.PutUint32(h[12:16], size)
	c := crc32.NewIEEE()
	c.Write(h[:])
	c.Write(payload)
	return c.Sum32()
}

// decodeEntries parses every complete entry in raw. A trailing partial
// entry (fewer bytes remain than the declared length) is discarded
// silently, matching §4.9's "truncated tail entries are discarded
// silently". A checksum mismatch anywhere is reported as an error, which
// callers treat as generation-level corruption.
func decodeEntries(raw []byte) ([]Entry, error) {
	var out []Entry
	for len(raw) > 0 {
		if len(raw) < entryHeaderLen {
			break
		}
		wantSum := binary.BigEndian.Uint32(raw[0:4])
		typ := binary.BigEndian.Uint32(raw[4:8])
		size := binary.BigEndian.Uint32(raw[8:12])
		flags := binary.BigEndian.Uint32(raw[12:16])
		id := binary.BigEndian.Uint64(raw[16:24])
		ts := binary.BigEndian.Uint64(raw[24:32])
		total := entryHeaderLen + int(size)
		if len(raw) < total {
			break // truncated tail: silently discarded
		}
		payload := append([]byte(nil), raw[entryHeaderLen:total]...)
		gotSum := checksum(ts, typ, size, payload)
		if gotSum != wantSum {
			return out, fmt.Errorf("%w: entry id %d", ErrChecksumMismatch, id)
		}
		out = append(out, Entry{Type: typ, ID: id, Timestamp: ts, Flags: flags, Payload: payload})
		raw = raw[total:]
	}
	return out, nil
}

// Log is an append-only, replayable typed journal.
type Log struct {
	mu   sync.Mutex
	dir  string
	name string
	gen  int
	f    *os.File
	live map[uint64]Entry
}

// Open finds the highest generation file in dir for name, falling back to
// the previous generation on corruption (renaming the bad one aside), and
// returns a Log ready to Append to. If dir has no generations yet, a fresh
// generation 0 is created.
func Open(dir, name string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("metalog: mkdir %s: %w", dir, err)
	}
	gens, err := generationNums(dir)
	if err != nil {
		return nil, err
	}
	if len(gens) == 0 {
		return create(dir, name, 0)
	}
	for i := len(gens) - 1; i >= 0; i-- {
		gen := gens[i]
		path := filepath.Join(dir, strconv.Itoa(gen))
		live, err := loadGeneration(path, name)
		if err == nil {
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("metalog: reopen %s: %w", path, err)
			}
			return &Log{dir: dir, name: name, gen: gen, f: f, live: live}, nil
		}
		klog.Warningf("metalog: generation %d corrupt (%v), rotating to .bad and falling back", gen, err)
		if rerr := os.Rename(path, path+".bad"); rerr != nil {
			return nil, fmt.Errorf("metalog: rotate %s: %w", path, rerr)
		}
		if i == 0 {
			return nil, fmt.Errorf("metalog: all generations corrupt: %w", err)
		}
	}
	return nil, fmt.Errorf("metalog: unreachable")
}

func generationNums(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var nums []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}

func create(dir, name string, gen int) (*Log, error) {
	path := filepath.Join(dir, strconv.Itoa(gen))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("metalog: create %s: %w", path, err)
	}
	if _, err := f.Write(encodeHeader(name)); err != nil {
		f.Close()
		return nil, fmt.Errorf("metalog: write header %s: %w", path, err)
	}
	return &Log{dir: dir, name: name, gen: gen, f: f, live: map[uint64]Entry{}}, nil
}

func encodeHeader(name string) []byte {
	buf := make([]byte, headerLen)
	binary.BigEndian.PutUint16(buf[0:2], 1)
	nb := []byte(name)
	if len(nb) > 14 {
		nb = nb[:14]
	}
	copy(buf[2:], nb)
	return buf
}

// loadGeneration parses one generation file's header and entries, folding
// them into a live snapshot: REMOVE entries drop their id, a TypeRecover
// entry ends replay, ordinary entries overwrite any earlier value for the
// same id.
func loadGeneration(path, wantName string) (map[uint64]Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < headerLen {
		return nil, fmt.Errorf("%w: %s too short for header", ErrBadHeader, path)
	}
	nameField := bytes.TrimRight(raw[2:headerLen], "\x00")
	if wantName != "" && string(nameField) != wantName {
		return nil, fmt.Errorf("%w: %s name %q != want %q", ErrBadHeader, path, nameField, wantName)
	}
	entries, err := decodeEntries(raw[headerLen:])
	if err != nil {
		return nil, err
	}
	live := map[uint64]Entry{}
	for _, e := range entries {
		if e.Type == TypeRecover {
			break
		}
		if e.removed() {
			delete(live, e.ID)
			continue
		}
		live[e.ID] = e
	}
	return live, nil
}

// Append writes e durably (fsync after write) and folds it into the live
// snapshot.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := encodeEntry(e)
	if _, err := l.f.Write(buf); err != nil {
		return fmt.Errorf("metalog: append: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("metalog: sync: %w", err)
	}
	if e.Type == TypeRecover {
		return nil
	}
	if e.removed() {
		delete(l.live, e.ID)
	} else {
		l.live[e.ID] = e
	}
	return nil
}

// Remove appends a REMOVE marker for id, dropping it from the live
// snapshot.
func (l *Log) Remove(id uint64, typ uint32, ts uint64) error {
	return l.Append(Entry{Type: typ, ID: id, Timestamp: ts, Flags: FlagRemove})
}

// Recover appends the boundary marker that ends this generation's
// recoverable replay.
func (l *Log) Recover(ts uint64) error {
	return l.Append(Entry{Type: TypeRecover, Timestamp: ts})
}

// SignedRecover appends a Recover boundary whose payload is a signed note
// (the same note.Sign checkpoint idiom the teacher uses for its Merkle
// checkpoints) summarizing this generation at the moment of recovery, so a
// generation that later fails its checksum check can still be externally
// attested as having been genuine up to this point. Returns the signed note
// text. Signing is optional: callers that never call this still get plain
// Recover markers.
func (l *Log) SignedRecover(ts uint64, signer note.Signer) ([]byte, error) {
	l.mu.Lock()
	text := fmt.Sprintf("metalog checkpoint\nname %s\ngeneration %d\nentries %d\ntimestamp %d\n", l.name, l.gen, len(l.live), ts)
	l.mu.Unlock()

	signed, err := note.Sign(&note.Note{Text: text}, signer)
	if err != nil {
		return nil, fmt.Errorf("metalog: sign recover note: %w", err)
	}
	if err := l.Append(Entry{Type: TypeRecover, Timestamp: ts, Payload: signed}); err != nil {
		return nil, err
	}
	return signed, nil
}

// Snapshot returns a copy of the current live entity map: latest entry per
// id, minus anything removed.
func (l *Log) Snapshot() map[uint64]Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[uint64]Entry, len(l.live))
	for k, v := range l.live {
		out[k] = v
	}
	return out
}

// Close flushes and closes the current generation file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Sync(); err != nil {
		return err
	}
	return l.f.Close()
}
