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

// Package commitlog implements the durable, rollable, linkable write-ahead
// log: a directory of numerically named fragment files, each a sequence of
// checksummed compression blocks.
package commitlog

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"

	"github.com/wcstore/rangeserver/block"
	"github.com/wcstore/rangeserver/key"
	"k8s.io/klog/v2"
)

// RollLimit is the default fragment size threshold.
const RollLimit = 100 << 20

// FragmentInfo describes one closed (or in-progress) fragment.
type FragmentInfo struct {
	Dir      string
	Num      int
	Size     int64
	Revision uint64
}

// Writer is a single-appender handle onto a commit log directory.
//
// The locking and atomic-rename discipline follows the teacher's
// storage/posix/files.go: a directory-scoped flock guards against a second
// writer process, and fragment files are opened with O_APPEND so that a
// torn write never corrupts an already-flushed block.
type Writer struct {
	mu        sync.Mutex
	dir       string
	rollLimit int64
	unlock    func() error

	cur        *os.File
	curNum     int
	curSize    int64
	latestRev  uint64
	fragments  []FragmentInfo
	closed     bool
}

// Open opens (creating if necessary) a commit log directory for writing.
func Open(dir string, rollLimit int64) (*Writer, error) {
	if rollLimit <= 0 {
		rollLimit = RollLimit
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("commitlog: mkdir %s: %w", dir, err)
	}
	unlock, err := lockDir(dir)
	if err != nil {
		return nil, fmt.Errorf("commitlog: lock %s: %w", dir, err)
	}
	w := &Writer{dir: dir, rollLimit: rollLimit, unlock: unlock}
	nums, err := fragmentNums(dir)
	if err != nil {
		unlock()
		return nil, err
	}
	next := 0
	if len(nums) > 0 {
		next = nums[len(nums)-1] + 1
		for _, n := range nums {
			fi, _ := os.Stat(filepath.Join(dir, strconv.Itoa(n)))
			var size int64
			if fi != nil {
				size = fi.Size()
			}
			w.fragments = append(w.fragments, FragmentInfo{Dir: dir, Num: n, Size: size})
		}
	}
	if err := w.openFragment(next); err != nil {
		unlock()
		return nil, err
	}
	return w, nil
}

func lockDir(dir string) (func() error, error) {
	lockPath := filepath.Join(dir, ".lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR|os.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, err
	}
	flock := syscall.Flock_t{Type: syscall.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	for {
		err := syscall.FcntlFlock(f.Fd(), syscall.F_SETLK, &flock)
		if err == nil {
			break
		}
		if err == syscall.EINTR {
			continue
		}
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", lockPath, err)
	}
	return func() error {
		return f.Close()
	}, nil
}

func fragmentNums(dir string) ([]int, error) {
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
			continue // skip non-numeric names (.lock, *.bad, etc.)
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}

func (w *Writer) openFragment(num int) error {
	p := filepath.Join(w.dir, strconv.Itoa(num))
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("commitlog: create fragment %s: %w", p, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.cur = f
	w.curNum = num
	w.curSize = fi.Size()
	return nil
}

// Write appends an uncompressed (CodecNone) data block for tableID at
// revision, rolling to a new fragment if the roll limit is exceeded afterward.
func (w *Writer) Write(tableID key.TableIdentifier, payload []byte, revision uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("commitlog: write on closed log %s", w.dir)
	}
	enc := block.Encode(block.MagicCommitData, block.CodecNone, payload, payload)
	var revBuf [8]byte
	binary.BigEndian.PutUint64(revBuf[:], revision)
	buf := append(enc, revBuf[:]...)
	buf = append(buf, tableIDBytes(tableID)...)
	n, err := w.cur.Write(buf)
	if err != nil {
		return fmt.Errorf("commitlog: write: %w", err)
	}
	w.curSize += int64(n)
	if revision > w.latestRev {
		w.latestRev = revision
	}
	if w.curSize > w.rollLimit {
		return w.rollLocked()
	}
	return nil
}

func tableIDBytes(t key.TableIdentifier) []byte {
	return key.PutVarstring(nil, []byte(t.String()))
}

// LinkLog emits a zero-compression COMMITLINK block naming other's
// directory, then forces a roll so the link sits alone in its own fragment.
func (w *Writer) LinkLog(otherDir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("commitlog: link on closed log %s", w.dir)
	}
	payload := append([]byte(otherDir), 0)
	enc := block.Encode(block.MagicCommitLink, block.CodecNone, payload, payload)
	if _, err := w.cur.Write(enc); err != nil {
		return fmt.Errorf("commitlog: write link block: %w", err)
	}
	return w.rollLocked()
}

// Roll closes the current fragment and opens the next numeric one. A roll
// is atomic from a reader's perspective: the old fragment is fully flushed
// and closed before the new one is created, so a concurrent reader observes
// either the pre-roll or post-roll state, never a partial block.
func (w *Writer) Roll() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rollLocked()
}

func (w *Writer) rollLocked() error {
	if err := w.cur.Sync(); err != nil {
		return fmt.Errorf("commitlog: sync before roll: %w", err)
	}
	if err := w.cur.Close(); err != nil {
		return fmt.Errorf("commitlog: close before roll: %w", err)
	}
	w.fragments = append(w.fragments, FragmentInfo{Dir: w.dir, Num: w.curNum, Size: w.curSize, Revision: w.latestRev})
	return w.openFragment(w.curNum + 1)
}

// Sync flushes the current fragment to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur.Sync()
}

// Purge removes fragments whose revision is strictly less than cutoff from
// the front of the queue. It never removes the fragment currently being
// written to.
func (w *Writer) Purge(cutoff uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.fragments[:0:0]
	for _, f := range w.fragments {
		if f.Revision < cutoff {
			p := filepath.Join(f.Dir, strconv.Itoa(f.Num))
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("commitlog: purge %s: %w", p, err)
			}
			klog.V(1).Infof("commitlog: purged fragment %s (revision %d < cutoff %d)", p, f.Revision, cutoff)
			continue
		}
		kept = append(kept, f)
	}
	w.fragments = kept
	return nil
}

// Close flushes and closes the current fragment and releases the directory
// lock. Close is idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	var errs []error
	if err := w.cur.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := w.cur.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := w.unlock(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("commitlog: close: %v", errs)
	}
	return nil
}

// LatestRevision returns the highest revision written so far.
func (w *Writer) LatestRevision() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latestRev
}
