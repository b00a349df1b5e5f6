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
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wcstore/rangeserver/key"
	"k8s.io/klog/v2"
)

// CellScanner is the merge abstraction a server-side scanner walks: either a
// rangekeyspace.Scanner (merging every AG in a range) or an
// accessgroup.Scanner directly, yielding cells in key order.
type CellScanner interface {
	Next() (key.Cell, bool)
	Close()
}

// ErrScannerNotFound is returned by FetchScanBlock for an unknown or expired
// scanner id. DestroyScanner treats an unknown id as already destroyed.
var ErrScannerNotFound = errors.New("scanner: not found")

type liveScanner struct {
	id       uint64
	cs       CellScanner
	lastUsed atomic.Int64 // unix nanos
	closed   atomic.Bool
}

// Cache holds every live server-side scanner, evicting ones that have gone
// unused past ttl. This is the "server caches live scanners by id (with
// TTL)" piece of §4.12.
type Cache struct {
	ttl    time.Duration
	nextID atomic.Uint64

	mu       sync.Mutex
	scanners map[uint64]*liveScanner
}

// NewCache returns a scanner cache that sweeps expired entries once per
// second, stopping when ctx is done.
func NewCache(ctx context.Context, ttl time.Duration) *Cache {
	c := &Cache{ttl: ttl, scanners: map[uint64]*liveScanner{}}
	go c.sweepLoop(ctx)
	return c
}

func (c *Cache) sweepLoop(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now().UnixNano()
	c.mu.Lock()
	var expired []*liveScanner
	for id, ls := range c.scanners {
		if now-ls.lastUsed.Load() > c.ttl.Nanoseconds() {
			expired = append(expired, ls)
			delete(c.scanners, id)
		}
	}
	c.mu.Unlock()
	for _, ls := range expired {
		klog.V(1).Infof("scanner: evicting idle scanner %d", ls.id)
		closeOnce(ls)
	}
}

func closeOnce(ls *liveScanner) {
	if ls.closed.CompareAndSwap(false, true) {
		ls.cs.Close()
	}
}

// Create registers cs under a fresh id and returns its first ScanBlock.
func (c *Cache) Create(cs CellScanner) (uint64, ScanBlock) {
	id := c.nextID.Add(1)
	ls := &liveScanner{id: id, cs: cs}
	ls.lastUsed.Store(time.Now().UnixNano())

	c.mu.Lock()
	c.scanners[id] = ls
	c.mu.Unlock()

	return id, c.fillBlock(ls)
}

// FetchScanBlock returns the next block of cells for scanner id. Once a
// block comes back with EOS set, the scanner has already been removed from
// the cache and closed.
func (c *Cache) FetchScanBlock(id uint64) (ScanBlock, error) {
	c.mu.Lock()
	ls, ok := c.scanners[id]
	c.mu.Unlock()
	if !ok {
		return ScanBlock{}, fmt.Errorf("%w: id %d", ErrScannerNotFound, id)
	}
	ls.lastUsed.Store(time.Now().UnixNano())
	return c.fillBlock(ls), nil
}

func (c *Cache) fillBlock(ls *liveScanner) ScanBlock {
	block := ScanBlock{ScannerID: ls.id}
	for len(block.Cells) < BlockSize {
		cell, ok := ls.cs.Next()
		if !ok {
			block.EOS = true
			break
		}
		block.Cells = append(block.Cells, cell)
	}
	if block.EOS {
		c.mu.Lock()
		delete(c.scanners, ls.id)
		c.mu.Unlock()
		closeOnce(ls)
	}
	return block
}

// DestroyScanner drops and closes scanner id, per §4.12's "destroy_scanner".
// Destroying an already-EOS'd (and therefore already-removed) scanner is not
// an error.
func (c *Cache) DestroyScanner(id uint64) error {
	c.mu.Lock()
	ls, ok := c.scanners[id]
	if ok {
		delete(c.scanners, id)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	closeOnce(ls)
	return nil
}

// Len reports the number of currently live scanners, for status/statistics
// RPCs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.scanners)
}
