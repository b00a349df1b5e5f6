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
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wcstore/rangeserver/accessgroup"
	"github.com/wcstore/rangeserver/key"
	"github.com/wcstore/rangeserver/locator"
	"k8s.io/klog/v2"
)

// ErrTableNotFound and ErrGenerationMismatch are the two RPC-level
// conditions IntervalScanner.Next treats specially, per §4.12 step 3: the
// former triggers a hard relocate (cache invalidation + re-locate) when the
// caller opted into RetryTableNotFound, the latter is returned to the caller
// wrapped as requiring a schema refresh; IntervalScanner does not refresh the
// schema itself.
var (
	ErrTableNotFound      = errors.New("scanner: table not found")
	ErrGenerationMismatch = errors.New("scanner: schema generation mismatch")
)

// RPC is the RangeServer-facing slice of the wire surface IntervalScanner
// needs: create_scanner, fetch_scanblock, destroy_scanner issued against a
// specific located range. The transport itself (gRPC, or anything else) is
// out of scope here, matching §1's scoping of Comm/RPC as an external
// collaborator — callers supply a concrete implementation.
type RPC interface {
	CreateScanner(ctx context.Context, loc locator.Location, table string, spec accessgroup.ScanSpec) (scannerID uint64, first ScanBlock, err error)
	FetchScanBlock(ctx context.Context, loc locator.Location, scannerID uint64) (ScanBlock, error)
	DestroyScanner(ctx context.Context, loc locator.Location, scannerID uint64) error
}

// Locator is the lookup/invalidate surface IntervalScanner needs from
// locator.RangeLocator plus locator.LocationCache.
type Locator interface {
	Locate(ctx context.Context, table string, row []byte) (locator.Location, error)
	Invalidate(table string, row []byte)
}

// Options configures an IntervalScanner.
type Options struct {
	Table              string
	StartRow, EndRow   []byte // half-open (StartRow, EndRow]; empty EndRow means table tail
	Spec               accessgroup.ScanSpec
	RowLimit           int  // 0 means unlimited
	Readahead          bool // pre-issue the next fetch_scanblock while the caller drains the current block
	RetryTableNotFound bool
}

// IntervalScanner owns one logical cursor across a key range that may span
// many server-side ranges, per §4.12.
type IntervalScanner struct {
	opts Options
	loc  Locator
	rpc  RPC

	mu sync.Mutex

	curLoc    locator.Location
	scannerID uint64
	block     ScanBlock
	blockIdx  int
	rowsSeen  int
	lastRow   []byte // row of the most recently returned cell, for relocate-on-error
	exhausted bool   // the whole scan (all ranges) is done

	readaheadCh chan readaheadResult
}

type readaheadResult struct {
	block ScanBlock
	err   error
}

// NewIntervalScanner opens a cursor over opts.Table starting at opts.StartRow.
func NewIntervalScanner(ctx context.Context, loc Locator, rpc RPC, opts Options) (*IntervalScanner, error) {
	s := &IntervalScanner{opts: opts, loc: loc, rpc: rpc}
	if err := s.startAt(ctx, opts.StartRow); err != nil {
		return nil, err
	}
	return s, nil
}

// startAt implements step 1, find_range_and_start_scan: locate the range
// owning row, create a scanner on its server, and prime the first block.
func (s *IntervalScanner) startAt(ctx context.Context, row []byte) error {
	l, err := s.loc.Locate(ctx, s.opts.Table, row)
	if err != nil {
		return fmt.Errorf("scanner: locate %s %q: %w", s.opts.Table, row, err)
	}
	spec := s.opts.Spec
	spec.StartRow = row
	spec.EndRow = s.opts.EndRow

	id, first, err := s.rpc.CreateScanner(ctx, l, s.opts.Table, spec)
	if err != nil {
		return fmt.Errorf("scanner: create_scanner on %s: %w", s.opts.Table, err)
	}
	s.curLoc = l
	s.scannerID = id
	s.block = first
	s.blockIdx = 0
	s.maybeReadahead(ctx)
	return nil
}

// maybeReadahead pre-issues the next fetch_scanblock in the background so
// Next rarely blocks on RPC, per §4.12 step 1 and the Open Questions note on
// expressing the client's "async scan" as a goroutine plus a channel.
func (s *IntervalScanner) maybeReadahead(ctx context.Context) {
	if !s.opts.Readahead || s.block.EOS {
		s.readaheadCh = nil
		return
	}
	ch := make(chan readaheadResult, 1)
	s.readaheadCh = ch
	id, l := s.scannerID, s.curLoc
	go func() {
		b, err := s.rpc.FetchScanBlock(ctx, l, id)
		ch <- readaheadResult{block: b, err: err}
	}()
}

// Next returns the next cell in the scan, or ok=false once every range
// covering (StartRow, EndRow] has been fully consumed.
func (s *IntervalScanner) Next(ctx context.Context) (c key.Cell, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.exhausted {
			return key.Cell{}, false, nil
		}
		if s.opts.RowLimit > 0 && s.rowsSeen >= s.opts.RowLimit {
			s.exhausted = true
			return key.Cell{}, false, nil
		}
		if s.blockIdx < len(s.block.Cells) {
			c := s.block.Cells[s.blockIdx]
			s.blockIdx++
			s.rowsSeen++
			s.lastRow = c.Key.Row
			return c, true, nil
		}

		if !s.block.EOS {
			if err := s.fetchNext(ctx); err != nil {
				return key.Cell{}, false, err
			}
			continue
		}

		if len(s.curLoc.EndRow) == 0 || bytes.Equal(s.curLoc.EndRow, key.EndOfTable) ||
			(len(s.opts.EndRow) > 0 && bytes.Compare(s.curLoc.EndRow, s.opts.EndRow) >= 0) {
			s.exhausted = true
			return key.Cell{}, false, nil
		}

		nextRow := incremented(s.curLoc.EndRow)
		klog.V(1).Infof("scanner: advancing past range end %q to %q", s.curLoc.EndRow, nextRow)
		if err := s.startAt(ctx, nextRow); err != nil {
			return key.Cell{}, false, err
		}
	}
}

// fetchNext drains the outstanding readahead fetch (if any) or issues a
// synchronous fetch_scanblock, per §4.12 step 2.
func (s *IntervalScanner) fetchNext(ctx context.Context) error {
	var res readaheadResult
	if s.readaheadCh != nil {
		res = <-s.readaheadCh
		s.readaheadCh = nil
	} else {
		b, err := s.rpc.FetchScanBlock(ctx, s.curLoc, s.scannerID)
		res = readaheadResult{block: b, err: err}
	}
	if res.err != nil {
		if errors.Is(res.err, ErrGenerationMismatch) {
			return fmt.Errorf("scanner: %w: schema refresh required for %s", res.err, s.opts.Table)
		}
		if errors.Is(res.err, ErrTableNotFound) && s.opts.RetryTableNotFound {
			s.loc.Invalidate(s.opts.Table, s.curLoc.EndRow)
			relocateRow := s.lastRow
			if relocateRow == nil {
				relocateRow = s.opts.StartRow
			}
			return s.startAt(ctx, relocateRow)
		}
		return fmt.Errorf("scanner: fetch_scanblock: %w", res.err)
	}
	s.block = res.block
	s.blockIdx = 0
	s.maybeReadahead(ctx)
	return nil
}

// Close implements step 4: drain any outstanding readahead and explicitly
// destroy the remote scanner unless it had already reached EOS.
func (s *IntervalScanner) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readaheadCh != nil {
		<-s.readaheadCh
		s.readaheadCh = nil
	}
	if s.exhausted || s.block.EOS {
		return nil
	}
	return s.rpc.DestroyScanner(ctx, s.curLoc, s.scannerID)
}

func incremented(endRow []byte) []byte {
	out := append([]byte(nil), endRow...)
	return append(out, 0x01)
}
