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

package locator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/avast/retry-go/v4"
	"k8s.io/klog/v2"
)

// ErrTableDoesNotExist is terminal: RangeLocator.Locate does not retry it.
var ErrTableDoesNotExist = errors.New("locator: table does not exist")

// MetadataRow is one row of a METADATA scan result: the start of a range
// and the location that serves it.
type MetadataRow struct {
	StartRow []byte
	Location Location
}

// Hyperspace is the slice of the coordination service the locator needs:
// discovering the root METADATA range's location via the "/root" attr.
type Hyperspace interface {
	GetRootLocation(ctx context.Context) (Location, error)
}

// MetadataScanFn issues a METADATA scan against loc, starting at key
// table:startKey, and returns the resulting rows. It is supplied by the
// caller (the scanner package, wired to an actual RPC client) so this
// package has no transport dependency of its own, per §1's scoping of
// Comm/RPC as an external collaborator.
type MetadataScanFn func(ctx context.Context, loc Location, table string, startKey []byte) ([]MetadataRow, error)

// RangeLocator resolves a row in a table to the range (and server) that
// owns it, walking the two-level METADATA table and caching results.
type RangeLocator struct {
	cache *LocationCache
	hs    Hyperspace
	scan  MetadataScanFn
}

// NewRangeLocator returns a locator backed by cache, resolving the root via
// hs and issuing scans via scan.
func NewRangeLocator(cache *LocationCache, hs Hyperspace, scan MetadataScanFn) *RangeLocator {
	return &RangeLocator{cache: cache, hs: hs, scan: scan}
}

const rootTable = "0"

var rootEndRow = []byte{0xFF, 0xFF}

// Locate resolves row in table, consulting the cache first and otherwise
// retrying find_loop with exponential backoff (1.0s, growing 1.5x per
// round) until ctx's deadline, per §4.10. ErrTableDoesNotExist is treated
// as terminal; every other error (range-not-found, not-connected, timeout)
// is retried.
func (l *RangeLocator) Locate(ctx context.Context, table string, row []byte) (Location, error) {
	if loc, ok := l.cache.Lookup(table, row); ok {
		return loc, nil
	}

	var result Location
	err := retry.Do(func() error {
		loc, err := l.findOnce(ctx, table, row)
		if err != nil {
			return err
		}
		result = loc
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(0), // unbounded; ctx's deadline is the real limit
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return time.Duration(float64(time.Second) * math.Pow(1.5, float64(n)))
		}),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrTableDoesNotExist)
		}),
		retry.OnRetry(func(n uint, err error) {
			klog.V(1).Infof("locator: retry %d for table %s row %q: %v", n, table, row, err)
		}),
	)
	if err != nil {
		return Location{}, fmt.Errorf("locator: locate %s %q: %w", table, row, err)
	}
	return result, nil
}

// findOnce performs one non-retried pass of the two-level resolve: root ->
// second-level METADATA range -> user range.
func (l *RangeLocator) findOnce(ctx context.Context, table string, row []byte) (Location, error) {
	root, ok := l.cache.Lookup(rootTable, rootEndRow)
	if !ok {
		r, err := l.hs.GetRootLocation(ctx)
		if err != nil {
			return Location{}, fmt.Errorf("root location: %w", err)
		}
		r.EndRow = rootEndRow
		l.cache.InsertPegged(rootTable, r)
		root = r
	}

	secondLevelRows, err := l.scan(ctx, root, rootTable, metadataKey(table, row))
	if err != nil {
		return Location{}, fmt.Errorf("root scan: %w", err)
	}
	secondLevel, err := pickRow(secondLevelRows, metadataKey(table, row))
	if err != nil {
		return Location{}, err
	}
	l.cache.Insert(rootTable, secondLevel.Location)

	userRows, err := l.scan(ctx, secondLevel.Location, table, row)
	if err != nil {
		return Location{}, fmt.Errorf("second-level scan: %w", err)
	}
	userRange, err := pickRow(userRows, row)
	if err != nil {
		return Location{}, err
	}
	l.cache.Insert(table, userRange.Location)
	return userRange.Location, nil
}

// metadataKey builds the second-level METADATA row key "table:row", the
// canonical key this subsystem uses to find the range containing the
// second-level METADATA entry for (table, row), per §4.10 step 3.
func metadataKey(table string, row []byte) []byte {
	return append([]byte(table+":"), row...)
}

// pickRow finds the last row whose StartRow is <= key, i.e. the row whose
// interval contains key, per a standard METADATA scan result.
func pickRow(rows []MetadataRow, key []byte) (MetadataRow, error) {
	var best *MetadataRow
	for i := range rows {
		if bytes.Compare(rows[i].StartRow, key) <= 0 {
			best = &rows[i]
		}
	}
	if best == nil {
		return MetadataRow{}, fmt.Errorf("locator: no matching METADATA row for key %q", key)
	}
	return *best, nil
}
