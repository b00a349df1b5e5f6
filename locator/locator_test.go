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
	"context"
	"errors"
	"testing"
	"time"
)

type fakeHyperspace struct {
	root Location
	err  error
}

func (h *fakeHyperspace) GetRootLocation(ctx context.Context) (Location, error) {
	return h.root, h.err
}

func TestLocatorFindOnceTwoLevelResolve(t *testing.T) {
	hs := &fakeHyperspace{root: Location{RangeServerID: "root-server"}}
	scan := func(ctx context.Context, loc Location, table string, startKey []byte) ([]MetadataRow, error) {
		if table == rootTable {
			return []MetadataRow{
				{StartRow: nil, Location: Location{StartRow: nil, EndRow: []byte("zzz"), RangeServerID: "meta-server"}},
			}, nil
		}
		return []MetadataRow{
			{StartRow: nil, Location: Location{StartRow: nil, EndRow: []byte("m"), RangeServerID: "user-server-1"}},
			{StartRow: []byte("m"), Location: Location{StartRow: []byte("m"), EndRow: []byte{0xFF, 0xFF}, RangeServerID: "user-server-2"}},
		}, nil
	}

	l := NewRangeLocator(NewLocationCache(16), hs, scan)

	loc, err := l.Locate(context.Background(), "users", []byte("apple"))
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if loc.RangeServerID != "user-server-1" {
		t.Fatalf("RangeServerID = %q, want user-server-1", loc.RangeServerID)
	}

	loc2, err := l.Locate(context.Background(), "users", []byte("zebra"))
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if loc2.RangeServerID != "user-server-2" {
		t.Fatalf("RangeServerID = %q, want user-server-2", loc2.RangeServerID)
	}
}

func TestLocatorCachesResultAcrossCalls(t *testing.T) {
	hs := &fakeHyperspace{root: Location{RangeServerID: "root-server"}}
	calls := 0
	scan := func(ctx context.Context, loc Location, table string, startKey []byte) ([]MetadataRow, error) {
		calls++
		if table == rootTable {
			return []MetadataRow{{StartRow: nil, Location: Location{EndRow: []byte("zzz"), RangeServerID: "meta-server"}}}, nil
		}
		return []MetadataRow{{StartRow: nil, Location: Location{EndRow: []byte{0xFF, 0xFF}, RangeServerID: "user-server"}}}, nil
	}

	l := NewRangeLocator(NewLocationCache(16), hs, scan)
	if _, err := l.Locate(context.Background(), "users", []byte("apple")); err != nil {
		t.Fatalf("Locate: %v", err)
	}
	callsAfterFirst := calls
	if _, err := l.Locate(context.Background(), "users", []byte("apple")); err != nil {
		t.Fatalf("Locate (cached): %v", err)
	}
	if calls != callsAfterFirst {
		t.Fatalf("second Locate issued %d more scan calls, want 0 (should be served from cache)", calls-callsAfterFirst)
	}
}

func TestLocatorDoesNotRetryTableDoesNotExist(t *testing.T) {
	hs := &fakeHyperspace{root: Location{RangeServerID: "root-server"}}
	attempts := 0
	scan := func(ctx context.Context, loc Location, table string, startKey []byte) ([]MetadataRow, error) {
		attempts++
		return nil, ErrTableDoesNotExist
	}

	l := NewRangeLocator(NewLocationCache(16), hs, scan)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := l.Locate(ctx, "missing", []byte("a"))
	if err == nil {
		t.Fatalf("expected an error for a nonexistent table")
	}
	if !errors.Is(err, ErrTableDoesNotExist) {
		t.Fatalf("Locate error = %v, want wrapping ErrTableDoesNotExist", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1: ErrTableDoesNotExist should not be retried", attempts)
	}
}
