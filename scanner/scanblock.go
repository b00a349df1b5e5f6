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

// Package scanner implements the §4.12 scan pipeline: a server-side cache
// of live merging scanners keyed by scanner id, the bounded ScanBlock
// transport unit, and the client-side IntervalScanner that walks a key
// range across however many server-side ranges it spans.
//
// The live-scanner cache's TTL sweep is grounded on the teacher's
// deduper.go, which runs a background time.Ticker goroutine off the
// constructor's ctx to do periodic housekeeping instead of an explicit
// timer per entry.
package scanner

import "github.com/wcstore/rangeserver/key"

// BlockSize is the default number of cells packed into one ScanBlock.
const BlockSize = 256

// ScanBlock is the wire unit scans are transported as: a bounded buffer of
// cells belonging to one server-side scanner, with an end-of-scan flag.
type ScanBlock struct {
	ScannerID uint64
	Cells     []key.Cell
	EOS       bool
}
