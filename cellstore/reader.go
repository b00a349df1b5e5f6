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

package cellstore

import (
	"fmt"
	"os"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/wcstore/rangeserver/block"
	"github.com/wcstore/rangeserver/key"
	"k8s.io/klog/v2"
)

// maxTrailerSize is the largest trailer this package knows how to read; the
// reader always reads this many trailing bytes (or the whole file, if
// smaller) to be sure it captured the real trailer regardless of version.
const maxTrailerSize = 192

// indexEntry is one (first-key, block-offset) pair from the fixed/variable
// index pair.
type indexEntry struct {
	firstKey key.Key
	offset   uint64
}

// Reader provides seeking, scanning read access to a CellStore file.
type Reader struct {
	path    string
	data    []byte
	trailer Trailer
	index   []indexEntry // nil if dropped; see DropIndex/RebuildIndex
	bloom   *bloom.BloomFilter
}

// Open reads trailer, indexes, and (if present) the bloom filter for the
// CellStore at path.
func Open(path string) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cellstore: open %s: %w", path, err)
	}
	r := &Reader{path: path, data: data}
	tailStart := 0
	if len(data) > maxTrailerSize {
		tailStart = len(data) - maxTrailerSize
	}
	tr, err := decodeTrailer(data[tailStart:])
	if err != nil {
		return nil, fmt.Errorf("cellstore: %s: %w", path, err)
	}
	r.trailer = tr

	if err := r.RebuildIndex(); err != nil {
		return nil, err
	}

	if tr.BloomFilterLength > 0 {
		raw := data[tr.BloomFilterOffset : tr.BloomFilterOffset+tr.BloomFilterLength]
		bf, err := unmarshalBloom(raw)
		if err != nil {
			return nil, fmt.Errorf("cellstore: %s: bloom filter: %w", path, err)
		}
		r.bloom = bf
	}
	return r, nil
}

// Trailer returns the decoded trailer.
func (r *Reader) Trailer() Trailer { return r.trailer }

// DropIndex releases the in-memory block index under memory pressure; it
// can be rebuilt later by rescanning the file tail, per §4.6.
func (r *Reader) DropIndex() {
	r.index = nil
}

// RebuildIndex reconstructs the in-memory block index from the on-disk
// variable/fixed index blocks.
func (r *Reader) RebuildIndex() error {
	t := r.trailer
	varRaw := r.data[t.VariableIndexOffset : t.VariableIndexOffset+t.VariableIndexLength]
	fixedRaw := r.data[t.FixedIndexOffset : t.FixedIndexOffset+t.FixedIndexLength]

	var firstKeys [][]byte
	rest := varRaw
	for len(rest) > 0 {
		fk, next, err := key.GetVarstring(rest)
		if err != nil {
			return fmt.Errorf("cellstore: %s: variable index: %w", r.path, err)
		}
		firstKeys = append(firstKeys, fk)
		rest = next
	}

	sixtyFour := t.Flags&FlagSixtyFourBitIndex != 0
	width := 4
	if sixtyFour {
		width = 8
	}
	if len(fixedRaw)%width != 0 {
		return fmt.Errorf("%w: fixed index length %d not a multiple of %d", ErrCorruptCellStore, len(fixedRaw), width)
	}
	n := len(fixedRaw) / width
	if n != len(firstKeys) {
		return fmt.Errorf("%w: index length mismatch: %d offsets, %d keys", ErrCorruptCellStore, n, len(firstKeys))
	}

	index := make([]indexEntry, 0, n)
	for i := 0; i < n; i++ {
		var off uint64
		if sixtyFour {
			off = getUint64(fixedRaw[i*8 : i*8+8])
		} else {
			off = uint64(getUint32(fixedRaw[i*4 : i*4+4]))
		}
		k, err := key.Decode(firstKeys[i])
		if err != nil {
			return fmt.Errorf("cellstore: %s: decode first-key %d: %w", r.path, i, err)
		}
		index = append(index, indexEntry{firstKey: k, offset: off})
	}
	r.index = index
	return nil
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// MayContain consults the bloom filter (if present) for k, returning true
// when the key might be present (false positives are allowed; false
// negatives are not). Returns true unconditionally when there's no filter.
func (r *Reader) MayContain(k key.Key) bool {
	if r.bloom == nil {
		return true
	}
	bk := bloomKey(r.trailer.BloomMode, k)
	if bk == nil {
		return true
	}
	return r.bloom.Test(bk)
}

func (r *Reader) blockBounds(i int) (start, end uint64) {
	start = r.index[i].offset
	if i+1 < len(r.index) {
		end = r.index[i+1].offset
	} else {
		end = r.trailer.VariableIndexOffset
	}
	return
}

func (r *Reader) decodeBlock(i int) ([]key.Cell, error) {
	start, end := r.blockBounds(i)
	raw := r.data[start:end]
	h, err := block.DecodeFixed(raw)
	if err != nil {
		return nil, fmt.Errorf("cellstore: %s: block %d header: %w", r.path, i, err)
	}
	payload, err := block.DecodeVariable(h, raw[block.HeaderLen():])
	if err != nil {
		return nil, fmt.Errorf("cellstore: %s: block %d payload: %w", r.path, i, err)
	}
	var cells []key.Cell
	for len(payload) > 0 {
		c, n, err := decodeCellPrefix(payload)
		if err != nil {
			return nil, fmt.Errorf("cellstore: %s: block %d cell: %w", r.path, i, err)
		}
		cells = append(cells, c)
		payload = payload[n:]
	}
	return cells, nil
}

// decodeCellPrefix decodes one cell from the front of buf and returns how
// many bytes it consumed, since cells are packed back-to-back within a
// block with no outer framing.
func decodeCellPrefix(buf []byte) (key.Cell, int, error) {
	if len(buf) < 4 {
		return key.Cell{}, 0, fmt.Errorf("short cell header")
	}
	vlen := int(getUint32(buf[:4]))
	if len(buf) < 4+vlen {
		return key.Cell{}, 0, fmt.Errorf("truncated cell value")
	}
	// find the key tail: row\0 family qualifier\0 flag ts rev = row+1+1+qual+1+1+16
	// DecodeCell expects the whole remaining buffer to be exactly one key, so
	// we must locate the key length precisely; key.Decode scans from the
	// front and ignores trailing bytes only if the length happens to match,
	// so instead walk using key.Decode's own field scan via Cell decode on
	// a shrinking window isn't available — we encode cells with a trailing
	// key that consumes the rest of this sub-slice, so find the row/qual
	// terminators directly.
	rest := buf[4+vlen:]
	k, consumed, err := decodeKeyPrefix(rest)
	if err != nil {
		return key.Cell{}, 0, err
	}
	value := append([]byte(nil), buf[4:4+vlen]...)
	return key.Cell{Key: k, Value: value}, 4 + vlen + consumed, nil
}

func decodeKeyPrefix(buf []byte) (key.Key, int, error) {
	rowEnd := indexByte(buf, 0)
	if rowEnd < 0 {
		return key.Key{}, 0, fmt.Errorf("missing row terminator")
	}
	if len(buf) < rowEnd+2 {
		return key.Key{}, 0, fmt.Errorf("truncated after row")
	}
	qStart := rowEnd + 2
	qEnd := indexByte(buf[qStart:], 0)
	if qEnd < 0 {
		return key.Key{}, 0, fmt.Errorf("missing qualifier terminator")
	}
	tailStart := qStart + qEnd + 1
	tailEnd := tailStart + 1 + 8 + 8
	if len(buf) < tailEnd {
		return key.Key{}, 0, fmt.Errorf("truncated key tail")
	}
	k, err := key.Decode(buf[:tailEnd])
	if err != nil {
		return key.Key{}, 0, err
	}
	return k, tailEnd, nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// Seek returns the cells of the first data block holding a key >= k,
// filtered to keys >= k. The search starts at the block found by bisecting
// the variable index for the last first-key <= k and moves forward block by
// block while a block holds no key >= k. The result is empty only when no
// key in the file is >= k.
func (r *Reader) Seek(k key.Key) ([]key.Cell, error) {
	if r.index == nil {
		if err := r.RebuildIndex(); err != nil {
			return nil, err
		}
	}
	if len(r.index) == 0 {
		return nil, nil
	}
	i := sort.Search(len(r.index), func(i int) bool {
		return key.Compare(r.index[i].firstKey, k) > 0
	}) - 1
	if i < 0 {
		i = 0
	}
	var out []key.Cell
	for ; i < len(r.index); i++ {
		cells, err := r.decodeBlock(i)
		if err != nil {
			return nil, err
		}
		for _, c := range cells {
			if key.Compare(c.Key, k) >= 0 {
				out = append(out, c)
			}
		}
		if len(out) > 0 {
			break
		}
	}
	return out, nil
}

// Scan returns every cell in the file, in key order.
func (r *Reader) Scan() ([]key.Cell, error) {
	if r.index == nil {
		if err := r.RebuildIndex(); err != nil {
			return nil, err
		}
	}
	var out []key.Cell
	for i := range r.index {
		cells, err := r.decodeBlock(i)
		if err != nil {
			return nil, err
		}
		out = append(out, cells...)
	}
	return out, nil
}

// Close releases resources held by the reader. CellStore files are mapped
// into memory for the reader's lifetime via a single ReadFile, so Close is a
// no-op kept for symmetry with Writer and for future mmap-backed readers.
func (r *Reader) Close() error {
	klog.V(2).Infof("cellstore: closing %s", r.path)
	return nil
}
