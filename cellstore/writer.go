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

// Package cellstore implements the immutable on-disk sorted run: data
// blocks, a two-part block index, an optional bloom filter, and a versioned
// trailer.
//
// The writer's reserve-header-then-fill-on-finish shape, and the atomic
// rename-into-place in Finish, are grounded on the teacher's
// storage/posix/files.go createEx/overwrite helpers; the block layout itself
// follows api/layout/paths.go's tile framing, generalized from fixed-size
// Merkle tiles to variable-size compressed cell blocks.
package cellstore

import (
	"bytes"
	"fmt"
	"os"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/wcstore/rangeserver/block"
	"github.com/wcstore/rangeserver/key"
)

// WriterOptions configures a new CellStore.
type WriterOptions struct {
	BlockSize        int
	SchemaGeneration uint64
	BloomMode        BloomMode
	BloomFPRate      float64
	ExpectedKeys     uint
	MajorCompaction  bool
	Split            bool
}

// Writer incrementally builds a CellStore file. Cells must be added in
// ascending key order.
type Writer struct {
	opts WriterOptions

	blockBuf    bytes.Buffer
	blockFirst  key.Key
	haveFirst   bool

	fixedIndex    []uint64 // byte offsets of each data block
	variableIndex [][]byte // encoded first-key of each data block

	out      *bytes.Buffer // accumulated file bytes; flushed to disk on Finish
	lastKey  key.Key
	haveLast bool
	count    uint64
	minTS    uint64
	maxTS    uint64

	bloom *bloom.BloomFilter
}

// NewWriter returns a Writer for a new CellStore with the given options.
func NewWriter(opts WriterOptions) *Writer {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 64 << 10
	}
	w := &Writer{opts: opts, out: &bytes.Buffer{}}
	if opts.BloomMode != BloomDisabled {
		fp := opts.BloomFPRate
		if fp <= 0 {
			fp = 0.01
		}
		n := opts.ExpectedKeys
		if n == 0 {
			n = 1024
		}
		w.bloom = newBloomFilter(n, fp)
	}
	return w
}

// Add appends a cell; keys must arrive in non-decreasing order.
func (w *Writer) Add(c key.Cell) error {
	if w.haveLast && key.Compare(c.Key, w.lastKey) < 0 {
		return fmt.Errorf("cellstore: keys out of order")
	}
	if !w.haveFirst {
		w.blockFirst = c.Key
		w.haveFirst = true
	}
	enc, err := key.EncodeCell(c)
	if err != nil {
		return fmt.Errorf("cellstore: encode cell: %w", err)
	}
	w.blockBuf.Write(enc)
	w.lastKey = c.Key
	w.haveLast = true
	w.count++
	if w.count == 1 || c.Key.Timestamp < w.minTS {
		w.minTS = c.Key.Timestamp
	}
	if c.Key.Timestamp > w.maxTS {
		w.maxTS = c.Key.Timestamp
	}
	if w.bloom != nil {
		if bk := bloomKey(w.opts.BloomMode, c.Key); bk != nil {
			w.bloom.Add(bk)
		}
	}
	if w.blockBuf.Len() >= w.opts.BlockSize {
		w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() {
	if w.blockBuf.Len() == 0 {
		return
	}
	payload := append([]byte(nil), w.blockBuf.Bytes()...)
	offset := uint64(w.out.Len())
	enc := block.Encode(block.MagicCellStore, block.CodecNone, payload, payload)
	w.out.Write(enc)

	fk, err := key.Encode(w.blockFirst)
	if err != nil {
		// first key was already validated by Add's earlier encode of the same
		// key; this can't happen in practice.
		fk = nil
	}
	w.variableIndex = append(w.variableIndex, fk)
	w.fixedIndex = append(w.fixedIndex, offset)

	w.blockBuf.Reset()
	w.haveFirst = false
}

// Finish writes the variable index, fixed index, optional bloom filter, and
// trailer, then atomically installs the completed file at path.
func (w *Writer) Finish(path string) error {
	w.flushBlock()

	varIndexOffset := uint64(w.out.Len())
	var varBuf bytes.Buffer
	for _, fk := range w.variableIndex {
		varBuf.Write(key.PutVarstring(nil, fk))
	}
	w.out.Write(varBuf.Bytes())
	varIndexLen := uint64(w.out.Len()) - varIndexOffset

	sixtyFour := len(w.fixedIndex) > 0 && w.fixedIndex[len(w.fixedIndex)-1] > (1<<32-1)
	fixedIndexOffset := uint64(w.out.Len())
	var fixedBuf bytes.Buffer
	for _, off := range w.fixedIndex {
		if sixtyFour {
			var b [8]byte
			putUint64(b[:], off)
			fixedBuf.Write(b[:])
		} else {
			var b [4]byte
			putUint32(b[:], uint32(off))
			fixedBuf.Write(b[:])
		}
	}
	w.out.Write(fixedBuf.Bytes())
	fixedIndexLen := uint64(w.out.Len()) - fixedIndexOffset

	var bloomOffset, bloomLen uint64
	var bloomMode BloomMode
	var bloomHashes uint32
	var fpRate float64
	if w.bloom != nil {
		raw, err := marshalBloom(w.bloom)
		if err != nil {
			return fmt.Errorf("cellstore: marshal bloom filter: %w", err)
		}
		bloomOffset = uint64(w.out.Len())
		w.out.Write(raw)
		bloomLen = uint64(len(raw))
		bloomMode = w.opts.BloomMode
		bloomHashes = uint32(w.bloom.K())
		fpRate = w.bloom.EstimateFalsePositiveRate(uint(w.count))
	}

	var flags uint32
	if sixtyFour {
		flags |= FlagSixtyFourBitIndex
	}
	if w.opts.MajorCompaction {
		flags |= FlagMajorCompaction
	}
	if w.opts.Split {
		flags |= FlagSplit
	}

	tr := Trailer{
		FixedIndexOffset:    fixedIndexOffset,
		VariableIndexOffset: varIndexOffset,
		BloomFilterOffset:   bloomOffset,
		BloomFilterLength:   bloomLen,
		FixedIndexLength:    fixedIndexLen,
		VariableIndexLength: varIndexLen,
		KeyCount:            w.count,
		MinTimestamp:        w.minTS,
		MaxTimestamp:        w.maxTS,
		CompressionCodec:    uint8(block.CodecNone),
		BlockSize:           uint32(w.opts.BlockSize),
		SchemaGeneration:    w.opts.SchemaGeneration,
		Flags:               flags,
		BloomMode:           bloomMode,
		BloomHashCount:      bloomHashes,
		BloomStats:          BloomStats{EstimatedFalsePositiveRate: fpRate},
	}
	w.out.Write(encodeTrailer(tr))

	return atomicWriteFile(path, w.out.Bytes())
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
}

// atomicWriteFile writes data to a temp file in the same directory as path
// and renames it into place, matching the teacher's storage/posix/files.go
// "overwrite" helper so a crash never leaves a half-written CellStore at its
// final name.
func atomicWriteFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(dirOf(path), ".cellstore-*")
	if err != nil {
		return fmt.Errorf("cellstore: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("cellstore: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("cellstore: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cellstore: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("cellstore: rename into place: %w", err)
	}
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
