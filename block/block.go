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

// Package block implements the on-disk compression-block codec shared by the
// commit log and CellStore: a fixed header (magic, codec id, lengths,
// checksums) followed by a compressed payload.
package block

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"k8s.io/klog/v2"
)

// Codec identifies the compression algorithm used for a block's payload.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecZlib
	CodecLZO
	CodecQuickLZ
	CodecBMZ
	CodecSnappy
)

// Magic is the 10-byte marker at the start of every block header.
type Magic [10]byte

var (
	// MagicCommitData marks a data block in a commit log fragment.
	MagicCommitData = Magic{'C', 'O', 'M', 'M', 'I', 'T', 'D', 'A', 'T', 'A'}
	// MagicCommitLink marks a link block in a commit log fragment.
	MagicCommitLink = Magic{'C', 'O', 'M', 'M', 'I', 'T', 'L', 'I', 'N', 'K'}
	// MagicCellStore marks a CellStore data block.
	MagicCellStore = Magic{'C', 'E', 'L', 'L', 'S', 'T', 'O', 'R', 'E', '0'}
)

// headerLen is magic(10) + codec(1) + uncompressedLen(4) + compressedLen(4)
// + dataChecksum(4) + headerChecksum(2).
const headerLen = 10 + 1 + 4 + 4 + 4 + 2

var (
	// ErrChecksumMismatch is returned when a block's data fails its fletcher32
	// checksum.
	ErrChecksumMismatch = fmt.Errorf("block checksum mismatch")
	// ErrBadHeader is returned when a block header's own checksum fails, or
	// the header is otherwise structurally invalid.
	ErrBadHeader = fmt.Errorf("bad compression header")
	// ErrUnsupportedCodec is returned for a codec id this build can't decode.
	ErrUnsupportedCodec = fmt.Errorf("unsupported compression type")
)

// Header is the decoded form of a block's fixed-size preamble.
type Header struct {
	Magic            Magic
	Codec            Codec
	UncompressedLen  uint32
	CompressedLen    uint32
	DataChecksum     uint32
	HeaderChecksum   uint16
}

// Encode fills a header for compressedPayload and returns header+payload
// ready to append to a file.
//
// Encode performs no compression itself: it frames compressedPayload as
// given and records codec in the header. DecodeVariable decodes only
// CodecNone blocks; a block with any other codec id fails to decode with
// ErrUnsupportedCodec.
func Encode(magic Magic, codec Codec, uncompressed []byte, compressedPayload []byte) []byte {
	out := make([]byte, headerLen+len(compressedPayload))
	fillHeader(out, magic, codec, uint32(len(uncompressed)), compressedPayload)
	copy(out[headerLen:], compressedPayload)
	return out
}

func fillHeader(out []byte, magic Magic, codec Codec, uncompressedLen uint32, compressedPayload []byte) {
	copy(out[0:10], magic[:])
	out[10] = byte(codec)
	binary.BigEndian.PutUint32(out[11:15], uncompressedLen)
	binary.BigEndian.PutUint32(out[15:19], uint32(len(compressedPayload)))
	dataSum := Fletcher32(compressedPayload)
	binary.BigEndian.PutUint32(out[19:23], dataSum)
	hdrSum := crc32.ChecksumIEEE(out[:23])
	binary.BigEndian.PutUint16(out[23:25], uint16(hdrSum))
}

// DecodeFixed reads and verifies a block header at the start of raw,
// returning the header and the number of bytes it occupies.
func DecodeFixed(raw []byte) (Header, error) {
	if len(raw) < headerLen {
		return Header{}, fmt.Errorf("%w: short header, have %d want %d", ErrBadHeader, len(raw), headerLen)
	}
	var h Header
	copy(h.Magic[:], raw[0:10])
	h.Codec = Codec(raw[10])
	h.UncompressedLen = binary.BigEndian.Uint32(raw[11:15])
	h.CompressedLen = binary.BigEndian.Uint32(raw[15:19])
	h.DataChecksum = binary.BigEndian.Uint32(raw[19:23])
	h.HeaderChecksum = binary.BigEndian.Uint16(raw[23:25])
	want := uint16(crc32.ChecksumIEEE(raw[:23]))
	if want != h.HeaderChecksum {
		return Header{}, fmt.Errorf("%w: have %x want %x", ErrBadHeader, h.HeaderChecksum, want)
	}
	return h, nil
}

// DecodeVariable reads the payload following a header already validated by
// DecodeFixed, verifying its data checksum.
func DecodeVariable(h Header, payload []byte) ([]byte, error) {
	if uint32(len(payload)) < h.CompressedLen {
		return nil, fmt.Errorf("%w: truncated payload, have %d want %d", ErrChecksumMismatch, len(payload), h.CompressedLen)
	}
	data := payload[:h.CompressedLen]
	sum := Fletcher32(data)
	if sum != h.DataChecksum {
		klog.Warningf("block: checksum mismatch, have %x want %x", sum, h.DataChecksum)
		return nil, ErrChecksumMismatch
	}
	switch h.Codec {
	case CodecNone:
		return data, nil
	default:
		return nil, fmt.Errorf("%w: codec id %d", ErrUnsupportedCodec, h.Codec)
	}
}

// HeaderLen is exported so commitlog/cellstore can size read buffers without
// re-deriving the constant.
func HeaderLen() int { return headerLen }
