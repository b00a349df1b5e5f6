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

// Package key implements the canonical Key/Cell encoding used throughout the
// range server: a byte layout that sorts lexicographically by row, family,
// qualifier and flag, then timestamp and revision descending.
package key

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Flag identifies the kind of mutation a Key represents.
type Flag uint8

const (
	Insert Flag = iota
	DeleteCell
	DeleteColumnFamily
	DeleteRow
)

// EndOfTable is the reserved row value marking the tail of the keyspace.
var EndOfTable = []byte{0xFF, 0xFF}

// Key identifies a single versioned cell coordinate.
//
// Encode produces bytes that sort under bytes.Compare by row, then family,
// then qualifier, then flag, then timestamp descending, then revision
// descending.
type Key struct {
	Row        []byte
	Family     uint8
	Qualifier  []byte
	Timestamp  uint64
	Revision   uint64
	Flag       Flag
}

// ErrBadKey is returned by Decode when the encoded bytes are structurally
// invalid.
var ErrBadKey = fmt.Errorf("bad key")

// Validate enforces the row-key invariants: the row is non-empty, and it
// does not begin with the reserved 0xFF 0xFF pair unless it is exactly the
// end-of-table marker.
func (k Key) Validate() error {
	if len(k.Row) == 0 {
		return fmt.Errorf("%w: empty row", ErrBadKey)
	}
	if len(k.Row) > len(EndOfTable) && bytes.HasPrefix(k.Row, EndOfTable) {
		return fmt.Errorf("%w: row uses the reserved 0xFF 0xFF prefix", ErrBadKey)
	}
	return nil
}

// Encode writes the canonical sortable byte form of k.
//
// Layout: row 0x00 family qualifier 0x00 flag ts_complement rev_complement.
func Encode(k Key) ([]byte, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	if bytes.IndexByte(k.Row, 0) >= 0 {
		return nil, fmt.Errorf("%w: row contains NUL", ErrBadKey)
	}
	if bytes.IndexByte(k.Qualifier, 0) >= 0 {
		return nil, fmt.Errorf("%w: qualifier contains NUL", ErrBadKey)
	}
	buf := make([]byte, 0, len(k.Row)+1+1+len(k.Qualifier)+1+1+8+8)
	buf = append(buf, k.Row...)
	buf = append(buf, 0)
	buf = append(buf, k.Family)
	buf = append(buf, k.Qualifier...)
	buf = append(buf, 0)
	buf = append(buf, byte(k.Flag))
	buf = appendComplement(buf, k.Timestamp)
	buf = appendComplement(buf, k.Revision)
	return buf, nil
}

func appendComplement(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], ^v)
	return append(buf, tmp[:]...)
}

// Decode is the inverse of Encode. It returns ErrBadKey if row is empty, a
// terminator is missing, or the trailing 17-byte tail is absent.
func Decode(raw []byte) (Key, error) {
	const tail = 1 + 8 + 8 // flag + ts + rev; the qualifier terminator is already consumed
	rowEnd := bytes.IndexByte(raw, 0)
	if rowEnd < 0 || rowEnd == 0 {
		return Key{}, fmt.Errorf("%w: missing row terminator or empty row", ErrBadKey)
	}
	row := raw[:rowEnd]
	rest := raw[rowEnd+1:]
	if len(rest) < 1 {
		return Key{}, fmt.Errorf("%w: truncated after row", ErrBadKey)
	}
	family := rest[0]
	rest = rest[1:]
	qEnd := bytes.IndexByte(rest, 0)
	if qEnd < 0 {
		return Key{}, fmt.Errorf("%w: missing qualifier terminator", ErrBadKey)
	}
	qualifier := rest[:qEnd]
	rest = rest[qEnd+1:]
	if len(rest) != tail {
		return Key{}, fmt.Errorf("%w: trailing bytes absent or malformed, got %d want %d", ErrBadKey, len(rest), tail)
	}
	flag := Flag(rest[0])
	ts := ^binary.BigEndian.Uint64(rest[1:9])
	rev := ^binary.BigEndian.Uint64(rest[9:17])
	return Key{
		Row:       append([]byte(nil), row...),
		Family:    family,
		Qualifier: append([]byte(nil), qualifier...),
		Timestamp: ts,
		Revision:  rev,
		Flag:      flag,
	}, nil
}

// Compare orders two keys by row, family, qualifier, timestamp descending and
// revision descending, operating on the decoded fields directly so callers
// don't need to re-encode. The flag is not compared, so Compare agrees with
// bytes.Compare on the Encode output only for keys with the same flag (Encode
// places the flag byte ahead of the timestamp).
func Compare(a, b Key) int {
	if c := bytes.Compare(a.Row, b.Row); c != 0 {
		return c
	}
	if a.Family != b.Family {
		if a.Family < b.Family {
			return -1
		}
		return 1
	}
	if c := bytes.Compare(a.Qualifier, b.Qualifier); c != 0 {
		return c
	}
	if a.Timestamp != b.Timestamp {
		if a.Timestamp > b.Timestamp {
			return -1
		}
		return 1
	}
	if a.Revision != b.Revision {
		if a.Revision > b.Revision {
			return -1
		}
		return 1
	}
	return 0
}

// Cell is the unit of insertion, delete, and scan output: a Key plus its
// length-prefixed value.
type Cell struct {
	Key   Key
	Value []byte
}

// EncodeCell writes a length-prefixed value followed by the encoded key.
// The value comes first, with a known length, so a reader can split value
// from key without needing to parse the key just to find its end.
func EncodeCell(c Cell) ([]byte, error) {
	kb, err := Encode(c.Key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(kb)+4+len(c.Value))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(c.Value)))
	out = append(out, lenBuf[:]...)
	out = append(out, c.Value...)
	out = append(out, kb...)
	return out, nil
}

// DecodeCell is the inverse of EncodeCell.
func DecodeCell(raw []byte) (Cell, error) {
	if len(raw) < 4 {
		return Cell{}, fmt.Errorf("%w: cell too short", ErrBadKey)
	}
	vlen := binary.BigEndian.Uint32(raw[:4])
	rest := raw[4:]
	if uint32(len(rest)) < vlen {
		return Cell{}, fmt.Errorf("%w: cell value truncated", ErrBadKey)
	}
	k, err := Decode(rest[vlen:])
	if err != nil {
		return Cell{}, err
	}
	value := append([]byte(nil), rest[:vlen]...)
	return Cell{Key: k, Value: value}, nil
}

// PutVarstring writes a length-prefixed byte string (i32 length, matching the
// on-disk varstring convention used by block and commitlog framing).
func PutVarstring(buf []byte, s []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

// GetVarstring reads the inverse of PutVarstring, returning the remaining
// unread bytes.
func GetVarstring(buf []byte) (s, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("varstring: truncated length")
	}
	l := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < l {
		return nil, nil, fmt.Errorf("varstring: truncated payload")
	}
	return buf[:l], buf[l:], nil
}
