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
	"bytes"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/wcstore/rangeserver/key"
)

// bloomKey returns the byte string a bloom filter should test/insert for k,
// depending on mode: row-only, or row+family+qualifier.
func bloomKey(mode BloomMode, k key.Key) []byte {
	switch mode {
	case BloomRows:
		return k.Row
	case BloomRowsCols:
		var buf bytes.Buffer
		buf.Write(k.Row)
		buf.WriteByte(0)
		buf.WriteByte(k.Family)
		buf.Write(k.Qualifier)
		return buf.Bytes()
	default:
		return nil
	}
}

// newBloomFilter sizes a filter for n expected items at the given target
// false-positive rate.
func newBloomFilter(n uint, fpRate float64) *bloom.BloomFilter {
	return bloom.NewWithEstimates(n, fpRate)
}

// marshalBloom serializes a bloom filter to bytes for on-disk storage.
func marshalBloom(f *bloom.BloomFilter) ([]byte, error) {
	return f.MarshalBinary()
}

// unmarshalBloom is the inverse of marshalBloom.
func unmarshalBloom(b []byte) (*bloom.BloomFilter, error) {
	f := &bloom.BloomFilter{}
	if err := f.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return f, nil
}
