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

package block

// Fletcher32 computes the Fletcher-32 checksum over data, operating on
// 16-bit words (a trailing odd byte is zero-padded). This is the mandated
// data checksum for block payloads; no ecosystem package in the retrieval
// pack implements it, so it's hand-rolled here per the modulus-65535
// algorithm.
func Fletcher32(data []byte) uint32 {
	var sum1, sum2 uint32
	i := 0
	for i+1 < len(data) {
		word := uint32(data[i]) | uint32(data[i+1])<<8
		sum1 = (sum1 + word) % 65535
		sum2 = (sum2 + sum1) % 65535
		i += 2
	}
	if i < len(data) {
		word := uint32(data[i])
		sum1 = (sum1 + word) % 65535
		sum2 = (sum2 + sum1) % 65535
	}
	return (sum2 << 16) | sum1
}
