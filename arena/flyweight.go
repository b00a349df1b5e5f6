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

package arena

import "sync"

// StringFlyweight interns byte strings, returning a stable, shared copy for
// repeated content. It's used to intern table identifiers and other
// frequently repeated keys carried through maintenance-data snapshots.
type StringFlyweight struct {
	mu    sync.Mutex
	arena *Arena
	table map[string][]byte
}

// NewStringFlyweight returns an empty flyweight backed by its own arena.
func NewStringFlyweight() *StringFlyweight {
	return &StringFlyweight{
		arena: New(0),
		table: make(map[string][]byte),
	}
}

// Intern returns a stable []byte equal to s, allocating and caching a copy
// on first use. The returned slice is valid for the flyweight's lifetime and
// must not be mutated by callers.
func (f *StringFlyweight) Intern(s []byte) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.table[string(s)]; ok {
		return existing
	}
	owned := f.arena.CopyBytes(s)
	f.table[string(owned)] = owned
	return owned
}

// Len reports the number of distinct strings interned so far.
func (f *StringFlyweight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.table)
}
