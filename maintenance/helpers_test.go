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

package maintenance

import "github.com/wcstore/rangeserver/rangekeyspace"

// newTestRange returns a bare Range with just enough wired up (the
// maintenance guard) for it to stand in for a real range across this
// package's tests, none of which touch the range's data path.
func newTestRange() *rangekeyspace.Range {
	return &rangekeyspace.Range{Guard: &rangekeyspace.MaintenanceGuard{}}
}
