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

// Package config declares the command-line flags that affect core
// RangeServer behavior, following the teacher's cmd/conformance/posix
// pattern exactly: package-level flag.Int64/Duration/String/Bool/Int vars plus
// klog.InitFlags(nil) wired into the standard flag set, rather than a
// structured config-file loader. Only the subset of the original CLI
// surface that affects the data plane is recognized.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/wcstore/rangeserver/block"
	"github.com/wcstore/rangeserver/cellstore"
	"k8s.io/klog/v2"
)

var (
	splitSize        = flag.Int64("Hypertable.RangeServer.Range.SplitSize", 256<<20, "Soft size limit (bytes) above which a range becomes a split candidate.")
	commitInterval   = flag.Duration("Hypertable.RangeServer.CommitInterval", 50*time.Millisecond, "Global group-commit tick interval.")
	commitLogRoll    = flag.Int64("Hypertable.RangeServer.CommitLog.RollLimit", 64<<20, "Commit log fragment size (bytes) at which a roll is forced.")
	commitLogCodec   = flag.String("Hypertable.RangeServer.CommitLog.Compressor", "none", "Commit log block compressor: none, zlib, lzo, quicklz, bmz, or snappy.")
	commitLogFlush   = flag.Bool("Hypertable.RangeServer.CommitLog.Flush", true, "If true, every group-commit batch append is followed by a filesystem flush (see §Open Questions on the no-log-sync interaction).")
	monitorInterval  = flag.Duration("Hypertable.Monitoring.Interval", 30*time.Second, "Interval between maintenance-scheduler cycles.")
	queryCacheMemory = flag.Int64("Hypertable.RangeServer.QueryCache.MaxMemory", 32<<20, "Max bytes of server-side scan result caching (currently advisory; no query cache is implemented, see Non-goals).")
	locationCacheMax = flag.Int("Hypertable.LocationCache.MaxEntries", 100_000, "Max entries retained in the client-side METADATA location cache.")
	bloomMode        = flag.String("Hypertable.RangeServer.AccessGroup.BloomFilter", "none", "Default CellStore bloom filter mode for new access groups: none, rows, or rows+cols.")
)

func init() {
	klog.InitFlags(nil)
}

// Config is the parsed, validated form of the recognized flags, handed to
// the pieces of the server that need them.
type Config struct {
	SplitSize        int64
	CommitInterval   time.Duration
	CommitLogRoll    int64
	CommitLogCodec   block.Codec
	CommitLogFlush   bool
	MonitorInterval  time.Duration
	QueryCacheMemory int64
	LocationCacheMax int
	BloomMode        cellstore.BloomMode
}

// Parse reads the already-registered flags (the caller must have called
// flag.Parse first, exactly as cmd/conformance/posix/main.go does) and
// returns a validated Config.
func Parse() (Config, error) {
	codec, err := parseCodec(*commitLogCodec)
	if err != nil {
		return Config{}, err
	}
	bloom, err := parseBloomMode(*bloomMode)
	if err != nil {
		return Config{}, err
	}
	return Config{
		SplitSize:        *splitSize,
		CommitInterval:   *commitInterval,
		CommitLogRoll:    *commitLogRoll,
		CommitLogCodec:   codec,
		CommitLogFlush:   *commitLogFlush,
		MonitorInterval:  *monitorInterval,
		QueryCacheMemory: *queryCacheMemory,
		LocationCacheMax: *locationCacheMax,
		BloomMode:        bloom,
	}, nil
}

func parseCodec(s string) (block.Codec, error) {
	switch s {
	case "none":
		return block.CodecNone, nil
	case "zlib":
		return block.CodecZlib, nil
	case "lzo":
		return block.CodecLZO, nil
	case "quicklz":
		return block.CodecQuickLZ, nil
	case "bmz":
		return block.CodecBMZ, nil
	case "snappy":
		return block.CodecSnappy, nil
	default:
		return 0, fmt.Errorf("config: unknown commit log compressor %q", s)
	}
}

func parseBloomMode(s string) (cellstore.BloomMode, error) {
	switch s {
	case "none":
		return cellstore.BloomDisabled, nil
	case "rows":
		return cellstore.BloomRows, nil
	case "rows+cols":
		return cellstore.BloomRowsCols, nil
	default:
		return 0, fmt.Errorf("config: unknown bloom filter mode %q", s)
	}
}
