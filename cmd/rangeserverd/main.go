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

// rangeserverd stands up the data-plane core against a local directory of
// ranges: loads every range it finds, starts the group-commit queue, the
// maintenance scheduler and its worker pool, and the server-side scan block
// cache. It carries no RPC transport of its own (see §1's scope note); it's
// the process that an RPC front-end, once written, would sit in front of.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wcstore/rangeserver/config"
	"github.com/wcstore/rangeserver/groupcommit"
	"github.com/wcstore/rangeserver/key"
	"github.com/wcstore/rangeserver/maintenance"
	"github.com/wcstore/rangeserver/metrics"
	"github.com/wcstore/rangeserver/rangekeyspace"
	"github.com/wcstore/rangeserver/scanner"
	"github.com/wcstore/rangeserver/tableinfo"
	"k8s.io/klog/v2"

	"github.com/wcstore/rangeserver/cmd/rangeserverd/statusui"
)

var (
	dataDir     = flag.String("data_dir", "", "Root directory holding one subdirectory per range.")
	ledgerDir   = flag.String("ledger_dir", "", "Directory for the maintenance split ledger (defaults to <data_dir>/.ledger).")
	maintWorker = flag.Int("maintenance_workers", 4, "Number of maintenance worker goroutines.")
	scannerTTL  = flag.Duration("scanner_ttl", 2*time.Minute, "How long an idle server-side scanner is kept before eviction.")
	ui          = flag.Bool("ui", false, "Run the interactive status dashboard instead of logging to stderr.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *dataDir == "" {
		klog.Exit("--data_dir is required")
	}
	cfg, err := config.Parse()
	if err != nil {
		klog.Exitf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, err := tableinfo.OpenCatalog(filepath.Join(*dataDir, ".catalog"))
	if err != nil {
		klog.Exitf("opening table catalog: %v", err)
	}
	defer catalog.Close()

	tables := tableinfo.NewMap()
	if err := loadRanges(catalog, cfg, tables); err != nil {
		klog.Exitf("loading ranges from catalog: %v", err)
	}

	inst, shutdownMetrics, err := metrics.Init(ctx)
	if err != nil {
		klog.Exitf("metrics: %v", err)
	}
	defer shutdownMetrics(context.Background())

	gc := groupcommit.New(ctx, cfg.CommitInterval, func(ctx context.Context, table key.TableIdentifier, reqs []groupcommit.UpdateRequest) []groupcommit.SendBackRec {
		return applyBatch(tables, table, reqs)
	})

	scanCache := scanner.NewCache(ctx, *scannerTTL)

	ledgerPath := *ledgerDir
	if ledgerPath == "" {
		ledgerPath = filepath.Join(*dataDir, ".ledger")
	}
	ledger, err := maintenance.OpenLedger(ledgerPath)
	if err != nil {
		klog.Exitf("opening maintenance ledger: %v", err)
	}
	defer ledger.Close()

	queue := maintenance.NewQueue()
	sched := maintenance.NewScheduler(maintenance.SchedulerOptions{
		Interval:     cfg.MonitorInterval,
		Queue:        queue,
		Ledger:       ledger,
		CollectStats: func() []maintenance.RangeStats { return collectStats(tables) },
		MemoryState:  func([]maintenance.RangeStats) maintenance.MemoryState { return maintenance.MemoryState{} },
		PurgeLogs:    func(minRevision uint64) error { return nil }, // no-op: commit-log fragments are not purged; Range.Compact only resets the earliest cached revision
		LookupRange:  func(id string) (*rangekeyspace.Range, bool) { return lookupRange(tables, id) },
	})

	pool := maintenance.NewWorkerPool(*maintWorker, queue, func(ctx context.Context, t *maintenance.Task) error {
		start := time.Now()
		err := runMaintenanceTask(ledger, t)
		inst.MaintenanceCycleDur.Record(ctx, float64(time.Since(start).Milliseconds()))
		return err
	})

	go func() {
		if err := sched.Run(ctx); err != nil && err != context.Canceled {
			klog.Warningf("scheduler stopped: %v", err)
		}
	}()
	go func() {
		if err := pool.Run(ctx); err != nil {
			klog.Warningf("worker pool stopped: %v", err)
		}
	}()

	klog.Infof("rangeserverd up, serving %d tables from %s", tables.Len(), *dataDir)

	if *ui {
		err := statusui.Run(ctx, time.Second, func() statusui.Stats {
			return statusui.Stats{
				RangesLoaded:     countRanges(tables),
				MaintenanceQueue: queue.Len(),
				ActiveScanners:   scanCache.Len(),
				DiskUsageBytes:   diskUsage(tables),
			}
		})
		if err != nil {
			klog.Warningf("status ui: %v", err)
		}
	} else {
		<-ctx.Done()
	}

	klog.Info("shutting down: flushing group-commit queue")
	gc.FlushNow()
}

func applyBatch(tables *tableinfo.Map, table key.TableIdentifier, reqs []groupcommit.UpdateRequest) []groupcommit.SendBackRec {
	recs := make([]groupcommit.SendBackRec, 0, len(reqs))
	ti, ok := tables.Get(table.ID)
	if !ok {
		for range reqs {
			recs = append(recs, groupcommit.SendBackRec{Error: tableinfo.ErrRangeNotFound})
		}
		return recs
	}
	for _, req := range reqs {
		cells, err := decodeCells(req.Buffer)
		if err != nil {
			recs = append(recs, groupcommit.SendBackRec{Error: err, Count: req.Count})
			continue
		}
		var firstErr error
		for _, c := range cells {
			r, err := ti.Find(c.Key.Row)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if err := r.Add(c, false); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		recs = append(recs, groupcommit.SendBackRec{Error: firstErr, Count: req.Count})
	}
	return recs
}

// decodeCells splits a group-commit UpdateRequest buffer into the cells it
// carries. Each cell is stored as a 4-byte big-endian length followed by
// its key.EncodeCell bytes, since EncodeCell's own length prefix covers
// only the cell's value and assumes it owns the rest of the buffer.
func decodeCells(buf []byte) ([]key.Cell, error) {
	var cells []key.Cell
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, fmt.Errorf("decode cell batch: truncated length prefix")
		}
		n := binary.BigEndian.Uint32(buf[:4])
		buf = buf[4:]
		if uint32(len(buf)) < n {
			return nil, fmt.Errorf("decode cell batch: truncated cell")
		}
		c, err := key.DecodeCell(buf[:n])
		if err != nil {
			return nil, fmt.Errorf("decode cell batch: %w", err)
		}
		cells = append(cells, c)
		buf = buf[n:]
	}
	return cells, nil
}

// loadRanges rebuilds the live Map from catalog: the local stand-in for
// whatever boundary list a full deployment would otherwise pull from
// METADATA via the Master (out of scope, §1). Every catalog entry reopens
// a Range against its recorded directory and registers it under its table.
func loadRanges(catalog *tableinfo.Catalog, cfg config.Config, tables *tableinfo.Map) error {
	entries, err := catalog.List()
	if err != nil {
		return fmt.Errorf("listing catalog: %w", err)
	}
	for _, e := range entries {
		r, err := rangekeyspace.New(rangekeyspace.Options{
			Table:     key.TableIdentifier{ID: e.TableID, Generation: e.Generation},
			Schema:    e.Schema,
			Start:     e.Start,
			End:       e.End,
			Dir:       e.Dir,
			RollLimit: cfg.CommitLogRoll,
			BloomMode: cfg.BloomMode,
		})
		if err != nil {
			return fmt.Errorf("reopening range %s/end=%x: %w", e.TableID, e.End, err)
		}
		ti, ok := tables.Get(e.TableID)
		if !ok {
			ti = tableinfo.New(key.TableIdentifier{ID: e.TableID, Generation: e.Generation})
			tables.Register(e.TableID, ti)
		}
		if err := ti.AddRange(r); err != nil {
			return fmt.Errorf("registering range %s/end=%x: %w", e.TableID, e.End, err)
		}
		klog.Infof("loaded range %s from %s", r.ID(), e.Dir)
	}
	return nil
}

func collectStats(tables *tableinfo.Map) []maintenance.RangeStats {
	var out []maintenance.RangeStats
	for _, id := range tables.IDs() {
		ti, ok := tables.Get(id)
		if !ok {
			continue
		}
		for _, r := range ti.Ranges() {
			out = append(out, maintenance.RangeStats{
				Range:                  r,
				Data:                   r.GetMaintenanceData(),
				EarliestCachedRevision: r.EarliestCachedRevision(),
			})
		}
	}
	return out
}

func lookupRange(tables *tableinfo.Map, id string) (*rangekeyspace.Range, bool) {
	for _, st := range collectStats(tables) {
		if st.Range.ID() == id {
			return st.Range, true
		}
	}
	return nil, false
}

func countRanges(tables *tableinfo.Map) int {
	return len(collectStats(tables))
}

func diskUsage(tables *tableinfo.Map) int64 {
	var total int64
	for _, st := range collectStats(tables) {
		total += st.Data.DiskUsage
	}
	return total
}

func runMaintenanceTask(ledger *maintenance.Ledger, t *maintenance.Task) error {
	switch {
	case t.Flags&maintenance.FlagSplit != 0:
		return runSplit(ledger, t)
	case t.Flags&maintenance.FlagCompactMajor != 0:
		return t.Range.Compact(true)
	case t.Flags&maintenance.FlagCompactMinor != 0:
		return t.Range.Compact(false)
	case t.Flags&maintenance.FlagMemoryPurge != 0:
		return t.Range.PurgeMemory()
	default:
		return fmt.Errorf("maintenance: task %s has no recognized flag", t)
	}
}

func runSplit(ledger *maintenance.Ledger, t *maintenance.Task) error {
	id := t.Range.ID()
	if err := ledger.RecordState(id, rangekeyspace.SplitLogInstalled); err != nil {
		klog.Warningf("recording split state for %s: %v", id, err)
	}
	dir, err := os.MkdirTemp("", "split-*")
	if err != nil {
		return fmt.Errorf("split %s: %w", id, err)
	}
	if _, err := t.Range.Split(dir); err != nil {
		return fmt.Errorf("split %s: %w", id, err)
	}
	return ledger.Forget(id)
}
