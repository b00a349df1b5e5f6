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

// Package statusui renders a live terminal dashboard of server-side
// maintenance and storage state, the same tcell/tview pair and polling-loop
// shape as the teacher's hammer/tui.go, repurposed here from load-test
// throughput to maintenance-queue depth, per-range disk usage, and
// commit-log roll events.
package statusui

import (
	"context"
	"fmt"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"k8s.io/klog/v2"
)

// Stats is one snapshot of the figures the dashboard displays.
type Stats struct {
	RangesLoaded     int
	MaintenanceQueue int
	DiskUsageBytes   int64
	CommitLogRolls   uint64
	ActiveScanners   int
}

// StatsFunc produces the latest Stats on demand.
type StatsFunc func() Stats

// Run draws the dashboard, polling statsFn every interval, until ctx is
// done or the user quits with 'q'. It blocks for the lifetime of the UI.
func Run(ctx context.Context, interval time.Duration, statsFn StatsFunc) error {
	grid := tview.NewGrid()
	grid.SetRows(6, 0).SetColumns(0).SetBorders(true)

	statusView := tview.NewTextView()
	grid.AddItem(statusView, 0, 0, 1, 1, 0, 0, false)

	logView := tview.NewTextView()
	logView.ScrollToEnd()
	logView.SetMaxLines(10000)
	grid.AddItem(logView, 1, 0, 1, 1, 0, 0, false)
	klog.SetOutput(logView)

	app := tview.NewApplication()

	maSlots := int((30 * time.Second) / interval)
	if maSlots < 1 {
		maSlots = 1
	}
	rollGrowth := movingaverage.New(maSlots)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var lastRolls uint64
		for {
			select {
			case <-ctx.Done():
				app.Stop()
				return
			case <-ticker.C:
				s := statsFn()
				rollGrowth.Add(float64(s.CommitLogRolls - lastRolls))
				lastRolls = s.CommitLogRolls
				rollsPerMin := rollGrowth.Avg() * float64(time.Minute/interval)
				text := fmt.Sprintf(
					"Ranges loaded: %d\nMaintenance queue depth: %d\nActive scanners: %d\nDisk usage: %s\nCommit log rolls: %d (%.1f/min)",
					s.RangesLoaded, s.MaintenanceQueue, s.ActiveScanners, formatBytes(s.DiskUsageBytes), s.CommitLogRolls, rollsPerMin,
				)
				statusView.SetText(text)
				app.Draw()
			}
		}
	}()

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == 'q' {
			app.Stop()
		}
		return event
	})

	err := app.SetRoot(grid, true).Run()
	<-done
	return err
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
