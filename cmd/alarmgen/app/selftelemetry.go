// Copyright (c) 2017 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package app

import (
	"runtime"
	"time"

	"github.com/uber/jaeger-lib/metrics"
	"go.uber.org/zap"
)

// AlarmgenStatus is the cluster-wide self-report emitted once per interval:
// instance name, owned-partition count, distinct-key count and total
// update count for the window just closed. This is the Go analogue of the
// source's periodic AlarmgenStatus UVE.
type AlarmgenStatus struct {
	Instance        string
	OwnedPartitions int
	DistinctKeys    int
	TotalUpdates    int64
}

// SelfTelemetryLoop periodically samples process memory, rolls every
// table's stats window over (Reset; the window's averages are not read or
// kept first), and emits a structured log event plus Prometheus gauges via
// the jaeger-lib metrics bridge. It stands in for the source's
// Controller.process_stats/Controller.run reporting cadence. Process
// sampling is runtime.ReadMemStats only (heap bytes and GC count); no CPU
// share is sampled.
type SelfTelemetryLoop struct {
	instance string
	interval time.Duration
	pm       *PartitionManager
	loop     *CompressionLoop
	workers  func() []*IngestionWorker
	factory  metrics.Factory
	logger   *zap.Logger

	memGauge metrics.Gauge
	gcGauge  metrics.Gauge

	done chan struct{}
}

// NewSelfTelemetryLoop wires the loop around its collaborators. workers
// returns the live set of per-partition ingestion workers at report time,
// since the set changes as ownership is rebalanced.
func NewSelfTelemetryLoop(instance string, interval time.Duration, pm *PartitionManager, loop *CompressionLoop,
	workers func() []*IngestionWorker, factory metrics.Factory, logger *zap.Logger) *SelfTelemetryLoop {
	return &SelfTelemetryLoop{
		instance: instance,
		interval: interval,
		pm:       pm,
		loop:     loop,
		workers:  workers,
		factory:  factory,
		logger:   logger,
		memGauge: factory.Gauge("process.mem_bytes", nil),
		gcGauge:  factory.Gauge("process.num_gc", nil),
		done:     make(chan struct{}),
	}
}

// Run blocks, reporting every interval until Stop is called.
func (s *SelfTelemetryLoop) Run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.report()
		}
	}
}

// Stop ends the reporting loop.
func (s *SelfTelemetryLoop) Stop() { close(s.done) }

func (s *SelfTelemetryLoop) report() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.memGauge.Update(int64(mem.Alloc))
	s.gcGauge.Update(int64(mem.NumGC))

	status := AlarmgenStatus{Instance: s.instance, OwnedPartitions: len(s.pm.Owned())}

	for _, w := range s.workers() {
		notifs, keys := w.Counters()
		for table, byGen := range notifs {
			for gen, n := range byGen {
				s.logger.Info("notification counters",
					zap.Int32("partition", w.cfg.Partition), zap.String("table", table),
					zap.String("generator", gen), zap.Int("count", n))
			}
		}
		for _, byKey := range keys {
			status.DistinctKeys += len(byKey)
			for _, n := range byKey {
				status.TotalUpdates += int64(n)
			}
		}
		w.ResetCounters()
	}

	s.loop.ResetStats()
	s.logger.Info("self-telemetry report",
		zap.String("instance", status.Instance),
		zap.Int("owned_partitions", status.OwnedPartitions),
		zap.Int("distinct_keys", status.DistinctKeys),
		zap.Int64("total_updates", status.TotalUpdates))
}
