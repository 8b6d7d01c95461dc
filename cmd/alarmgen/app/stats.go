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
	"sync"
	"time"

	"github.com/VividCortex/gohistogram"
)

// TabStats accumulates timing counters for one UVE table across the
// fetch/publish/alarm-eval phases of process-partition, matching the
// source's AGTabStats. Counters are windowed: process_stats rolls the
// running sums into an average then resets them for the next period.
type TabStats struct {
	mu sync.Mutex

	callTime time.Duration
	callN    int64
	getTime  time.Duration
	getN     int64
	pubTime  time.Duration
	pubN     int64

	// getToPubLatency is additive telemetry beyond the source: a decaying
	// histogram of the pub-phase durations passed to RecordPub (not the
	// end-to-end fetch-to-publish time), read through LatencyQuantile.
	getToPubLatency *gohistogram.NumericHistogram
}

// NewTabStats returns a zeroed TabStats for one table.
func NewTabStats() *TabStats {
	return &TabStats{
		getToPubLatency: gohistogram.NewBiasedHistogram(25),
	}
}

// RecordGet accumulates one cache-fetch timing sample.
func (s *TabStats) RecordGet(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getTime += d
	s.getN++
}

// RecordPub accumulates one diff/output-assembly timing sample.
func (s *TabStats) RecordPub(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pubTime += d
	s.pubN++
	s.getToPubLatency.Add(float64(d.Microseconds()))
}

// RecordCall accumulates one alarm-evaluation timing sample.
func (s *TabStats) RecordCall(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callTime += d
	s.callN++
}

// Result is the windowed average of each phase, as reported by
// UVETablePerfReq in the source.
type Result struct {
	GetTime  time.Duration
	PubTime  time.Duration
	CallTime time.Duration
	Updates  int64
}

// Snapshot returns the current window's averages without resetting them.
func (s *TabStats) Snapshot() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Result{
		GetTime:  meanDuration(s.getTime, s.getN),
		PubTime:  meanDuration(s.pubTime, s.pubN),
		CallTime: meanDuration(s.callTime, s.callN),
		Updates:  s.getN,
	}
}

// LatencyQuantile reports an approximate quantile (0..1) of the pub-phase
// duration in microseconds from the decaying histogram.
func (s *TabStats) LatencyQuantile(q float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getToPubLatency.Quantile(q)
}

// Reset zeroes all running sums, starting a fresh accumulation window. The
// caller is expected to have captured a Snapshot first if it wants the
// outgoing window's averages (tab_perf_prev in the source).
func (s *TabStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callTime, s.callN = 0, 0
	s.getTime, s.getN = 0, 0
	s.pubTime, s.pubN = 0, 0
}

func meanDuration(total time.Duration, n int64) time.Duration {
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}
