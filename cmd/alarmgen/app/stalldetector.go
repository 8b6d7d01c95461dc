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
	"strconv"
	"sync/atomic"
	"time"

	"github.com/uber/jaeger-lib/metrics"
	"go.uber.org/zap"
)

// stallDetector watches one partition's consumption rate. If no message is
// processed within interval, it signals the partition for a forced close so
// a rebalance can clear whatever wedged the consumer; if the signal itself
// cannot be delivered (the worker is not even reading its own close
// channel) it panics the process, on the assumption that a container
// orchestrator will reschedule a fresh instance. This mirrors the
// deadlock/seppuku idiom used around Kafka partition consumers in this
// service's lineage.
type stallDetector struct {
	msgConsumed    uint64
	logger         *zap.Logger
	partition      int32
	closePartition chan struct{}
	done           chan struct{}
	panicFunc      func(int32)
}

func newStallDetector(partition int32, interval time.Duration, factory metrics.Factory, logger *zap.Logger) *stallDetector {
	d := &stallDetector{
		logger:         logger,
		partition:      partition,
		closePartition: make(chan struct{}, 1),
		done:           make(chan struct{}),
		panicFunc:      defaultStallPanicFunc(factory, logger),
	}
	go d.run(interval)
	return d
}

func defaultStallPanicFunc(factory metrics.Factory, logger *zap.Logger) func(int32) {
	return func(partition int32) {
		factory.Counter("stalldetector.panic-issued", map[string]string{"partition": strconv.Itoa(int(partition))}).Inc(1)
		time.Sleep(time.Second)
		logger.Panic("no UVE notifications consumed in the last check interval", zap.Int32("partition", partition))
	}
}

func (d *stallDetector) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			if atomic.LoadUint64(&d.msgConsumed) == 0 {
				select {
				case d.closePartition <- struct{}{}:
					d.logger.Warn("signalling partition close due to inactivity", zap.Int32("partition", d.partition))
				default:
					d.panicFunc(d.partition)
				}
			} else {
				atomic.StoreUint64(&d.msgConsumed, 0)
			}
		}
	}
}

func (d *stallDetector) incrementMsgCount() {
	atomic.AddUint64(&d.msgConsumed, 1)
}

func (d *stallDetector) closeChannel() <-chan struct{} {
	return d.closePartition
}

func (d *stallDetector) close() {
	close(d.done)
}
