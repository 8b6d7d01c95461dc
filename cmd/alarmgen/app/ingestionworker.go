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
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shopify/sarama"
	"github.com/uber/jaeger-lib/metrics"
	"go.uber.org/zap"

	"github.com/jaegertracing/jaeger-alarmgen/model"
	"github.com/jaegertracing/jaeger-alarmgen/pkg/uvecache"
)

// changeNotification is the decoded payload of one uve-{p} topic message.
type changeNotification struct {
	Key         string   `json:"key"`
	StructTypes []string `json:"struct_types,omitempty"`
}

// IngestionWorkerConfig bundles the tunables one partition worker needs.
type IngestionWorkerConfig struct {
	Partition           int32
	ResourceCheckPeriod time.Duration
	StallInterval       time.Duration
}

// DefaultIngestionWorkerConfig matches the 5s resource-check cadence and
// 2-minute stall window named in this system's component design.
func DefaultIngestionWorkerConfig(partition int32) IngestionWorkerConfig {
	return IngestionWorkerConfig{
		Partition:           partition,
		ResourceCheckPeriod: 5 * time.Second,
		StallInterval:       2 * time.Minute,
	}
}

// IngestionWorker consumes one partition's change-notification stream,
// folds arrivals into a NotifQueue per the merge rules, periodically
// reconciles the producer set against the cache's live producer list, and
// self-monitors for stalls.
type IngestionWorker struct {
	cfg      IngestionWorkerConfig
	consumer sarama.PartitionConsumer
	cache    *uvecache.Client
	queue    *NotifQueue
	logger   *zap.Logger
	stall    *stallDetector

	offset int64

	mu        sync.Mutex
	producers map[string]model.ProducerEndpoint
	notifs    map[string]map[string]int // table -> generator-addr -> count
	keys      map[string]map[string]int // table -> uve-key -> count

	done chan struct{}
	wg   sync.WaitGroup
}

// NewIngestionWorker wires a worker around an already-subscribed
// sarama.PartitionConsumer for topic uve-{partition}.
func NewIngestionWorker(cfg IngestionWorkerConfig, consumer sarama.PartitionConsumer, cache *uvecache.Client, factory metrics.Factory, logger *zap.Logger) *IngestionWorker {
	w := &IngestionWorker{
		cfg:       cfg,
		consumer:  consumer,
		cache:     cache,
		queue:     NewNotifQueue(),
		logger:    logger,
		stall:     newStallDetector(cfg.Partition, cfg.StallInterval, factory, logger),
		producers: make(map[string]model.ProducerEndpoint),
		notifs:    make(map[string]map[string]int),
		keys:      make(map[string]map[string]int),
		done:      make(chan struct{}),
	}
	w.wg.Add(2)
	go w.consumeLoop()
	go w.resourceCheckLoop()
	return w
}

// Queue returns the worker's notification set, consumed by the
// state-compression loop.
func (w *IngestionWorker) Queue() *NotifQueue { return w.queue }

// Offset reports the last processed message offset, for introspection.
func (w *IngestionWorker) Offset() int64 {
	return atomic.LoadInt64(&w.offset)
}

func (w *IngestionWorker) consumeLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case <-w.stall.closeChannel():
			w.logger.Warn("closing partition consumer due to inactivity", zap.Int32("partition", w.cfg.Partition))
			return
		case msg, ok := <-w.consumer.Messages():
			if !ok {
				return
			}
			w.handleMessage(msg)
		case err, ok := <-w.consumer.Errors():
			if !ok {
				continue
			}
			w.logger.Error("partition consumer error", zap.Int32("partition", w.cfg.Partition), zap.Error(err))
		}
	}
}

func (w *IngestionWorker) handleMessage(msg *sarama.ConsumerMessage) {
	atomic.StoreInt64(&w.offset, msg.Offset)
	w.stall.incrementMsgCount()

	var n changeNotification
	if err := json.Unmarshal(msg.Value, &n); err != nil {
		w.logger.Warn("malformed change notification", zap.Int32("partition", w.cfg.Partition), zap.Error(err))
		return
	}
	if len(n.StructTypes) == 0 {
		w.queue.MergeFull(n.Key)
	} else {
		w.queue.MergeHint(n.Key, n.StructTypes...)
	}

	key, err := model.ParseKey(n.Key)
	if err != nil {
		return
	}
	w.recordNotif(key, string(msg.Key))
}

func (w *IngestionWorker) recordNotif(key model.Key, generator string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.keys[key.Table] == nil {
		w.keys[key.Table] = make(map[string]int)
	}
	w.keys[key.Table][key.String()]++

	if generator != "" {
		if w.notifs[key.Table] == nil {
			w.notifs[key.Table] = make(map[string]int)
		}
		w.notifs[key.Table][generator]++
	}
}

// Counters returns a snapshot of the per-table notification and per-key
// update counts accumulated since the last Reset, consumed by the
// self-telemetry loop (K) for the periodic process_stats-equivalent report.
func (w *IngestionWorker) Counters() (notifs map[string]map[string]int, keys map[string]map[string]int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	notifs = make(map[string]map[string]int, len(w.notifs))
	for table, byGen := range w.notifs {
		notifs[table] = make(map[string]int, len(byGen))
		for gen, n := range byGen {
			notifs[table][gen] = n
		}
	}
	keys = make(map[string]map[string]int, len(w.keys))
	for table, byKey := range w.keys {
		keys[table] = make(map[string]int, len(byKey))
		for k, n := range byKey {
			keys[table][k] = n
		}
	}
	return notifs, keys
}

// ResetCounters zeroes the notification/key counters for the next
// reporting window.
func (w *IngestionWorker) ResetCounters() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notifs = make(map[string]map[string]int)
	w.keys = make(map[string]map[string]int)
}

// resourceCheckLoop periodically reconciles the tracked producer set
// against the cache's live producer list: a newly-seen producer triggers a
// full partial-read catch-up. A departed producer is only logged; no
// deletions are synthesized and none of its UVEs are queued.
func (w *IngestionWorker) resourceCheckLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.ResourceCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.resourceCheck(context.Background())
		}
	}
}

func (w *IngestionWorker) resourceCheck(ctx context.Context) {
	live, err := w.cache.ListProducers(ctx)
	if err != nil {
		w.logger.Warn("resource check: list producers failed", zap.Error(err))
		return
	}
	liveSet := make(map[string]model.ProducerEndpoint, len(live))
	for _, p := range live {
		liveSet[p.Addr()] = p
	}

	w.mu.Lock()
	var newProducers, goneProducers []model.ProducerEndpoint
	for addr, p := range liveSet {
		if _, known := w.producers[addr]; !known {
			newProducers = append(newProducers, p)
		}
	}
	for addr, p := range w.producers {
		if _, stillLive := liveSet[addr]; !stillLive {
			goneProducers = append(goneProducers, p)
		}
	}
	w.producers = liveSet
	w.mu.Unlock()

	for _, p := range newProducers {
		_, contents, err := w.cache.PartialRead(ctx, int(w.cfg.Partition), p)
		if err != nil {
			w.logger.Warn("resource check: partial read failed", zap.String("producer", p.Addr()), zap.Error(err))
			continue
		}
		for key := range contents {
			w.queue.MergeFull(key.String())
		}
	}
	for _, p := range goneProducers {
		w.logger.Info("producer departed", zap.String("producer", p.Addr()), zap.Int32("partition", w.cfg.Partition))
	}
}

// Close stops the consume and resource-check loops and the stall detector,
// waiting for both goroutines to exit.
func (w *IngestionWorker) Close() {
	close(w.done)
	w.stall.close()
	_ = w.consumer.Close()
	w.wg.Wait()
}

func uveKeyTopic(partition int32) string {
	return fmt.Sprintf("uve-%d", partition)
}
