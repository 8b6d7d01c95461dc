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
	"testing"
	"time"

	"github.com/Shopify/sarama"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber/jaeger-lib/metrics"
	"go.uber.org/zap/zaptest"

	"github.com/jaegertracing/jaeger-alarmgen/pkg/uvecache"
)

type fakePartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errs     chan *sarama.ConsumerError
	closed   chan struct{}
}

func newFakePartitionConsumer() *fakePartitionConsumer {
	return &fakePartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage, 16),
		errs:     make(chan *sarama.ConsumerError, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakePartitionConsumer) AsyncClose() { close(f.closed) }
func (f *fakePartitionConsumer) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}
func (f *fakePartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return f.messages }
func (f *fakePartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return f.errs }
func (f *fakePartitionConsumer) HighWaterMarkOffset() int64               { return 0 }
func (f *fakePartitionConsumer) IsPaused() bool                           { return false }
func (f *fakePartitionConsumer) Pause()                                   {}
func (f *fakePartitionConsumer) Resume()                                  {}

func newTestCache(t *testing.T) *uvecache.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return uvecache.NewClientWithRedis(rdb, zaptest.NewLogger(t))
}

func TestIngestionWorker_FullNotificationMergesNil(t *testing.T) {
	consumer := newFakePartitionConsumer()
	cache := newTestCache(t)
	cfg := DefaultIngestionWorkerConfig(0)
	cfg.ResourceCheckPeriod = time.Hour
	cfg.StallInterval = time.Hour

	w := NewIngestionWorker(cfg, consumer, cache, metrics.NullFactory, zaptest.NewLogger(t))
	defer w.Close()

	consumer.messages <- &sarama.ConsumerMessage{
		Key:    []byte("10.0.0.1:8089"),
		Value:  []byte(`{"key":"ObjectVRouter:vr1"}`),
		Offset: 5,
	}

	waitUntil(t, func() bool { return w.Offset() == 5 })
	batch := w.Queue().Swap()
	require.Contains(t, batch, "ObjectVRouter:vr1")
	assert.Nil(t, batch["ObjectVRouter:vr1"])
}

func TestIngestionWorker_HintNotificationMergesStructTypes(t *testing.T) {
	consumer := newFakePartitionConsumer()
	cache := newTestCache(t)
	cfg := DefaultIngestionWorkerConfig(0)
	cfg.ResourceCheckPeriod = time.Hour
	cfg.StallInterval = time.Hour

	w := NewIngestionWorker(cfg, consumer, cache, metrics.NullFactory, zaptest.NewLogger(t))
	defer w.Close()

	consumer.messages <- &sarama.ConsumerMessage{
		Key:   []byte("10.0.0.1:8089"),
		Value: []byte(`{"key":"ObjectVRouter:vr1","struct_types":["CpuInfo"]}`),
	}

	waitUntil(t, func() bool { return w.Queue().Len() == 1 })
	batch := w.Queue().Swap()
	require.NotNil(t, batch["ObjectVRouter:vr1"])
	assert.Contains(t, batch["ObjectVRouter:vr1"], "CpuInfo")
}

func TestIngestionWorker_CountersAccumulateAndReset(t *testing.T) {
	consumer := newFakePartitionConsumer()
	cache := newTestCache(t)
	cfg := DefaultIngestionWorkerConfig(0)
	cfg.ResourceCheckPeriod = time.Hour
	cfg.StallInterval = time.Hour

	w := NewIngestionWorker(cfg, consumer, cache, metrics.NullFactory, zaptest.NewLogger(t))
	defer w.Close()

	consumer.messages <- &sarama.ConsumerMessage{
		Key:   []byte("10.0.0.1:8089"),
		Value: []byte(`{"key":"ObjectVRouter:vr1"}`),
	}
	waitUntil(t, func() bool {
		_, keys := w.Counters()
		return keys["ObjectVRouter"]["ObjectVRouter:vr1"] == 1
	})

	w.ResetCounters()
	notifs, keys := w.Counters()
	assert.Empty(t, notifs)
	assert.Empty(t, keys)
}
