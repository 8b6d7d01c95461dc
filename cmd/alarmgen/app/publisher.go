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
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shopify/sarama"
	"github.com/eapache/go-resiliency/breaker"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Delta is one partition's worth of output to be published: every
// struct-type-level UVE update plus every alarm-set update produced by one
// compression-loop pass, already decomposed into individual wire records.
type Delta struct {
	Partition int32
	AggUVEs   []OutputMessage
	AlarmUVEs []OutputMessage
}

// OutputMessage is one record on the agguve-{p} or alarm-{p} topic: the
// UVEUpdate envelope shared by both streams. Type is nil for a whole-UVE
// tombstone (the entire key vanished); otherwise it names the struct-type
// the record carries. HasValue distinguishes a struct-type removal, whose
// value is the explicit JSON null, from a whole-UVE tombstone, which has no
// value field at all.
type OutputMessage struct {
	Key      string
	Gen      string
	Coll     int64
	Type     *string
	Value    any
	HasValue bool
}

func structTypeMessage(key, gen string, coll int64, structType string, value any) OutputMessage {
	t := structType
	return OutputMessage{Key: key, Gen: gen, Coll: coll, Type: &t, Value: value, HasValue: true}
}

func tombstoneMessage(key, gen string, coll int64) OutputMessage {
	return OutputMessage{Key: key, Gen: gen, Coll: coll}
}

func (m OutputMessage) toRecord() map[string]any {
	rec := map[string]any{
		"message": "UVEUpdate",
		"key":     m.Key,
		"gen":     m.Gen,
		"coll":    m.Coll,
	}
	if m.Type != nil {
		rec["type"] = *m.Type
	} else {
		rec["type"] = nil
	}
	if m.HasValue {
		rec["value"] = m.Value
	}
	return rec
}

// Publisher emits per-partition deltas to Kafka with at-least-once
// semantics, wrapping every publish attempt in a circuit breaker so a run
// of broker failures stops hammering it for a cooldown window instead of
// retrying every compression-loop pass.
type Publisher struct {
	producer sarama.SyncProducer
	breaker  *breaker.Breaker
	logger   *zap.Logger
}

// PublisherConfig controls the breaker thresholds, matching the shape of
// the teacher's resiliency wiring around outbound Kafka writes.
type PublisherConfig struct {
	BreakerErrorThreshold   int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration
}

// DefaultPublisherConfig mirrors the conservative defaults used elsewhere
// in this service's lineage for outbound broker calls.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{BreakerErrorThreshold: 5, BreakerSuccessThreshold: 1, BreakerTimeout: 10 * time.Second}
}

// NewPublisher wraps an already-configured SyncProducer.
func NewPublisher(producer sarama.SyncProducer, cfg PublisherConfig, logger *zap.Logger) *Publisher {
	return &Publisher{
		producer: producer,
		breaker:  breaker.New(cfg.BreakerErrorThreshold, cfg.BreakerSuccessThreshold, cfg.BreakerTimeout),
		logger:   logger,
	}
}

// Publish sends a partition's delta to its two output topics. A breaker
// trip, a send error, or a json encode error are all treated identically:
// the caller must requeue the pending batch for the next pass.
func (p *Publisher) Publish(d Delta) error {
	err := p.breaker.Run(func() error {
		return p.send(d)
	})
	if err == breaker.ErrBreakerOpen {
		p.logger.Warn("publisher breaker open, dropping pass", zap.Int32("partition", d.Partition))
		return err
	}
	if err != nil {
		p.logger.Error("publish failed", zap.Int32("partition", d.Partition), zap.Error(err))
		return err
	}
	return nil
}

func (p *Publisher) send(d Delta) error {
	aggTopic := fmt.Sprintf("agguve-%d", d.Partition)
	alarmTopic := fmt.Sprintf("alarm-%d", d.Partition)

	var msgs []*sarama.ProducerMessage
	for _, m := range d.AggUVEs {
		msg, err := encodeMessage(aggTopic, m)
		if err != nil {
			return errors.Wrap(err, "encode agg uve message")
		}
		msgs = append(msgs, msg)
	}
	for _, m := range d.AlarmUVEs {
		msg, err := encodeMessage(alarmTopic, m)
		if err != nil {
			return errors.Wrap(err, "encode alarm message")
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}
	return p.producer.SendMessages(msgs)
}

func encodeMessage(topic string, m OutputMessage) (*sarama.ProducerMessage, error) {
	payload, err := json.Marshal(m.toRecord())
	if err != nil {
		return nil, err
	}
	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(m.Key),
		Value: sarama.ByteEncoder(payload),
	}, nil
}

// NewSyncProducer builds the Sarama SyncProducer this publisher wraps,
// configured for acks=all batched delivery.
func NewSyncProducer(brokers []string, batchSize int, linger time.Duration) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Flush.Messages = batchSize
	cfg.Producer.Flush.Frequency = linger
	return sarama.NewSyncProducer(brokers, cfg)
}
