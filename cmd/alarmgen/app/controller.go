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

// Package app wires together the alarm generator's components: the
// per-partition ingestion workers, the compression loop, the Kafka
// publisher, cluster-membership-driven partition ownership, and the
// introspection HTTP surface. Controller is the top-level type main.go
// starts and stops.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/uber/jaeger-lib/metrics"
	"go.uber.org/zap"

	"github.com/jaegertracing/jaeger-alarmgen/cmd/alarmgen/app/alarm"
	"github.com/jaegertracing/jaeger-alarmgen/cmd/alarmgen/app/introspect"
	"github.com/jaegertracing/jaeger-alarmgen/internal/config"
	"github.com/jaegertracing/jaeger-alarmgen/pkg/discovery"
	"github.com/jaegertracing/jaeger-alarmgen/pkg/uvecache"
)

// Controller owns every long-running goroutine in one alarm-generator
// process: partition ownership, ingestion, compression, publishing,
// cluster membership and introspection.
type Controller struct {
	cfg    config.Config
	logger *zap.Logger

	cache     *uvecache.Client
	registry  *alarm.Registry
	producer  sarama.SyncProducer
	publisher *Publisher
	consumer  sarama.Consumer

	pm               *PartitionManager
	loop             *CompressionLoop
	membership       *MembershipAdapter
	membershipTopics []string
	telemetry        *SelfTelemetryLoop
	introspect       *http.Server

	peers       peerSource
	peerUpdates chan []string

	workersMu sync.Mutex
	workers   map[int32]*IngestionWorker
}

// peerSource is a discovery client that also notifies subscribers of
// peer-list changes.
type peerSource interface {
	discovery.Discoverer
	discovery.Notifier
}

// NewController builds every collaborator from cfg but starts nothing.
func NewController(cfg config.Config, logger *zap.Logger, factory metrics.Factory) (*Controller, error) {
	cache, err := uvecache.NewClient(uvecache.Config{
		Addrs:    cfg.CacheEndpoints,
		Password: cfg.CachePassword,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build uve cache client: %w", err)
	}

	producer, err := NewSyncProducer(cfg.BrokerEndpoints, cfg.PublishBatchSize, cfg.PublishLinger)
	if err != nil {
		return nil, fmt.Errorf("build kafka producer: %w", err)
	}
	publisher := NewPublisher(producer, DefaultPublisherConfig(), logger)

	consumer, err := sarama.NewConsumer(cfg.BrokerEndpoints, sarama.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("build kafka consumer: %w", err)
	}

	registry := alarm.NewDefaultRegistry(logger, cfg.Tables)

	c := &Controller{
		cfg:         cfg,
		logger:      logger,
		cache:       cache,
		registry:    registry,
		producer:    producer,
		publisher:   publisher,
		consumer:    consumer,
		workers:     make(map[int32]*IngestionWorker),
		peerUpdates: make(chan []string, 1),
	}

	c.pm = NewPartitionManager(c.spawnWorker, logger)
	c.loop = NewCompressionLoop(c.pm, cache, registry, publisher, cfg.Tables, cfg.IntrospectHost, cfg.IntrospectPort, logger)

	topics := make([]string, cfg.PartitionCount)
	for p := 0; p < cfg.PartitionCount; p++ {
		topics[p] = uveKeyTopic(int32(p))
	}
	c.membershipTopics = topics
	c.membership = NewMembershipAdapter("alarmgen", cfg.WorkerID, cfg.PeerList, cfg.PartitionCount, c.pm.OnOwnershipChange, cfg.QuorumEndpoints, logger)

	c.peers = buildDiscoverer(cfg, logger)
	c.peers.Register(c.peerUpdates)

	c.telemetry = NewSelfTelemetryLoop(cfg.WorkerID, cfg.SelfReportInterval, c.pm, c.loop, c.liveWorkers, factory, logger)

	adapter := newIntrospectAdapter(c.pm, c.loop, cfg.Tables)
	srv := introspect.NewServer(adapter, logger)
	c.introspect = &http.Server{
		Addr:    net.JoinHostPort(cfg.IntrospectHost, strconv.Itoa(cfg.IntrospectPort)),
		Handler: srv.Handler(),
	}

	return c, nil
}

// buildDiscoverer picks the no-discovery fixed peer list or an HTTP
// polling registry client depending on cfg.DiscoveryAddr, matching the
// distilled spec's "discovery optional" contract: an empty address falls
// back to a static peer list supplied directly in configuration.
func buildDiscoverer(cfg config.Config, logger *zap.Logger) peerSource {
	if cfg.DiscoveryAddr == "" {
		return discovery.NewFixedDiscoverer(cfg.PeerList)
	}
	client := discovery.NewPollingClient(5*time.Second, func(ctx context.Context) ([]string, error) {
		return fetchPeerList(ctx, cfg.DiscoveryAddr)
	}, logger)
	client.Start(context.Background())
	return client
}

func fetchPeerList(ctx context.Context, addr string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/peers/alarmgen", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var peers []string
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		return nil, fmt.Errorf("decode peer list: %w", err)
	}
	return peers, nil
}

// spawnWorker is the WorkerFactory handed to the partition manager: it
// opens a PartitionConsumer for uve-{p} and wraps it in an IngestionWorker.
func (c *Controller) spawnWorker(partition int32) (*NotifQueue, func()) {
	pc, err := c.consumer.ConsumePartition(uveKeyTopic(partition), 0, sarama.OffsetNewest)
	if err != nil {
		c.logger.Error("failed to open partition consumer, running with an empty queue",
			zap.Int32("partition", partition), zap.Error(err))
		return NewNotifQueue(), func() {}
	}

	wcfg := DefaultIngestionWorkerConfig(partition)
	if c.cfg.StallDetectorPeriod > 0 {
		wcfg.StallInterval = c.cfg.StallDetectorPeriod
	}
	w := NewIngestionWorker(wcfg, pc, c.cache, metrics.NullFactory, c.logger)

	c.workersMu.Lock()
	c.workers[partition] = w
	c.workersMu.Unlock()

	return w.Queue(), func() {
		c.workersMu.Lock()
		delete(c.workers, partition)
		c.workersMu.Unlock()
		w.Close()
	}
}

func (c *Controller) liveWorkers() []*IngestionWorker {
	c.workersMu.Lock()
	defer c.workersMu.Unlock()
	out := make([]*IngestionWorker, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, w)
	}
	return out
}

// watchPeers forwards discovery peer-list changes to the cluster-membership
// adapter's log-only UpdateClusterList until the controller is closed.
func (c *Controller) watchPeers() {
	for peers := range c.peerUpdates {
		c.membership.UpdateClusterList(peers)
	}
}

// Run starts every background loop and blocks until Close is called from
// another goroutine (normally the signal handler in main.go).
func (c *Controller) Run() error {
	if err := c.membership.Start(c.membershipTopics); err != nil {
		return fmt.Errorf("start cluster membership: %w", err)
	}

	go c.watchPeers()
	go c.telemetry.Run()
	go func() {
		if err := c.introspect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("introspection server stopped", zap.Error(err))
		}
	}()

	c.loop.Run() // blocks until Stop; this goroutine is the controller's main loop
	return nil
}

// Close tears every collaborator down in this order: leave the
// cluster-membership group, drop the discovery subscription (closing a
// polling client), stop the peer-list watcher and the self-telemetry loop,
// stop the compression loop, release every owned partition (closing its
// worker), then close the HTTP server and the Kafka producer and consumer.
func (c *Controller) Close() error {
	_ = c.membership.Close()
	c.peers.Unregister(c.peerUpdates)
	if poller, ok := c.peers.(*discovery.PollingClient); ok {
		poller.Close()
	}
	close(c.peerUpdates)
	c.telemetry.Stop()
	c.loop.Stop()
	c.pm.Close()
	_ = c.introspect.Close()
	_ = c.producer.Close()
	_ = c.consumer.Close()
	return nil
}
