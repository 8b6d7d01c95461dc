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

// Package discovery watches a discovery/service-registry for live producer
// and alarm-generator peer endpoints, falling back to a static list when no
// registry is configured. It plays the role the source's disc_cb_coll and
// disc_cb_ag callbacks play against OpServer's discovery client, adapted to
// jaeger's own Notifier/Discoverer split (pkg/discovery/grpcresolver).
package discovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Discoverer returns the current list of known endpoints for one service
// name. Implementations may be backed by a registry poll, a long-poll
// subscription, or (in no-discovery mode) a fixed static list.
type Discoverer interface {
	Instances() ([]string, error)
}

// Notifier lets callers subscribe to endpoint-list changes, analogous to
// jaeger's own pkg/discovery.Notifier used by the gRPC resolver.
type Notifier interface {
	Register(ch chan<- []string)
	Unregister(ch chan<- []string)
}

// FixedDiscoverer always returns the same static list, used when no
// discovery endpoint is configured; matches the distilled spec's "static
// configuration, never refreshed" no-discovery mode.
type FixedDiscoverer struct {
	instances []string
}

// NewFixedDiscoverer builds a Discoverer over a static endpoint list.
func NewFixedDiscoverer(instances []string) *FixedDiscoverer {
	return &FixedDiscoverer{instances: instances}
}

// Instances returns the fixed list, always without error.
func (f *FixedDiscoverer) Instances() ([]string, error) {
	return f.instances, nil
}

// Register and Unregister are no-ops: a fixed list never changes, so there
// is nothing to notify subscribers about.
func (f *FixedDiscoverer) Register(chan<- []string)   {}
func (f *FixedDiscoverer) Unregister(chan<- []string) {}

// PollingClient polls a registry-backed Discoverer on a fixed interval and
// fans out changes to every registered subscriber, the Go analogue of the
// source's periodic disc_cb_coll/disc_cb_ag refresh.
type PollingClient struct {
	logger   *zap.Logger
	interval time.Duration
	fetch    func(ctx context.Context) ([]string, error)

	mu          sync.Mutex
	current     []string
	subscribers map[chan<- []string]struct{}

	cancel context.CancelFunc
}

// NewPollingClient builds a client that calls fetch every interval and
// pushes the result to subscribers whenever it changes.
func NewPollingClient(interval time.Duration, fetch func(ctx context.Context) ([]string, error), logger *zap.Logger) *PollingClient {
	return &PollingClient{
		logger:      logger,
		interval:    interval,
		fetch:       fetch,
		subscribers: make(map[chan<- []string]struct{}),
	}
}

// Start begins polling in the background until Close is called.
func (p *PollingClient) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.run(ctx)
}

func (p *PollingClient) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *PollingClient) poll(ctx context.Context) {
	instances, err := p.fetch(ctx)
	if err != nil {
		p.logger.Warn("discovery poll failed", zap.Error(err))
		return
	}
	p.mu.Lock()
	changed := !stringSliceEqual(p.current, instances)
	p.current = instances
	subs := make([]chan<- []string, 0, len(p.subscribers))
	for ch := range p.subscribers {
		subs = append(subs, ch)
	}
	p.mu.Unlock()

	if !changed {
		return
	}
	for _, ch := range subs {
		select {
		case ch <- instances:
		default:
			p.logger.Warn("discovery subscriber channel full, dropping update")
		}
	}
}

// Instances returns the most recently polled list.
func (p *PollingClient) Instances() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.current))
	copy(out, p.current)
	return out, nil
}

// Register subscribes ch to future endpoint-list changes.
func (p *PollingClient) Register(ch chan<- []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers[ch] = struct{}{}
}

// Unregister removes a previously registered subscriber.
func (p *PollingClient) Unregister(ch chan<- []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subscribers, ch)
}

// Close stops the polling goroutine.
func (p *PollingClient) Close() {
	if p.cancel != nil {
		p.cancel()
	}
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
