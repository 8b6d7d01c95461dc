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
	"sort"
	"strconv"
	"strings"
	"sync"

	bsm "github.com/bsm/sarama-cluster"
	"go.uber.org/zap"
)

// OwnershipCallback is invoked with the full, ordered list of partitions
// this instance currently owns whenever cluster membership changes it.
type OwnershipCallback func(owned []int32)

// MembershipAdapter wraps bsm/sarama-cluster's consumer-group rebalance
// notifications into the ownership-callback contract the partition manager
// consumes. In no-discovery mode (no quorum endpoints configured) it never
// starts a consumer group and instead logs, matching the source's
// start_libpart returning nil rather than crashing when ZooKeeper/peer-list
// information is unavailable.
type MembershipAdapter struct {
	logger         *zap.Logger
	serviceName    string
	selfID         string
	partitionCount int
	quorum         []string
	callback       OwnershipCallback

	mu       sync.Mutex
	consumer *bsm.Consumer
	stopped  chan struct{}
}

// NewMembershipAdapter builds an adapter bound to one named consumer group
// (the "cluster-membership service" in this service's vocabulary). quorum
// is the list of Kafka broker addresses used for group coordination;
// passing an empty list yields a no-op adapter that logs and never calls
// back on Start, so the process runs with no owned partitions. It does not
// retry registration later: a peer list that arrives afterwards is only
// logged by UpdateClusterList.
func NewMembershipAdapter(serviceName, selfID string, memberList []string, partitionCount int, cb OwnershipCallback, quorum []string, logger *zap.Logger) *MembershipAdapter {
	return &MembershipAdapter{
		logger:         logger,
		serviceName:    serviceName,
		selfID:         selfID,
		partitionCount: partitionCount,
		quorum:         quorum,
		callback:       cb,
	}
}

// Start joins the consumer group named after serviceName and begins
// delivering ownership callbacks on every rebalance. The topic list is the
// full set of uve-{p} partition topics; Kafka's own group coordinator
// performs the partition-count-aware assignment across members.
func (m *MembershipAdapter) Start(topics []string) error {
	if len(m.quorum) == 0 {
		m.logger.Warn("no cluster-membership quorum endpoints configured; running with no owned partitions",
			zap.String("service", m.serviceName))
		return nil
	}

	cfg := bsm.NewConfig()
	cfg.Group.Return.Notifications = true
	cfg.Consumer.Offsets.Initial = -1 // OffsetNewest, avoiding an import cycle on sarama constants here

	consumer, err := bsm.NewConsumer(m.quorum, m.serviceName, topics, cfg)
	if err != nil {
		m.logger.Error("failed to join cluster-membership group", zap.Error(err))
		return err
	}

	m.mu.Lock()
	m.consumer = consumer
	m.stopped = make(chan struct{})
	m.mu.Unlock()

	go m.consumeErrors()
	go m.consumeNotifications()
	return nil
}

func (m *MembershipAdapter) consumeNotifications() {
	for {
		select {
		case <-m.stopped:
			return
		case n, ok := <-m.consumer.Notifications():
			if !ok {
				return
			}
			owned := ownedPartitions(n, m.selfID)
			m.callback(owned)
		}
	}
}

func (m *MembershipAdapter) consumeErrors() {
	for {
		select {
		case <-m.stopped:
			return
		case err, ok := <-m.consumer.Errors():
			if !ok {
				return
			}
			m.logger.Error("cluster-membership consumer error", zap.Error(err))
		}
	}
}

// ownedPartitions flattens a rebalance notification's per-topic claim set
// into a deduplicated, sorted partition-number list, since every uve-{p}
// topic this instance is assigned maps 1:1 onto partition p.
func ownedPartitions(n *bsm.Notification, selfID string) []int32 {
	seen := map[int32]struct{}{}
	for topic := range n.Claimed {
		p, err := strconv.ParseInt(strings.TrimPrefix(topic, "uve-"), 10, 32)
		if err != nil {
			continue
		}
		seen[int32(p)] = struct{}{}
	}
	out := make([]int32, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UpdateClusterList is called by the discovery client (M) when the
// alarm-generator peer list changes in no-discovery-registered mode.
// sarama-cluster's group membership is driven entirely by Kafka's own
// coordinator, not by an explicit peer list, so this is a log-only
// acknowledgement rather than a live broker-set change; bsm.Consumer offers
// no API to add quorum endpoints after Start.
func (m *MembershipAdapter) UpdateClusterList(members []string) {
	m.logger.Info("alarm-generator peer list updated", zap.Strings("members", members))
}

// Close leaves the consumer group, if one was started.
func (m *MembershipAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumer == nil {
		return nil
	}
	close(m.stopped)
	return m.consumer.Close()
}
