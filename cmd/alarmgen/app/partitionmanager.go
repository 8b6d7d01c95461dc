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

	"go.uber.org/zap"
)

// PartitionState is where one partition sits in its ownership lifecycle.
type PartitionState int

const (
	// PartitionUnowned means this instance does not currently own the partition.
	PartitionUnowned PartitionState = iota
	// PartitionAcquiring means a worker has been spawned and is coming up.
	PartitionAcquiring
	// PartitionOwned means the worker is live and publishing normally.
	PartitionOwned
	// PartitionReleasing means teardown has been signaled and is pending.
	PartitionReleasing
)

const partitionTransitionTimeout = 60 * time.Second

// WorkerFactory spawns the per-partition ingestion worker (D) and returns
// its notification queue and a stop function. Abstracted so the partition
// manager can be tested without a live Kafka cluster.
type WorkerFactory func(partition int32) (queue *NotifQueue, stop func())

// PartitionManager reacts to ownership-change callbacks from Component L,
// spawning and tearing down per-partition workers. All membership
// transitions are processed from a single mailbox goroutine so overlapping
// callbacks serialize, matching the teacher's single-threaded callback
// dispatch idiom for consumer-group rebalances.
type PartitionManager struct {
	logger  *zap.Logger
	spawn   WorkerFactory
	mailbox chan []int32
	done    chan struct{}

	mu      sync.RWMutex
	owned   map[int32]struct{}
	state   map[int32]PartitionState
	acqTime map[int32]time.Time
	queues  map[int32]*NotifQueue
	stopFns map[int32]func()
}

// NewPartitionManager starts the mailbox goroutine and returns the manager.
func NewPartitionManager(spawn WorkerFactory, logger *zap.Logger) *PartitionManager {
	m := &PartitionManager{
		logger:  logger,
		spawn:   spawn,
		mailbox: make(chan []int32, 8),
		done:    make(chan struct{}),
		owned:   make(map[int32]struct{}),
		state:   make(map[int32]PartitionState),
		acqTime: make(map[int32]time.Time),
		queues:  make(map[int32]*NotifQueue),
		stopFns: make(map[int32]func()),
	}
	go m.run()
	return m
}

// OnOwnershipChange is the callback handed to Component L. It never blocks
// the caller beyond a channel send.
func (m *PartitionManager) OnOwnershipChange(newOwned []int32) {
	select {
	case m.mailbox <- newOwned:
	case <-m.done:
	}
}

func (m *PartitionManager) run() {
	for {
		select {
		case <-m.done:
			return
		case newOwned := <-m.mailbox:
			m.reconcile(newOwned)
		}
	}
}

func (m *PartitionManager) reconcile(newOwned []int32) {
	next := make(map[int32]struct{}, len(newOwned))
	for _, p := range newOwned {
		next[p] = struct{}{}
	}

	m.mu.Lock()
	var added, removed []int32
	for p := range next {
		if _, ok := m.owned[p]; !ok {
			added = append(added, p)
		}
	}
	for p := range m.owned {
		if _, ok := next[p]; !ok {
			removed = append(removed, p)
		}
	}
	m.mu.Unlock()

	for _, p := range added {
		m.acquire(p)
	}
	for _, p := range removed {
		m.release(p)
	}
}

func (m *PartitionManager) acquire(p int32) {
	m.mu.Lock()
	m.state[p] = PartitionAcquiring
	m.acqTime[p] = time.Now().UTC()
	m.mu.Unlock()

	queue, stop := m.spawn(p)

	m.mu.Lock()
	m.owned[p] = struct{}{}
	m.queues[p] = queue
	m.stopFns[p] = stop
	m.state[p] = PartitionOwned
	m.mu.Unlock()

	m.logger.Info("acquired partition", zap.Int32("partition", p))
}

func (m *PartitionManager) release(p int32) {
	m.mu.Lock()
	m.state[p] = PartitionReleasing
	stop := m.stopFns[p]
	m.mu.Unlock()

	if stop != nil {
		stop()
	}

	m.mu.Lock()
	delete(m.owned, p)
	delete(m.queues, p)
	delete(m.stopFns, p)
	delete(m.acqTime, p)
	m.state[p] = PartitionUnowned
	m.mu.Unlock()

	m.logger.Info("released partition", zap.Int32("partition", p))
}

// Owned returns a snapshot of currently owned partition numbers.
func (m *PartitionManager) Owned() []int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int32, 0, len(m.owned))
	for p := range m.owned {
		out = append(out, p)
	}
	return out
}

// Queue returns the notification queue for a partition, if owned.
func (m *PartitionManager) Queue(p int32) (*NotifQueue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[p]
	return q, ok
}

// State reports the lifecycle state of a partition, defaulting to
// PartitionUnowned for a partition never seen.
func (m *PartitionManager) State(p int32) PartitionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state[p]
}

// AcquiredAt reports when a currently-owned partition was acquired.
func (m *PartitionManager) AcquiredAt(p int32) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.acqTime[p]
	return t, ok
}

// Close tears down every owned partition and stops the mailbox goroutine.
func (m *PartitionManager) Close() {
	for _, p := range m.Owned() {
		m.release(p)
	}
	close(m.done)
}
