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

import "sync"

// NotifQueue is the per-partition notification set: for each UVE key seen
// to have changed since the last compression pass, either nil (re-read the
// whole UVE) or a set of struct-types hinted to have changed. A nil entry
// strictly dominates a partial hint, so it always wins on merge.
type NotifQueue struct {
	mu      sync.Mutex
	entries map[string]map[string]struct{}
	flushed bool // not set anywhere; partition teardown does not go through the queue
}

// NewNotifQueue returns an empty queue.
func NewNotifQueue() *NotifQueue {
	return &NotifQueue{entries: make(map[string]map[string]struct{})}
}

// MergeFull records that uveKey must be fully re-read on the next pass.
func (q *NotifQueue) MergeFull(uveKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[uveKey] = nil
}

// MergeHint records that the given struct-types changed on uveKey, unless a
// full re-read is already pending for it.
func (q *NotifQueue) MergeHint(uveKey string, structTypes ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	existing, present := q.entries[uveKey]
	if present && existing == nil {
		return
	}
	if existing == nil {
		existing = make(map[string]struct{}, len(structTypes))
	}
	for _, st := range structTypes {
		existing[st] = struct{}{}
	}
	q.entries[uveKey] = existing
}

// Swap atomically replaces the queue's contents with an empty set and
// returns what was there, the compression point referred to by the
// state-compression loop.
func (q *NotifQueue) Swap() map[string]map[string]struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.entries
	q.entries = make(map[string]map[string]struct{})
	return out
}

// Requeue merges a previously swapped-out batch back in, used when
// processing a partition's batch fails and must be retried next pass.
func (q *NotifQueue) Requeue(batch map[string]map[string]struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for uveKey, hint := range batch {
		existing, present := q.entries[uveKey]
		if present && existing == nil {
			continue
		}
		if hint == nil {
			q.entries[uveKey] = nil
			continue
		}
		if existing == nil {
			existing = make(map[string]struct{}, len(hint))
		}
		for st := range hint {
			existing[st] = struct{}{}
		}
		q.entries[uveKey] = existing
	}
}

// Len reports the number of distinct UVE keys currently queued.
func (q *NotifQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
