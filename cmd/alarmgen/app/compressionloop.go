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
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jaegertracing/jaeger-alarmgen/cmd/alarmgen/app/alarm"
	"github.com/jaegertracing/jaeger-alarmgen/model"
	"github.com/jaegertracing/jaeger-alarmgen/pkg/uvecache"
)

const compressionPassBudget = 500 * time.Millisecond

// PartitionSnapshot is the local authoritative state for one owned
// partition: every UVE's KeyInfo plus its active alarms, mutated
// exclusively by the compression loop's goroutine.
type PartitionSnapshot struct {
	mu        sync.Mutex
	keyInfo   map[string]map[string]*KeyInfo                   // table -> name -> KeyInfo
	tabAlarms map[string]map[string]map[string]model.AlarmInfo // table -> uve-key -> alarm-type -> AlarmInfo
}

func newPartitionSnapshot() *PartitionSnapshot {
	return &PartitionSnapshot{
		keyInfo:   make(map[string]map[string]*KeyInfo),
		tabAlarms: make(map[string]map[string]map[string]model.AlarmInfo),
	}
}

// CompressionLoop is the single long-running goroutine (Component F) that
// drains every owned partition's notification queue, re-reads current
// cache contents, diffs, evaluates alarms and hands results to the
// publisher.
type CompressionLoop struct {
	pm        *PartitionManager
	cache     *uvecache.Client
	registry  *alarm.Registry
	publisher *Publisher
	stats     map[string]*TabStats
	statsMu   sync.Mutex
	snapshots map[int32]*PartitionSnapshot
	snapMu    sync.Mutex
	logger    *zap.Logger
	tables    []string

	host           string
	introspectPort int

	done chan struct{}
}

// NewCompressionLoop wires the loop around its collaborators.
func NewCompressionLoop(pm *PartitionManager, cache *uvecache.Client, registry *alarm.Registry, publisher *Publisher,
	tables []string, host string, introspectPort int, logger *zap.Logger) *CompressionLoop {
	stats := make(map[string]*TabStats, len(tables))
	for _, t := range tables {
		stats[t] = NewTabStats()
	}
	return &CompressionLoop{
		pm:             pm,
		cache:          cache,
		registry:       registry,
		publisher:      publisher,
		stats:          stats,
		snapshots:      make(map[int32]*PartitionSnapshot),
		tables:         tables,
		host:           host,
		introspectPort: introspectPort,
		logger:         logger,
		done:           make(chan struct{}),
	}
}

// Run blocks, executing compression passes until Stop is called.
func (c *CompressionLoop) Run() {
	for {
		select {
		case <-c.done:
			return
		default:
		}
		start := time.Now()
		c.pass()
		elapsed := time.Since(start)
		if elapsed < compressionPassBudget {
			time.Sleep(compressionPassBudget - elapsed)
		} else {
			c.logger.Warn("compression loop saturated", zap.Duration("elapsed", elapsed))
		}
	}
}

// Stop signals Run to return after its current pass.
func (c *CompressionLoop) Stop() { close(c.done) }

func (c *CompressionLoop) pass() {
	owned := c.pm.Owned()
	var wg sync.WaitGroup
	for _, p := range owned {
		queue, ok := c.pm.Queue(p)
		if !ok {
			continue
		}
		batch := queue.Swap()
		if len(batch) == 0 {
			continue
		}
		wg.Add(1)
		go func(partition int32, batch map[string]map[string]struct{}, queue *NotifQueue) {
			defer wg.Done()
			delta, ok := c.processPartition(partition, batch)
			if !ok {
				queue.Requeue(batch)
				return
			}
			if c.publisher != nil {
				if err := c.publisher.Publish(delta); err != nil {
					queue.Requeue(batch)
				}
			}
		}(p, batch, queue)
	}
	wg.Wait()
	c.reconcileTeardown()
}

// reconcileTeardown drops snapshot state for any partition no longer owned,
// tracing the withdrawal of every alarm it was carrying. No Kafka record is
// emitted for these withdrawals: ownership is already gone, so there is no
// partition-scoped topic left to publish to. Go's lack of a uveqf flag
// channel is substituted by simply diffing the snapshot map against the
// partition manager's live owned set every pass.
func (c *CompressionLoop) reconcileTeardown() {
	owned := map[int32]struct{}{}
	for _, p := range c.pm.Owned() {
		owned[p] = struct{}{}
	}
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	for p, snap := range c.snapshots {
		if _, ok := owned[p]; ok {
			continue
		}
		for table, byName := range snap.tabAlarms {
			for name, alarms := range byName {
				c.traceAlarm(model.Key{Table: table, Name: name}, alarms, true)
			}
		}
		delete(c.snapshots, p)
	}
}

func (c *CompressionLoop) snapshotFor(p int32) *PartitionSnapshot {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	s, ok := c.snapshots[p]
	if !ok {
		s = newPartitionSnapshot()
		c.snapshots[p] = s
	}
	return s
}

// processPartition re-reads every UVE named in batch, diffs it through
// KeyInfo, evaluates alarms on the new contents, and assembles the delta
// to publish. ok=false tells the caller to requeue the whole batch.
func (c *CompressionLoop) processPartition(partition int32, batch map[string]map[string]struct{}) (Delta, bool) {
	snap := c.snapshotFor(partition)
	delta := Delta{Partition: partition}
	allOK := true

	gen := c.host
	var coll int64
	if acquiredAt, ok := c.pm.AcquiredAt(partition); ok {
		coll = acquiredAt.UnixMicro()
	}

	for uveKeyStr, hint := range batch {
		key, err := model.ParseKey(uveKeyStr)
		if err != nil {
			c.logger.Warn("malformed UVE key in notification batch", zap.String("key", uveKeyStr))
			continue
		}

		getStart := time.Now()
		var filters map[string]struct{}
		if hint != nil {
			filters = hint
		}
		partial, contents, err := c.cache.Get(context.Background(), key, filters)
		getElapsed := time.Since(getStart)

		st := c.statsFor(key.Table)
		st.RecordGet(getElapsed)

		if err != nil {
			c.logger.Warn("cache read failed", zap.String("uve", uveKeyStr), zap.Error(err))
			allOK = false
			continue
		}
		if partial {
			allOK = false
		}

		pubStart := time.Now()
		ki := c.keyInfoFor(snap, key)
		newValues := model.Contents(contents).WithoutAlarms()
		if hint == nil {
			ki.Update(newValues)
		} else {
			for t := range hint {
				val, present := newValues[t]
				ki.UpdateSingle(t, val, present)
			}
		}

		delta.AggUVEs = append(delta.AggUVEs, c.uveOutput(key, gen, coll, ki)...)

		if len(ki.Values()) == 0 {
			delta.AggUVEs = append(delta.AggUVEs, tombstoneMessage(key.String(), gen, coll))
			c.deleteKeyInfo(snap, key)
			if msg, emit := c.withdrawAlarms(snap, key, gen, coll); emit {
				delta.AlarmUVEs = append(delta.AlarmUVEs, msg)
			}
			st.RecordPub(time.Since(pubStart))
			continue
		}

		callStart := time.Now()
		results := c.registry.Evaluate(key.Table, key, ki.Values())
		st.RecordCall(time.Since(callStart))

		if msg, changed := c.applyAlarms(snap, key, results, gen, coll); changed {
			delta.AlarmUVEs = append(delta.AlarmUVEs, msg)
		}
		st.RecordPub(time.Since(pubStart))
	}

	return delta, allOK
}

// uveOutput builds the per-struct-type diff records for one UVE: removed
// struct-types become an explicit-null record, added and changed
// struct-types carry their new value, and unchanged struct-types produce
// nothing. An empty result means the caller must omit the UVE entirely.
func (c *CompressionLoop) uveOutput(key model.Key, gen string, coll int64, ki *KeyInfo) []OutputMessage {
	var out []OutputMessage
	for t := range ki.Removed() {
		out = append(out, structTypeMessage(key.String(), gen, coll, t, nil))
	}
	values := ki.Values()
	for t := range ki.Added() {
		out = append(out, structTypeMessage(key.String(), gen, coll, t, values[t]))
	}
	for t := range ki.Changed() {
		out = append(out, structTypeMessage(key.String(), gen, coll, t, values[t]))
	}
	return out
}

func (c *CompressionLoop) deleteKeyInfo(snap *PartitionSnapshot, key model.Key) {
	snap.mu.Lock()
	defer snap.mu.Unlock()
	if byName, ok := snap.keyInfo[key.Table]; ok {
		delete(byName, key.Name)
	}
}

func (c *CompressionLoop) keyInfoFor(snap *PartitionSnapshot, key model.Key) *KeyInfo {
	snap.mu.Lock()
	defer snap.mu.Unlock()
	byName, ok := snap.keyInfo[key.Table]
	if !ok {
		byName = make(map[string]*KeyInfo)
		snap.keyInfo[key.Table] = byName
	}
	ki, ok := byName[key.Name]
	if !ok {
		ki = NewKeyInfo()
		byName[key.Name] = ki
	}
	return ki
}

// applyAlarms reconciles newly evaluated alarm results against the
// snapshot's active alarm set for one UVE, tokenizing new/changed entries
// and withdrawing entries no evaluator raised this pass. changed is true
// only when the active set actually differs from the previous pass, so a
// repeated identical pass emits nothing.
func (c *CompressionLoop) applyAlarms(snap *PartitionSnapshot, key model.Key, results []alarm.Result, gen string, coll int64) (OutputMessage, bool) {
	snap.mu.Lock()

	byKey, ok := snap.tabAlarms[key.Table]
	if !ok {
		byKey = make(map[string]map[string]model.AlarmInfo)
		snap.tabAlarms[key.Table] = byKey
	}
	current := byKey[key.Name]
	if current == nil {
		current = make(map[string]model.AlarmInfo)
	}

	next := make(map[string]model.AlarmInfo, len(results))
	now := time.Now().UnixMicro()
	changed := len(results) != len(current)
	for _, r := range results {
		newInfo := model.AlarmInfo{
			Type: r.Type, Severity: r.Severity, Timestamp: now,
			Token: model.EncodeToken(c.host, c.introspectPort, now),
			Description: r.Description,
		}
		if old, existed := current[r.Type]; !existed || !old.ContentEqual(newInfo) {
			changed = true
		} else {
			newInfo = old
		}
		next[r.Type] = newInfo
	}

	byKey[key.Name] = next
	if len(next) == 0 {
		delete(byKey, key.Name)
	}
	snap.mu.Unlock()

	if !changed {
		return OutputMessage{}, false
	}

	alarms := make([]model.AlarmInfo, 0, len(next))
	for _, a := range next {
		alarms = append(alarms, a)
	}

	if len(next) == 0 {
		c.traceAlarm(key, nil, true)
		return tombstoneMessage(key.String(), gen, coll), true
	}
	c.traceAlarm(key, alarms, false)
	return structTypeMessage(key.String(), gen, coll, model.AlarmsStructType, model.EncodeAlarms(key.Name, next)), true
}

// withdrawAlarms forcibly clears every alarm held for a UVE whose contents
// just vanished entirely. It emits nothing when the UVE never had an active
// alarm to withdraw.
func (c *CompressionLoop) withdrawAlarms(snap *PartitionSnapshot, key model.Key, gen string, coll int64) (OutputMessage, bool) {
	snap.mu.Lock()
	byKey, ok := snap.tabAlarms[key.Table]
	var withdrawn []model.AlarmInfo
	if ok {
		if current, ok := byKey[key.Name]; ok {
			for _, a := range current {
				withdrawn = append(withdrawn, a)
			}
			delete(byKey, key.Name)
		}
	}
	snap.mu.Unlock()

	if len(withdrawn) == 0 {
		return OutputMessage{}, false
	}
	c.traceAlarm(key, withdrawn, true)
	return tombstoneMessage(key.String(), gen, coll), true
}

// traceAlarm emits the structured alarm_trace record every alarm state
// change or withdrawal produces, independent of whether it is also
// published to the alarm-{p} topic.
func (c *CompressionLoop) traceAlarm(key model.Key, alarms []model.AlarmInfo, deleted bool) {
	types := make([]string, 0, len(alarms))
	for _, a := range alarms {
		types = append(types, a.Type)
	}
	trace := c.logger.Named("alarm_trace")
	if deleted {
		trace.Info("alarm withdrawn", zap.String("uve", key.String()), zap.Strings("alarms", types))
		return
	}
	trace.Info("alarm active", zap.String("uve", key.String()), zap.Strings("alarms", types))
}

func (c *CompressionLoop) statsFor(table string) *TabStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	st, ok := c.stats[table]
	if !ok {
		st = NewTabStats()
		c.stats[table] = st
	}
	return st
}

// StatsSnapshot returns the current reporting-window stats for one table,
// used by introspection.
func (c *CompressionLoop) StatsSnapshot(table string) (Result, bool) {
	c.statsMu.Lock()
	st, ok := c.stats[table]
	c.statsMu.Unlock()
	if !ok {
		return Result{}, false
	}
	return st.Snapshot(), true
}

// ResetStats rolls every table's window over, called by the self-telemetry
// loop at the start of each report period.
func (c *CompressionLoop) ResetStats() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	for _, st := range c.stats {
		st.Reset()
	}
}
