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

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jaegertracing/jaeger-alarmgen/cmd/alarmgen/app/alarm"
	"github.com/jaegertracing/jaeger-alarmgen/model"
	"github.com/jaegertracing/jaeger-alarmgen/pkg/uvecache"
)

func newLoopTestCache(t *testing.T) (*uvecache.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return uvecache.NewClientWithRedis(rdb, zaptest.NewLogger(t)), mr
}

func messageByType(msgs []OutputMessage, structType string) (OutputMessage, bool) {
	for _, m := range msgs {
		if m.Type != nil && *m.Type == structType {
			return m, true
		}
	}
	return OutputMessage{}, false
}

func tombstoneIn(msgs []OutputMessage) bool {
	for _, m := range msgs {
		if m.Type == nil {
			return true
		}
	}
	return false
}

func TestCompressionLoop_ProcessPartitionRaisesAlarmAndPublishes(t *testing.T) {
	cache, mr := newLoopTestCache(t)
	mr.HSet("gen:10.0.0.1:8089:0:ObjectVRouter:vr1", "CpuInfo", `{"load":2.0}`)

	registry := alarm.NewDefaultRegistry(zaptest.NewLogger(t), []string{"ObjectVRouter"})
	factory := func(p int32) (*NotifQueue, func()) { return NewNotifQueue(), func() {} }
	pm := NewPartitionManager(factory, zaptest.NewLogger(t))
	defer pm.Close()
	pm.OnOwnershipChange([]int32{0})
	waitUntil(t, func() bool { return len(pm.Owned()) == 1 })

	loop := NewCompressionLoop(pm, cache, registry, nil, []string{"ObjectVRouter"}, "host1", 8090, zaptest.NewLogger(t))

	queue, ok := pm.Queue(0)
	require.True(t, ok)
	queue.MergeFull("ObjectVRouter:vr1")
	batch := queue.Swap()

	delta, ok := loop.processPartition(0, batch)
	require.True(t, ok)
	require.Len(t, delta.AggUVEs, 1)
	cpu, found := messageByType(delta.AggUVEs, "CpuInfo")
	require.True(t, found)
	assert.Equal(t, "ObjectVRouter:vr1", cpu.Key)
	assert.Equal(t, map[string]any{"load": 2.0}, cpu.Value)

	require.Len(t, delta.AlarmUVEs, 1)
	alarmMsg, found := messageByType(delta.AlarmUVEs, "UVEAlarms")
	require.True(t, found)
	encoded, ok := alarmMsg.Value.(model.UVEAlarms)
	require.True(t, ok)
	require.Len(t, encoded.Alarms, 1)
	assert.Equal(t, "HighLoad", encoded.Alarms[0].Type)
}

func TestCompressionLoop_NoAlarmConditionYieldsNoAlarmMessage(t *testing.T) {
	cache, mr := newLoopTestCache(t)
	mr.HSet("gen:10.0.0.1:8089:0:ObjectVRouter:vr1", "CpuInfo", `{"load":1.0}`)

	registry := alarm.NewDefaultRegistry(zaptest.NewLogger(t), []string{"ObjectVRouter"})
	factory := func(p int32) (*NotifQueue, func()) { return NewNotifQueue(), func() {} }
	pm := NewPartitionManager(factory, zaptest.NewLogger(t))
	defer pm.Close()
	pm.OnOwnershipChange([]int32{0})
	waitUntil(t, func() bool { return len(pm.Owned()) == 1 })

	loop := NewCompressionLoop(pm, cache, registry, nil, []string{"ObjectVRouter"}, "host1", 8090, zaptest.NewLogger(t))
	queue, _ := pm.Queue(0)
	queue.MergeFull("ObjectVRouter:vr1")
	batch := queue.Swap()

	delta, ok := loop.processPartition(0, batch)
	require.True(t, ok)
	require.Len(t, delta.AggUVEs, 1)
	assert.Empty(t, delta.AlarmUVEs)
}

func TestCompressionLoop_RepeatedPassDoesNotReannounceUnchangedAlarm(t *testing.T) {
	cache, mr := newLoopTestCache(t)
	mr.HSet("gen:10.0.0.1:8089:0:ObjectVRouter:vr1", "CpuInfo", `{"load":2.0}`)

	registry := alarm.NewDefaultRegistry(zaptest.NewLogger(t), []string{"ObjectVRouter"})
	factory := func(p int32) (*NotifQueue, func()) { return NewNotifQueue(), func() {} }
	pm := NewPartitionManager(factory, zaptest.NewLogger(t))
	defer pm.Close()
	pm.OnOwnershipChange([]int32{0})
	waitUntil(t, func() bool { return len(pm.Owned()) == 1 })

	loop := NewCompressionLoop(pm, cache, registry, nil, []string{"ObjectVRouter"}, "host1", 8090, zaptest.NewLogger(t))
	queue, _ := pm.Queue(0)

	queue.MergeFull("ObjectVRouter:vr1")
	first, _ := loop.processPartition(0, queue.Swap())
	require.Len(t, first.AlarmUVEs, 1)
	firstAlarm, _ := messageByType(first.AlarmUVEs, "UVEAlarms")
	assert.NotEmpty(t, firstAlarm.Value.(model.UVEAlarms).Alarms[0].Token)

	queue.MergeFull("ObjectVRouter:vr1")
	second, _ := loop.processPartition(0, queue.Swap())
	assert.Empty(t, second.AlarmUVEs, "an identical second pass must not re-announce an unchanged alarm")
}

// TestCompressionLoop_SingleUpdateLeavesOtherStructTypesIntact exercises a
// multi-struct-type UVE: a hinted notification naming only one struct-type
// must not corrupt the aggregated snapshot by treating every other
// currently-held struct-type as removed.
func TestCompressionLoop_SingleUpdateLeavesOtherStructTypesIntact(t *testing.T) {
	cache, mr := newLoopTestCache(t)
	mr.HSet("gen:10.0.0.1:8089:0:ObjectVRouter:vr1",
		"CpuInfo", `{"load":1.0}`,
		"MemInfo", `{"used":50}`,
	)

	registry := alarm.NewDefaultRegistry(zaptest.NewLogger(t), []string{"ObjectVRouter"})
	factory := func(p int32) (*NotifQueue, func()) { return NewNotifQueue(), func() {} }
	pm := NewPartitionManager(factory, zaptest.NewLogger(t))
	defer pm.Close()
	pm.OnOwnershipChange([]int32{0})
	waitUntil(t, func() bool { return len(pm.Owned()) == 1 })

	loop := NewCompressionLoop(pm, cache, registry, nil, []string{"ObjectVRouter"}, "host1", 8090, zaptest.NewLogger(t))
	queue, _ := pm.Queue(0)

	// First pass: full read picks up both struct-types.
	queue.MergeFull("ObjectVRouter:vr1")
	first, ok := loop.processPartition(0, queue.Swap())
	require.True(t, ok)
	_, cpuFound := messageByType(first.AggUVEs, "CpuInfo")
	_, memFound := messageByType(first.AggUVEs, "MemInfo")
	assert.True(t, cpuFound)
	assert.True(t, memFound)

	// Second pass: update CpuInfo only, via a hinted (non-nil) notification.
	mr.HSet("gen:10.0.0.1:8089:0:ObjectVRouter:vr1", "CpuInfo", `{"load":2.0}`)
	queue.MergeHint("ObjectVRouter:vr1", "CpuInfo")
	second, ok := loop.processPartition(0, queue.Swap())
	require.True(t, ok)

	cpu, found := messageByType(second.AggUVEs, "CpuInfo")
	require.True(t, found)
	assert.Equal(t, map[string]any{"load": 2.0}, cpu.Value)

	// MemInfo was not part of the hint and must not appear as removed, or
	// anywhere else in this pass's output.
	_, memRemoved := messageByType(second.AggUVEs, "MemInfo")
	assert.False(t, memRemoved)
	assert.False(t, tombstoneIn(second.AggUVEs))

	snap := loop.snapshotFor(0)
	ki := loop.keyInfoFor(snap, model.Key{Table: "ObjectVRouter", Name: "vr1"})
	assert.Contains(t, ki.Values(), "MemInfo", "single update must leave untouched struct-types in place")
	assert.Contains(t, ki.Values(), "CpuInfo")
}

// TestCompressionLoop_WholeUVEDeletionEmitsTombstoneAndWithdrawsAlarms
// exercises the case where a UVE's last struct-type is removed: the loop
// must emit both the struct-level removal and a separate whole-UVE
// tombstone, and withdraw any active alarm for that key.
func TestCompressionLoop_WholeUVEDeletionEmitsTombstoneAndWithdrawsAlarms(t *testing.T) {
	cache, mr := newLoopTestCache(t)
	mr.HSet("gen:10.0.0.1:8089:0:ObjectVRouter:vr1", "CpuInfo", `{"load":2.0}`)

	registry := alarm.NewDefaultRegistry(zaptest.NewLogger(t), []string{"ObjectVRouter"})
	factory := func(p int32) (*NotifQueue, func()) { return NewNotifQueue(), func() {} }
	pm := NewPartitionManager(factory, zaptest.NewLogger(t))
	defer pm.Close()
	pm.OnOwnershipChange([]int32{0})
	waitUntil(t, func() bool { return len(pm.Owned()) == 1 })

	loop := NewCompressionLoop(pm, cache, registry, nil, []string{"ObjectVRouter"}, "host1", 8090, zaptest.NewLogger(t))
	queue, _ := pm.Queue(0)

	queue.MergeFull("ObjectVRouter:vr1")
	first, ok := loop.processPartition(0, queue.Swap())
	require.True(t, ok)
	require.Len(t, first.AlarmUVEs, 1)

	mr.HDel("gen:10.0.0.1:8089:0:ObjectVRouter:vr1", "CpuInfo")
	queue.MergeHint("ObjectVRouter:vr1", "CpuInfo")
	second, ok := loop.processPartition(0, queue.Swap())
	require.True(t, ok)

	cpu, found := messageByType(second.AggUVEs, "CpuInfo")
	require.True(t, found)
	assert.Nil(t, cpu.Value)
	assert.True(t, cpu.HasValue)
	assert.True(t, tombstoneIn(second.AggUVEs), "whole-UVE tombstone must accompany the struct removal")

	require.Len(t, second.AlarmUVEs, 1)
	assert.Nil(t, second.AlarmUVEs[0].Type, "alarm withdrawal is a whole-UVE tombstone, not a struct-type record")
}
