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
	"github.com/jaegertracing/jaeger-alarmgen/cmd/alarmgen/app/introspect"
)

// introspectAdapter satisfies introspect.DataSource by reading the
// controller's live partition manager and compression loop state. Package
// app imports introspect (here and in controller.go) but introspect never
// imports app, keeping the dependency one-directional.
type introspectAdapter struct {
	pm     *PartitionManager
	loop   *CompressionLoop
	tables []string
}

func newIntrospectAdapter(pm *PartitionManager, loop *CompressionLoop, tables []string) *introspectAdapter {
	return &introspectAdapter{pm: pm, loop: loop, tables: tables}
}

func (a *introspectAdapter) Tables() []string { return a.tables }

func (a *introspectAdapter) PartitionStatus(partition int32) (introspect.PartitionStatusView, bool) {
	owned := false
	for _, p := range a.pm.Owned() {
		if p == partition {
			owned = true
			break
		}
	}
	if !owned {
		return introspect.PartitionStatusView{}, false
	}
	q, _ := a.pm.Queue(partition)
	offset := int64(0)
	if q != nil {
		offset = int64(q.Len())
	}
	return introspect.PartitionStatusView{Partition: partition, Enabled: true, Offset: offset}, true
}

func (a *introspectAdapter) AllPartitionStatuses() []introspect.PartitionStatusView {
	owned := a.pm.Owned()
	out := make([]introspect.PartitionStatusView, 0, len(owned))
	for _, p := range owned {
		if status, ok := a.PartitionStatus(p); ok {
			out = append(out, status)
		}
	}
	return out
}

func (a *introspectAdapter) UVEs(table string) []introspect.UVEView {
	var out []introspect.UVEView
	for _, p := range a.pm.Owned() {
		snap := a.loop.snapshotFor(p)
		snap.mu.Lock()
		for name, ki := range snap.keyInfo[table] {
			out = append(out, introspect.UVEView{Table: table, Name: name, Content: ki.Values()})
		}
		snap.mu.Unlock()
	}
	return out
}

func (a *introspectAdapter) Alarms(table string) []introspect.AlarmView {
	var out []introspect.AlarmView
	for _, p := range a.pm.Owned() {
		snap := a.loop.snapshotFor(p)
		snap.mu.Lock()
		for name, byType := range snap.tabAlarms[table] {
			records := make([]introspect.AlarmRecord, 0, len(byType))
			for _, info := range byType {
				descs := make([]introspect.DescriptionRecord, 0, len(info.Description))
				for _, d := range info.Description {
					descs = append(descs, introspect.DescriptionRecord{Rule: d.Rule, Value: d.Value})
				}
				records = append(records, introspect.AlarmRecord{
					Type: info.Type, Severity: string(info.Severity), Timestamp: info.Timestamp,
					Token: info.Token, Description: descs, Acknowledged: info.Acknowledged,
				})
			}
			out = append(out, introspect.AlarmView{Table: table, Name: name, Alarms: records})
		}
		snap.mu.Unlock()
	}
	return out
}

func (a *introspectAdapter) Perf(table string) (introspect.PerfView, bool) {
	result, ok := a.loop.StatsSnapshot(table)
	if !ok {
		return introspect.PerfView{}, false
	}
	return introspect.PerfView{
		Table:          table,
		GetTimeMicros:  result.GetTime.Microseconds(),
		PubTimeMicros:  result.PubTime.Microseconds(),
		CallTimeMicros: result.CallTime.Microseconds(),
		Updates:        result.Updates,
	}, true
}

// SetOwnership is the administrative override named in this system's
// introspection contract. It drives the same mailbox the membership
// adapter uses, so an operator-forced acquire/release serializes correctly
// against concurrent rebalance callbacks.
func (a *introspectAdapter) SetOwnership(partition int32, acquire bool) error {
	owned := map[int32]struct{}{}
	for _, p := range a.pm.Owned() {
		owned[p] = struct{}{}
	}
	if acquire {
		owned[partition] = struct{}{}
	} else {
		delete(owned, partition)
	}
	next := make([]int32, 0, len(owned))
	for p := range owned {
		next = append(next, p)
	}
	a.pm.OnOwnershipChange(next)
	return nil
}
