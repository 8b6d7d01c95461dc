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

// Package introspect implements the read-only HTTP control-plane surface
// over the alarm generator's internal state, structured after
// cmd/query/app's HTTP handler conventions (gorilla/mux routing, a small
// JSON marshaler abstraction) but serving plain Go structs instead of
// protobuf-backed trace data.
package introspect

// PartitionStatusView is the per-partition status payload.
type PartitionStatusView struct {
	Partition int32 `json:"partition"`
	Enabled   bool  `json:"enabled"`
	Offset    int64 `json:"offset"`
}

// UVEView is one UVE's current contents, as exposed under /uve.
type UVEView struct {
	Table   string         `json:"table"`
	Name    string         `json:"name"`
	Content map[string]any `json:"content"`
}

// AlarmRecord mirrors model.AlarmInfo without this package depending on
// the model package, keeping introspect's only dependency direction
// outward (toward its DataSource, never toward app or model).
type AlarmRecord struct {
	Type         string              `json:"type"`
	Severity     string              `json:"severity"`
	Timestamp    int64               `json:"timestamp"`
	Token        string              `json:"token"`
	Description  []DescriptionRecord `json:"description"`
	Acknowledged bool                `json:"ack"`
}

// DescriptionRecord mirrors model.Description.
type DescriptionRecord struct {
	Rule  string `json:"rule"`
	Value string `json:"value"`
}

// AlarmView is one UVE's active alarm set, as exposed under /alarm.
type AlarmView struct {
	Table  string        `json:"table"`
	Name   string        `json:"name"`
	Alarms []AlarmRecord `json:"alarms"`
}

// PerfView is one table's performance averages for the current, still open
// reporting window, as exposed under /perf. The previous window's averages
// are not kept, so right after a rollover the values are zero.
type PerfView struct {
	Table          string `json:"table"`
	GetTimeMicros  int64  `json:"get_time_us"`
	PubTimeMicros  int64  `json:"pub_time_us"`
	CallTimeMicros int64  `json:"call_time_us"`
	Updates        int64  `json:"updates"`
}

// DataSource is everything the HTTP handlers need from the running
// controller. It is satisfied structurally by an adapter in package app;
// introspect itself never imports app, avoiding the import cycle that
// would otherwise result from app constructing this package's Server.
type DataSource interface {
	// Tables returns the closed, configured UVE table set, the
	// authoritative iteration order for every "all" handler -- this is
	// the fix for the original's all-table iteration bug, which trusted
	// live map keys instead.
	Tables() []string
	PartitionStatus(partition int32) (PartitionStatusView, bool)
	AllPartitionStatuses() []PartitionStatusView
	UVEs(table string) []UVEView
	Alarms(table string) []AlarmView
	Perf(table string) (PerfView, bool)
	SetOwnership(partition int32, acquire bool) error
}
