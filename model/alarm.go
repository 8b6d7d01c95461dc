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

package model

import (
	"encoding/base64"
	"encoding/json"
	"reflect"
)

// Severity mirrors the closed severity vocabulary alarm evaluators choose
// from; it is carried as a plain string on the wire, matching the source's
// sandesh encoding.
type Severity string

// Severities in ascending order of urgency, matching the source system.
const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFORMATIONAL"
	SeverityMinor    Severity = "MINOR"
	SeverityMajor    Severity = "MAJOR"
	SeverityCritical Severity = "CRITICAL"
)

// Description is one (rule, value) pair backing an alarm's explanation.
type Description struct {
	Rule  string `json:"rule"`
	Value string `json:"value"`
}

// AlarmInfo is one active alarm instance for a UVE, as held in tab_alarms
// and as encoded into the UVEAlarms struct-type published to the alarm
// topic.
type AlarmInfo struct {
	Type         string        `json:"type"`
	Severity     Severity      `json:"severity"`
	Timestamp    int64         `json:"timestamp"` // UTC microseconds
	Token        string        `json:"token"`
	Description  []Description `json:"description"`
	Acknowledged bool          `json:"ack"`
}

// ContentEqual reports whether a and b agree on every field except
// Timestamp and Token, which are ignored by design: those are stamped fresh
// on every alarm that is installed, even when nothing about the alarm
// itself changed.
func (a AlarmInfo) ContentEqual(b AlarmInfo) bool {
	if a.Type != b.Type || a.Severity != b.Severity || a.Acknowledged != b.Acknowledged {
		return false
	}
	return reflect.DeepEqual(a.Description, b.Description)
}

// tokenPayload is the structure base64-encoded into AlarmInfo.Token.
type tokenPayload struct {
	Host           string `json:"host"`
	IntrospectPort int    `json:"http_port"`
	Timestamp      int64  `json:"timestamp"`
}

// EncodeToken builds the opaque per-instance correlation token attached to
// every freshly-issued alarm.
func EncodeToken(host string, introspectPort int, timestamp int64) string {
	payload, err := json.Marshal(tokenPayload{Host: host, IntrospectPort: introspectPort, Timestamp: timestamp})
	if err != nil {
		// tokenPayload is a fixed, json-safe shape; Marshal cannot fail on it.
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(payload)
}

// UVEAlarms is the struct-type value this system publishes for a UVE's
// active alarm set. Deleted is never set by this package: a withdrawn
// alarm set is published as a whole-UVE tombstone record instead.
type UVEAlarms struct {
	Name    string      `json:"name"`
	Alarms  []AlarmInfo `json:"alarms,omitempty"`
	Deleted bool        `json:"deleted,omitempty"`
}

// EncodeAlarms wraps an active alarm map into the UVEAlarms wire struct
// published under the reserved UVEAlarms struct-type.
func EncodeAlarms(name string, alarms map[string]AlarmInfo) UVEAlarms {
	out := UVEAlarms{Name: name}
	out.Alarms = make([]AlarmInfo, 0, len(alarms))
	for _, a := range alarms {
		out.Alarms = append(out.Alarms, a)
	}
	return out
}
