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

// Package model holds the wire-level vocabulary shared by every component of
// the alarm generator: UVE keys, sub-record contents and alarm records.
package model

import (
	"fmt"
	"strings"
)

// AlarmsStructType is the reserved sub-record name this system publishes
// its alarm sets under. It must never be treated as ordinary producer
// content.
const AlarmsStructType = "UVEAlarms"

// Key identifies one User-Visible Entity as "table:name".
type Key struct {
	Table string
	Name  string
}

// String renders the key back to its wire form.
func (k Key) String() string {
	return k.Table + ":" + k.Name
}

// ParseKey splits a wire-form UVE key into table and name. The name half is
// opaque and may itself contain colons, so only the first separator counts.
func ParseKey(s string) (Key, error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return Key{}, fmt.Errorf("alarmgen: malformed UVE key %q: missing ':'", s)
	}
	return Key{Table: s[:idx], Name: s[idx+1:]}, nil
}

// Contents is a UVE's struct-type -> JSON value mapping, as read from the
// cache or held in a KeyInfo snapshot.
type Contents map[string]any

// WithoutAlarms returns a shallow copy of c with the reserved UVEAlarms
// struct-type removed, per the rule that alarm output is never fed back
// into the aggregated snapshot.
func (c Contents) WithoutAlarms() Contents {
	if _, ok := c[AlarmsStructType]; !ok {
		return c
	}
	out := make(Contents, len(c)-1)
	for k, v := range c {
		if k == AlarmsStructType {
			continue
		}
		out[k] = v
	}
	return out
}

// ProducerEndpoint identifies one producer (generator) instance as reported
// by the discovery client or reconstructed from a resource-check.
type ProducerEndpoint struct {
	IP   string
	Port int
	PID  int
}

// Addr renders the collector-style "ip:port" address used as a map key
// throughout the per-table stats and resource-check bookkeeping.
func (p ProducerEndpoint) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}
