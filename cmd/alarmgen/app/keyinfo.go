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

import "reflect"

// KeyInfo holds the locally aggregated contents of one UVE and the
// added/removed/changed/unchanged sets produced by the most recent update.
// It is the direct analogue of the source's AGKeyInfo.
type KeyInfo struct {
	current map[string]any

	added     map[string]struct{}
	removed   map[string]struct{}
	changed   map[string]struct{}
	unchanged map[string]struct{}
}

// NewKeyInfo returns an empty KeyInfo, matching AGKeyInfo.__init__'s
// initial update({}).
func NewKeyInfo() *KeyInfo {
	k := &KeyInfo{current: map[string]any{}}
	k.reset(map[string]struct{}{}, map[string]struct{}{}, map[string]struct{}{}, map[string]struct{}{})
	return k
}

func (k *KeyInfo) reset(added, removed, changed, unchanged map[string]struct{}) {
	k.added, k.removed, k.changed, k.unchanged = added, removed, changed, unchanged
}

// Values returns the live struct-type -> value mapping. Callers must treat
// it as read-only; Update/UpdateSingle may replace or mutate it.
func (k *KeyInfo) Values() map[string]any { return k.current }

// Added is the set of struct-types present only in the new content.
func (k *KeyInfo) Added() map[string]struct{} { return k.added }

// Removed is the set of struct-types present only in the previous content.
func (k *KeyInfo) Removed() map[string]struct{} { return k.removed }

// Changed is the set of struct-types present in both but with unequal
// values.
func (k *KeyInfo) Changed() map[string]struct{} { return k.changed }

// Unchanged is current.Keys() \ (Added ∪ Removed ∪ Changed).
func (k *KeyInfo) Unchanged() map[string]struct{} { return k.unchanged }

// Update performs a full update: newValues is the complete new content of
// the UVE. The four sets are derived by set arithmetic on keys plus
// value-inequality on the intersection.
func (k *KeyInfo) Update(newValues map[string]any) {
	added := map[string]struct{}{}
	removed := map[string]struct{}{}
	changed := map[string]struct{}{}
	unchanged := map[string]struct{}{}

	for t := range newValues {
		if _, ok := k.current[t]; !ok {
			added[t] = struct{}{}
		}
	}
	for t := range k.current {
		if _, ok := newValues[t]; !ok {
			removed[t] = struct{}{}
		}
	}
	for t, oldVal := range k.current {
		newVal, ok := newValues[t]
		if !ok {
			continue
		}
		if valuesEqual(oldVal, newVal) {
			unchanged[t] = struct{}{}
		} else {
			changed[t] = struct{}{}
		}
	}

	k.current = newValues
	k.reset(added, removed, changed, unchanged)
}

// UpdateSingle performs a single-struct-type update: val is nil if the
// struct-type was removed from the UVE. Exactly one of added/removed/changed
// ends up non-empty (or none, if the type was absent both before and after).
func (k *KeyInfo) UpdateSingle(structType string, val any, present bool) {
	added := map[string]struct{}{}
	removed := map[string]struct{}{}
	changed := map[string]struct{}{}
	unchanged := map[string]struct{}{}
	for t := range k.current {
		unchanged[t] = struct{}{}
	}

	oldVal, existed := k.current[structType]
	switch {
	case existed && !present:
		delete(unchanged, structType)
		removed[structType] = struct{}{}
		delete(k.current, structType)
	case existed && present:
		if !valuesEqual(oldVal, val) {
			delete(unchanged, structType)
			changed[structType] = struct{}{}
			k.current[structType] = val
		}
	case !existed && present:
		added[structType] = struct{}{}
		k.current[structType] = val
	}

	k.reset(added, removed, changed, unchanged)
}

// valuesEqual implements the deep structural equality the diff engine needs
// on decoded JSON-like trees (maps, slices, scalars).
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
