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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keySet(keys ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func TestKeyInfo_FirstUpdate(t *testing.T) {
	k := NewKeyInfo()
	k.Update(map[string]any{"CpuInfo": map[string]any{"load": 1.0}})

	assert.Equal(t, keySet("CpuInfo"), k.Added())
	assert.Empty(t, k.Removed())
	assert.Empty(t, k.Changed())
	assert.Empty(t, k.Unchanged())
	assert.Equal(t, map[string]any{"CpuInfo": map[string]any{"load": 1.0}}, k.Values())
}

func TestKeyInfo_Update_FullSetArithmetic(t *testing.T) {
	k := NewKeyInfo()
	k.Update(map[string]any{
		"A": 1.0,
		"B": 2.0,
		"C": 3.0,
	})
	k.Update(map[string]any{
		"B": 2.0,   // unchanged
		"C": 30.0,  // changed
		"D": 4.0,   // added
		// A removed
	})

	assert.Equal(t, keySet("D"), k.Added())
	assert.Equal(t, keySet("A"), k.Removed())
	assert.Equal(t, keySet("C"), k.Changed())
	assert.Equal(t, keySet("B"), k.Unchanged())

	// Sets are pairwise disjoint and union to the full key universe.
	union := map[string]struct{}{}
	for _, s := range []map[string]struct{}{k.Added(), k.Removed(), k.Changed(), k.Unchanged()} {
		for kk := range s {
			_, dup := union[kk]
			require.False(t, dup, "sets must be pairwise disjoint")
			union[kk] = struct{}{}
		}
	}
	assert.Equal(t, keySet("A", "B", "C", "D"), union)
}

func TestKeyInfo_Update_EmptyClearsEverything(t *testing.T) {
	k := NewKeyInfo()
	k.Update(map[string]any{"A": 1.0, "B": 2.0})
	k.Update(map[string]any{})

	assert.Equal(t, keySet("A", "B"), k.Removed())
	assert.Empty(t, k.Values())
}

func TestKeyInfo_UpdateSingle_Removal(t *testing.T) {
	k := NewKeyInfo()
	k.Update(map[string]any{"CpuInfo": 1.0, "MemInfo": 2.0})

	k.UpdateSingle("CpuInfo", nil, false)

	assert.Equal(t, keySet("CpuInfo"), k.Removed())
	assert.Empty(t, k.Added())
	assert.Empty(t, k.Changed())
	_, stillPresent := k.Values()["CpuInfo"]
	assert.False(t, stillPresent)
}

func TestKeyInfo_UpdateSingle_AbsentNoop(t *testing.T) {
	k := NewKeyInfo()
	k.Update(map[string]any{"CpuInfo": 1.0})

	k.UpdateSingle("MemInfo", nil, false)

	assert.Empty(t, k.Added())
	assert.Empty(t, k.Removed())
	assert.Empty(t, k.Changed())
}

func TestKeyInfo_UpdateSingle_ChangedAndAdded(t *testing.T) {
	k := NewKeyInfo()
	k.Update(map[string]any{"CpuInfo": 1.0})

	k.UpdateSingle("CpuInfo", 2.0, true)
	assert.Equal(t, keySet("CpuInfo"), k.Changed())

	k.UpdateSingle("MemInfo", 5.0, true)
	assert.Equal(t, keySet("MemInfo"), k.Added())
	assert.Equal(t, 2.0, k.Values()["CpuInfo"])
	assert.Equal(t, 5.0, k.Values()["MemInfo"])
}
