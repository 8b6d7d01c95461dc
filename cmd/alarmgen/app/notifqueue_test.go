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

func TestNotifQueue_NilWinsOverHint(t *testing.T) {
	q := NewNotifQueue()
	q.MergeHint("ObjectVRouter:vr1", "CpuInfo")
	q.MergeFull("ObjectVRouter:vr1")

	batch := q.Swap()
	require.Contains(t, batch, "ObjectVRouter:vr1")
	assert.Nil(t, batch["ObjectVRouter:vr1"])
}

func TestNotifQueue_HintAfterNilStaysNil(t *testing.T) {
	q := NewNotifQueue()
	q.MergeFull("ObjectVRouter:vr1")
	q.MergeHint("ObjectVRouter:vr1", "CpuInfo")

	batch := q.Swap()
	assert.Nil(t, batch["ObjectVRouter:vr1"])
}

func TestNotifQueue_HintsUnion(t *testing.T) {
	q := NewNotifQueue()
	q.MergeHint("ObjectVRouter:vr1", "CpuInfo")
	q.MergeHint("ObjectVRouter:vr1", "ProcessStatus")

	batch := q.Swap()
	require.NotNil(t, batch["ObjectVRouter:vr1"])
	assert.Len(t, batch["ObjectVRouter:vr1"], 2)
}

func TestNotifQueue_SwapClearsQueue(t *testing.T) {
	q := NewNotifQueue()
	q.MergeFull("k1")
	_ = q.Swap()
	assert.Equal(t, 0, q.Len())
}

func TestNotifQueue_RequeueMergesBack(t *testing.T) {
	q := NewNotifQueue()
	q.MergeHint("k1", "A")
	batch := q.Swap()
	q.MergeHint("k1", "B")
	q.Requeue(batch)

	remerged := q.Swap()
	assert.Len(t, remerged["k1"], 2)
}

func TestNotifQueue_RequeueNilPreservedOverNewHint(t *testing.T) {
	q := NewNotifQueue()
	q.MergeFull("k1")
	batch := q.Swap()
	q.MergeHint("k1", "A")
	q.Requeue(batch)

	remerged := q.Swap()
	assert.Nil(t, remerged["k1"])
}
