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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met before deadline")
}

func TestPartitionManager_AcquireAndRelease(t *testing.T) {
	var mu sync.Mutex
	stopped := map[int32]bool{}

	factory := func(p int32) (*NotifQueue, func()) {
		return NewNotifQueue(), func() {
			mu.Lock()
			stopped[p] = true
			mu.Unlock()
		}
	}

	pm := NewPartitionManager(factory, zaptest.NewLogger(t))
	defer pm.Close()

	pm.OnOwnershipChange([]int32{1, 2})
	waitUntil(t, func() bool { return len(pm.Owned()) == 2 })
	assert.Equal(t, PartitionOwned, pm.State(1))

	_, ok := pm.Queue(1)
	assert.True(t, ok)

	pm.OnOwnershipChange([]int32{2})
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stopped[1]
	})
	assert.Equal(t, PartitionUnowned, pm.State(1))
	assert.Equal(t, []int32{2}, pm.Owned())
}

func TestPartitionManager_AcquiredAtRecordsTimestamp(t *testing.T) {
	factory := func(p int32) (*NotifQueue, func()) { return NewNotifQueue(), func() {} }
	pm := NewPartitionManager(factory, zaptest.NewLogger(t))
	defer pm.Close()

	before := time.Now().UTC()
	pm.OnOwnershipChange([]int32{7})
	waitUntil(t, func() bool { return len(pm.Owned()) == 1 })

	ts, ok := pm.AcquiredAt(7)
	require.True(t, ok)
	assert.True(t, !ts.Before(before))
}

func TestPartitionManager_UnknownPartitionDefaultsUnowned(t *testing.T) {
	factory := func(p int32) (*NotifQueue, func()) { return NewNotifQueue(), func() {} }
	pm := NewPartitionManager(factory, zaptest.NewLogger(t))
	defer pm.Close()

	assert.Equal(t, PartitionUnowned, pm.State(42))
}
