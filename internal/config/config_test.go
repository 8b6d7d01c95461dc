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

package config

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestViper(t *testing.T, args []string) *viper.Viper {
	t.Helper()
	cmd := &cobra.Command{Use: "alarmgen"}
	AddFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))

	v := viper.New()
	require.NoError(t, InitViper(v, cmd, "", zaptest.NewLogger(t)))
	return v
}

func TestLoad_ValidConfig(t *testing.T) {
	v := newTestViper(t, []string{"--worker-id=ag-1", "--partition-count=4"})
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "ag-1", cfg.WorkerID)
	assert.Equal(t, 4, cfg.PartitionCount)
	assert.NotEmpty(t, cfg.Tables)
}

func TestLoad_MissingWorkerIDFails(t *testing.T) {
	v := newTestViper(t, []string{"--partition-count=4"})
	_, err := Load(v)
	assert.Error(t, err)
}

func TestLoad_NonPositivePartitionCountFails(t *testing.T) {
	v := newTestViper(t, []string{"--worker-id=ag-1", "--partition-count=0"})
	_, err := Load(v)
	assert.Error(t, err)
}

func TestValidate_EmptyTablesFails(t *testing.T) {
	cfg := Config{WorkerID: "ag-1", PartitionCount: 4}
	assert.Error(t, cfg.Validate())
}

func TestLoad_NoDiscoveryModeWithoutQuorumIsValid(t *testing.T) {
	v := newTestViper(t, []string{"--worker-id=ag-1", "--partition-count=4"})
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Empty(t, cfg.QuorumEndpoints)
	assert.Empty(t, cfg.PeerList)
}

func TestIsLiveReloadable(t *testing.T) {
	assert.True(t, IsLiveReloadable("log-level"))
	assert.False(t, IsLiveReloadable("partition-count"))
}
