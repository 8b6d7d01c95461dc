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

// Package config declares the alarm generator's configuration surface:
// CLI flags bound through spf13/pflag, an optional YAML file layered in by
// spf13/viper, and fsnotify-driven re-validation of that file on change.
// A changed file is validated and the outcome logged; the running process
// keeps the configuration it started with.
package config

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the fully resolved, validated configuration for one alarm
// generator instance.
type Config struct {
	WorkerID       string   `mapstructure:"worker-id"`
	PartitionCount int      `mapstructure:"partition-count"`
	Tables         []string `mapstructure:"tables"`

	CacheEndpoints  []string `mapstructure:"cache-endpoints"`
	CachePassword   string   `mapstructure:"cache-password"`
	BrokerEndpoints []string `mapstructure:"broker-endpoints"`
	QuorumEndpoints []string `mapstructure:"quorum-endpoints"`
	PeerList        []string `mapstructure:"peer-list"`
	DiscoveryAddr   string   `mapstructure:"discovery-addr"`

	IntrospectHost string `mapstructure:"introspect-host"`
	IntrospectPort int    `mapstructure:"introspect-port"`

	LogLevel    string `mapstructure:"log-level"`
	LogFacility string `mapstructure:"log-facility"`

	MetricsBackend string `mapstructure:"metrics-backend"`

	SelfReportInterval  time.Duration `mapstructure:"self-report-interval"`
	PublishBatchSize    int           `mapstructure:"publish-batch-size"`
	PublishLinger       time.Duration `mapstructure:"publish-linger"`
	PublishTimeout      time.Duration `mapstructure:"publish-timeout"`
	StallDetectorPeriod time.Duration `mapstructure:"stall-detector-interval"`
}

// liveReloadable names the options IsLiveReloadable reports as safe to
// change without a restart: log level, peer list, and stats intervals.
// Nothing in this package applies a reloaded value to a running process.
var liveReloadable = map[string]bool{
	"log-level":               true,
	"peer-list":               true,
	"self-report-interval":    true,
	"stall-detector-interval": true,
}

// AddFlags registers every recognized flag on command, matching the
// teacher's AddFlags(*cobra.Command) convention.
func AddFlags(command *cobra.Command) {
	flags := command.Flags()
	flags.String("worker-id", "", "unique identifier for this instance within the cluster")
	flags.Int("partition-count", 15, "total number of UVE partitions in the cluster")
	flags.StringSlice("tables", defaultTables(), "closed set of UVE tables this instance evaluates")

	flags.StringSlice("cache-endpoints", nil, "Redis UVE cache endpoints (no-discovery mode)")
	flags.String("cache-password", "", "Redis UVE cache password")
	flags.StringSlice("broker-endpoints", nil, "Kafka broker endpoints for UVE ingestion and output topics")
	flags.StringSlice("quorum-endpoints", nil, "Kafka broker endpoints used for cluster-membership group coordination")
	flags.StringSlice("peer-list", nil, "alarm-generator peer list (no-discovery mode)")
	flags.String("discovery-addr", "", "discovery/service-registry address; empty disables discovery")

	flags.String("introspect-host", "", "advertised hostname for the introspection HTTP surface")
	flags.Int("introspect-port", 8090, "introspection HTTP listen port")

	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-facility", "", "syslog facility name; accepted but not used, logs always go to stderr")

	flags.String("metrics-backend", "prometheus", "metrics backend: prometheus or none")

	flags.Duration("self-report-interval", 60*time.Second, "period between self-telemetry reports")
	flags.Int("publish-batch-size", 100, "Kafka producer batch size (messages)")
	flags.Duration("publish-linger", 500*time.Millisecond, "Kafka producer flush frequency")
	flags.Duration("publish-timeout", 10*time.Second, "Kafka producer request timeout; accepted but not applied to the producer")
	flags.Duration("stall-detector-interval", 2*time.Minute, "per-partition consumer stall window")
}

func defaultTables() []string {
	return []string{"ObjectVRouter", "ObjectBgpRouter", "ObjectCollectorInfo", "ObjectDatabaseInfo", "ObjectConfigNode"}
}

// InitViper binds command's flags into v and, when path is non-empty, layers
// in a YAML config file and arranges for fsnotify to re-validate it on
// change. A rejected reload is logged; an accepted one is discarded, so no
// option changes on the running process.
func InitViper(v *viper.Viper, command *cobra.Command, path string, logger *zap.Logger) error {
	if err := v.BindPFlags(command.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("config file changed, re-validating", zap.String("file", e.Name))
		updated, err := Load(v)
		if err != nil {
			logger.Error("rejected config reload, keeping previous configuration", zap.Error(err))
			return
		}
		_ = updated // validated only; the new values are not applied
	})
	v.WatchConfig()
	return nil
}

// Load resolves and validates a Config from v's current bindings.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks bootstrap invariants. A config with no quorum and no peer
// list is valid (no-discovery mode, error kind 3 in this system's error
// taxonomy: run with no owned partitions), but a partition count below one,
// an empty table set or an empty worker-id is a hard config error.
func (c Config) Validate() error {
	if c.PartitionCount <= 0 {
		return fmt.Errorf("partition-count must be positive, got %d", c.PartitionCount)
	}
	if len(c.Tables) == 0 {
		return fmt.Errorf("tables must name at least one UVE table")
	}
	if c.WorkerID == "" {
		return fmt.Errorf("worker-id is required")
	}
	return nil
}

// IsLiveReloadable reports whether a named option may be swapped in without
// a restart.
func IsLiveReloadable(field string) bool {
	return liveReloadable[field]
}
