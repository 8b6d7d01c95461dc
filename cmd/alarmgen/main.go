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

package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/uber/jaeger-lib/metrics"
	jprom "github.com/uber/jaeger-lib/metrics/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jaegertracing/jaeger-alarmgen/cmd/alarmgen/app"
	"github.com/jaegertracing/jaeger-alarmgen/internal/config"
)

var v = viper.New()

func main() {
	var configFile string

	command := &cobra.Command{
		Use:   "jaeger-alarmgen",
		Short: "Evaluates alarm rules over aggregated UVE contents and publishes alarm state",
		Long: `jaeger-alarmgen consumes per-producer UVE contribution notifications, maintains an
aggregated view of each monitored object keyed by table and name, evaluates alarm rules against
that view, and publishes both the aggregated view and any active alarms back to Kafka.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, configFile)
		},
	}
	command.Flags().StringVar(&configFile, "config-file", "", "optional YAML configuration file, hot-reloaded on change")
	config.AddFlags(command)

	if err := command.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(command *cobra.Command, configFile string) error {
	logger, err := newLogger("info")
	if err != nil {
		return fmt.Errorf("build bootstrap logger: %w", err)
	}

	if err := config.InitViper(v, command, configFile, logger); err != nil {
		return fmt.Errorf("init configuration: %w", err)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err = newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	factory, closeMetrics := newMetricsFactory(cfg, logger)
	defer closeMetrics()

	controller, err := app.NewController(cfg, logger, factory)
	if err != nil {
		return fmt.Errorf("build controller: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		if err := controller.Close(); err != nil {
			logger.Error("error during shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting alarm generator", zap.String("worker-id", cfg.WorkerID), zap.Int("partition-count", cfg.PartitionCount))
	return controller.Run()
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return cfg.Build()
}

// newMetricsFactory builds the jaeger-lib metrics.Factory the controller
// reports through. "none" yields metrics.NullFactory; "prometheus" (the
// default) registers collectors with the default Prometheus registerer and
// exposes them on introspect-port+1.
func newMetricsFactory(cfg config.Config, logger *zap.Logger) (metrics.Factory, func()) {
	if cfg.MetricsBackend == "none" {
		return metrics.NullFactory, func() {}
	}

	factory := jprom.New()
	addr := net.JoinHostPort(cfg.IntrospectHost, strconv.Itoa(cfg.IntrospectPort+1))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return factory, func() { _ = srv.Close() }
}
