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

// Package uvecache is the client for the per-producer UVE cache (Redis):
// the source of truth the compression loop re-reads from on every
// notification. It is the Go analogue of the source's UVEServer.
package uvecache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jaegertracing/jaeger-alarmgen/model"
)

// Wire layout: each producer (generator) writes its own contributions under
// a hash key "gen:{ip}:{port}:{partition}:{table}:{name}", field=struct-type,
// value=JSON. Get() aggregates across every generator's hash for one UVE.
// Producer liveness is tracked in the "producers" set, one "ip:port:pid"
// member per live generator; ListProducers reads that set. A companion
// hash "producer-collector" maps a producer's address to the collector
// that relayed it, consulted by PartialRead.

// Config holds the connection settings for one Redis UVE cache instance.
type Config struct {
	Addrs    []string // host:port list; a single-element list dials directly
	Password string
	DB       int
}

// NewClient dials the configured Redis endpoint(s). A non-discovery
// deployment passes a single fixed address. Only Addrs[0] is dialed; the
// other entries are ignored and reachability is not checked here.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("alarmgen: uvecache requires at least one address")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addrs[0],
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{rdb: rdb, logger: logger}, nil
}

// Client is the concrete Redis-backed UVE cache client.
type Client struct {
	rdb    redisClient
	logger *zap.Logger
}

// redisClient is the subset of *redis.Client this package depends on, so
// tests can substitute miniredis or a fake without pulling in a full Redis
// server.
type redisClient interface {
	HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

// NewClientWithRedis wires a Client around an already-constructed redis
// client, used by tests against miniredis.
func NewClientWithRedis(rdb *redis.Client, logger *zap.Logger) *Client {
	return &Client{rdb: rdb, logger: logger}
}

func genKeyPrefix(table, name string) string {
	return "gen:*:" + table + ":" + name
}

// Get fetches the current aggregated contents of one UVE, optionally
// restricted to a subset of struct-types. partial=true signals that at
// least one generator's contribution could not be read; the caller (the
// compression loop) downgrades its own success result in that case but
// still uses whatever was read.
func (c *Client) Get(ctx context.Context, key model.Key, filters map[string]struct{}) (partial bool, contents map[string]any, err error) {
	contents = map[string]any{}
	var cursor uint64
	pattern := genKeyPrefix(key.Table, key.Name)
	for {
		keys, next, scanErr := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if scanErr != nil {
			return true, contents, scanErr
		}
		for _, genKey := range keys {
			fields, hgetErr := c.rdb.HGetAll(ctx, genKey).Result()
			if hgetErr != nil {
				c.logger.Warn("partial UVE read", zap.String("key", genKey), zap.Error(hgetErr))
				partial = true
				continue
			}
			for structType, raw := range fields {
				if len(filters) > 0 {
					if _, wanted := filters[structType]; !wanted {
						continue
					}
				}
				var decoded any
				if jsonErr := json.Unmarshal([]byte(raw), &decoded); jsonErr != nil {
					c.logger.Warn("malformed UVE struct value", zap.String("key", genKey),
						zap.String("struct", structType), zap.Error(jsonErr))
					partial = true
					continue
				}
				contents[structType] = decoded
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return partial, contents, nil
}

// ListProducers enumerates the currently live producer endpoints.
func (c *Client) ListProducers(ctx context.Context) ([]model.ProducerEndpoint, error) {
	members, err := c.rdb.SMembers(ctx, "producers").Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.ProducerEndpoint, 0, len(members))
	for _, m := range members {
		ep, parseErr := parseProducerMember(m)
		if parseErr != nil {
			c.logger.Warn("malformed producer entry", zap.String("entry", m), zap.Error(parseErr))
			continue
		}
		out = append(out, ep)
	}
	return out, nil
}

func parseProducerMember(m string) (model.ProducerEndpoint, error) {
	parts := strings.Split(m, ":")
	if len(parts) != 3 {
		return model.ProducerEndpoint{}, fmt.Errorf("expected ip:port:pid, got %q", m)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return model.ProducerEndpoint{}, err
	}
	pid, err := strconv.Atoi(parts[2])
	if err != nil {
		return model.ProducerEndpoint{}, err
	}
	return model.ProducerEndpoint{IP: parts[0], Port: port, PID: pid}, nil
}

// PartialRead fetches every UVE a single producer contributed to within a
// partition, used by the ingestion worker's resource-check when a new
// producer is first observed (full re-read).
func (c *Client) PartialRead(ctx context.Context, partition int, producer model.ProducerEndpoint) (collectorID string, contents map[model.Key]map[string]any, err error) {
	collectorID, cErr := c.rdb.HGet(ctx, "producer-collector", producer.Addr()).Result()
	if cErr != nil && cErr != redis.Nil {
		return "", nil, cErr
	}
	if collectorID == "" {
		collectorID = producer.Addr()
	}

	contents = map[model.Key]map[string]any{}
	pattern := fmt.Sprintf("gen:%s:%d:*", producer.Addr(), partition)
	var cursor uint64
	for {
		keys, next, scanErr := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if scanErr != nil {
			return collectorID, contents, scanErr
		}
		for _, genKey := range keys {
			key, parseErr := uveKeyFromGenKey(genKey, producer.Addr(), partition)
			if parseErr != nil {
				continue
			}
			fields, hgetErr := c.rdb.HGetAll(ctx, genKey).Result()
			if hgetErr != nil {
				continue
			}
			decoded := make(map[string]any, len(fields))
			for structType, raw := range fields {
				var v any
				if json.Unmarshal([]byte(raw), &v) == nil {
					decoded[structType] = v
				}
			}
			contents[key] = decoded
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return collectorID, contents, nil
}

// uveKeyFromGenKey extracts the table:name suffix from a
// "gen:{addr}:{partition}:{table}:{name}" Redis key.
func uveKeyFromGenKey(genKey, addr string, partition int) (model.Key, error) {
	prefix := fmt.Sprintf("gen:%s:%d:", addr, partition)
	if !strings.HasPrefix(genKey, prefix) {
		return model.Key{}, fmt.Errorf("unexpected gen key %q", genKey)
	}
	return model.ParseKey(strings.TrimPrefix(genKey, prefix))
}
