/*
Copyright 2025 the Decisionwise Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package kv is the Redis-backed fast path: the per-tenant rate limiter,
// the budget counters consulted during admission, per-run reservation
// markers, and idempotency markers. The ledger stays authoritative; every
// value here is reconstructible from it.
package kv

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"github.com/ghilp934/Decisionwise-sub000/pkg/config"
)

// Client wraps the shared Redis connection.
type Client struct {
	rdb *redis.Client
	log logr.Logger
}

// Open connects to Redis using the configured URL and verifies liveness.
func Open(ctx context.Context, cfg config.Config, log logr.Logger) (*Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("kv: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: ping: %w", err)
	}
	log.V(1).Info("connected to redis")
	return &Client{rdb: rdb, log: log}, nil
}

// New wraps an existing Redis client. Used by tests with miniredis.
func New(rdb *redis.Client, log logr.Logger) *Client {
	return &Client{rdb: rdb, log: log}
}

// Ping reports whether the KV store answers. Used by readiness probes.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
