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

package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func idemKey(tenantID, key string) string { return "idem:" + tenantID + ":" + key }

// MarkIdempotency records the run id behind a (tenant, key) pair as a fast
// replay hint. Returns false when a marker already existed, in which case
// the existing run id is returned instead.
//
// This is only a hint: the ledger's unique constraint is what actually
// enforces idempotency, so a lost marker costs one extra database round
// trip, never a duplicate run.
func (c *Client) MarkIdempotency(ctx context.Context, tenantID, key, runID string, ttl time.Duration) (bool, string, error) {
	ok, err := c.rdb.SetNX(ctx, idemKey(tenantID, key), runID, ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("kv: idempotency setnx: %w", err)
	}
	if ok {
		return true, runID, nil
	}
	existing, err := c.rdb.Get(ctx, idemKey(tenantID, key)).Result()
	if err == redis.Nil {
		// Marker expired between SETNX and GET; treat as fresh.
		return true, runID, nil
	}
	if err != nil {
		return false, "", fmt.Errorf("kv: idempotency get: %w", err)
	}
	return false, existing, nil
}

// LookupIdempotency returns the run id behind a marker, if present.
func (c *Client) LookupIdempotency(ctx context.Context, tenantID, key string) (string, bool, error) {
	runID, err := c.rdb.Get(ctx, idemKey(tenantID, key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: idempotency lookup: %w", err)
	}
	return runID, true, nil
}

// ClearIdempotency removes a marker. Admission compensation uses this when
// the ledger insert behind a fresh marker failed.
func (c *Client) ClearIdempotency(ctx context.Context, tenantID, key string) error {
	if err := c.rdb.Del(ctx, idemKey(tenantID, key)).Err(); err != nil {
		return fmt.Errorf("kv: idempotency del: %w", err)
	}
	return nil
}
