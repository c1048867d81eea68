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

	"github.com/ghilp934/Decisionwise-sub000/pkg/money"
)

func reservationKey(runID string) string   { return "reservation:" + runID }
func openResKey(tenantID string) string    { return "openres:" + tenantID }
func settledKey(tenant, per string) string { return "settled:" + tenant + ":" + per }

// Reserve places the per-run reservation marker and bumps the tenant's
// open-reservations counter. The marker TTL outlives any plausible run
// lifetime; its absence during reconciliation means the reservation lapsed.
func (c *Client) Reserve(ctx context.Context, tenantID, runID string, amount money.Micros, ttl time.Duration) error {
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, reservationKey(runID), amount.String(), ttl)
	pipe.IncrBy(ctx, openResKey(tenantID), int64(amount))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv: reserve: %w", err)
	}
	return nil
}

// Release drops the per-run marker and returns the reserved amount to the
// tenant's headroom. Safe to call twice: the marker delete is what gates
// the counter decrement.
func (c *Client) Release(ctx context.Context, tenantID, runID string, amount money.Micros) error {
	removed, err := c.rdb.Del(ctx, reservationKey(runID)).Result()
	if err != nil {
		return fmt.Errorf("kv: release del: %w", err)
	}
	if removed == 0 {
		return nil
	}
	if err := c.rdb.DecrBy(ctx, openResKey(tenantID), int64(amount)).Err(); err != nil {
		return fmt.Errorf("kv: release decr: %w", err)
	}
	return nil
}

// Reservation reads the per-run marker. The second return is false when the
// marker is absent or has expired.
func (c *Client) Reservation(ctx context.Context, runID string) (money.Micros, bool, error) {
	val, err := c.rdb.Get(ctx, reservationKey(runID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("kv: reservation get: %w", err)
	}
	m, err := money.ParseMicrosString(val)
	if err != nil {
		return 0, false, fmt.Errorf("kv: reservation value: %w", err)
	}
	return m, true, nil
}

// AddSettled accumulates settled spend for a tenant's period counter. The
// counter expires well past the period's end; the ledger remains the
// authority and the counter is a cache.
func (c *Client) AddSettled(ctx context.Context, tenantID, period string, amount money.Micros) error {
	key := settledKey(tenantID, period)
	if err := c.rdb.IncrBy(ctx, key, int64(amount)).Err(); err != nil {
		return fmt.Errorf("kv: settled incr: %w", err)
	}
	// 62 days covers the period plus a full grace month.
	if err := c.rdb.Expire(ctx, key, 62*24*time.Hour).Err(); err != nil {
		return fmt.Errorf("kv: settled expire: %w", err)
	}
	return nil
}

// BudgetSnapshot is the tenant's fast-path spend picture.
type BudgetSnapshot struct {
	OpenMicros    money.Micros
	SettledMicros money.Micros
}

// Budget reads the open-reservations and period-settled counters in one
// round trip. Missing keys read as zero.
func (c *Client) Budget(ctx context.Context, tenantID, period string) (BudgetSnapshot, error) {
	pipe := c.rdb.Pipeline()
	open := pipe.Get(ctx, openResKey(tenantID))
	settled := pipe.Get(ctx, settledKey(tenantID, period))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return BudgetSnapshot{}, fmt.Errorf("kv: budget read: %w", err)
	}

	var snap BudgetSnapshot
	if v, err := open.Int64(); err == nil {
		snap.OpenMicros = money.Micros(v)
	} else if err != redis.Nil {
		return BudgetSnapshot{}, fmt.Errorf("kv: open counter: %w", err)
	}
	if v, err := settled.Int64(); err == nil {
		snap.SettledMicros = money.Micros(v)
	} else if err != redis.Nil {
		return BudgetSnapshot{}, fmt.Errorf("kv: settled counter: %w", err)
	}
	return snap, nil
}

// SyncBudget overwrites the cached counters from ledger-derived values.
// The reconciler calls this to heal drift from crashed admissions.
func (c *Client) SyncBudget(ctx context.Context, tenantID, period string, open, settled money.Micros) error {
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, openResKey(tenantID), int64(open), 0)
	pipe.Set(ctx, settledKey(tenantID, period), int64(settled), 62*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv: sync budget: %w", err)
	}
	return nil
}
