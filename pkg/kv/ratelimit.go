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
)

// RateDecision is the outcome of one rate-limiter check.
type RateDecision struct {
	Allowed bool
	// Current is the counter value after this request was accounted.
	Current int64
	// RetryAfterSec is the whole seconds until the window resets, never
	// below 1 when the request was rejected.
	RetryAfterSec int
}

// AllowRequest applies the fixed-window rate limit for a tenant.
//
// The counter is incremented first and the window TTL attached only when
// this increment created the key, so two concurrent first requests cannot
// leave an immortal counter. An over-limit increment is compensated with a
// decrement so rejected requests do not consume the window.
func (c *Client) AllowRequest(ctx context.Context, tenantID string, limit int64, window time.Duration) (RateDecision, error) {
	key := "ratelimit:" + tenantID

	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return RateDecision{}, fmt.Errorf("kv: rate incr: %w", err)
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, key, window).Err(); err != nil {
			return RateDecision{}, fmt.Errorf("kv: rate expire: %w", err)
		}
	}
	if n <= limit {
		return RateDecision{Allowed: true, Current: n}, nil
	}

	// Over the limit: give the slot back and report when the window resets.
	if err := c.rdb.Decr(ctx, key).Err(); err != nil {
		return RateDecision{}, fmt.Errorf("kv: rate decr: %w", err)
	}
	ttl, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return RateDecision{}, fmt.Errorf("kv: rate ttl: %w", err)
	}
	retry := int(ttl.Round(time.Second) / time.Second)
	if retry < 1 {
		retry = 1
	}
	return RateDecision{Allowed: false, Current: limit, RetryAfterSec: retry}, nil
}
