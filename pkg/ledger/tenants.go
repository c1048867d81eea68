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

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ghilp934/Decisionwise-sub000/pkg/model"
)

// GetTenant fetches a tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	var t model.Tenant
	err := s.db.GetContext(ctx, &t, `
		SELECT id, name, plan, currency, created_at
		FROM tenants WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get tenant: %w", err)
	}
	return &t, nil
}

// GetApiKey fetches an active API key record by its public key id. Only the
// salted hash of the secret is ever stored or returned.
func (s *Store) GetApiKey(ctx context.Context, keyID string) (*model.ApiKey, error) {
	var k model.ApiKey
	err := s.db.GetContext(ctx, &k, `
		SELECT key_id, tenant_id, secret_hash, salt, active, created_at
		FROM api_keys WHERE key_id = $1 AND active`, keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get api key: %w", err)
	}
	return &k, nil
}

// UsageDay is one row of the per-tenant daily usage rollup.
type UsageDay struct {
	Day           string `db:"day" json:"day"`
	RunsCount     int64  `db:"runs_count" json:"runs_count"`
	SettledMicros int64  `db:"settled_micros" json:"settled_micros"`
}

// UsageRange returns the daily usage rollup for a tenant between two dates
// inclusive, most recent first.
func (s *Store) UsageRange(ctx context.Context, tenantID string, from, to time.Time) ([]UsageDay, error) {
	var days []UsageDay
	err := s.db.SelectContext(ctx, &days, `
		SELECT to_char(day, 'YYYY-MM-DD') AS day, runs_count, settled_micros
		FROM usage_daily
		WHERE tenant_id = $1 AND day >= $2 AND day <= $3
		ORDER BY day DESC`,
		tenantID, from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: usage range: %w", err)
	}
	return days, nil
}
