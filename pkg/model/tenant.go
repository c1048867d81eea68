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

package model

import (
	"time"

	"github.com/ghilp934/Decisionwise-sub000/pkg/money"
)

// Plan is a tenant's pricing tier.
type Plan string

const (
	PlanBasic  Plan = "basic"
	PlanGrowth Plan = "growth"
	PlanScale  Plan = "scale"
)

// PlanLimits are the numeric limits a plan carries.
type PlanLimits struct {
	// RequestsPerMinute is the per-window rate allowance.
	RequestsPerMinute int64
	// MonthlyQuotaMicros is the monthly spend allowance in micro-units.
	MonthlyQuotaMicros money.Micros
	// OverageCapMicros is the hard cap past the quota; zero means no overage.
	OverageCapMicros money.Micros
	// MinFeeMicros is the floor every settled run pays.
	MinFeeMicros money.Micros
}

// Limits returns the numeric limits for a plan. Unknown plans get the basic
// tier, the most restrictive.
func (p Plan) Limits() PlanLimits {
	switch p {
	case PlanGrowth:
		return PlanLimits{
			RequestsPerMinute:  60,
			MonthlyQuotaMicros: 500_000_000, // $500
			OverageCapMicros:   50_000_000,
			MinFeeMicros:       1_000, // $0.001
		}
	case PlanScale:
		return PlanLimits{
			RequestsPerMinute:  600,
			MonthlyQuotaMicros: 5_000_000_000, // $5000
			OverageCapMicros:   500_000_000,
			MinFeeMicros:       1_000,
		}
	default:
		return PlanLimits{
			RequestsPerMinute:  10,
			MonthlyQuotaMicros: 50_000_000, // $50
			OverageCapMicros:   0,
			MinFeeMicros:       1_000,
		}
	}
}

// Tenant is a customer account. The identifier is immutable; the plan may
// change administratively.
type Tenant struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Plan      Plan      `db:"plan"`
	Currency  string    `db:"currency"`
	CreatedAt time.Time `db:"created_at"`
}

// ApiKey is a credential owned by a tenant. Only the salted hash is stored;
// presented secrets are never logged or persisted.
type ApiKey struct {
	KeyID      string    `db:"key_id"`
	TenantID   string    `db:"tenant_id"`
	SecretHash string    `db:"secret_hash"`
	Salt       string    `db:"salt"`
	Active     bool      `db:"active"`
	CreatedAt  time.Time `db:"created_at"`
}
