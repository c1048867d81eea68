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

// Package model defines the ledger entities shared by the API service, the
// worker, and the reaper: tenants, API keys, runs, and settlements.
package model

import (
	"database/sql"
	"time"

	"github.com/ghilp934/Decisionwise-sub000/pkg/money"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusQueued        RunStatus = "QUEUED"
	StatusProcessing    RunStatus = "PROCESSING"
	StatusClaimed       RunStatus = "CLAIMED"
	StatusCompleted     RunStatus = "COMPLETED"
	StatusFailed        RunStatus = "FAILED"
	StatusAuditRequired RunStatus = "AUDIT_REQUIRED"
)

// Terminal reports whether no further automated transition may touch the run.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAuditRequired:
		return true
	}
	return false
}

// FinalizeStage tracks progress through the 2-phase finalize protocol.
type FinalizeStage string

const (
	StageNone      FinalizeStage = "NONE"
	StageClaimed   FinalizeStage = "CLAIMED"
	StageCommitted FinalizeStage = "COMMITTED"
)

// Run is the central entity: one submitted job with its budget reservation,
// lease, and finalization state. The optimistic Version counter is bumped on
// every mutating transition; all writers go through the ledger CAS.
type Run struct {
	ID             string `db:"id"`
	TenantID       string `db:"tenant_id"`
	IdempotencyKey string `db:"idempotency_key"`

	// Payload is the pack input, persisted for the worker. Reads of run
	// state deliberately leave it behind; only RunPayload fetches it.
	Payload []byte `db:"-"`

	// PayloadSHA256 is the hex fingerprint of the payload. Replays with a
	// matching key but a different fingerprint are conflicts.
	PayloadSHA256 string `db:"payload_sha256"`

	PackType string        `db:"pack_type"`
	Status   RunStatus     `db:"status"`
	Stage    FinalizeStage `db:"finalize_stage"`
	Version  int64         `db:"version"`

	ReservedMicros money.Micros  `db:"reserved_micros"`
	ActualMicros   sql.NullInt64 `db:"actual_micros"`
	MinFeeMicros   money.Micros  `db:"min_fee_micros"`

	LeaseToken     sql.NullString `db:"lease_token"`
	LeaseExpiresAt sql.NullTime   `db:"lease_expires_at"`
	FinalizeToken  sql.NullString `db:"finalize_token"`

	ResultBucket sql.NullString `db:"result_bucket"`
	ResultKey    sql.NullString `db:"result_key"`
	ResultSHA256 sql.NullString `db:"result_sha256"`

	TimeboxSec int64  `db:"timebox_sec"`
	TraceID    string `db:"trace_id"`

	CreatedAt          time.Time    `db:"created_at"`
	StartedAt          sql.NullTime `db:"started_at"`
	ClaimedAt          sql.NullTime `db:"claimed_at"`
	CompletedAt        sql.NullTime `db:"completed_at"`
	RetentionExpiresAt time.Time    `db:"retention_expires_at"`
}

// Expired reports whether the run has passed its retention horizon.
func (r *Run) Expired(now time.Time) bool {
	return now.After(r.RetentionExpiresAt)
}

// LeaseExpired reports whether the run holds a lapsed lease.
func (r *Run) LeaseExpired(now time.Time) bool {
	return r.LeaseExpiresAt.Valid && now.After(r.LeaseExpiresAt.Time)
}

// SettlementOutcome records why a settlement row exists.
type SettlementOutcome string

const (
	OutcomeCompleted         SettlementOutcome = "completed"
	OutcomeFailed            SettlementOutcome = "failed"
	OutcomeLeaseExpired      SettlementOutcome = "lease_expired"
	OutcomeReconciledForward SettlementOutcome = "reconciled_forward"
	OutcomeReconciledBack    SettlementOutcome = "reconciled_back"
)

// Settlement is the irreversible record of actual cost charged against a
// tenant's period balance. Its primary key is the run identifier, which is
// what makes settlement idempotent under worker/reaper races.
type Settlement struct {
	RunID          string            `db:"run_id"`
	TenantID       string            `db:"tenant_id"`
	Outcome        SettlementOutcome `db:"outcome"`
	ReservedMicros money.Micros      `db:"reserved_micros"`
	SettledMicros  money.Micros      `db:"settled_micros"`
	Period         string            `db:"period"`
	CreatedAt      time.Time         `db:"created_at"`
}

// Period formats t as the monthly settlement period key.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}
