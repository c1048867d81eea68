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
	"github.com/ghilp934/Decisionwise-sub000/pkg/money"
	"github.com/jmoiron/sqlx"
)

const runColumns = `id, tenant_id, idempotency_key, payload_sha256, pack_type,
	status, finalize_stage, version, reserved_micros, actual_micros,
	min_fee_micros, lease_token, lease_expires_at, finalize_token,
	result_bucket, result_key, result_sha256, timebox_sec, trace_id,
	created_at, started_at, claimed_at, completed_at, retention_expires_at`

// InsertRun creates a new run row in QUEUED with finalize stage NONE.
//
// A uniqueness violation on (tenant_id, idempotency_key) is classified via
// the driver's structured conflict signal and surfaced as *DuplicateRunError
// carrying the pre-existing row. Any other integrity violation becomes
// *IntegrityError. Nothing here string-matches error messages.
func (s *Store) InsertRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, tenant_id, idempotency_key, payload, payload_sha256, pack_type,
			status, finalize_stage, version, reserved_micros, min_fee_micros,
			timebox_sec, trace_id, created_at, retention_expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.TenantID, r.IdempotencyKey, r.Payload, r.PayloadSHA256, r.PackType,
		model.StatusQueued, model.StageNone, int64(r.ReservedMicros),
		int64(r.MinFeeMicros), r.TimeboxSec, r.TraceID, r.CreatedAt,
		r.RetentionExpiresAt,
	)
	if err == nil {
		return nil
	}
	if isIdempotencyConflict(err) {
		existing, lookupErr := s.GetRunByIdempotencyKey(ctx, r.TenantID, r.IdempotencyKey)
		if lookupErr != nil {
			return fmt.Errorf("ledger: duplicate key but existing row unreadable: %w", lookupErr)
		}
		return &DuplicateRunError{Existing: existing}
	}
	return asIntegrityError(err)
}

// GetRun fetches a run by its client-visible identifier.
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var r model.Run
	err := s.db.GetContext(ctx, &r,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get run: %w", err)
	}
	return &r, nil
}

// GetRunByIdempotencyKey fetches the run holding a (tenant, key) pair.
func (s *Store) GetRunByIdempotencyKey(ctx context.Context, tenantID, key string) (*model.Run, error) {
	var r model.Run
	err := s.db.GetContext(ctx, &r,
		`SELECT `+runColumns+` FROM runs WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenantID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get run by idempotency key: %w", err)
	}
	return &r, nil
}

// RunPayload fetches the stored pack input for execution. It is a separate
// read so run-state polls never haul payload bytes around.
func (s *Store) RunPayload(ctx context.Context, id string) ([]byte, error) {
	var payload []byte
	err := s.db.GetContext(ctx, &payload, `SELECT payload FROM runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: run payload: %w", err)
	}
	return payload, nil
}

// DeleteRun removes a run row. It exists for admission-pipeline compensation
// only: a freshly inserted row whose enqueue failed must not linger, or the
// idempotency key would be burned with no work behind it.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = $1 AND status = $2`,
		id, model.StatusQueued)
	if err != nil {
		return fmt.Errorf("ledger: delete run: %w", err)
	}
	return nil
}

// AcquireLease compare-and-swaps a run from QUEUED to PROCESSING, installing
// the worker's lease token and expiry. Guards: status and version.
func (s *Store) AcquireLease(ctx context.Context, runID string, expectedVersion int64, leaseToken string, expiresAt, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = $1, lease_token = $2, lease_expires_at = $3,
			started_at = $4, version = version + 1
		WHERE id = $5 AND status = $6 AND version = $7`,
		model.StatusProcessing, leaseToken, expiresAt, now,
		runID, model.StatusQueued, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("ledger: acquire lease: %w", err)
	}
	return casOutcome(res)
}

// ExtendLease advances lease_expires_at for the current holder only.
// Guards: status PROCESSING, lease token, version. On success the caller's
// view of the version must advance by one; the new version is returned.
func (s *Store) ExtendLease(ctx context.Context, runID, leaseToken string, expectedVersion int64, newExpiry time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET lease_expires_at = $1, version = version + 1
		WHERE id = $2 AND status = $3 AND lease_token = $4 AND version = $5`,
		newExpiry, runID, model.StatusProcessing, leaseToken, expectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("ledger: extend lease: %w", err)
	}
	if err := casOutcome(res); err != nil {
		return 0, err
	}
	return expectedVersion + 1, nil
}

// ClaimFinalize performs phase 1 of finalization: the run moves to CLAIMED
// with a fresh one-shot finalize token and a claimed_at stamp the reaper
// measures its reconcile threshold from. Guards: status PROCESSING, finalize
// stage NONE, lease token, version.
func (s *Store) ClaimFinalize(ctx context.Context, runID, leaseToken string, expectedVersion int64, finalizeToken string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = $1, finalize_stage = $2, finalize_token = $3,
			claimed_at = $4, version = version + 1
		WHERE id = $5 AND status = $6 AND finalize_stage = $7
		  AND lease_token = $8 AND version = $9`,
		model.StatusClaimed, model.StageClaimed, finalizeToken, now,
		runID, model.StatusProcessing, model.StageNone, leaseToken, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("ledger: claim finalize: %w", err)
	}
	return casOutcome(res)
}

// Commit describes phase 3 of finalization: the terminal run-row CAS paired
// with its settlement, applied in one transaction.
type Commit struct {
	RunID    string
	TenantID string

	// FinalizeToken guards the run-row update when non-empty (worker commit
	// and reaper roll-forward). When empty, ExpectStatus/ExpectVersion guard
	// instead (lease-expiry failure path).
	FinalizeToken string
	ExpectStatus  model.RunStatus
	ExpectVersion int64

	// Status is the terminal state: COMPLETED or FAILED.
	Status model.RunStatus

	ActualMicros money.Micros
	ResultBucket string
	ResultKey    string
	ResultSHA256 string

	Outcome        model.SettlementOutcome
	ReservedMicros money.Micros
	SettledMicros  money.Micros

	Now time.Time
}

// Settle applies a Commit atomically. The settlement insert uses the run-id
// primary key as its idempotency anchor: if a row already exists the whole
// operation is a converged no-op, which is what lets two reaper replicas (or
// a reaper racing the worker) process the same run safely.
//
// Zero rows from the guarded run update, with no settlement present, is
// ErrCASConflict.
func (s *Store) Settle(ctx context.Context, c Commit) error {
	err := s.settleTx(ctx, c)
	if errors.Is(err, errAlreadySettled) {
		return nil
	}
	return err
}

func (s *Store) settleTx(ctx context.Context, c Commit) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO settlements (run_id, tenant_id, outcome, reserved_micros, settled_micros, period, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (run_id) DO NOTHING`,
			c.RunID, c.TenantID, c.Outcome, int64(c.ReservedMicros),
			int64(c.SettledMicros), model.Period(c.Now), c.Now,
		)
		if err != nil {
			return asIntegrityError(err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("ledger: settlement rows: %w", err)
		}
		if inserted == 0 {
			// Another actor already settled this run; its transaction also
			// finalized the run row. Converge without touching anything.
			return errAlreadySettled
		}

		if err := c.updateRunRow(ctx, tx); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO usage_daily (tenant_id, day, runs_count, settled_micros)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (tenant_id, day) DO UPDATE SET
				runs_count = usage_daily.runs_count + 1,
				settled_micros = usage_daily.settled_micros + EXCLUDED.settled_micros`,
			c.TenantID, c.Now.UTC().Format("2006-01-02"), int64(c.SettledMicros),
		)
		if err != nil {
			return fmt.Errorf("ledger: usage upsert: %w", err)
		}
		return nil
	})
}

// errAlreadySettled is internal to Settle; callers see nil.
var errAlreadySettled = errors.New("ledger: already settled")

func (c Commit) updateRunRow(ctx context.Context, tx *sqlx.Tx) error {
	var (
		res sql.Result
		err error
	)
	stage := model.StageCommitted
	if c.Status == model.StatusFailed {
		// Failed runs never committed a result; the finalize stage is
		// cleared so the COMMITTED implies-result-pointer invariant holds.
		stage = model.StageNone
	}

	if c.FinalizeToken != "" {
		res, err = tx.ExecContext(ctx, `
			UPDATE runs SET
				status = $1, finalize_stage = $2, actual_micros = $3,
				result_bucket = NULLIF($4, ''), result_key = NULLIF($5, ''),
				result_sha256 = NULLIF($6, ''), completed_at = $7,
				finalize_token = NULL, lease_token = NULL,
				lease_expires_at = NULL, version = version + 1
			WHERE id = $8 AND finalize_stage = $9 AND finalize_token = $10`,
			c.Status, stage, int64(c.ActualMicros),
			c.ResultBucket, c.ResultKey, c.ResultSHA256, c.Now,
			c.RunID, model.StageClaimed, c.FinalizeToken,
		)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE runs SET
				status = $1, finalize_stage = $2, actual_micros = $3,
				completed_at = $4, finalize_token = NULL, lease_token = NULL,
				lease_expires_at = NULL, version = version + 1
			WHERE id = $5 AND status = $6 AND version = $7`,
			c.Status, stage, int64(c.ActualMicros), c.Now,
			c.RunID, c.ExpectStatus, c.ExpectVersion,
		)
	}
	if err != nil {
		return fmt.Errorf("ledger: finalize run row: %w", err)
	}
	return casOutcome(res)
}

// MarkAuditRequired parks a run in the terminal AUDIT_REQUIRED state.
// No settlement is recorded: the automated pipeline refuses to guess.
func (s *Store) MarkAuditRequired(ctx context.Context, runID string, expectedVersion int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $1, completed_at = $2, version = version + 1
		WHERE id = $3 AND version = $4 AND status = $5`,
		model.StatusAuditRequired, now, runID, expectedVersion, model.StatusClaimed,
	)
	if err != nil {
		return fmt.Errorf("ledger: mark audit required: %w", err)
	}
	return casOutcome(res)
}

// ExpiredLeases returns a bounded page of PROCESSING runs whose lease has
// lapsed, oldest expiry first.
func (s *Store) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]model.Run, error) {
	var runs []model.Run
	err := s.db.SelectContext(ctx, &runs, `
		SELECT `+runColumns+` FROM runs
		WHERE status = $1 AND lease_expires_at < $2
		ORDER BY lease_expires_at ASC
		LIMIT $3`,
		model.StatusProcessing, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: expired leases: %w", err)
	}
	return runs, nil
}

// StuckClaimed returns a bounded page of runs stuck in finalize stage
// CLAIMED since before the threshold. The age is measured from claimed_at,
// not started_at, so a worker that ran close to its timebox before claiming
// still gets the full threshold to finish the upload and commit.
func (s *Store) StuckClaimed(ctx context.Context, olderThan time.Time, limit int) ([]model.Run, error) {
	var runs []model.Run
	err := s.db.SelectContext(ctx, &runs, `
		SELECT `+runColumns+` FROM runs
		WHERE status = $1 AND finalize_stage = $2 AND claimed_at < $3
		ORDER BY claimed_at ASC
		LIMIT $4`,
		model.StatusClaimed, model.StageClaimed, olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: stuck claimed: %w", err)
	}
	return runs, nil
}

// SumOpenReservations totals reserved micro-units for runs that have not
// reached a terminal state. This is the ledger-authoritative value behind
// the KV open-reservations cache.
func (s *Store) SumOpenReservations(ctx context.Context, tenantID string) (money.Micros, error) {
	var total int64
	err := s.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(reserved_micros), 0) FROM runs
		WHERE tenant_id = $1 AND status IN ($2, $3, $4)`,
		tenantID, model.StatusQueued, model.StatusProcessing, model.StatusClaimed,
	)
	if err != nil {
		return 0, fmt.Errorf("ledger: sum open reservations: %w", err)
	}
	return money.Micros(total), nil
}

// SumSettled totals settled micro-units for a tenant in a period.
func (s *Store) SumSettled(ctx context.Context, tenantID, period string) (money.Micros, error) {
	var total int64
	err := s.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(settled_micros), 0) FROM settlements
		WHERE tenant_id = $1 AND period = $2`,
		tenantID, period,
	)
	if err != nil {
		return 0, fmt.Errorf("ledger: sum settled: %w", err)
	}
	return money.Micros(total), nil
}

// GetSettlement fetches the settlement row for a run, if any.
func (s *Store) GetSettlement(ctx context.Context, runID string) (*model.Settlement, error) {
	var st model.Settlement
	err := s.db.GetContext(ctx, &st, `
		SELECT run_id, tenant_id, outcome, reserved_micros, settled_micros, period, created_at
		FROM settlements WHERE run_id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get settlement: %w", err)
	}
	return &st, nil
}

// casOutcome turns a zero-rows-affected result into ErrCASConflict.
func casOutcome(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: rows affected: %w", err)
	}
	if n == 0 {
		return ErrCASConflict
	}
	return nil
}
