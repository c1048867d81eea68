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
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ghilp934/Decisionwise-sub000/pkg/model"
)

// pgUniqueViolation is the Postgres error code for unique-constraint
// violations (class 23, integrity constraint violation).
const pgUniqueViolation = "23505"

// runsIdempotencyConstraint is the constraint backing the
// (tenant_id, idempotency_key) uniqueness invariant.
const runsIdempotencyConstraint = "runs_tenant_idempotency_key"

// ErrCASConflict is returned when a compare-and-swap matched zero rows:
// the observed version or a guard column no longer holds. Callers treat it
// as a retriable conflict, never as a hard failure.
var ErrCASConflict = errors.New("ledger: compare-and-swap conflict")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("ledger: not found")

// DuplicateRunError reports an insert that hit the (tenant, idempotency_key)
// uniqueness constraint. It carries the pre-existing run so the caller can
// discriminate replay (matching payload fingerprint) from conflict.
type DuplicateRunError struct {
	Existing *model.Run
}

func (e *DuplicateRunError) Error() string {
	return fmt.Sprintf("ledger: duplicate idempotency key for run %s", e.Existing.ID)
}

// IntegrityError reports any other integrity-constraint violation. It is
// surfaced as a 5xx; it is never the replay path.
type IntegrityError struct {
	Code       string
	Constraint string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger: integrity violation %s on constraint %q", e.Code, e.Constraint)
}

// isIdempotencyConflict inspects the driver's structured error signal for
// the narrow uniqueness violation that drives the replay path. Substring
// matching on error text is deliberately not done here; only the pgconn
// code and constraint identity decide.
func isIdempotencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == runsIdempotencyConstraint
}

// asIntegrityError converts class-23 driver errors into IntegrityError.
// Non-integrity errors pass through unchanged.
func asIntegrityError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23" {
		return &IntegrityError{Code: pgErr.Code, Constraint: pgErr.ConstraintName}
	}
	return err
}
