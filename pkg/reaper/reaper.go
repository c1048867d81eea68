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

// Package reaper recovers runs abandoned mid-flight. The sweep loop fails
// runs whose lease lapsed before finalization began; the reconcile loop
// resolves runs stuck between the finalize claim and the commit, using the
// uploaded object's cost metadata as the source of truth:
//
//	object present with metadata        -> roll forward, settle actual cost
//	object absent, reservation present  -> roll back, settle minimum fee
//	object absent, reservation absent   -> park as AUDIT_REQUIRED
//
// Settlement idempotency makes every decision safe to repeat and safe to
// race against a resurrected worker.
package reaper

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/ghilp934/Decisionwise-sub000/pkg/config"
	"github.com/ghilp934/Decisionwise-sub000/pkg/kv"
	"github.com/ghilp934/Decisionwise-sub000/pkg/ledger"
	"github.com/ghilp934/Decisionwise-sub000/pkg/metrics"
	"github.com/ghilp934/Decisionwise-sub000/pkg/model"
	"github.com/ghilp934/Decisionwise-sub000/pkg/money"
	"github.com/ghilp934/Decisionwise-sub000/pkg/objectstore"
)

// Reaper is the recovery process.
type Reaper struct {
	cfg     config.Config
	ledger  *ledger.Store
	kv      *kv.Client
	objects *objectstore.Store
	metrics *metrics.Metrics
	log     logr.Logger
	now     func() time.Time
}

// New wires a reaper.
func New(cfg config.Config, led *ledger.Store, kvc *kv.Client, objects *objectstore.Store, m *metrics.Metrics, log logr.Logger) *Reaper {
	return &Reaper{
		cfg:     cfg,
		ledger:  led,
		kv:      kvc,
		objects: objects,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// WithClock fixes the reaper's clock. Tests use it.
func (r *Reaper) WithClock(now func() time.Time) *Reaper {
	r.now = now
	return r
}

// Run drives both loops until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.loop(ctx, r.cfg.ReaperInterval, r.SweepOnce) })
	g.Go(func() error { return r.loop(ctx, r.cfg.ReconcileInterval, r.ReconcileOnce) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Reaper) loop(ctx context.Context, interval time.Duration, pass func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := pass(ctx); err != nil {
			r.log.Error(err, "reaper pass failed")
		}
	}
}

// SweepOnce fails one page of expired-lease runs at the minimum fee. A run
// in PROCESSING past its lease expiry never reached the finalize claim, so
// no result was committed and the minimum fee is all the tenant owes.
func (r *Reaper) SweepOnce(ctx context.Context) error {
	now := r.now()
	runs, err := r.ledger.ExpiredLeases(ctx, now, r.cfg.ReaperPageSize)
	if err != nil {
		return err
	}

	touched := map[string]struct{}{}
	for _, run := range runs {
		err := r.ledger.Settle(ctx, ledger.Commit{
			RunID:          run.ID,
			TenantID:       run.TenantID,
			ExpectStatus:   model.StatusProcessing,
			ExpectVersion:  run.Version,
			Status:         model.StatusFailed,
			ActualMicros:   run.MinFeeMicros,
			Outcome:        model.OutcomeLeaseExpired,
			ReservedMicros: run.ReservedMicros,
			SettledMicros:  run.MinFeeMicros,
			Now:            now,
		})
		if errors.Is(err, ledger.ErrCASConflict) {
			// Heartbeat revived the lease or the worker claimed finalize
			// between our read and the write. Not ours anymore.
			continue
		}
		if err != nil {
			r.log.Error(err, "lease-expiry settlement failed", "run_id", run.ID)
			continue
		}
		r.settleKV(ctx, &run, run.MinFeeMicros, now)
		touched[run.TenantID] = struct{}{}
		r.metrics.ReaperDecisionsTotal.WithLabelValues("lease_expired").Inc()
		r.metrics.SettlementsTotal.WithLabelValues(string(model.OutcomeLeaseExpired)).Inc()
		r.log.Info("expired lease failed at minimum fee",
			"run_id", run.ID,
			"tenant_id", run.TenantID,
			"lease_expired_at", run.LeaseExpiresAt.Time,
			"settled_usd", run.MinFeeMicros.USD())
	}
	r.healBudgets(ctx, touched, now)
	return nil
}

// ReconcileOnce resolves one page of runs stuck in the finalize claim past
// the threshold.
func (r *Reaper) ReconcileOnce(ctx context.Context) error {
	now := r.now()
	runs, err := r.ledger.StuckClaimed(ctx, now.Add(-r.cfg.ReconcileThreshold), r.cfg.ReaperPageSize)
	if err != nil {
		return err
	}
	touched := map[string]struct{}{}
	for _, run := range runs {
		if r.reconcile(ctx, &run, now) {
			touched[run.TenantID] = struct{}{}
		}
	}
	r.healBudgets(ctx, touched, now)
	return nil
}

// reconcile resolves one stuck run and reports whether money moved.
func (r *Reaper) reconcile(ctx context.Context, run *model.Run, now time.Time) bool {
	log := r.log.WithValues("run_id", run.ID, "tenant_id", run.TenantID, "trace_id", run.TraceID)

	if !run.FinalizeToken.Valid {
		// A CLAIMED run without its finalize token cannot be attributed to
		// any commit attempt; only an operator can untangle it.
		r.parkForAudit(ctx, run, log)
		return false
	}

	key := objectstore.ResultKey(run.TenantID, run.ID)
	head, err := r.objects.HeadResult(ctx, key)
	if err != nil {
		// Includes a present object with missing or malformed cost
		// metadata: retried next pass, parked if it never heals.
		log.Error(err, "reconcile head failed, retrying next pass")
		return false
	}

	if head.Present {
		return r.rollForward(ctx, run, key, head, now, log)
	}

	_, reserved, err := r.kv.Reservation(ctx, run.ID)
	if err != nil {
		log.Error(err, "reconcile reservation check failed, retrying next pass")
		return false
	}
	if reserved {
		return r.rollBack(ctx, run, now, log)
	}

	// No object, no reservation: the evidence needed to decide is gone.
	r.parkForAudit(ctx, run, log)
	return false
}

// rollForward completes a run from its durable upload: the worker died
// between the upload and the commit, and the object metadata carries
// everything settlement needs.
func (r *Reaper) rollForward(ctx context.Context, run *model.Run, key string, head objectstore.ResultHead, now time.Time, log logr.Logger) bool {
	settled := money.Max(head.ActualMicros, run.MinFeeMicros)
	if settled > run.ReservedMicros {
		settled = run.ReservedMicros
	}

	err := r.ledger.Settle(ctx, ledger.Commit{
		RunID:          run.ID,
		TenantID:       run.TenantID,
		FinalizeToken:  run.FinalizeToken.String,
		Status:         model.StatusCompleted,
		ActualMicros:   settled,
		ResultBucket:   r.cfg.S3ResultBucket,
		ResultKey:      key,
		ResultSHA256:   head.SHA256,
		Outcome:        model.OutcomeReconciledForward,
		ReservedMicros: run.ReservedMicros,
		SettledMicros:  settled,
		Now:            now,
	})
	if errors.Is(err, ledger.ErrCASConflict) {
		return false
	}
	if err != nil {
		log.Error(err, "roll-forward settlement failed")
		return false
	}
	r.settleKV(ctx, run, settled, now)
	r.metrics.ReaperDecisionsTotal.WithLabelValues("roll_forward").Inc()
	r.metrics.SettlementsTotal.WithLabelValues(string(model.OutcomeReconciledForward)).Inc()
	log.Info("rolled claimed run forward from its upload",
		"settled_usd", settled.USD(), "result_sha256", head.SHA256)
	return true
}

// rollBack fails a claimed run that never uploaded: the reservation still
// stands, so the tenant owes only the minimum fee.
func (r *Reaper) rollBack(ctx context.Context, run *model.Run, now time.Time, log logr.Logger) bool {
	err := r.ledger.Settle(ctx, ledger.Commit{
		RunID:          run.ID,
		TenantID:       run.TenantID,
		FinalizeToken:  run.FinalizeToken.String,
		Status:         model.StatusFailed,
		ActualMicros:   run.MinFeeMicros,
		Outcome:        model.OutcomeReconciledBack,
		ReservedMicros: run.ReservedMicros,
		SettledMicros:  run.MinFeeMicros,
		Now:            now,
	})
	if errors.Is(err, ledger.ErrCASConflict) {
		return false
	}
	if err != nil {
		log.Error(err, "roll-back settlement failed")
		return false
	}
	r.settleKV(ctx, run, run.MinFeeMicros, now)
	r.metrics.ReaperDecisionsTotal.WithLabelValues("roll_back").Inc()
	r.metrics.SettlementsTotal.WithLabelValues(string(model.OutcomeReconciledBack)).Inc()
	log.Info("rolled claimed run back at minimum fee",
		"settled_usd", run.MinFeeMicros.USD())
	return true
}

// parkForAudit moves a run to AUDIT_REQUIRED without settling anything.
// The automated pipeline will not guess at money; the critical log line is
// the operator's page.
func (r *Reaper) parkForAudit(ctx context.Context, run *model.Run, log logr.Logger) {
	err := r.ledger.MarkAuditRequired(ctx, run.ID, run.Version, r.now())
	if errors.Is(err, ledger.ErrCASConflict) {
		return
	}
	if err != nil {
		log.Error(err, "audit parking failed, retrying next pass")
		return
	}
	r.metrics.ReaperDecisionsTotal.WithLabelValues("audit_required").Inc()
	r.metrics.AuditRequiredTotal.Inc()
	log.Error(nil, "AUDIT_REQUIRED: claimed run has neither result object nor reservation; operator review needed",
		"alert", "AUDIT_REQUIRED",
		"run_id", run.ID,
		"tenant_id", run.TenantID,
		"reserved_usd", run.ReservedMicros.USD(),
		"claimed_version", run.Version)
}

func (r *Reaper) settleKV(ctx context.Context, run *model.Run, settled money.Micros, now time.Time) {
	if err := r.kv.Release(ctx, run.TenantID, run.ID, run.ReservedMicros); err != nil {
		r.log.Error(err, "reservation release failed", "run_id", run.ID)
	}
	if err := r.kv.AddSettled(ctx, run.TenantID, model.Period(now), settled); err != nil {
		r.log.Error(err, "settled counter update failed", "run_id", run.ID)
	}
}

// healBudgets rewrites the cached budget counters for every tenant this pass
// settled, from ledger totals. The incremental KV updates above can be lost
// to crashes between the ledger write and the cache write; recomputing from
// the authority here bounds how long that drift survives.
func (r *Reaper) healBudgets(ctx context.Context, tenants map[string]struct{}, now time.Time) {
	period := model.Period(now)
	for tenantID := range tenants {
		open, err := r.ledger.SumOpenReservations(ctx, tenantID)
		if err != nil {
			r.log.Error(err, "budget heal: open reservations", "tenant_id", tenantID)
			continue
		}
		settled, err := r.ledger.SumSettled(ctx, tenantID, period)
		if err != nil {
			r.log.Error(err, "budget heal: settled total", "tenant_id", tenantID)
			continue
		}
		if err := r.kv.SyncBudget(ctx, tenantID, period, open, settled); err != nil {
			r.log.Error(err, "budget heal: cache write", "tenant_id", tenantID)
		}
	}
}
