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

// Package worker consumes the run queue, executes decision packs under a
// heartbeated lease, and finalizes each run with the 2-phase claim/commit
// protocol. The upload between the phases carries the actual cost in object
// metadata, so a worker death after upload is recoverable by the reaper.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ghilp934/Decisionwise-sub000/pkg/config"
	"github.com/ghilp934/Decisionwise-sub000/pkg/kv"
	"github.com/ghilp934/Decisionwise-sub000/pkg/ledger"
	"github.com/ghilp934/Decisionwise-sub000/pkg/metrics"
	"github.com/ghilp934/Decisionwise-sub000/pkg/model"
	"github.com/ghilp934/Decisionwise-sub000/pkg/money"
	"github.com/ghilp934/Decisionwise-sub000/pkg/objectstore"
	"github.com/ghilp934/Decisionwise-sub000/pkg/pack"
	"github.com/ghilp934/Decisionwise-sub000/pkg/queue"
)

// defaultTimebox bounds packs submitted without an explicit timebox.
const defaultTimebox = 60 * time.Second

// Worker is the run-executing process.
type Worker struct {
	cfg     config.Config
	ledger  *ledger.Store
	kv      *kv.Client
	queue   *queue.Queue
	objects *objectstore.Store
	packs   *pack.Registry
	metrics *metrics.Metrics
	log     logr.Logger
	now     func() time.Time
}

// New wires a worker.
func New(cfg config.Config, led *ledger.Store, kvc *kv.Client, q *queue.Queue, objects *objectstore.Store, packs *pack.Registry, m *metrics.Metrics, log logr.Logger) *Worker {
	return &Worker{
		cfg:     cfg,
		ledger:  led,
		kv:      kvc,
		queue:   q,
		objects: objects,
		packs:   packs,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// WithClock fixes the worker's clock. Tests use it.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// Run consumes until ctx is cancelled. Each consumer loop long-polls and
// processes deliveries one at a time; concurrency comes from running
// several loops.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.WorkerConcurrency; i++ {
		g.Go(func() error { return w.consumeLoop(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) consumeLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		deliveries, err := w.queue.Receive(ctx, 1, 20*time.Second, w.cfg.LeaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error(err, "queue receive failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}
		for _, d := range deliveries {
			w.Process(ctx, d)
		}
	}
}

// Process handles one delivery end to end. The message is deleted only on
// paths where the run reached a settled terminal state or provably needs no
// work; every other path leaves it for redelivery.
func (w *Worker) Process(ctx context.Context, d queue.Delivery) {
	log := w.log.WithValues("run_id", d.RunID, "trace_id", d.TraceID)

	run, err := w.ledger.GetRun(ctx, d.RunID)
	if errors.Is(err, ledger.ErrNotFound) {
		// Admission compensation removed the row after the publish; nothing
		// to execute, nothing to charge.
		log.Info("dropping message for missing run")
		w.ack(ctx, d, log)
		return
	}
	if err != nil {
		log.Error(err, "run fetch failed, leaving message")
		return
	}
	if run.Status.Terminal() {
		log.Info("dropping message for finished run", "status", string(run.Status))
		w.ack(ctx, d, log)
		return
	}
	if run.Status != model.StatusQueued {
		// Another worker holds it; redelivery after visibility expiry will
		// find either a terminal run or an expired lease.
		return
	}

	leaseToken := uuid.NewString()
	now := w.now()
	if err := w.ledger.AcquireLease(ctx, run.ID, run.Version, leaseToken,
		now.Add(w.cfg.LeaseTTL), now); err != nil {
		if errors.Is(err, ledger.ErrCASConflict) {
			log.V(1).Info("lost lease race")
			return
		}
		log.Error(err, "lease acquire failed, leaving message")
		return
	}
	version := run.Version + 1

	hb := startHeartbeat(ctx, w.ledger, w.queue, w.metrics, log,
		run.ID, leaseToken, d.ReceiptHandle, version,
		w.cfg.HeartbeatInterval, w.cfg.LeaseTTL)

	result, execErr := w.execute(ctx, run, log)

	// The heartbeat must be fully stopped before the finalize claim: its
	// version is the claim guard, and a tick racing the claim would break
	// the bookkeeping.
	version, lost := hb.stop()
	if lost {
		// The reaper already failed this run and settled the minimum fee.
		// The work is discarded; the message redelivers and meets a
		// terminal run.
		log.Info("lease expired during execution, discarding result")
		return
	}

	if execErr != nil {
		log.Info("pack execution failed", "reason", execErr.Error())
		w.finalizeFailed(ctx, run, leaseToken, version, log)
		if !errors.Is(execErr, context.Canceled) {
			w.ack(ctx, d, log)
		}
		return
	}

	if w.finalizeCompleted(ctx, run, leaseToken, version, result, log) {
		w.ack(ctx, d, log)
	}
}

func (w *Worker) execute(ctx context.Context, run *model.Run, log logr.Logger) (pack.Result, error) {
	executor, ok := w.packs.Lookup(run.PackType)
	if !ok {
		return pack.Result{}, errors.New("pack type no longer registered")
	}
	payload, err := w.ledger.RunPayload(ctx, run.ID)
	if err != nil {
		return pack.Result{}, err
	}

	timebox := defaultTimebox
	if run.TimeboxSec > 0 {
		timebox = time.Duration(run.TimeboxSec) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timebox)
	defer cancel()

	start := w.now()
	result, err := executor.Execute(execCtx, payload)
	w.metrics.PackDuration.WithLabelValues(run.PackType).Observe(time.Since(start).Seconds())
	if err != nil {
		return pack.Result{}, err
	}
	return result, nil
}

// finalizeCompleted drives CLAIM, UPLOAD, COMMIT for a successful
// execution. Returns true when the run reached COMPLETED (or provably was
// completed by a converging actor).
func (w *Worker) finalizeCompleted(ctx context.Context, run *model.Run, leaseToken string, version int64, result pack.Result, log logr.Logger) bool {
	finalizeToken := uuid.NewString()
	if err := w.ledger.ClaimFinalize(ctx, run.ID, leaseToken, version, finalizeToken, w.now()); err != nil {
		w.metrics.FinalizeFailuresTotal.WithLabelValues("claim").Inc()
		log.Error(err, "finalize claim failed, leaving run to the reaper")
		return false
	}

	settled := settleAmount(result.ActualMicros, run)
	digest := sha256.Sum256(result.Body)
	digestHex := hex.EncodeToString(digest[:])
	key := objectstore.ResultKey(run.TenantID, run.ID)

	if err := w.objects.PutResult(ctx, key, result.Body, settled, digestHex); err != nil {
		// Stuck in CLAIMED with no object: the reaper rolls this back to
		// FAILED at the minimum fee after the threshold.
		w.metrics.FinalizeFailuresTotal.WithLabelValues("upload").Inc()
		log.Error(err, "result upload failed, leaving run to the reaper")
		return false
	}

	now := w.now()
	err := w.ledger.Settle(ctx, ledger.Commit{
		RunID:          run.ID,
		TenantID:       run.TenantID,
		FinalizeToken:  finalizeToken,
		Status:         model.StatusCompleted,
		ActualMicros:   settled,
		ResultBucket:   w.cfg.S3ResultBucket,
		ResultKey:      key,
		ResultSHA256:   digestHex,
		Outcome:        model.OutcomeCompleted,
		ReservedMicros: run.ReservedMicros,
		SettledMicros:  settled,
		Now:            now,
	})
	if err != nil {
		// Object and metadata are durable; the reaper rolls this forward.
		w.metrics.FinalizeFailuresTotal.WithLabelValues("commit").Inc()
		log.Error(err, "finalize commit failed, leaving run to the reaper")
		return false
	}

	w.settleKV(ctx, run, settled, now, log)
	w.metrics.SettlementsTotal.WithLabelValues(string(model.OutcomeCompleted)).Inc()
	w.metrics.SettledMicrosTotal.WithLabelValues(string(model.OutcomeCompleted)).Add(float64(settled))
	log.Info("run completed",
		"settled_usd", settled.USD(),
		"result_sha256", digestHex,
		"result_bytes", len(result.Body))
	return true
}

// finalizeFailed settles a failed execution at the minimum fee through the
// same claim/commit protocol, with no upload between the phases.
func (w *Worker) finalizeFailed(ctx context.Context, run *model.Run, leaseToken string, version int64, log logr.Logger) {
	finalizeToken := uuid.NewString()
	if err := w.ledger.ClaimFinalize(ctx, run.ID, leaseToken, version, finalizeToken, w.now()); err != nil {
		w.metrics.FinalizeFailuresTotal.WithLabelValues("claim").Inc()
		log.Error(err, "failure claim failed, leaving run to the reaper")
		return
	}

	now := w.now()
	err := w.ledger.Settle(ctx, ledger.Commit{
		RunID:          run.ID,
		TenantID:       run.TenantID,
		FinalizeToken:  finalizeToken,
		Status:         model.StatusFailed,
		ActualMicros:   run.MinFeeMicros,
		Outcome:        model.OutcomeFailed,
		ReservedMicros: run.ReservedMicros,
		SettledMicros:  run.MinFeeMicros,
		Now:            now,
	})
	if err != nil {
		w.metrics.FinalizeFailuresTotal.WithLabelValues("commit").Inc()
		log.Error(err, "failure commit failed, leaving run to the reaper")
		return
	}

	w.settleKV(ctx, run, run.MinFeeMicros, now, log)
	w.metrics.SettlementsTotal.WithLabelValues(string(model.OutcomeFailed)).Inc()
	log.Info("run failed and settled at minimum fee", "settled_usd", run.MinFeeMicros.USD())
}

// settleKV releases the reservation and feeds the settled counter. Both are
// caches over the ledger; failures are logged and left to the reconciler.
func (w *Worker) settleKV(ctx context.Context, run *model.Run, settled money.Micros, now time.Time, log logr.Logger) {
	if err := w.kv.Release(ctx, run.TenantID, run.ID, run.ReservedMicros); err != nil {
		log.Error(err, "reservation release failed")
	}
	if err := w.kv.AddSettled(ctx, run.TenantID, model.Period(now), settled); err != nil {
		log.Error(err, "settled counter update failed")
	}
}

func (w *Worker) ack(ctx context.Context, d queue.Delivery, log logr.Logger) {
	if err := w.queue.Delete(ctx, d.ReceiptHandle); err != nil {
		// Redelivery meets a terminal run and drops on the floor.
		log.Error(err, "message delete failed")
	}
}

// settleAmount applies the minimum fee floor and the reservation ceiling.
// The reservation is the advertised worst case; an executor reporting more
// than it estimated is charged only what was reserved.
func settleAmount(actual money.Micros, run *model.Run) money.Micros {
	amount := money.Max(actual, run.MinFeeMicros)
	if amount > run.ReservedMicros {
		amount = run.ReservedMicros
	}
	return amount
}
