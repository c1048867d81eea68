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

// Package admission is the paid front door: every submitted run passes the
// rate limiter, the budget check, the KV reservation, the ledger insert,
// and the enqueue, in that order. Money is reserved before the ledger row
// exists and the row exists before the message does, so every failure mode
// leaves an over-reservation (self-healing) rather than unpaid work.
package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/ghilp934/Decisionwise-sub000/pkg/config"
	"github.com/ghilp934/Decisionwise-sub000/pkg/kv"
	"github.com/ghilp934/Decisionwise-sub000/pkg/ledger"
	"github.com/ghilp934/Decisionwise-sub000/pkg/metrics"
	"github.com/ghilp934/Decisionwise-sub000/pkg/model"
	"github.com/ghilp934/Decisionwise-sub000/pkg/money"
	"github.com/ghilp934/Decisionwise-sub000/pkg/pack"
	"github.com/ghilp934/Decisionwise-sub000/pkg/problem"
	"github.com/ghilp934/Decisionwise-sub000/pkg/queue"
)

// Request is one submit attempt, already authenticated.
type Request struct {
	Tenant         *model.Tenant
	IdempotencyKey string
	PackType       string
	Payload        []byte
	// MaxCostMicros is the client's reservation: the most the run may cost.
	MaxCostMicros money.Micros
	TimeboxSec    int64
	TraceID       string
}

// Receipt is the accepted-run acknowledgment.
type Receipt struct {
	Run *model.Run
	// Replayed is true when the receipt describes a previously accepted run
	// returned for a repeated idempotency key.
	Replayed bool
	// RatePolicy describes the window the request was admitted under.
	RatePolicy problem.Policy
}

// Pipeline wires the admission dependencies.
type Pipeline struct {
	cfg     config.Config
	kv      *kv.Client
	ledger  *ledger.Store
	queue   *queue.Queue
	packs   *pack.Registry
	metrics *metrics.Metrics
	log     logr.Logger
	now     func() time.Time
}

// New builds the pipeline.
func New(cfg config.Config, kvc *kv.Client, led *ledger.Store, q *queue.Queue, packs *pack.Registry, m *metrics.Metrics, log logr.Logger) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		kv:      kvc,
		ledger:  led,
		queue:   q,
		packs:   packs,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// WithClock fixes the pipeline's clock. Tests use it.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Submit runs the full admission pipeline. Client-visible rejections come
// back as *problem.Error; anything else is an internal failure the handler
// maps to a 5xx.
func (p *Pipeline) Submit(ctx context.Context, req Request) (Receipt, error) {
	start := p.now()
	defer func() {
		p.metrics.AdmissionDuration.Observe(time.Since(start).Seconds())
	}()

	limits := req.Tenant.Plan.Limits()
	policy := problem.Policy{
		Name:   string(req.Tenant.Plan),
		Limit:  limits.RequestsPerMinute,
		Window: p.cfg.RateWindow.String(),
	}

	// Step 1: rate limit. This is the only step that consumes the window;
	// later rejections give the slot back implicitly because nothing after
	// this point touches the counter again.
	rate, err := p.kv.AllowRequest(ctx, req.Tenant.ID, limits.RequestsPerMinute, p.cfg.RateWindow)
	if err != nil {
		return Receipt{RatePolicy: policy}, p.dependencyDown("kv", err)
	}
	if !rate.Allowed {
		p.metrics.RateLimitRejections.WithLabelValues(string(req.Tenant.Plan)).Inc()
		policy.Current = limits.RequestsPerMinute
		return Receipt{RatePolicy: policy}, problem.RateLimited(rate.RetryAfterSec, policy)
	}
	policy.Current = rate.Current

	// Step 2: validation. Nothing has been reserved yet, so rejections here
	// are free.
	executor, ok := p.packs.Lookup(req.PackType)
	if !ok {
		return Receipt{RatePolicy: policy}, problem.Unprocessable(problem.ReasonUnknownPack,
			fmt.Sprintf("pack type %q is not registered", req.PackType))
	}
	if req.Tenant.Currency != "USD" {
		return Receipt{RatePolicy: policy}, problem.Forbidden(problem.ReasonCurrencyMismatch,
			"account currency is not USD")
	}

	fingerprint := sha256.Sum256(req.Payload)
	payloadSHA := hex.EncodeToString(fingerprint[:])

	// Idempotency fast path: a marker means the ledger almost certainly
	// already holds this key. The ledger constraint remains the authority;
	// this only saves the doomed insert.
	if runID, found, err := p.kv.LookupIdempotency(ctx, req.Tenant.ID, req.IdempotencyKey); err == nil && found {
		existing, err := p.ledger.GetRun(ctx, runID)
		if err == nil {
			return p.replay(existing, payloadSHA, policy)
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return Receipt{RatePolicy: policy}, p.dependencyDown("ledger", err)
		}
		// Stale marker with no row behind it: fall through to a real insert.
	}

	// The reservation is the client's requested cap; the pack estimate only
	// floors it so nobody pays less up front than the work plausibly costs.
	estimate := executor.EstimateMicros(req.Payload)
	if estimate < limits.MinFeeMicros {
		estimate = limits.MinFeeMicros
	}
	reserved := req.MaxCostMicros
	if reserved < estimate {
		return Receipt{RatePolicy: policy}, problem.PaymentRequired(problem.ReasonInsufficientBudget,
			fmt.Sprintf("requested maximum cost %s USD is below the %s USD estimate for this pack",
				reserved.USD(), estimate.USD()))
	}

	// Step 3: budget check against the cached counters.
	snap, err := p.kv.Budget(ctx, req.Tenant.ID, model.Period(start))
	if err != nil {
		return Receipt{RatePolicy: policy}, p.dependencyDown("kv", err)
	}
	allowance := limits.MonthlyQuotaMicros + limits.OverageCapMicros
	if snap.SettledMicros+snap.OpenMicros+reserved > allowance {
		return Receipt{RatePolicy: policy}, problem.PaymentRequired(problem.ReasonInsufficientBudget,
			"the requested maximum cost does not fit the remaining monthly allowance",
			problem.Policy{
				Name:    string(req.Tenant.Plan) + "-monthly-budget",
				Limit:   int64(allowance),
				Current: int64(snap.SettledMicros + snap.OpenMicros),
				Window:  "1 month",
			})
	}

	runID := "run_" + uuid.NewString()

	// Step 4: KV reservation. From here on every failure path must release.
	if err := p.kv.Reserve(ctx, req.Tenant.ID, runID, reserved, p.cfg.RetentionHorizon); err != nil {
		return Receipt{RatePolicy: policy}, p.dependencyDown("kv", err)
	}
	p.metrics.ReservationsOpen.Inc()

	run := &model.Run{
		ID:                 runID,
		TenantID:           req.Tenant.ID,
		IdempotencyKey:     req.IdempotencyKey,
		Payload:            req.Payload,
		PayloadSHA256:      payloadSHA,
		PackType:           req.PackType,
		Status:             model.StatusQueued,
		Stage:              model.StageNone,
		Version:            1,
		ReservedMicros:     reserved,
		MinFeeMicros:       limits.MinFeeMicros,
		TimeboxSec:         req.TimeboxSec,
		TraceID:            req.TraceID,
		CreatedAt:          start,
		RetentionExpiresAt: start.Add(p.cfg.RetentionHorizon),
	}

	// Step 5: ledger insert, the acceptance point.
	if err := p.ledger.InsertRun(ctx, run); err != nil {
		p.release(ctx, req.Tenant.ID, runID, reserved)

		var dup *ledger.DuplicateRunError
		if errors.As(err, &dup) {
			return p.replay(dup.Existing, payloadSHA, policy)
		}
		return Receipt{RatePolicy: policy}, p.dependencyDown("ledger", err)
	}

	if _, _, err := p.kv.MarkIdempotency(ctx, req.Tenant.ID, req.IdempotencyKey, runID, p.cfg.RetentionHorizon); err != nil {
		// Marker is a hint only; losing it costs a round trip on replay.
		p.log.V(1).Info("idempotency marker write failed",
			"run_id", runID, "error", err.Error())
	}

	// Step 6: enqueue. A failure here unwinds everything so the key is not
	// burned on a run no worker will ever see.
	msg := queue.Message{
		RunID:      runID,
		TenantID:   req.Tenant.ID,
		PackType:   req.PackType,
		EnqueuedAt: start,
		TraceID:    req.TraceID,
	}
	if err := p.queue.Publish(ctx, msg); err != nil {
		if delErr := p.ledger.DeleteRun(ctx, runID); delErr != nil {
			p.log.Error(delErr, "enqueue compensation: delete run failed", "run_id", runID)
		}
		p.release(ctx, req.Tenant.ID, runID, reserved)
		if clrErr := p.kv.ClearIdempotency(ctx, req.Tenant.ID, req.IdempotencyKey); clrErr != nil {
			p.log.Error(clrErr, "enqueue compensation: clear marker failed", "run_id", runID)
		}
		return Receipt{RatePolicy: policy}, p.dependencyDown("queue", err)
	}

	p.metrics.SubmitsTotal.WithLabelValues("accepted").Inc()
	p.log.Info("run accepted",
		"run_id", runID,
		"tenant_id", req.Tenant.ID,
		"pack_type", req.PackType,
		"reserved_usd", reserved.USD(),
		"payload_sha256", payloadSHA,
		"payload_bytes", len(req.Payload),
		"trace_id", req.TraceID)

	return Receipt{Run: run, RatePolicy: policy}, nil
}

// replay returns the existing run for a repeated key, or the conflict
// problem when the payload differs.
func (p *Pipeline) replay(existing *model.Run, payloadSHA string, policy problem.Policy) (Receipt, error) {
	if existing.PayloadSHA256 != payloadSHA {
		return Receipt{RatePolicy: policy}, problem.IdempotencyConflict()
	}
	return Receipt{Run: existing, Replayed: true, RatePolicy: policy}, nil
}

func (p *Pipeline) release(ctx context.Context, tenantID, runID string, amount money.Micros) {
	if err := p.kv.Release(ctx, tenantID, runID, amount); err != nil {
		// The reservation marker TTL bounds the damage; the reconciler will
		// resync the counter from the ledger.
		p.log.Error(err, "reservation release failed", "run_id", runID)
		return
	}
	p.metrics.ReservationsOpen.Dec()
}

func (p *Pipeline) dependencyDown(subsystem string, err error) error {
	p.log.Error(err, "admission dependency unavailable", "subsystem", subsystem)
	return problem.DependencyUnavailable(subsystem)
}
