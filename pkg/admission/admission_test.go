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

package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

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

func TestAdmission(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Admission Suite")
}

// fakeSQS satisfies the queue API; Publish only.
type fakeSQS struct {
	sent    int
	sendErr error
}

func (f *fakeSQS) SendMessage(_ context.Context, _ *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent++
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, _ *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, _ *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(_ context.Context, _ *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{}, nil
}

var _ = Describe("Pipeline", func() {
	var (
		mr       *miniredis.Miniredis
		kvClient *kv.Client
		mock     sqlmock.Sqlmock
		sqsFake  *fakeSQS
		pipeline *Pipeline
		ctx      context.Context
		now      time.Time
		tenant   *model.Tenant
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		kvClient = kv.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logr.Discard())

		sqlDB, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).NotTo(HaveOccurred())
		mock = m

		led := ledger.NewStore(sqlx.NewDb(sqlDB, "pgx"), logr.Discard())
		sqsFake = &fakeSQS{}
		q := queue.NewWithAPI(sqsFake, "https://sqs.test/q", logr.Discard())

		cfg := config.Default()
		now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		tenant = &model.Tenant{ID: "ten_1", Plan: model.PlanBasic, Currency: "USD"}

		pipeline = New(cfg, kvClient, led, q, pack.Builtin(),
			metrics.NewMetrics(prometheus.NewRegistry()), logr.Discard()).
			WithClock(func() time.Time { return now })
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		mr.Close()
	})

	validPayload := []byte(`{"options":[{"name":"a","attributes":{"x":1}}],"criteria":[{"attribute":"x","weight":1}]}`)

	request := func() Request {
		return Request{
			Tenant:         tenant,
			IdempotencyKey: "idem-1",
			PackType:       "decision",
			Payload:        validPayload,
			MaxCostMicros:  money.Micros(100_000),
			TimeboxSec:     30,
			TraceID:        "trace-1",
		}
	}

	It("accepts a run and reserves exactly the requested maximum cost", func() {
		mock.ExpectExec(`INSERT INTO runs`).WillReturnResult(sqlmock.NewResult(1, 1))

		receipt, err := pipeline.Submit(ctx, request())
		Expect(err).NotTo(HaveOccurred())
		Expect(receipt.Replayed).To(BeFalse())
		Expect(receipt.Run.Status).To(Equal(model.StatusQueued))
		Expect(receipt.Run.ReservedMicros).To(Equal(money.Micros(100_000)))
		Expect(receipt.Run.ReservedMicros.USD()).To(Equal("0.1000"))
		Expect(sqsFake.sent).To(Equal(1))

		_, held, err := kvClient.Reservation(ctx, receipt.Run.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(held).To(BeTrue())
	})

	It("rejects over the rate limit with a retry delay as a field", func() {
		mock.ExpectExec(`INSERT INTO runs`).WillReturnResult(sqlmock.NewResult(1, 1))
		_, err := pipeline.Submit(ctx, request())
		Expect(err).NotTo(HaveOccurred())

		// Exhaust the basic plan's 10-per-minute window.
		for i := 0; i < 9; i++ {
			_, err := kvClient.AllowRequest(ctx, tenant.ID, 10, time.Minute)
			Expect(err).NotTo(HaveOccurred())
		}

		receipt, err := pipeline.Submit(ctx, request())
		var perr *problem.Error
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(perr.Status).To(Equal(http.StatusTooManyRequests))
		Expect(perr.RetryAfter).To(BeNumerically(">=", 1))
		Expect(perr.Policies).To(HaveLen(1))
		Expect(perr.Policies[0].Limit).To(Equal(int64(10)))
		// The receipt still names the exhausted window so the transport can
		// attach the rate fields to the rejection.
		Expect(receipt.RatePolicy.Limit).To(Equal(int64(10)))
		Expect(receipt.RatePolicy.Current).To(Equal(int64(10)))
	})

	It("rejects an unknown pack type before any money moves", func() {
		req := request()
		req.PackType = "telepathy"

		_, err := pipeline.Submit(ctx, req)
		var perr *problem.Error
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(perr.ReasonCode).To(Equal(problem.ReasonUnknownPack))
		Expect(mr.Keys()).To(HaveLen(1)) // only the rate counter
	})

	It("forbids a non-USD account", func() {
		tenant.Currency = "EUR"

		_, err := pipeline.Submit(ctx, request())
		var perr *problem.Error
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(perr.Status).To(Equal(http.StatusForbidden))
		Expect(perr.ReasonCode).To(Equal(problem.ReasonCurrencyMismatch))
	})

	It("rejects a requested cap below the pack estimate before any money moves", func() {
		req := request()
		req.MaxCostMicros = money.Micros(2_000)

		_, err := pipeline.Submit(ctx, req)
		var perr *problem.Error
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(perr.Status).To(Equal(http.StatusPaymentRequired))
		Expect(perr.ReasonCode).To(Equal(problem.ReasonInsufficientBudget))
		Expect(mr.Keys()).To(HaveLen(1)) // only the rate counter
	})

	It("rejects when the estimate does not fit the remaining allowance", func() {
		// Basic plan allowance is $50 with no overage; consume nearly all.
		Expect(kvClient.AddSettled(ctx, tenant.ID, "2025-06", 49_999_000)).To(Succeed())

		_, err := pipeline.Submit(ctx, request())
		var perr *problem.Error
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(perr.Status).To(Equal(http.StatusPaymentRequired))
		Expect(perr.ReasonCode).To(Equal(problem.ReasonInsufficientBudget))
	})

	It("counts open reservations against the allowance", func() {
		Expect(kvClient.Reserve(ctx, tenant.ID, "run_other", 49_999_000, time.Hour)).To(Succeed())

		_, err := pipeline.Submit(ctx, request())
		var perr *problem.Error
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(perr.ReasonCode).To(Equal(problem.ReasonInsufficientBudget))
	})

	It("replays a matching idempotency key without duplicating the run", func() {
		mock.ExpectExec(`INSERT INTO runs`).WillReturnResult(sqlmock.NewResult(1, 1))
		first, err := pipeline.Submit(ctx, request())
		Expect(err).NotTo(HaveOccurred())

		// The marker short-circuits to a ledger read of the existing row.
		sha := sha256.Sum256(validPayload)
		mock.ExpectQuery(`SELECT .+ FROM runs WHERE id = \$1`).
			WithArgs(first.Run.ID).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "tenant_id", "idempotency_key", "payload_sha256", "pack_type",
				"status", "finalize_stage", "version", "reserved_micros", "actual_micros",
				"min_fee_micros", "lease_token", "lease_expires_at", "finalize_token",
				"result_bucket", "result_key", "result_sha256", "timebox_sec", "trace_id",
				"created_at", "started_at", "claimed_at", "completed_at", "retention_expires_at",
			}).AddRow(
				first.Run.ID, "ten_1", "idem-1", hex.EncodeToString(sha[:]), "decision",
				"QUEUED", "NONE", int64(1), int64(13_200), nil,
				int64(1_000), nil, nil, nil,
				nil, nil, nil, int64(30), "trace-1",
				now, nil, nil, nil, now.AddDate(0, 0, 30),
			))

		second, err := pipeline.Submit(ctx, request())
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Replayed).To(BeTrue())
		Expect(second.Run.ID).To(Equal(first.Run.ID))
		Expect(sqsFake.sent).To(Equal(1))
	})

	It("conflicts when the key is replayed with a different payload", func() {
		mock.ExpectExec(`INSERT INTO runs`).WillReturnResult(sqlmock.NewResult(1, 1))
		first, err := pipeline.Submit(ctx, request())
		Expect(err).NotTo(HaveOccurred())

		sha := sha256.Sum256(validPayload)
		mock.ExpectQuery(`SELECT .+ FROM runs WHERE id = \$1`).
			WithArgs(first.Run.ID).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "tenant_id", "idempotency_key", "payload_sha256", "pack_type",
				"status", "finalize_stage", "version", "reserved_micros", "actual_micros",
				"min_fee_micros", "lease_token", "lease_expires_at", "finalize_token",
				"result_bucket", "result_key", "result_sha256", "timebox_sec", "trace_id",
				"created_at", "started_at", "claimed_at", "completed_at", "retention_expires_at",
			}).AddRow(
				first.Run.ID, "ten_1", "idem-1", hex.EncodeToString(sha[:]), "decision",
				"QUEUED", "NONE", int64(1), int64(13_200), nil,
				int64(1_000), nil, nil, nil,
				nil, nil, nil, int64(30), "trace-1",
				now, nil, nil, nil, now.AddDate(0, 0, 30),
			))

		req := request()
		req.Payload = []byte(`{"options":[{"name":"b","attributes":{"x":9}}],"criteria":[{"attribute":"x","weight":1}]}`)

		_, err = pipeline.Submit(ctx, req)
		var perr *problem.Error
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(perr.Status).To(Equal(http.StatusConflict))
		Expect(perr.ReasonCode).To(Equal(problem.ReasonIdempotencyMismatch))
	})

	It("treats a ledger uniqueness hit without a marker as a replay", func() {
		sha := sha256.Sum256(validPayload)
		mock.ExpectExec(`INSERT INTO runs`).WillReturnError(&pgconn.PgError{
			Code:           "23505",
			ConstraintName: "runs_tenant_idempotency_key",
		})
		mock.ExpectQuery(`SELECT .+ FROM runs WHERE tenant_id = \$1 AND idempotency_key = \$2`).
			WithArgs("ten_1", "idem-1").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "tenant_id", "idempotency_key", "payload_sha256", "pack_type",
				"status", "finalize_stage", "version", "reserved_micros", "actual_micros",
				"min_fee_micros", "lease_token", "lease_expires_at", "finalize_token",
				"result_bucket", "result_key", "result_sha256", "timebox_sec", "trace_id",
				"created_at", "started_at", "claimed_at", "completed_at", "retention_expires_at",
			}).AddRow(
				"run_prior", "ten_1", "idem-1", hex.EncodeToString(sha[:]), "decision",
				"QUEUED", "NONE", int64(1), int64(13_200), nil,
				int64(1_000), nil, nil, nil,
				nil, nil, nil, int64(30), "trace-1",
				now, nil, nil, nil, now.AddDate(0, 0, 30),
			))

		receipt, err := pipeline.Submit(ctx, request())
		Expect(err).NotTo(HaveOccurred())
		Expect(receipt.Replayed).To(BeTrue())
		Expect(receipt.Run.ID).To(Equal("run_prior"))
		// The losing reservation was released.
		snap, err := kvClient.Budget(ctx, tenant.ID, "2025-06")
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.OpenMicros).To(BeEquivalentTo(0))
	})

	It("unwinds the row, the reservation, and the marker when enqueue fails", func() {
		sqsFake.sendErr = errors.New("sqs unavailable")
		mock.ExpectExec(`INSERT INTO runs`).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`DELETE FROM runs`).WillReturnResult(sqlmock.NewResult(0, 1))

		_, err := pipeline.Submit(ctx, request())
		var perr *problem.Error
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(perr.Status).To(Equal(http.StatusServiceUnavailable))
		Expect(perr.Subsystem).To(Equal("queue"))

		snap, kvErr := kvClient.Budget(ctx, tenant.ID, "2025-06")
		Expect(kvErr).NotTo(HaveOccurred())
		Expect(snap.OpenMicros).To(BeEquivalentTo(0))

		_, found, kvErr := kvClient.LookupIdempotency(ctx, tenant.ID, "idem-1")
		Expect(kvErr).NotTo(HaveOccurred())
		Expect(found).To(BeFalse())
	})
})
