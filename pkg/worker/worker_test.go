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

package worker

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-logr/logr"
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
	"github.com/ghilp934/Decisionwise-sub000/pkg/objectstore"
	"github.com/ghilp934/Decisionwise-sub000/pkg/pack"
	"github.com/ghilp934/Decisionwise-sub000/pkg/queue"
)

func TestWorker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Worker Suite")
}

type fakeSQS struct {
	deleted []string
}

func (f *fakeSQS) SendMessage(_ context.Context, _ *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, _ *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(_ context.Context, _ *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{}, nil
}

type storedObject struct {
	body     []byte
	metadata map[string]string
}

type fakeS3 struct {
	objects map[string]storedObject
	putErr  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = storedObject{body: body, metadata: in.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{Metadata: obj.metadata,
		ContentLength: aws.Int64(int64(len(obj.body)))}, nil
}

func (f *fakeS3) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

var runColumns = []string{
	"id", "tenant_id", "idempotency_key", "payload_sha256", "pack_type",
	"status", "finalize_stage", "version", "reserved_micros", "actual_micros",
	"min_fee_micros", "lease_token", "lease_expires_at", "finalize_token",
	"result_bucket", "result_key", "result_sha256", "timebox_sec", "trace_id",
	"created_at", "started_at", "claimed_at", "completed_at", "retention_expires_at",
}

var _ = Describe("Worker", func() {
	var (
		mr       *miniredis.Miniredis
		kvClient *kv.Client
		mock     sqlmock.Sqlmock
		sqsFake  *fakeSQS
		s3Fake   *fakeS3
		w        *Worker
		ctx      context.Context
		now      time.Time
	)

	const validPayload = `{"options":[{"name":"a","attributes":{"x":1}}],"criteria":[{"attribute":"x","weight":1}]}`

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
		s3Fake = &fakeS3{objects: map[string]storedObject{}}

		cfg := config.Default()
		cfg.S3ResultBucket = "dw-results"
		now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

		w = New(cfg, led, kvClient,
			queue.NewWithAPI(sqsFake, "https://sqs.test/q", logr.Discard()),
			objectstore.NewWithAPI(s3Fake, "dw-results", logr.Discard()),
			pack.Builtin(),
			metrics.NewMetrics(prometheus.NewRegistry()), logr.Discard()).
			WithClock(func() time.Time { return now })
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		mr.Close()
	})

	queuedRow := func(id string, reserved int64) *sqlmock.Rows {
		return sqlmock.NewRows(runColumns).AddRow(
			id, "ten_1", "idem-1", "sha", "decision",
			"QUEUED", "NONE", int64(1), reserved, nil,
			int64(1_000), nil, nil, nil,
			nil, nil, nil, int64(30), "trace-1",
			now, nil, nil, nil, now.AddDate(0, 0, 30))
	}

	delivery := queue.Delivery{
		Message: queue.Message{
			RunID:    "run_01",
			TenantID: "ten_1",
			PackType: "decision",
			TraceID:  "trace-1",
		},
		ReceiptHandle: "rh-1",
	}

	It("executes, uploads with cost metadata, commits, and acks", func() {
		Expect(kvClient.Reserve(ctx, "ten_1", "run_01", 50_000, time.Hour)).To(Succeed())

		mock.ExpectQuery(`SELECT .+ FROM runs WHERE id = \$1`).
			WithArgs("run_01").WillReturnRows(queuedRow("run_01", 50_000))
		// Acquire lease, read payload, claim finalize.
		mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT payload FROM runs`).
			WithArgs("run_01").
			WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte(validPayload)))
		mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO settlements`).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO usage_daily`).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		w.Process(ctx, delivery)

		obj, ok := s3Fake.objects["ten_1/run_01/result.json"]
		Expect(ok).To(BeTrue())
		Expect(obj.metadata).To(HaveKey(objectstore.MetaActualCost))
		Expect(obj.metadata).To(HaveKey(objectstore.MetaResultSHA256))
		Expect(sqsFake.deleted).To(Equal([]string{"rh-1"}))

		// Reservation released, settled counter fed.
		snap, err := kvClient.Budget(ctx, "ten_1", "2025-06")
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.OpenMicros).To(BeEquivalentTo(0))
		Expect(snap.SettledMicros).To(BeNumerically(">", 0))
	})

	It("settles a pack failure at the minimum fee and acks", func() {
		Expect(kvClient.Reserve(ctx, "ten_1", "run_01", 50_000, time.Hour)).To(Succeed())

		mock.ExpectQuery(`SELECT .+ FROM runs WHERE id = \$1`).
			WithArgs("run_01").WillReturnRows(queuedRow("run_01", 50_000))
		mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT payload FROM runs`).
			WithArgs("run_01").
			WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte(`{"options":[]}`)))
		mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO settlements`).
			WithArgs("run_01", "ten_1", "failed", int64(50_000), int64(1_000), "2025-06", now).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO usage_daily`).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		w.Process(ctx, delivery)

		Expect(s3Fake.objects).To(BeEmpty())
		Expect(sqsFake.deleted).To(Equal([]string{"rh-1"}))
		snap, err := kvClient.Budget(ctx, "ten_1", "2025-06")
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.SettledMicros).To(BeEquivalentTo(1_000))
	})

	It("acks a message for an already finished run without touching it", func() {
		row := sqlmock.NewRows(runColumns).AddRow(
			"run_01", "ten_1", "idem-1", "sha", "decision",
			"COMPLETED", "COMMITTED", int64(4), int64(50_000), int64(12_000),
			int64(1_000), nil, nil, nil,
			"dw-results", "ten_1/run_01/result.json", "aa", int64(30), "trace-1",
			now, now, now, now, now.AddDate(0, 0, 30))
		mock.ExpectQuery(`SELECT .+ FROM runs WHERE id = \$1`).
			WithArgs("run_01").WillReturnRows(row)

		w.Process(ctx, delivery)
		Expect(sqsFake.deleted).To(Equal([]string{"rh-1"}))
	})

	It("acks a message whose run row no longer exists", func() {
		mock.ExpectQuery(`SELECT .+ FROM runs WHERE id = \$1`).
			WithArgs("run_01").WillReturnRows(sqlmock.NewRows(runColumns))

		w.Process(ctx, delivery)
		Expect(sqsFake.deleted).To(Equal([]string{"rh-1"}))
	})

	It("walks away quietly after losing the acquire race", func() {
		mock.ExpectQuery(`SELECT .+ FROM runs WHERE id = \$1`).
			WithArgs("run_01").WillReturnRows(queuedRow("run_01", 50_000))
		mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 0))

		w.Process(ctx, delivery)
		Expect(sqsFake.deleted).To(BeEmpty())
	})

	It("leaves the run to the reaper when the upload fails", func() {
		s3Fake.putErr = &s3types.NoSuchBucket{}

		mock.ExpectQuery(`SELECT .+ FROM runs WHERE id = \$1`).
			WithArgs("run_01").WillReturnRows(queuedRow("run_01", 50_000))
		mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT payload FROM runs`).
			WithArgs("run_01").
			WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte(validPayload)))
		mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))

		w.Process(ctx, delivery)

		// No commit reached, message left for redelivery.
		Expect(sqsFake.deleted).To(BeEmpty())
	})
})

func TestSettleAmountFloorsAndCaps(t *testing.T) {
	run := &model.Run{
		ReservedMicros: money.Micros(50_000),
		MinFeeMicros:   money.Micros(1_000),
	}
	cases := []struct {
		name   string
		actual money.Micros
		want   money.Micros
	}{
		{"normal", 12_000, 12_000},
		{"below minimum fee", 200, 1_000},
		{"zero cost still pays the floor", 0, 1_000},
		{"capped at the reservation", 90_000, 50_000},
	}
	for _, tc := range cases {
		if got := settleAmount(tc.actual, run); got != tc.want {
			t.Errorf("%s: settleAmount(%d) = %d, want %d", tc.name, tc.actual, got, tc.want)
		}
	}
}
