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

package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/ghilp934/Decisionwise-sub000/pkg/money"
)

func TestKV(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "KV Suite")
}

var _ = Describe("KV client", func() {
	var (
		mr     *miniredis.Miniredis
		client *Client
		ctx    context.Context
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		client = New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logr.Discard())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(client.Close()).To(Succeed())
		mr.Close()
	})

	Describe("AllowRequest", func() {
		It("admits up to the limit and then rejects", func() {
			for i := 0; i < 3; i++ {
				d, err := client.AllowRequest(ctx, "ten_1", 3, time.Minute)
				Expect(err).NotTo(HaveOccurred())
				Expect(d.Allowed).To(BeTrue())
				Expect(d.Current).To(Equal(int64(i + 1)))
			}

			d, err := client.AllowRequest(ctx, "ten_1", 3, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Allowed).To(BeFalse())
			Expect(d.RetryAfterSec).To(BeNumerically(">=", 1))
		})

		It("compensates rejected increments so the window is not consumed", func() {
			for i := 0; i < 2; i++ {
				_, err := client.AllowRequest(ctx, "ten_1", 2, time.Minute)
				Expect(err).NotTo(HaveOccurred())
			}
			_, err := client.AllowRequest(ctx, "ten_1", 2, time.Minute)
			Expect(err).NotTo(HaveOccurred())

			Expect(mr.Get("ratelimit:ten_1")).To(Equal("2"))
		})

		It("attaches the window TTL on first increment", func() {
			_, err := client.AllowRequest(ctx, "ten_1", 5, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(mr.TTL("ratelimit:ten_1")).To(Equal(time.Minute))
		})

		It("floors Retry-After at one second", func() {
			_, err := client.AllowRequest(ctx, "ten_1", 1, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			mr.FastForward(59*time.Second + 800*time.Millisecond)

			d, err := client.AllowRequest(ctx, "ten_1", 1, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Allowed).To(BeFalse())
			Expect(d.RetryAfterSec).To(Equal(1))
		})

		It("opens a fresh window after expiry", func() {
			_, err := client.AllowRequest(ctx, "ten_1", 1, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			mr.FastForward(61 * time.Second)

			d, err := client.AllowRequest(ctx, "ten_1", 1, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Allowed).To(BeTrue())
			Expect(d.Current).To(Equal(int64(1)))
		})
	})

	Describe("reservations", func() {
		It("tracks the marker and the open counter together", func() {
			Expect(client.Reserve(ctx, "ten_1", "run_01", money.Micros(250_000), time.Hour)).To(Succeed())

			amount, ok, err := client.Reservation(ctx, "run_01")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(amount).To(Equal(money.Micros(250_000)))

			snap, err := client.Budget(ctx, "ten_1", "2025-06")
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.OpenMicros).To(Equal(money.Micros(250_000)))
		})

		It("releases exactly once", func() {
			Expect(client.Reserve(ctx, "ten_1", "run_01", money.Micros(250_000), time.Hour)).To(Succeed())
			Expect(client.Release(ctx, "ten_1", "run_01", money.Micros(250_000))).To(Succeed())
			Expect(client.Release(ctx, "ten_1", "run_01", money.Micros(250_000))).To(Succeed())

			snap, err := client.Budget(ctx, "ten_1", "2025-06")
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.OpenMicros).To(Equal(money.Micros(0)))
		})

		It("reports an expired marker as absent", func() {
			Expect(client.Reserve(ctx, "ten_1", "run_01", money.Micros(100), time.Minute)).To(Succeed())
			mr.FastForward(2 * time.Minute)

			_, ok, err := client.Reservation(ctx, "run_01")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("budget counters", func() {
		It("accumulates settled spend per period", func() {
			Expect(client.AddSettled(ctx, "ten_1", "2025-06", money.Micros(1_000))).To(Succeed())
			Expect(client.AddSettled(ctx, "ten_1", "2025-06", money.Micros(4_000))).To(Succeed())

			snap, err := client.Budget(ctx, "ten_1", "2025-06")
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.SettledMicros).To(Equal(money.Micros(5_000)))
		})

		It("reads missing counters as zero", func() {
			snap, err := client.Budget(ctx, "ten_nobody", "2025-06")
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.OpenMicros).To(Equal(money.Micros(0)))
			Expect(snap.SettledMicros).To(Equal(money.Micros(0)))
		})

		It("overwrites counters on sync", func() {
			Expect(client.AddSettled(ctx, "ten_1", "2025-06", money.Micros(9_999))).To(Succeed())
			Expect(client.SyncBudget(ctx, "ten_1", "2025-06", money.Micros(10), money.Micros(20))).To(Succeed())

			snap, err := client.Budget(ctx, "ten_1", "2025-06")
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.OpenMicros).To(Equal(money.Micros(10)))
			Expect(snap.SettledMicros).To(Equal(money.Micros(20)))
		})
	})

	Describe("idempotency markers", func() {
		It("wins the first set and reports the existing run after", func() {
			fresh, runID, err := client.MarkIdempotency(ctx, "ten_1", "key-1", "run_01", time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(fresh).To(BeTrue())
			Expect(runID).To(Equal("run_01"))

			fresh, runID, err = client.MarkIdempotency(ctx, "ten_1", "key-1", "run_02", time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(fresh).To(BeFalse())
			Expect(runID).To(Equal("run_01"))
		})

		It("scopes markers per tenant", func() {
			_, _, err := client.MarkIdempotency(ctx, "ten_1", "key-1", "run_01", time.Hour)
			Expect(err).NotTo(HaveOccurred())

			fresh, _, err := client.MarkIdempotency(ctx, "ten_2", "key-1", "run_02", time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(fresh).To(BeTrue())
		})

		It("clears a marker", func() {
			_, _, err := client.MarkIdempotency(ctx, "ten_1", "key-1", "run_01", time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(client.ClearIdempotency(ctx, "ten_1", "key-1")).To(Succeed())

			_, ok, err := client.LookupIdempotency(ctx, "ten_1", "key-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})
})
