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
	"errors"
	"time"

	"github.com/go-logr/logr"

	"github.com/ghilp934/Decisionwise-sub000/pkg/ledger"
	"github.com/ghilp934/Decisionwise-sub000/pkg/metrics"
	"github.com/ghilp934/Decisionwise-sub000/pkg/queue"
)

// heartbeat keeps one run's ledger lease and queue visibility alive while
// the pack executes. The lease version is owned by the heartbeat goroutine
// for its whole life; callers read it back only after Stop has joined, which
// is what keeps version bookkeeping race-free without shared locks. Every
// extension checks out a fresh pooled connection, so no session state is
// shared with the executing goroutine either.
type heartbeat struct {
	store   *ledger.Store
	q       *queue.Queue
	metrics *metrics.Metrics
	log     logr.Logger

	runID         string
	leaseToken    string
	receiptHandle string
	interval      time.Duration
	leaseTTL      time.Duration

	version int64
	lost    bool

	cancel context.CancelFunc
	done   chan struct{}
}

func startHeartbeat(ctx context.Context, store *ledger.Store, q *queue.Queue, m *metrics.Metrics, log logr.Logger, runID, leaseToken, receiptHandle string, version int64, interval, leaseTTL time.Duration) *heartbeat {
	hbCtx, cancel := context.WithCancel(ctx)
	hb := &heartbeat{
		store:         store,
		q:             q,
		metrics:       m,
		log:           log,
		runID:         runID,
		leaseToken:    leaseToken,
		receiptHandle: receiptHandle,
		interval:      interval,
		leaseTTL:      leaseTTL,
		version:       version,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	go hb.run(hbCtx)
	return hb
}

func (hb *heartbeat) run(ctx context.Context) {
	defer close(hb.done)
	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		newVersion, err := hb.store.ExtendLease(ctx, hb.runID, hb.leaseToken,
			hb.version, time.Now().Add(hb.leaseTTL))
		if err != nil {
			hb.metrics.HeartbeatFailures.Inc()
			if errors.Is(err, ledger.ErrCASConflict) {
				// The lease moved under us: another actor owns the run now.
				// Stop extending; the executor will observe lost on join.
				hb.log.Info("lease lost during heartbeat", "run_id", hb.runID)
				hb.lost = true
				return
			}
			// Transient extension failure: keep the current version and try
			// again next tick while the existing lease window lasts.
			hb.log.Error(err, "lease extension failed", "run_id", hb.runID)
			continue
		}
		hb.version = newVersion

		if err := hb.q.ExtendVisibility(ctx, hb.receiptHandle, hb.leaseTTL); err != nil {
			// Redelivery while the ledger lease holds is harmless: the
			// second consumer loses the acquire CAS.
			hb.log.Error(err, "visibility extension failed", "run_id", hb.runID)
		}
	}
}

// stop halts the heartbeat and joins the goroutine. The returned version is
// the authoritative lease version to guard the finalize claim with; lost
// reports whether the lease was observed stolen.
func (hb *heartbeat) stop() (version int64, lost bool) {
	hb.cancel()
	<-hb.done
	return hb.version, hb.lost
}
