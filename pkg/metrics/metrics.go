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

// Package metrics defines the Prometheus collectors shared by the API,
// worker, and reaper processes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the pipeline emits. NewMetrics always
// returns a usable value; registration failures panic at startup, which is
// the only acceptable time.
type Metrics struct {
	SubmitsTotal          *prometheus.CounterVec
	RateLimitRejections   *prometheus.CounterVec
	AdmissionDuration     prometheus.Histogram
	ReservationsOpen      prometheus.Gauge
	SettlementsTotal      *prometheus.CounterVec
	SettledMicrosTotal    *prometheus.CounterVec
	PackDuration          *prometheus.HistogramVec
	FinalizeFailuresTotal *prometheus.CounterVec
	HeartbeatFailures     prometheus.Counter
	ReaperDecisionsTotal  *prometheus.CounterVec
	AuditRequiredTotal    prometheus.Counter
}

// NewMetrics builds and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "decisionwise",
			Name:      "submits_total",
			Help:      "Run submissions by outcome reason code.",
		}, []string{"outcome"}),
		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "decisionwise",
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the atomic rate limiter.",
		}, []string{"plan"}),
		AdmissionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "decisionwise",
			Name:      "admission_duration_seconds",
			Help:      "End-to-end admission pipeline latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		ReservationsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "decisionwise",
			Name:      "reservations_open",
			Help:      "Open reservations currently held (process-local view).",
		}),
		SettlementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "decisionwise",
			Name:      "settlements_total",
			Help:      "Settlements recorded by outcome.",
		}, []string{"outcome"}),
		SettledMicrosTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "decisionwise",
			Name:      "settled_micros_total",
			Help:      "Micro-units settled against tenant budgets by outcome.",
		}, []string{"outcome"}),
		PackDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "decisionwise",
			Name:      "pack_duration_seconds",
			Help:      "Pack execution latency by pack type.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"pack_type"}),
		FinalizeFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "decisionwise",
			Name:      "finalize_failures_total",
			Help:      "Finalize protocol failures by phase.",
		}, []string{"phase"}),
		HeartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "decisionwise",
			Name:      "heartbeat_failures_total",
			Help:      "Lease heartbeat ticks that failed to extend the lease.",
		}),
		ReaperDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "decisionwise",
			Name:      "reaper_decisions_total",
			Help:      "Reaper reconciliation decisions.",
		}, []string{"decision"}),
		AuditRequiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "decisionwise",
			Name:      "audit_required_total",
			Help:      "Runs parked in AUDIT_REQUIRED for operator intervention.",
		}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.RateLimitRejections,
		m.AdmissionDuration,
		m.ReservationsOpen,
		m.SettlementsTotal,
		m.SettledMicrosTotal,
		m.PackDuration,
		m.FinalizeFailuresTotal,
		m.HeartbeatFailures,
		m.ReaperDecisionsTotal,
		m.AuditRequiredTotal,
	)
	return m
}
