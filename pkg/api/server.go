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

// Package api exposes the tenant-facing HTTP surface: run submission, run
// polling, usage reporting, health probes, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ghilp934/Decisionwise-sub000/pkg/admission"
	"github.com/ghilp934/Decisionwise-sub000/pkg/config"
	"github.com/ghilp934/Decisionwise-sub000/pkg/kv"
	"github.com/ghilp934/Decisionwise-sub000/pkg/ledger"
	"github.com/ghilp934/Decisionwise-sub000/pkg/metrics"
	"github.com/ghilp934/Decisionwise-sub000/pkg/objectstore"
	"github.com/ghilp934/Decisionwise-sub000/pkg/queue"
)

// Server is the API process.
type Server struct {
	cfg      config.Config
	ledger   *ledger.Store
	kv       *kv.Client
	queue    *queue.Queue
	objects  *objectstore.Store
	pipeline *admission.Pipeline
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	log      logr.Logger
	ready    atomic.Bool
	now      func() time.Time
}

// New wires the server. The prometheus registry doubles as gatherer for the
// /metrics endpoint.
func New(cfg config.Config, led *ledger.Store, kvc *kv.Client, q *queue.Queue, objects *objectstore.Store, pipeline *admission.Pipeline, m *metrics.Metrics, gatherer prometheus.Gatherer, log logr.Logger) *Server {
	return &Server{
		cfg:      cfg,
		ledger:   led,
		kv:       kvc,
		queue:    q,
		objects:  objects,
		pipeline: pipeline,
		metrics:  m,
		gatherer: gatherer,
		log:      log,
		now:      time.Now,
	}
}

// WithClock fixes the server's clock. Tests use it.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

// Router assembles the HTTP routes and middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(s.traceMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.logMiddleware)

	if len(s.cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/runs", s.handleSubmit)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/usage", s.handleUsage)
	})

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests. The
// readiness flag flips before shutdown begins so load balancers stop
// routing new work during the drain.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "addr", s.cfg.ListenAddr)
		s.ready.Store(true)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.ready.Store(false)
	s.log.Info("api draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("api stopped")
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz probes every dependency; a single failure reports not ready
// with the failing subsystem named.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "not ready: draining", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	probes := []struct {
		name  string
		probe func(context.Context) error
	}{
		{"ledger", s.ledger.Ping},
		{"kv", s.kv.Ping},
		{"queue", s.queue.Ping},
		{"objectstore", s.objects.Ping},
	}
	for _, p := range probes {
		if err := p.probe(ctx); err != nil {
			s.log.Error(err, "readiness probe failed", "subsystem", p.name)
			http.Error(w, "not ready: "+p.name, http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
