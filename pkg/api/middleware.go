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

package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ghilp934/Decisionwise-sub000/pkg/auth"
	"github.com/ghilp934/Decisionwise-sub000/pkg/model"
	"github.com/ghilp934/Decisionwise-sub000/pkg/problem"
)

type contextKey int

const (
	tenantKey contextKey = iota
	traceKey
)

// tenantFrom returns the authenticated tenant stored by authMiddleware.
func tenantFrom(ctx context.Context) *model.Tenant {
	t, _ := ctx.Value(tenantKey).(*model.Tenant)
	return t
}

// traceFrom returns the request's trace identifier.
func traceFrom(ctx context.Context) string {
	s, _ := ctx.Value(traceKey).(string)
	return s
}

// traceMiddleware assigns every request a trace id, honoring an inbound
// X-Request-Id when present, and reflects it in the response.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Request-Id")
		if traceID == "" || len(traceID) > 128 {
			traceID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", traceID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), traceKey, traceID)))
	})
}

// recoverMiddleware converts panics into opaque 500 problem documents.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error(nil, "handler panic",
					"panic", rec, "path", r.URL.Path, "trace_id", traceFrom(r.Context()))
				problem.Write(w, problem.Internal("unexpected server error"),
					r.URL.Path, traceFrom(r.Context()))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// logMiddleware emits one structured line per request. Bodies and
// credentials never appear; identifiers and sizes do.
func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"trace_id", traceFrom(r.Context()))
	})
}

// authMiddleware resolves the bearer credential to a tenant. Every failure
// mode is the same 401: whether a key exists is not disclosed.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			problem.Write(w, problem.Unauthenticated(), r.URL.Path, traceFrom(r.Context()))
			return
		}

		keyID, secret, err := auth.ParseBearer(token)
		if err != nil {
			problem.Write(w, problem.Unauthenticated(), r.URL.Path, traceFrom(r.Context()))
			return
		}

		key, err := s.ledger.GetApiKey(r.Context(), keyID)
		if err != nil || !auth.Verify(secret, key.Salt, key.SecretHash) {
			problem.Write(w, problem.Unauthenticated(), r.URL.Path, traceFrom(r.Context()))
			return
		}

		tenant, err := s.ledger.GetTenant(r.Context(), key.TenantID)
		if err != nil {
			problem.Write(w, problem.Unauthenticated(), r.URL.Path, traceFrom(r.Context()))
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenant)))
	})
}
