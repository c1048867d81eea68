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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ghilp934/Decisionwise-sub000/pkg/admission"
	"github.com/ghilp934/Decisionwise-sub000/pkg/ledger"
	"github.com/ghilp934/Decisionwise-sub000/pkg/model"
	"github.com/ghilp934/Decisionwise-sub000/pkg/money"
	"github.com/ghilp934/Decisionwise-sub000/pkg/problem"
)

// submitRequest is the POST /v1/runs body. Inputs are passed to the pack
// executor untouched; the platform fingerprints them but never interprets
// them.
type submitRequest struct {
	PackType    string          `json:"pack_type"`
	Inputs      json.RawMessage `json:"inputs"`
	Reservation struct {
		MaxCostUSD string `json:"max_cost_usd"`
	} `json:"reservation"`
	TimeboxSec          int64    `json:"timebox_sec"`
	MinReliabilityScore *float64 `json:"min_reliability_score"`
}

// receiptBody is the accepted-run acknowledgment.
type receiptBody struct {
	RunID       string      `json:"run_id"`
	Status      string      `json:"status"`
	Poll        pollHint    `json:"poll"`
	Reservation reservation `json:"reservation"`
	TraceID     string      `json:"trace_id"`
}

type pollHint struct {
	Path        string `json:"path"`
	IntervalSec int    `json:"interval_sec"`
}

type reservation struct {
	ReservedUSD string `json:"reserved_usd"`
}

const maxTimeboxSec = 300

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	traceID := traceFrom(r.Context())

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" || len(idemKey) > 255 {
		problem.Write(w, problem.Unprocessable(problem.ReasonSchema,
			"an Idempotency-Key header of at most 255 bytes is required"),
			r.URL.Path, traceID)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxPayloadBytes)
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			problem.Write(w, &problem.Error{
				Status:     http.StatusRequestEntityTooLarge,
				ReasonCode: problem.ReasonPayloadTooLarge,
				Title:      "Payload too large",
				Detail:     fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxPayloadBytes),
			}, r.URL.Path, traceID)
			return
		}
		problem.Write(w, problem.Unprocessable(problem.ReasonSchema,
			"request body is not valid JSON"), r.URL.Path, traceID)
		return
	}
	if req.PackType == "" || len(req.Inputs) == 0 {
		problem.Write(w, problem.Unprocessable(problem.ReasonSchema,
			"pack_type and inputs are required"), r.URL.Path, traceID)
		return
	}
	if req.TimeboxSec < 0 || req.TimeboxSec > maxTimeboxSec {
		problem.Write(w, problem.Unprocessable(problem.ReasonSchema,
			fmt.Sprintf("timebox_sec must be between 0 and %d", maxTimeboxSec)),
			r.URL.Path, traceID)
		return
	}
	if req.MinReliabilityScore != nil && (*req.MinReliabilityScore < 0 || *req.MinReliabilityScore > 1) {
		problem.Write(w, problem.Unprocessable(problem.ReasonSchema,
			"min_reliability_score must be between 0 and 1"), r.URL.Path, traceID)
		return
	}
	maxCost, err := money.ParseUSD(req.Reservation.MaxCostUSD)
	if err != nil {
		if errors.Is(err, money.ErrPrecision) {
			problem.Write(w, problem.Unprocessable(problem.ReasonPrecision,
				"reservation.max_cost_usd carries more than four fractional digits"),
				r.URL.Path, traceID)
			return
		}
		problem.Write(w, problem.Unprocessable(problem.ReasonSchema,
			"reservation.max_cost_usd must be a decimal USD amount"),
			r.URL.Path, traceID)
		return
	}
	if maxCost <= 0 {
		problem.Write(w, problem.Unprocessable(problem.ReasonSchema,
			"reservation.max_cost_usd must be positive"), r.URL.Path, traceID)
		return
	}

	receipt, err := s.pipeline.Submit(r.Context(), admission.Request{
		Tenant:         tenant,
		IdempotencyKey: idemKey,
		PackType:       req.PackType,
		Payload:        req.Inputs,
		MaxCostMicros:  maxCost,
		TimeboxSec:     req.TimeboxSec,
		TraceID:        traceID,
	})
	s.writeRateHeaders(w, receipt.RatePolicy)
	if err != nil {
		problem.Write(w, err, r.URL.Path, traceID)
		return
	}

	status := http.StatusAccepted
	if receipt.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, receiptBody{
		RunID:  receipt.Run.ID,
		Status: "queued",
		Poll: pollHint{
			Path:        "/v1/runs/" + receipt.Run.ID,
			IntervalSec: 2,
		},
		Reservation: reservation{ReservedUSD: receipt.Run.ReservedMicros.USD()},
		TraceID:     traceID,
	})
}

// writeRateHeaders emits the structured rate-limit response fields.
func (s *Server) writeRateHeaders(w http.ResponseWriter, p problem.Policy) {
	if p.Limit == 0 {
		return
	}
	w.Header().Set("RateLimit-Policy", fmt.Sprintf("%d;w=%d", p.Limit, int(s.cfg.RateWindow/time.Second)))
	remaining := p.Limit - p.Current
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("RateLimit", "remaining="+strconv.FormatInt(remaining, 10))
}

// runBody is the poll response.
type runBody struct {
	RunID       string      `json:"run_id"`
	Status      string      `json:"status"`
	MoneyState  string      `json:"money_state"`
	PackType    string      `json:"pack_type"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	ReservedUSD string      `json:"reserved_usd"`
	ActualUSD   string      `json:"actual_usd,omitempty"`
	Result      *resultBody `json:"result,omitempty"`
	Error       *errorBody  `json:"error,omitempty"`
	TraceID     string      `json:"trace_id"`
}

// moneyState names where the run's money currently sits: held against the
// reservation, settled into usage, or refunded back to the budget.
func moneyState(status model.RunStatus) string {
	switch status {
	case model.StatusCompleted:
		return "settled"
	case model.StatusFailed:
		return "refunded"
	default:
		return "reserved"
	}
}

type resultBody struct {
	DownloadURL string    `json:"download_url"`
	SHA256      string    `json:"sha256"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type errorBody struct {
	ReasonCode string `json:"reason_code"`
}

// handleGetRun polls a run. Non-owned runs are indistinguishable from
// nonexistent ones; only the owner of an expired run learns it is gone.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	traceID := traceFrom(r.Context())
	runID := chi.URLParam(r, "runID")

	run, err := s.ledger.GetRun(r.Context(), runID)
	if errors.Is(err, ledger.ErrNotFound) {
		problem.Write(w, problem.NotFound(), r.URL.Path, traceID)
		return
	}
	if err != nil {
		s.log.Error(err, "run lookup failed", "run_id", runID, "trace_id", traceID)
		problem.Write(w, problem.DependencyUnavailable("ledger"), r.URL.Path, traceID)
		return
	}
	if run.TenantID != tenant.ID {
		problem.Write(w, problem.NotFound(), r.URL.Path, traceID)
		return
	}
	if run.Expired(s.now()) {
		problem.Write(w, problem.Gone(), r.URL.Path, traceID)
		return
	}

	body := runBody{
		RunID:       run.ID,
		Status:      string(run.Status),
		MoneyState:  moneyState(run.Status),
		PackType:    run.PackType,
		CreatedAt:   run.CreatedAt,
		ReservedUSD: run.ReservedMicros.USD(),
		TraceID:     traceID,
	}
	if run.CompletedAt.Valid {
		t := run.CompletedAt.Time
		body.CompletedAt = &t
	}
	if run.ActualMicros.Valid {
		body.ActualUSD = money.Micros(run.ActualMicros.Int64).USD()
	}

	switch run.Status {
	case model.StatusCompleted:
		if run.ResultKey.Valid {
			url, err := s.objects.PresignGet(r.Context(), run.ResultKey.String, s.cfg.DownloadURLTTL)
			if err != nil {
				s.log.Error(err, "presign failed", "run_id", run.ID, "trace_id", traceID)
				problem.Write(w, problem.DependencyUnavailable("objectstore"), r.URL.Path, traceID)
				return
			}
			body.Result = &resultBody{
				DownloadURL: url,
				SHA256:      run.ResultSHA256.String,
				ExpiresAt:   s.now().Add(s.cfg.DownloadURLTTL),
			}
		}
	case model.StatusFailed:
		body.Error = &errorBody{ReasonCode: "pack_execution_failed"}
	case model.StatusAuditRequired:
		body.Error = &errorBody{ReasonCode: "under_review"}
	}

	writeJSON(w, http.StatusOK, body)
}

// usageBody is the GET /v1/usage response.
type usageBody struct {
	Period       string            `json:"period"`
	Plan         string            `json:"plan"`
	StartDate    string            `json:"start_date"`
	EndDate      string            `json:"end_date"`
	QuotaUSD     string            `json:"quota_usd"`
	OverageUSD   string            `json:"overage_cap_usd"`
	SettledUSD   string            `json:"settled_usd"`
	OpenUSD      string            `json:"open_reservations_usd"`
	RemainingUSD string            `json:"remaining_usd"`
	Daily        []ledger.UsageDay `json:"daily"`
	TraceID      string            `json:"trace_id"`
}

const usageDateLayout = "2006-01-02"

// usageWindow resolves the optional start_date/end_date query parameters.
// The default window is the thirty days ending today.
func usageWindow(r *http.Request, now time.Time) (start, end time.Time, err error) {
	end = now
	if raw := r.URL.Query().Get("end_date"); raw != "" {
		end, err = time.Parse(usageDateLayout, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("end_date: %w", err)
		}
	}
	start = end.AddDate(0, 0, -30)
	if raw := r.URL.Query().Get("start_date"); raw != "" {
		start, err = time.Parse(usageDateLayout, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("start_date: %w", err)
		}
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, errors.New("start_date is after end_date")
	}
	return start, end, nil
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	traceID := traceFrom(r.Context())
	now := s.now()
	period := model.Period(now)

	start, end, err := usageWindow(r, now)
	if err != nil {
		problem.Write(w, problem.Unprocessable(problem.ReasonSchema,
			"start_date and end_date must be YYYY-MM-DD dates with start_date not after end_date"),
			r.URL.Path, traceID)
		return
	}

	settled, err := s.ledger.SumSettled(r.Context(), tenant.ID, period)
	if err != nil {
		s.log.Error(err, "usage settled query failed", "trace_id", traceID)
		problem.Write(w, problem.DependencyUnavailable("ledger"), r.URL.Path, traceID)
		return
	}
	open, err := s.ledger.SumOpenReservations(r.Context(), tenant.ID)
	if err != nil {
		s.log.Error(err, "usage reservations query failed", "trace_id", traceID)
		problem.Write(w, problem.DependencyUnavailable("ledger"), r.URL.Path, traceID)
		return
	}
	daily, err := s.ledger.UsageRange(r.Context(), tenant.ID, start, end)
	if err != nil {
		s.log.Error(err, "usage rollup query failed", "trace_id", traceID)
		problem.Write(w, problem.DependencyUnavailable("ledger"), r.URL.Path, traceID)
		return
	}

	limits := tenant.Plan.Limits()
	remaining := limits.MonthlyQuotaMicros + limits.OverageCapMicros - settled - open
	if remaining < 0 {
		remaining = 0
	}
	if daily == nil {
		daily = []ledger.UsageDay{}
	}

	writeJSON(w, http.StatusOK, usageBody{
		Period:       period,
		Plan:         string(tenant.Plan),
		StartDate:    start.Format(usageDateLayout),
		EndDate:      end.Format(usageDateLayout),
		QuotaUSD:     limits.MonthlyQuotaMicros.USD(),
		OverageUSD:   limits.OverageCapMicros.USD(),
		SettledUSD:   settled.USD(),
		OpenUSD:      open.USD(),
		RemainingUSD: remaining.USD(),
		Daily:        daily,
		TraceID:      traceID,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
