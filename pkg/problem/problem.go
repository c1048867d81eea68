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

// Package problem implements RFC 7807 problem documents and the typed error
// values the API serializes them from.
//
// Retry and policy information travels as explicit fields on Error, never
// inside the message string: the HTTP layer composes Retry-After directly
// from Error.RetryAfter.
package problem

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// ContentType is the problem+json media type.
const ContentType = "application/problem+json"

// typeBase prefixes the problem type URIs. The documents behind them are an
// external documentation concern; the URIs themselves are stable.
const typeBase = "https://decisionwise.dev/problems/"

// Reason codes carried in problem documents. These are stable API surface.
const (
	ReasonUnauthenticated     = "unauthenticated"
	ReasonForbidden           = "forbidden"
	ReasonCurrencyMismatch    = "currency_mismatch"
	ReasonRateLimited         = "rate_limit_exceeded"
	ReasonInsufficientBudget  = "insufficient_budget"
	ReasonPrecision           = "cost_precision_exceeded"
	ReasonSchema              = "schema_violation"
	ReasonPayloadTooLarge     = "payload_too_large"
	ReasonUnknownPack         = "unknown_pack_type"
	ReasonIdempotencyMismatch = "idempotency_payload_mismatch"
	ReasonNotFound            = "not_found"
	ReasonGone                = "run_expired"
	ReasonLedgerIntegrity     = "ledger_integrity_violation"
	ReasonDependencyDown      = "dependency_unavailable"
	ReasonInternal            = "internal_error"
)

// Policy describes a violated admission policy for the violated-policies
// array of a problem document.
type Policy struct {
	Name    string `json:"name"`
	Limit   int64  `json:"limit"`
	Current int64  `json:"current"`
	Window  string `json:"window"`
}

// Error is an API-visible failure. It satisfies the error interface and
// carries everything the HTTP layer needs to compose the response without
// inspecting message text.
type Error struct {
	Status     int
	ReasonCode string
	Title      string
	Detail     string

	// RetryAfter is the whole-second retry delay attached to 429 responses.
	// Zero means no retry hint.
	RetryAfter int

	// Subsystem names the failing dependency on infrastructure faults.
	Subsystem string

	Policies []Policy
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.ReasonCode, e.Detail)
	}
	return e.ReasonCode
}

// Document is the serialized RFC 7807 body.
type Document struct {
	Type     string   `json:"type"`
	Title    string   `json:"title"`
	Status   int      `json:"status"`
	Detail   string   `json:"detail,omitempty"`
	Instance string   `json:"instance,omitempty"`
	Reason   string   `json:"reason_code"`
	TraceID  string   `json:"trace_id,omitempty"`
	Policies []Policy `json:"violated-policies,omitempty"`
}

// Unauthenticated builds the missing/invalid-credential failure.
func Unauthenticated() *Error {
	return &Error{
		Status:     http.StatusUnauthorized,
		ReasonCode: ReasonUnauthenticated,
		Title:      "Authentication required",
		Detail:     "missing or invalid API credential",
	}
}

// Forbidden builds a tenant-permission failure with the given reason code.
func Forbidden(reason, detail string) *Error {
	return &Error{
		Status:     http.StatusForbidden,
		ReasonCode: reason,
		Title:      "Forbidden",
		Detail:     detail,
	}
}

// RateLimited builds the 429 failure with its explicit retry delay and the
// violated policy descriptor.
func RateLimited(retryAfter int, p Policy) *Error {
	if retryAfter < 1 {
		retryAfter = 1
	}
	return &Error{
		Status:     http.StatusTooManyRequests,
		ReasonCode: ReasonRateLimited,
		Title:      "Rate limit exceeded",
		Detail:     "request rate exceeds the tenant allowance for the current window",
		RetryAfter: retryAfter,
		Policies:   []Policy{p},
	}
}

// PaymentRequired builds a 402 failure with the given reason code; budget
// rejections attach the violated plan policy.
func PaymentRequired(reason, detail string, policies ...Policy) *Error {
	return &Error{
		Status:     http.StatusPaymentRequired,
		ReasonCode: reason,
		Title:      "Payment required",
		Detail:     detail,
		Policies:   policies,
	}
}

// Unprocessable builds a client-input failure with the given reason code.
func Unprocessable(reason, detail string) *Error {
	return &Error{
		Status:     http.StatusUnprocessableEntity,
		ReasonCode: reason,
		Title:      "Unprocessable request",
		Detail:     detail,
	}
}

// IdempotencyConflict builds the replayed-key/different-payload failure.
func IdempotencyConflict() *Error {
	return &Error{
		Status:     http.StatusConflict,
		ReasonCode: ReasonIdempotencyMismatch,
		Title:      "Idempotency key conflict",
		Detail:     "idempotency key was already used with a different payload",
	}
}

// NotFound builds the stealth not-found failure. Non-owned runs, existing or
// not, produce exactly this document.
func NotFound() *Error {
	return &Error{
		Status:     http.StatusNotFound,
		ReasonCode: ReasonNotFound,
		Title:      "Not found",
	}
}

// Gone builds the owned-but-expired failure.
func Gone() *Error {
	return &Error{
		Status:     http.StatusGone,
		ReasonCode: ReasonGone,
		Title:      "Run expired",
		Detail:     "the run has passed its retention horizon",
	}
}

// Internal builds a generic 5xx failure.
func Internal(detail string) *Error {
	return &Error{
		Status:     http.StatusInternalServerError,
		ReasonCode: ReasonInternal,
		Title:      "Internal error",
		Detail:     detail,
	}
}

// LedgerIntegrity builds the non-replay integrity-violation 5xx.
func LedgerIntegrity(detail string) *Error {
	return &Error{
		Status:     http.StatusInternalServerError,
		ReasonCode: ReasonLedgerIntegrity,
		Title:      "Ledger integrity violation",
		Detail:     detail,
	}
}

// DependencyUnavailable builds the named-subsystem infrastructure failure.
func DependencyUnavailable(subsystem string) *Error {
	return &Error{
		Status:     http.StatusServiceUnavailable,
		ReasonCode: ReasonDependencyDown,
		Title:      "Dependency unavailable",
		Detail:     fmt.Sprintf("subsystem %q failed its health probe", subsystem),
		Subsystem:  subsystem,
	}
}

// Write serializes err as a problem document on w. Unrecognized error values
// degrade to an opaque 500 so internals never leak to clients.
func Write(w http.ResponseWriter, err error, instance, traceID string) {
	perr, ok := err.(*Error)
	if !ok {
		perr = Internal("unexpected server error")
	}

	doc := Document{
		Type:     typeBase + perr.ReasonCode,
		Title:    perr.Title,
		Status:   perr.Status,
		Detail:   perr.Detail,
		Instance: instance,
		Reason:   perr.ReasonCode,
		TraceID:  traceID,
		Policies: perr.Policies,
	}

	w.Header().Set("Content-Type", ContentType)
	if perr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(perr.RetryAfter))
	}
	w.WriteHeader(perr.Status)
	_ = json.NewEncoder(w).Encode(doc)
}
