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

// Package money implements integer micro-unit (micro-USD) arithmetic.
//
// All monetary values in Decisionwise are 63-bit signed integers counting
// millionths of the billing currency. Client-facing amounts are decimal
// strings with at most four fractional digits ("0.1000" == 100000 micros).
// Floating point is never used for money anywhere in the codebase.
package money

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MicrosPerUnit is the number of micro-units in one whole currency unit.
const MicrosPerUnit int64 = 1_000_000

// maxClientFractionDigits bounds the precision clients may express.
// One hundredth of a cent is the smallest billable increment.
const maxClientFractionDigits = 4

var (
	// ErrPrecision is returned when an amount carries more than four
	// fractional digits.
	ErrPrecision = errors.New("money: more than four fractional digits")

	// ErrMalformed is returned for strings that are not plain decimal
	// numbers (exponents, signs other than a leading minus, grouping).
	ErrMalformed = errors.New("money: malformed decimal amount")

	// ErrRange is returned when an amount does not fit in 63 bits of
	// micro-units.
	ErrRange = errors.New("money: amount out of range")

	// ErrNegative is returned when a client-supplied amount is negative.
	ErrNegative = errors.New("money: negative amount")
)

// Micros is a monetary amount in micro-units of the billing currency.
type Micros int64

// ParseUSD converts a client-supplied decimal string such as "0.1000" into
// micro-units. At most four fractional digits are accepted; anything finer
// is a precision violation, not a rounding opportunity.
func ParseUSD(s string) (Micros, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrMalformed
	}
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" && frac == "" {
		return 0, ErrMalformed
	}
	if whole == "" {
		whole = "0"
	}
	if !digitsOnly(whole) || (frac != "" && !digitsOnly(frac)) {
		return 0, ErrMalformed
	}
	if len(frac) > maxClientFractionDigits {
		return 0, ErrPrecision
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, ErrRange
	}
	if units > math.MaxInt64/MicrosPerUnit {
		return 0, ErrRange
	}

	// Scale the fraction up to six digits of micros.
	fracMicros := int64(0)
	if frac != "" {
		padded := frac + strings.Repeat("0", 6-len(frac))
		fracMicros, err = strconv.ParseInt(padded, 10, 64)
		if err != nil {
			return 0, ErrRange
		}
	}

	total := units*MicrosPerUnit + fracMicros
	if total < 0 {
		return 0, ErrRange
	}
	if neg {
		return Micros(-total), ErrNegative
	}
	return Micros(total), nil
}

// ParseMicrosString parses a string of decimal digits expressing raw
// micro-units, the encoding used by the object-store actual-cost metadata.
func ParseMicrosString(s string) (Micros, error) {
	if s == "" || !digitsOnly(s) {
		return 0, ErrMalformed
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ErrRange
	}
	return Micros(v), nil
}

// String formats micros as raw decimal digits, the metadata wire form.
func (m Micros) String() string {
	return strconv.FormatInt(int64(m), 10)
}

// USD renders the amount as a canonical four-fraction-digit decimal string,
// the form used in receipts and usage reports ("0.1000", "12.0000").
func (m Micros) USD() string {
	v := int64(m)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	units := v / MicrosPerUnit
	frac := (v % MicrosPerUnit) / 100 // micros -> ten-thousandths
	return fmt.Sprintf("%s%d.%04d", sign, units, frac)
}

// Max returns the larger of a and b. Settlement uses it to apply the
// minimum fee floor.
func Max(a, b Micros) Micros {
	if a > b {
		return a
	}
	return b
}

func digitsOnly(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
