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

package money

import (
	"errors"
	"testing"
)

func TestParseUSD(t *testing.T) {
	cases := []struct {
		in      string
		want    Micros
		wantErr error
	}{
		{in: "0.1000", want: 100_000},
		{in: "0.87", want: 870_000},
		{in: "1", want: 1_000_000},
		{in: "1.0", want: 1_000_000},
		{in: "12.3456", want: 12_345_600},
		{in: "0.0001", want: 100},
		{in: "0", want: 0},
		{in: ".5", want: 500_000},
		{in: " 2.50 ", want: 2_500_000},
		{in: "0.00001", wantErr: ErrPrecision},
		{in: "0.123456", wantErr: ErrPrecision},
		{in: "1e3", wantErr: ErrMalformed},
		{in: "1,000", wantErr: ErrMalformed},
		{in: "", wantErr: ErrMalformed},
		{in: ".", wantErr: ErrMalformed},
		{in: "+1", wantErr: ErrMalformed},
		{in: "-0.5", wantErr: ErrNegative},
		{in: "9223372036854775807", wantErr: ErrRange},
	}

	for _, tc := range cases {
		got, err := ParseUSD(tc.in)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("ParseUSD(%q) err = %v, want %v", tc.in, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseUSD(%q) unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseUSD(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestUSDFormatting(t *testing.T) {
	cases := []struct {
		in   Micros
		want string
	}{
		{in: 100_000, want: "0.1000"},
		{in: 870_000, want: "0.8700"},
		{in: 1_000_000, want: "1.0000"},
		{in: 12_345_600, want: "12.3456"},
		{in: 0, want: "0.0000"},
		{in: -500_000, want: "-0.5000"},
	}
	for _, tc := range cases {
		if got := tc.in.USD(); got != tc.want {
			t.Errorf("(%d).USD() = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseUSDRoundTrip(t *testing.T) {
	for _, s := range []string{"0.1000", "0.8700", "1.0000", "99.9999"} {
		m, err := ParseUSD(s)
		if err != nil {
			t.Fatalf("ParseUSD(%q): %v", s, err)
		}
		if m.USD() != s {
			t.Errorf("round trip %q -> %q", s, m.USD())
		}
	}
}

func TestParseMicrosString(t *testing.T) {
	m, err := ParseMicrosString("870000")
	if err != nil {
		t.Fatalf("ParseMicrosString: %v", err)
	}
	if m != 870_000 {
		t.Errorf("got %d, want 870000", m)
	}

	for _, bad := range []string{"", "0.87", "-1", "12a"} {
		if _, err := ParseMicrosString(bad); err == nil {
			t.Errorf("ParseMicrosString(%q) accepted malformed input", bad)
		}
	}
}

func TestMax(t *testing.T) {
	if Max(10, 20) != 20 || Max(20, 10) != 20 {
		t.Error("Max is not commutative over its arguments")
	}
}
