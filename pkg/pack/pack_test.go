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

package pack

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestDecisionPackPicksHighestWeightedScore(t *testing.T) {
	input := []byte(`{
		"options": [
			{"name": "vendor-a", "attributes": {"cost": 8, "quality": 6}},
			{"name": "vendor-b", "attributes": {"cost": 3, "quality": 7}}
		],
		"criteria": [
			{"attribute": "cost", "weight": 2, "minimize": true},
			{"attribute": "quality", "weight": 3}
		]
	}`)

	res, err := NewDecisionPack().Execute(context.Background(), input)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	var out struct {
		Decision string           `json:"decision"`
		Scores   map[string]int64 `json:"scores"`
	}
	if err := json.Unmarshal(res.Body, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	// vendor-a: -16+18 = 2; vendor-b: -6+21 = 15.
	if out.Decision != "vendor-b" {
		t.Fatalf("decision = %q, want vendor-b (scores %v)", out.Decision, out.Scores)
	}
	if out.Scores["vendor-a"] != 2 || out.Scores["vendor-b"] != 15 {
		t.Fatalf("unexpected scores: %v", out.Scores)
	}
}

func TestDecisionPackDeterministicTieBreak(t *testing.T) {
	input := []byte(`{
		"options": [
			{"name": "zeta", "attributes": {"x": 1}},
			{"name": "alpha", "attributes": {"x": 1}}
		],
		"criteria": [{"attribute": "x", "weight": 1}]
	}`)

	for i := 0; i < 5; i++ {
		res, err := NewDecisionPack().Execute(context.Background(), input)
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		var out struct {
			Decision string `json:"decision"`
		}
		if err := json.Unmarshal(res.Body, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.Decision != "alpha" {
			t.Fatalf("tie must break to lexicographically first name, got %q", out.Decision)
		}
	}
}

func TestDecisionPackCostScalesWithCells(t *testing.T) {
	small := []byte(`{"options":[{"name":"a","attributes":{"x":1}}],"criteria":[{"attribute":"x","weight":1}]}`)
	large := []byte(`{
		"options":[{"name":"a","attributes":{"x":1}},{"name":"b","attributes":{"x":2}}],
		"criteria":[{"attribute":"x","weight":1},{"attribute":"y","weight":1}]
	}`)

	p := NewDecisionPack()
	resSmall, err := p.Execute(context.Background(), small)
	if err != nil {
		t.Fatalf("execute small: %v", err)
	}
	resLarge, err := p.Execute(context.Background(), large)
	if err != nil {
		t.Fatalf("execute large: %v", err)
	}
	if resLarge.ActualMicros <= resSmall.ActualMicros {
		t.Fatalf("larger input must cost more: %d vs %d", resLarge.ActualMicros, resSmall.ActualMicros)
	}
}

func TestEstimateIsUpperBoundOfActual(t *testing.T) {
	input := []byte(`{
		"options":[{"name":"a","attributes":{"x":1}},{"name":"b","attributes":{"x":2}}],
		"criteria":[{"attribute":"x","weight":1}]
	}`)

	p := NewDecisionPack()
	est := p.EstimateMicros(input)
	res, err := p.Execute(context.Background(), input)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ActualMicros > est {
		t.Fatalf("actual %d exceeds estimate %d", res.ActualMicros, est)
	}
}

func TestDecisionPackRejectsEmptyInput(t *testing.T) {
	cases := []string{
		`{"options":[],"criteria":[{"attribute":"x","weight":1}]}`,
		`{"options":[{"name":"a","attributes":{}}],"criteria":[]}`,
		`not json`,
	}
	for _, c := range cases {
		if _, err := NewDecisionPack().Execute(context.Background(), []byte(c)); err == nil {
			t.Errorf("input %q must fail", c)
		}
	}
}

func TestExecuteHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	input := []byte(`{"options":[{"name":"a","attributes":{"x":1}}],"criteria":[{"attribute":"x","weight":1}]}`)
	if _, err := NewDecisionPack().Execute(ctx, input); err == nil {
		t.Fatal("cancelled context must abort execution")
	}
}

func TestScorePackRanksDescending(t *testing.T) {
	input := []byte(`{
		"items": [
			{"name": "low", "values": {"v": 1}},
			{"name": "high", "values": {"v": 9}},
			{"name": "mid", "values": {"v": 5}}
		],
		"weights": {"v": 2}
	}`)

	res, err := NewScorePack().Execute(context.Background(), input)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var out struct {
		Ranking []struct {
			Name  string `json:"name"`
			Score int64  `json:"score"`
		} `json:"ranking"`
	}
	if err := json.Unmarshal(res.Body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Ranking) != 3 || out.Ranking[0].Name != "high" || out.Ranking[2].Name != "low" {
		t.Fatalf("unexpected ranking: %+v", out.Ranking)
	}
}

func TestRegistryLookup(t *testing.T) {
	r := Builtin()
	for _, typ := range []string{"decision", "score"} {
		if _, ok := r.Lookup(typ); !ok {
			t.Fatalf("builtin pack %q must be registered", typ)
		}
	}
	if _, ok := r.Lookup("does-not-exist"); ok {
		t.Fatal("unknown pack type must not resolve")
	}
}

func TestRegistryPanicsOnDuplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("duplicate registration must panic")
		}
	}()
	NewRegistry(NewDecisionPack(), NewDecisionPack())
}
