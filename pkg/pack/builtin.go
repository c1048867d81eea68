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
	"fmt"
	"sort"

	"github.com/ghilp934/Decisionwise-sub000/pkg/money"
)

// Pricing for the builtin packs, in micro-units. Scoring is pure integer
// arithmetic; no float ever touches a monetary or score value.
const (
	decisionBaseMicros    = money.Micros(10_000) // $0.01
	decisionPerCellMicros = money.Micros(500)
	scoreBaseMicros       = money.Micros(5_000)
	scorePerItemMicros    = money.Micros(1_000)
)

// estimateHeadroomPct is added on top of the computed cost at admission so
// the reservation is a true upper bound.
const estimateHeadroomPct = 20

func withHeadroom(m money.Micros) money.Micros {
	return m + m*estimateHeadroomPct/100
}

// DecisionPack picks the best option against weighted criteria.
type DecisionPack struct{}

// NewDecisionPack returns the "decision" executor.
func NewDecisionPack() *DecisionPack { return &DecisionPack{} }

func (p *DecisionPack) Type() string { return "decision" }

type decisionInput struct {
	Options []struct {
		Name       string           `json:"name"`
		Attributes map[string]int64 `json:"attributes"`
	} `json:"options"`
	Criteria []struct {
		Attribute string `json:"attribute"`
		Weight    int64  `json:"weight"`
		Minimize  bool   `json:"minimize"`
	} `json:"criteria"`
}

func (p *DecisionPack) cost(in decisionInput) money.Micros {
	cells := int64(len(in.Options)) * int64(len(in.Criteria))
	return decisionBaseMicros + decisionPerCellMicros*money.Micros(cells)
}

// EstimateMicros prices the input ahead of execution. Malformed input
// estimates at the base price; admission rejects it before execution.
func (p *DecisionPack) EstimateMicros(input []byte) money.Micros {
	var in decisionInput
	if err := json.Unmarshal(input, &in); err != nil {
		return withHeadroom(decisionBaseMicros)
	}
	return withHeadroom(p.cost(in))
}

func (p *DecisionPack) Execute(ctx context.Context, input []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	var in decisionInput
	if err := json.Unmarshal(input, &in); err != nil {
		return Result{}, fmt.Errorf("decision pack: parse input: %w", err)
	}
	if len(in.Options) == 0 {
		return Result{}, fmt.Errorf("decision pack: no options given")
	}
	if len(in.Criteria) == 0 {
		return Result{}, fmt.Errorf("decision pack: no criteria given")
	}

	scores := make(map[string]int64, len(in.Options))
	for _, opt := range in.Options {
		var score int64
		for _, c := range in.Criteria {
			v := opt.Attributes[c.Attribute]
			if c.Minimize {
				v = -v
			}
			score += c.Weight * v
		}
		scores[opt.Name] = score
	}

	// Highest score wins; ties break on name so reruns are deterministic.
	names := make([]string, 0, len(scores))
	for n := range scores {
		names = append(names, n)
	}
	sort.Strings(names)
	best := names[0]
	for _, n := range names[1:] {
		if scores[n] > scores[best] {
			best = n
		}
	}

	body, err := json.Marshal(map[string]any{
		"decision": best,
		"scores":   scores,
	})
	if err != nil {
		return Result{}, fmt.Errorf("decision pack: encode result: %w", err)
	}
	return Result{Body: body, ActualMicros: p.cost(in)}, nil
}

// ScorePack ranks items by weighted attribute values.
type ScorePack struct{}

// NewScorePack returns the "score" executor.
func NewScorePack() *ScorePack { return &ScorePack{} }

func (p *ScorePack) Type() string { return "score" }

type scoreInput struct {
	Items []struct {
		Name   string           `json:"name"`
		Values map[string]int64 `json:"values"`
	} `json:"items"`
	Weights map[string]int64 `json:"weights"`
}

func (p *ScorePack) cost(in scoreInput) money.Micros {
	return scoreBaseMicros + scorePerItemMicros*money.Micros(int64(len(in.Items)))
}

func (p *ScorePack) EstimateMicros(input []byte) money.Micros {
	var in scoreInput
	if err := json.Unmarshal(input, &in); err != nil {
		return withHeadroom(scoreBaseMicros)
	}
	return withHeadroom(p.cost(in))
}

func (p *ScorePack) Execute(ctx context.Context, input []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	var in scoreInput
	if err := json.Unmarshal(input, &in); err != nil {
		return Result{}, fmt.Errorf("score pack: parse input: %w", err)
	}
	if len(in.Items) == 0 {
		return Result{}, fmt.Errorf("score pack: no items given")
	}

	type ranked struct {
		Name  string `json:"name"`
		Score int64  `json:"score"`
	}
	out := make([]ranked, 0, len(in.Items))
	for _, item := range in.Items {
		var score int64
		for attr, w := range in.Weights {
			score += w * item.Values[attr]
		}
		out = append(out, ranked{Name: item.Name, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})

	body, err := json.Marshal(map[string]any{"ranking": out})
	if err != nil {
		return Result{}, fmt.Errorf("score pack: encode result: %w", err)
	}
	return Result{Body: body, ActualMicros: p.cost(in)}, nil
}
