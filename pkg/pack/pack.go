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

// Package pack defines decision-pack executors: the pluggable units of work
// a run pays for. An executor reports its actual cost in micro-units along
// with the result document; the platform never inspects result bodies.
package pack

import (
	"context"
	"fmt"

	"github.com/ghilp934/Decisionwise-sub000/pkg/money"
)

// Result is a finished execution: the result document and what it cost.
type Result struct {
	Body         []byte
	ActualMicros money.Micros
}

// Executor runs one pack type. Execute must honor ctx cancellation; the
// worker enforces the run's timebox through it.
type Executor interface {
	// Type is the pack-type discriminator clients submit.
	Type() string
	// EstimateMicros is the expected cost of executing the input. Admission
	// uses it as a floor on the client's reservation.
	EstimateMicros(input []byte) money.Micros
	// Execute performs the work and reports actual cost.
	Execute(ctx context.Context, input []byte) (Result, error)
}

// Registry maps pack types to executors.
type Registry struct {
	execs map[string]Executor
}

// NewRegistry builds a registry. Duplicate types panic: the set is wired at
// startup and a collision is a programming error.
func NewRegistry(execs ...Executor) *Registry {
	r := &Registry{execs: make(map[string]Executor, len(execs))}
	for _, e := range execs {
		if _, dup := r.execs[e.Type()]; dup {
			panic(fmt.Sprintf("pack: duplicate executor for type %q", e.Type()))
		}
		r.execs[e.Type()] = e
	}
	return r
}

// Builtin returns the registry of packs shipped with the platform.
func Builtin() *Registry {
	return NewRegistry(NewDecisionPack(), NewScorePack())
}

// Lookup returns the executor for a pack type.
func (r *Registry) Lookup(packType string) (Executor, bool) {
	e, ok := r.execs[packType]
	return e, ok
}

// Types lists the registered pack types.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.execs))
	for t := range r.execs {
		out = append(out, t)
	}
	return out
}
