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

// Package logging builds the process-wide structured logger. Every binary
// logs JSON through zap, exposed to the rest of the codebase as a
// logr.Logger so packages stay decoupled from the backend.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New constructs the root logger for a binary. LOG_LEVEL selects the
// minimum level (debug, info, warn, error; default info) and LOG_FORMAT=text
// switches the JSON encoder to the development console encoder. The returned
// flush function must be deferred by the caller.
func New(component string) (logr.Logger, func(), error) {
	level := zapcore.InfoLevel
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		parsed, err := zapcore.ParseLevel(strings.ToLower(raw))
		if err != nil {
			return logr.Logger{}, nil, fmt.Errorf("logging: invalid LOG_LEVEL %q: %w", raw, err)
		}
		level = parsed
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if os.Getenv("LOG_FORMAT") == "text" {
		zcfg.Encoding = "console"
	}

	zl, err := zcfg.Build()
	if err != nil {
		return logr.Logger{}, nil, fmt.Errorf("logging: build: %w", err)
	}

	log := zapr.NewLogger(zl).WithName(component)
	flush := func() { _ = zl.Sync() }
	return log, flush, nil
}
