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

// Package config loads the explicit configuration passed into every
// component constructor. There is no package-level configuration state.
//
// Values come from an optional YAML file (DECISIONWISE_CONFIG) overridden by
// environment variables; the recognized option set is fixed and validated at
// startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration for any of the three processes.
type Config struct {
	// ListenAddr is the API bind address, e.g. ":8080".
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	DatabaseURL string `yaml:"database_url" validate:"required"`
	RedisURL    string `yaml:"redis_url" validate:"required"`

	SQSQueueURL    string `yaml:"sqs_queue_url" validate:"required,url"`
	S3ResultBucket string `yaml:"s3_result_bucket" validate:"required"`
	AWSRegion      string `yaml:"aws_region" validate:"required"`

	// CORSAllowedOrigins is an explicit allowlist. A bare "*" combined with
	// credentialed CORS is rejected by Validate.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	HeartbeatInterval time.Duration `yaml:"worker_heartbeat_interval" validate:"gt=0"`
	LeaseTTL          time.Duration `yaml:"worker_lease_ttl" validate:"gt=0"`

	ReaperInterval     time.Duration `yaml:"reaper_interval" validate:"gt=0"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval" validate:"gt=0"`
	ReconcileThreshold time.Duration `yaml:"reconcile_threshold" validate:"gt=0"`

	// ReaperPageSize bounds how many candidate rows each sweep examines.
	ReaperPageSize int `yaml:"reaper_page_size" validate:"gt=0"`

	// RetentionHorizon is how long runs (and their reservations) may live.
	RetentionHorizon time.Duration `yaml:"retention_horizon" validate:"gt=0"`

	// RateWindow is the fixed admission-rate window.
	RateWindow time.Duration `yaml:"rate_window" validate:"gt=0"`

	// MaxPayloadBytes bounds the submit request body.
	MaxPayloadBytes int64 `yaml:"max_payload_bytes" validate:"gt=0"`

	// WorkerConcurrency is the number of in-flight messages per worker.
	WorkerConcurrency int `yaml:"worker_concurrency" validate:"gt=0"`

	// DownloadURLTTL bounds the signed result download reference.
	DownloadURLTTL time.Duration `yaml:"download_url_ttl" validate:"gt=0"`

	DB DBPool `yaml:"db"`
}

// DBPool tunes the ledger connection pool.
type DBPool struct {
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gt=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gt=0"`
}

// Default returns the configuration defaults applied before file and
// environment overrides.
func Default() Config {
	return Config{
		ListenAddr:         ":8080",
		AWSRegion:          "us-east-1",
		HeartbeatInterval:  30 * time.Second,
		LeaseTTL:           2 * time.Minute,
		ReaperInterval:     30 * time.Second,
		ReconcileInterval:  time.Minute,
		ReconcileThreshold: 5 * time.Minute,
		ReaperPageSize:     100,
		RetentionHorizon:   30 * 24 * time.Hour,
		RateWindow:         time.Minute,
		MaxPayloadBytes:    1 << 20, // 1 MiB
		WorkerConcurrency:  4,
		DownloadURLTTL:     15 * time.Minute,
		DB: DBPool{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
	}
}

// Load builds the configuration: defaults, then the optional YAML file named
// by DECISIONWISE_CONFIG, then environment variables, then validation.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("DECISIONWISE_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(lookupOS); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// lookupFunc abstracts os.LookupEnv for tests.
type lookupFunc func(string) (string, bool)

func lookupOS(key string) (string, bool) { return os.LookupEnv(key) }

func (c *Config) applyEnv(lookup lookupFunc) error {
	setStr := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	setStr("LISTEN_ADDR", &c.ListenAddr)
	setStr("DATABASE_URL", &c.DatabaseURL)
	setStr("REDIS_URL", &c.RedisURL)
	setStr("SQS_QUEUE_URL", &c.SQSQueueURL)
	setStr("S3_RESULT_BUCKET", &c.S3ResultBucket)
	setStr("AWS_REGION", &c.AWSRegion)

	if v, ok := lookup("CORS_ALLOWED_ORIGINS"); ok {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.CORSAllowedOrigins = origins
	}

	secs := map[string]*time.Duration{
		"WORKER_HEARTBEAT_INTERVAL_SEC": &c.HeartbeatInterval,
		"WORKER_LEASE_TTL_SEC":          &c.LeaseTTL,
		"REAPER_INTERVAL_SEC":           &c.ReaperInterval,
		"RECONCILE_INTERVAL_SEC":        &c.ReconcileInterval,
	}
	for key, dst := range secs {
		if v, ok := lookup(key); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				return fmt.Errorf("config: %s must be a positive integer, got %q", key, v)
			}
			*dst = time.Duration(n) * time.Second
		}
	}
	if v, ok := lookup("RECONCILE_THRESHOLD_MIN"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("config: RECONCILE_THRESHOLD_MIN must be a positive integer, got %q", v)
		}
		c.ReconcileThreshold = time.Duration(n) * time.Minute
	}
	return nil
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	// Wildcard origins combined with credentialed CORS would defeat the
	// tenant-isolation model; refuse to start.
	for _, o := range c.CORSAllowedOrigins {
		if o == "*" {
			return fmt.Errorf("config: CORS_ALLOWED_ORIGINS must list explicit origins, wildcard is not allowed with credentials")
		}
	}
	if c.HeartbeatInterval >= c.LeaseTTL {
		return fmt.Errorf("config: heartbeat interval (%s) must be shorter than the lease TTL (%s)", c.HeartbeatInterval, c.LeaseTTL)
	}
	return nil
}

// LocalEndpoints reports whether the queue URL points at a localhost-shaped
// endpoint, in which case local development credentials are used instead of
// ambient cloud credentials.
func (c *Config) LocalEndpoints() bool {
	return isLocalURL(c.SQSQueueURL)
}

func isLocalURL(u string) bool {
	for _, marker := range []string{"localhost", "127.0.0.1", "[::1]", "host.docker.internal"} {
		if strings.Contains(u, marker) {
			return true
		}
	}
	return false
}
