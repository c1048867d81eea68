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

// Package objectstore persists run results in S3. The object metadata
// carries the actual cost, making every upload a durable recovery anchor:
// a reaper that finds the object can finish settlement without the worker.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-logr/logr"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"

	"github.com/ghilp934/Decisionwise-sub000/pkg/config"
	"github.com/ghilp934/Decisionwise-sub000/pkg/money"
)

// Metadata keys stamped on every result object. The cost key is the
// recovery anchor read back during reconciliation; renaming it is a
// breaking storage change.
const (
	MetaActualCost   = "actual-cost-usd-micros"
	MetaResultSHA256 = "result-sha256"
)

// s3API is the slice of the S3 client the store uses. Tests substitute it.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Store is the S3-backed result store.
type Store struct {
	client  *s3.Client
	testAPI s3API
	presign *s3.PresignClient
	bucket  string
	breaker *gobreaker.CircuitBreaker
	log     logr.Logger
}

// Open builds the store. Uploads run behind a circuit breaker so a failing
// object store sheds load quickly instead of tying up worker slots.
func Open(awsCfg aws.Config, cfg config.Config, log logr.Logger) *Store {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.LocalEndpoints()
	})
	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.S3ResultBucket,
		breaker: newBreaker(log),
		log:     log,
	}
}

// NewWithAPI builds a store over an arbitrary S3-shaped API. Tests use it;
// presigning is unavailable on such a store.
func NewWithAPI(api s3API, bucket string, log logr.Logger) *Store {
	return &Store{testAPI: api, bucket: bucket, breaker: newBreaker(log), log: log}
}

func newBreaker(log logr.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "s3-results",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("object store breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

func (s *Store) api() s3API {
	if s.testAPI != nil {
		return s.testAPI
	}
	return s.client
}

// ResultKey is the canonical object key for a run's result.
func ResultKey(tenantID, runID string) string {
	return tenantID + "/" + runID + "/result.json"
}

// PutResult uploads a result body with its cost and digest metadata.
// Transient failures are retried with capped exponential backoff inside the
// breaker; a tripped breaker surfaces immediately as an error the caller
// treats like any other upload failure.
func (s *Store) PutResult(ctx context.Context, key string, body []byte, actual money.Micros, sha256Hex string) error {
	_, err := s.breaker.Execute(func() (any, error) {
		backoff := retry.WithMaxRetries(3, retry.WithCappedDuration(
			2*time.Second, retry.NewExponential(100*time.Millisecond)))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			_, err := s.api().PutObject(ctx, &s3.PutObjectInput{
				Bucket:      aws.String(s.bucket),
				Key:         aws.String(key),
				Body:        bytes.NewReader(body),
				ContentType: aws.String("application/json"),
				Metadata: map[string]string{
					MetaActualCost:   actual.String(),
					MetaResultSHA256: sha256Hex,
				},
			})
			if err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return nil
}

// ResultHead is what reconciliation learns from an object's metadata.
type ResultHead struct {
	Present      bool
	ActualMicros money.Micros
	SHA256       string
	Size         int64
}

// HeadResult reads a result object's metadata without fetching the body.
// An absent object is not an error; a present object whose cost metadata is
// missing or malformed is, because settlement cannot proceed from it.
func (s *Store) HeadResult(ctx context.Context, key string) (ResultHead, error) {
	out, err := s.api().HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return ResultHead{}, nil
		}
		return ResultHead{}, fmt.Errorf("objectstore: head %s: %w", key, err)
	}

	raw, ok := out.Metadata[MetaActualCost]
	if !ok {
		return ResultHead{}, fmt.Errorf("objectstore: object %s lacks %s metadata", key, MetaActualCost)
	}
	actual, err := money.ParseMicrosString(raw)
	if err != nil {
		return ResultHead{}, fmt.Errorf("objectstore: object %s cost metadata: %w", key, err)
	}
	return ResultHead{
		Present:      true,
		ActualMicros: actual,
		SHA256:       out.Metadata[MetaResultSHA256],
		Size:         aws.ToInt64(out.ContentLength),
	}, nil
}

// PresignGet returns a time-limited download URL for a result object.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if s.presign == nil {
		return "", errors.New("objectstore: presigning unavailable")
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("objectstore: presign %s: %w", key, err)
	}
	return req.URL, nil
}

// Ping checks bucket reachability for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.api().HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("objectstore: ping: %w", err)
	}
	return nil
}
