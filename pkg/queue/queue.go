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

// Package queue moves run identifiers from admission to the workers over
// SQS. Message bodies carry identifiers only, never pack inputs; acceptance
// lives in the ledger insert, so a lost message is recoverable and a
// duplicate delivery is harmless.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/go-logr/logr"

	"github.com/ghilp934/Decisionwise-sub000/pkg/config"
)

// SchemaVersion is stamped on every published message. Consumers ignore
// unknown fields, so additive evolution never needs a version bump; the
// field exists for the day a breaking change forces one.
const SchemaVersion = 1

// Message is the wire form of one enqueued run.
type Message struct {
	RunID         string    `json:"run_id"`
	TenantID      string    `json:"tenant_id"`
	PackType      string    `json:"pack_type"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	SchemaVersion int       `json:"schema_version"`
	TraceID       string    `json:"trace_id"`
}

// Delivery is a received message plus the handle needed to settle it.
type Delivery struct {
	Message
	ReceiptHandle string
}

// Queue is an SQS-backed run queue.
type Queue struct {
	client  *sqs.Client
	testAPI sqsAPI
	url     string
	log     logr.Logger
}

// NewWithAPI builds a queue over an arbitrary SQS-shaped API. Tests use it.
func NewWithAPI(api sqsAPI, queueURL string, log logr.Logger) *Queue {
	return &Queue{testAPI: api, url: queueURL, log: log}
}

// sqsAPI is the slice of the SQS client the queue uses. Tests substitute it.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, opts ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Open builds the queue client. Against a localhost-shaped queue URL the
// endpoint is overridden to the URL's own host so local stacks work without
// AWS endpoint discovery.
func Open(awsCfg aws.Config, cfg config.Config, log logr.Logger) (*Queue, error) {
	var clientOpts []func(*sqs.Options)
	if cfg.LocalEndpoints() {
		u, err := url.Parse(cfg.SQSQueueURL)
		if err != nil {
			return nil, fmt.Errorf("queue: parse queue url: %w", err)
		}
		base := u.Scheme + "://" + u.Host
		clientOpts = append(clientOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(base)
		})
	}
	return &Queue{
		client: sqs.NewFromConfig(awsCfg, clientOpts...),
		url:    cfg.SQSQueueURL,
		log:    log,
	}, nil
}

func (q *Queue) api() sqsAPI {
	if q.testAPI != nil {
		return q.testAPI
	}
	return q.client
}

// Publish enqueues one run reference.
func (q *Queue) Publish(ctx context.Context, msg Message) error {
	msg.SchemaVersion = SchemaVersion
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal: %w", err)
	}
	_, err = q.api().SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("queue: send: %w", err)
	}
	return nil
}

// Receive long-polls for up to max deliveries. Messages whose body does not
// decode are deleted and counted, never redelivered forever: the ledger row
// behind a real run survives and the reaper will find it.
func (q *Queue) Receive(ctx context.Context, max int32, wait, visibility time.Duration) ([]Delivery, error) {
	out, err := q.api().ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: max,
		WaitTimeSeconds:     int32(wait / time.Second),
		VisibilityTimeout:   int32(visibility / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("queue: receive: %w", err)
	}

	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		var msg Message
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &msg); err != nil || msg.RunID == "" {
			q.log.Error(err, "dropping undecodable queue message",
				"message_id", aws.ToString(m.MessageId))
			if delErr := q.Delete(ctx, aws.ToString(m.ReceiptHandle)); delErr != nil {
				q.log.Error(delErr, "failed to drop undecodable message",
					"message_id", aws.ToString(m.MessageId))
			}
			continue
		}
		deliveries = append(deliveries, Delivery{
			Message:       msg,
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return deliveries, nil
}

// Delete acknowledges a delivery.
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.api().DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("queue: delete: %w", err)
	}
	return nil
}

// ExtendVisibility pushes a delivery's redelivery horizon out, keeping it
// invisible while its lease is being heartbeated.
func (q *Queue) ExtendVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	_, err := q.api().ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(timeout / time.Second),
	})
	if err != nil {
		return fmt.Errorf("queue: change visibility: %w", err)
	}
	return nil
}

// Ping checks queue reachability for readiness probes.
func (q *Queue) Ping(ctx context.Context) error {
	_, err := q.api().GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return fmt.Errorf("queue: ping: %w", err)
	}
	return nil
}
