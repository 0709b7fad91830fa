package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"

	"github.com/spokeworks/bnaflow/pkg/pipeline"
)

// SQSConfig configures the SQS-backed submission source.
type SQSConfig struct {
	QueueURL        string
	Region          string
	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string

	// VisibilityTimeout hides received messages from other consumers for
	// this long. Zero keeps the queue's own default.
	VisibilityTimeout time.Duration
}

func (c SQSConfig) Validate() error {
	if strings.TrimSpace(c.QueueURL) == "" {
		return errors.New("sqs queue URL is required")
	}
	return nil
}

// SQS implements Source on an AWS SQS queue.
type SQS struct {
	client            *sqs.Client
	queueURL          string
	visibilityTimeout time.Duration
}

var _ Source = (*SQS)(nil)

// NewSQS creates an SQS source using the SDK's default credential chain
// unless explicit credentials are configured.
func NewSQS(ctx context.Context, cfg SQSConfig) (*SQS, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var sqsOpts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		sqsOpts = append(sqsOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &SQS{
		client:            sqs.NewFromConfig(awsCfg, sqsOpts...),
		queueURL:          cfg.QueueURL,
		visibilityTimeout: cfg.VisibilityTimeout,
	}, nil
}

func (s *SQS) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	if max > 10 {
		max = 10 // SQS hard limit per request
	}

	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     int32(wait / time.Second),
	}
	if s.visibilityTimeout > 0 {
		input.VisibilityTimeout = int32(s.visibilityTimeout / time.Second)
	}

	out, err := s.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, wrapSQSError("receive", err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, Message{
			ID:            aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return msgs, nil
}

// Send publishes one submission payload. Not part of the Source
// interface; the CLI uses it to hand jobs to a remote worker.
func (s *SQS) Send(ctx context.Context, body string) error {
	_, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return wrapSQSError("send", err)
	}
	return nil
}

func (s *SQS) Delete(ctx context.Context, receiptHandle string) error {
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return wrapSQSError("delete", err)
	}
	return nil
}

func (s *SQS) Close() error { return nil }

// wrapSQSError classifies queue errors so the worker loop retries
// throttling and availability faults instead of dying on them.
func wrapSQSError(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "RequestThrottled", "OverLimit",
			"ServiceUnavailable", "InternalError", "RequestTimeout":
			return pipeline.Transient("sqs "+op, err)
		}
	}
	return fmt.Errorf("sqs %s: %w", op, err)
}
