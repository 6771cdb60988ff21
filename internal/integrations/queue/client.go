package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"message-pipeline/internal/domain"
)

const (
	maxBatch          = 10
	maxVisibility     = 12 * time.Hour
	defaultWaitTime   = 20 * time.Second
	defaultNackMax    = 10 * time.Minute
	stringAttribute   = "String"
	fifoSuffix        = ".fifo"
	defaultFIFOGroup  = "default"
	receiveCountField = string(types.MessageSystemAttributeNameApproximateReceiveCount)
)

// sqsAPI is the minimal SQS interface required by Client.
// *sqs.Client from aws-sdk-go-v2 satisfies this interface.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Message is an outbound queue message.
type Message struct {
	Body       []byte
	Attributes map[string]string
	// GroupID and DeduplicationID only apply to FIFO queues.
	GroupID         string
	DeduplicationID string
}

// Client publishes to and consumes from one SQS queue.
type Client struct {
	api        sqsAPI
	queueURL   string
	fifo       bool
	waitTime   time.Duration
	visibility time.Duration
	nackBase   time.Duration
	nackMax    time.Duration
}

type Option func(*Client)

// WithWaitTime sets the long-poll duration for Receive (max 20s).
func WithWaitTime(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 && d <= defaultWaitTime {
			c.waitTime = d
		}
	}
}

// WithVisibilityTimeout overrides the queue's visibility timeout on receive.
// Zero keeps the queue default.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 && d <= maxVisibility {
			c.visibility = d
		}
	}
}

// WithNackBackoff sets the redelivery delay applied by Nack: base doubles with
// every receive of the same message, up to max. A zero base redelivers
// immediately.
func WithNackBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		if base >= 0 {
			c.nackBase = base
		}
		if max > 0 && max <= maxVisibility {
			c.nackMax = max
		}
	}
}

// New creates a Client bound to queueURL.
func New(api sqsAPI, queueURL string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("queue: api must not be nil")
	}
	queueURL = strings.TrimSpace(queueURL)
	if queueURL == "" {
		return nil, errors.New("queue: queue URL must not be empty")
	}
	c := &Client{
		api:      api,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, fifoSuffix),
		waitTime: defaultWaitTime,
		nackMax:  defaultNackMax,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Publish sends one message and returns the queue-assigned message id.
func (c *Client) Publish(ctx context.Context, msg Message) (string, error) {
	if len(msg.Body) == 0 {
		return "", errors.New("queue: Publish: body is required")
	}
	in := &sqs.SendMessageInput{
		QueueUrl:          aws.String(c.queueURL),
		MessageBody:       aws.String(string(msg.Body)),
		MessageAttributes: messageAttributes(msg.Attributes),
	}
	if c.fifo {
		group := msg.GroupID
		if group == "" {
			group = defaultFIFOGroup
		}
		in.MessageGroupId = aws.String(group)
		if msg.DeduplicationID != "" {
			in.MessageDeduplicationId = aws.String(msg.DeduplicationID)
		}
	}

	out, err := c.api.SendMessage(ctx, in)
	if err != nil {
		return "", fmt.Errorf("queue: Publish: %w", err)
	}
	if out == nil || out.MessageId == nil {
		return "", errors.New("queue: Publish: missing message id")
	}
	return *out.MessageId, nil
}

// Receive long-polls for up to max messages (clamped to 1..10).
func (c *Client) Receive(ctx context.Context, max int) ([]domain.Delivery, error) {
	if max < 1 {
		max = 1
	}
	if max > maxBatch {
		max = maxBatch
	}
	in := &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(c.queueURL),
		MaxNumberOfMessages:         int32(max),
		WaitTimeSeconds:             int32(c.waitTime / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
		MessageAttributeNames:       []string{"All"},
	}
	if c.visibility > 0 {
		in.VisibilityTimeout = int32(c.visibility / time.Second)
	}

	out, err := c.api.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("queue: Receive: %w", err)
	}
	if out == nil {
		return nil, nil
	}

	deliveries := make([]domain.Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		deliveries = append(deliveries, domain.Delivery{
			ID:       aws.ToString(m.MessageId),
			AckToken: aws.ToString(m.ReceiptHandle),
			Body:     []byte(aws.ToString(m.Body)),
			Attempt:  receiveCount(m.Attributes),
		})
	}
	return deliveries, nil
}

// Ack deletes the delivery from the queue.
func (c *Client) Ack(ctx context.Context, d domain.Delivery) error {
	if d.AckToken == "" {
		return errors.New("queue: Ack: receipt handle is required")
	}
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(d.AckToken),
	})
	if err != nil {
		return fmt.Errorf("queue: Ack: %w", err)
	}
	return nil
}

// Nack returns the delivery to the queue after the backoff delay for its attempt.
func (c *Client) Nack(ctx context.Context, d domain.Delivery) error {
	if d.AckToken == "" {
		return errors.New("queue: Nack: receipt handle is required")
	}
	_, err := c.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(d.AckToken),
		VisibilityTimeout: int32(c.nackDelay(d.Attempt) / time.Second),
	})
	if err != nil {
		return fmt.Errorf("queue: Nack: %w", err)
	}
	return nil
}

func (c *Client) nackDelay(attempt int) time.Duration {
	if c.nackBase <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := c.nackBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.nackMax {
			return c.nackMax
		}
	}
	if delay > c.nackMax {
		return c.nackMax
	}
	return delay
}

func messageAttributes(attrs map[string]string) map[string]types.MessageAttributeValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]types.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		if v == "" {
			continue
		}
		out[k] = types.MessageAttributeValue{
			DataType:    aws.String(stringAttribute),
			StringValue: aws.String(v),
		}
	}
	return out
}

func receiveCount(attrs map[string]string) int {
	n, err := strconv.Atoi(attrs[receiveCountField])
	if err != nil || n < 1 {
		return 1
	}
	return n
}
