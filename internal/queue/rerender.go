// Package queue provides the SQS producer that hands failed deliveries back
// to the content pipeline for re-rendering.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"briefing/internal/config"
	"briefing/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// RerenderMessage asks the producer of a delivery to render and submit it
// again. The ledger keeps outcomes, not content, for these rows.
type RerenderMessage struct {
	RequestID   string            `json:"request_id"`
	EntryID     string            `json:"entry_id"`
	Recipient   string            `json:"recipient"`
	Subject     string            `json:"subject"`
	Channel     types.ChannelType `json:"channel"`
	Attempts    int               `json:"attempts"`
	RequestedAt time.Time         `json:"requested_at"`
}

// RerenderPublisher sends RerenderMessages to the configured queue.
type RerenderPublisher struct {
	client   SQSSender
	queueURL string
	clock    types.Clock
	logger   *slog.Logger
}

// NewRerenderPublisher creates a publisher for awsCfg.RerenderQueueURL.
func NewRerenderPublisher(client SQSSender, awsCfg config.AWSConfig, clock types.Clock, logger *slog.Logger) *RerenderPublisher {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RerenderPublisher{
		client:   client,
		queueURL: awsCfg.RerenderQueueURL,
		clock:    clock,
		logger:   logger,
	}
}

// RequestRerender enqueues a re-render request for entry.
//
// The message deduplication id is derived from the entry and its attempt
// count so a FIFO queue drops repeats from overlapping sweeps.
func (p *RerenderPublisher) RequestRerender(ctx context.Context, entry types.DeliveryEntry) error {
	msg := RerenderMessage{
		RequestID:   uuid.NewString(),
		EntryID:     entry.ID,
		Recipient:   entry.Key.Recipient,
		Subject:     entry.Key.Subject,
		Channel:     entry.Key.Channel,
		Attempts:    entry.Attempts,
		RequestedAt: p.clock.Now(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal RerenderMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"channel": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(entry.Key.Channel)),
			},
		},
	}
	if isFIFO(p.queueURL) {
		input.MessageGroupId = aws.String(entry.Key.Recipient)
		input.MessageDeduplicationId = aws.String(fmt.Sprintf("%s-%d", entry.ID, entry.Attempts))
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("failed to send re-render request to %s", p.queueURL), err)
	}

	p.logger.InfoContext(ctx, "re-render request sent",
		"queue_url", p.queueURL,
		"entry_id", entry.ID,
		"request_id", msg.RequestID,
		"attempts", entry.Attempts,
	)
	return nil
}

func isFIFO(queueURL string) bool {
	return strings.HasSuffix(queueURL, ".fifo")
}
