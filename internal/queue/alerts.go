// Package queue publishes operator alerts to SQS.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"eventrelay/internal/config"
	"eventrelay/internal/types"
)

// Alerter raises operator alerts.
type Alerter interface {
	Alert(ctx context.Context, alert types.OperatorAlert) error
}

// NewAlerter returns an AlertPublisher for the configured alert queue, or a
// LogAlerter when no queue is configured.
func NewAlerter(awsCfg aws.Config, cfg config.AWSConfig, logger *slog.Logger) Alerter {
	if cfg.AlertQueueURL == "" {
		return LogAlerter{Logger: logger}
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	})
	return NewAlertPublisher(client, cfg.AlertQueueURL, logger)
}

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// AlertPublisher sends OperatorAlerts to the alert queue as JSON. The alert
// kind is also set as a message attribute so subscribers can filter without
// parsing the body.
type AlertPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewAlertPublisher creates an AlertPublisher targeting queueURL.
func NewAlertPublisher(client SQSSender, queueURL string, logger *slog.Logger) *AlertPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertPublisher{client: client, queueURL: queueURL, logger: logger}
}

// Alert publishes one alert.
func (p *AlertPublisher) Alert(ctx context.Context, alert types.OperatorAlert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("alert publisher: failed to marshal alert: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(alert.Kind),
			},
		},
	}
	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to send alert to %s", p.queueURL), err)
	}

	p.logger.InfoContext(ctx, "operator alert published",
		"kind", alert.Kind,
		"event_id", alert.EventID,
		"source", alert.SourceSystem,
		"event_type", alert.EventType,
	)
	return nil
}

// LogAlerter writes alerts to the log. It stands in for AlertPublisher when
// no alert queue is configured.
type LogAlerter struct {
	Logger *slog.Logger
}

// Alert logs the alert at error level.
func (a LogAlerter) Alert(ctx context.Context, alert types.OperatorAlert) error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx, "operator alert",
		"kind", alert.Kind,
		"event_id", alert.EventID,
		"source", alert.SourceSystem,
		"event_type", alert.EventType,
		"reason", alert.Reason,
		"retry_count", alert.RetryCount,
		"count", alert.Count,
	)
	return nil
}
