// Package telemetry implements types.MetricsRecorder on CloudWatch and
// Prometheus. Metric emission never fails the caller; publish errors are logged.
package telemetry

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"briefing/internal/types"
)

// CloudWatchClient is the PutMetricData subset of the CloudWatch client.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchRecorder publishes one PutMetricData call per recorded event.
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ types.MetricsRecorder = (*CloudWatchRecorder)(nil)

// NewCloudWatchRecorder creates a recorder writing to namespace. An empty
// namespace uses types.MetricNamespace.
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchRecorder {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	return &CloudWatchRecorder{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatchRecorder) RecordWebhookEvent(ctx context.Context, eventType string, outcome string) {
	m.put(ctx, count(types.MetricWebhookEvent, 1, dim(types.DimEventType, eventType), dim(types.DimOutcome, outcome)))
}

func (m *CloudWatchRecorder) RecordRedemption(ctx context.Context, outcome string) {
	m.put(ctx, count(types.MetricRedemption, 1, dim(types.DimOutcome, outcome)))
}

func (m *CloudWatchRecorder) RecordDelivery(ctx context.Context, channel types.ChannelType, status types.DeliveryStatus) {
	m.put(ctx, count(types.MetricDeliveryAttempt, 1, dim(types.DimChannel, string(channel)), dim(types.DimStatus, string(status))))
}

// RecordSweep emits all sweep counters in a single request.
func (m *CloudWatchRecorder) RecordSweep(ctx context.Context, report types.SweepReport) {
	m.put(ctx,
		count(types.MetricSweepRetried, report.Retried),
		count(types.MetricSweepSucceeded, report.Succeeded),
		count(types.MetricSweepDeadLetter, report.DeadLettered),
		count(types.MetricSweepHandedBack, report.HandedBack),
	)
}

func (m *CloudWatchRecorder) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.Error("failed to publish metric",
			"error", err.Error(),
			"metric", aws.ToString(data[0].MetricName),
		)
	}
}

func count(name string, n int, dims ...cwtypes.Dimension) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(float64(n)),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}
