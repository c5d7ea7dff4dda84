package types

// Telemetry metric names. All components MUST use these constants.
const (
	MetricWebhookEvent    = "WebhookEvent"
	MetricRedemption      = "Redemption"
	MetricDeliveryAttempt = "DeliveryAttempt"
	MetricSweepRetried    = "SweepRetried"
	MetricSweepSucceeded  = "SweepSucceeded"
	MetricSweepDeadLetter = "SweepDeadLettered"
	MetricSweepHandedBack = "SweepHandedBack"

	DimEventType = "EventType"
	DimOutcome   = "Outcome"
	DimChannel   = "Channel"
	DimStatus    = "Status"

	MetricNamespace = "Briefing"
)
