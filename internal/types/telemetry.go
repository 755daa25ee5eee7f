package types

// Telemetry metric names for CloudWatch.
const (
	MetricEventReceived       = "EventReceived"
	MetricEventRejected       = "EventRejected"
	MetricEventDuplicate      = "EventDuplicate"
	MetricEventProcessed      = "EventProcessed"
	MetricEventFailed         = "EventFailed"
	MetricEventExhausted      = "EventExhausted"
	MetricEventUnknownType    = "EventUnknownType"
	MetricHandlerLatency      = "HandlerLatency"
	MetricRetryAttempt        = "RetryAttempt"
	MetricNotificationSent    = "NotificationSent"
	MetricNotificationDropped = "NotificationDropped"
	MetricAPILatency          = "APILatency"

	// Dimension Keys
	DimSource    = "Source"
	DimEventType = "EventType"
	DimReason    = "Reason"
	DimKind      = "Kind"
	DimEndpoint  = "Endpoint"

	MetricNamespace = "EventRelay"
)
