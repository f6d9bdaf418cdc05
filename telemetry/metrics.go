package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// DeliveryBuckets for outbound webhook HTTP deliveries
	DeliveryBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// PushBuckets for gateway push write latencies
	PushBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1}
)

// Change feed metrics
var (
	// FeedEventsTotal counts change events consumed from the feed by table
	FeedEventsTotal CounterVec = noopCounterVec{}

	// FeedGapsTotal counts feed gaps that forced a full-resync advisory
	FeedGapsTotal Counter = NoopStat{}

	// FeedReconnectsTotal counts feed transport reconnections
	FeedReconnectsTotal Counter = NoopStat{}
)

// Realtime gateway metrics
var (
	// GatewayConnections tracks currently open client connections
	GatewayConnections Gauge = NoopStat{}

	// GatewaySubscriptions tracks currently registered (connection, resource) pairs
	GatewaySubscriptions Gauge = NoopStat{}

	// GatewayPushesTotal counts pushed events by result (sent, dropped, failed)
	GatewayPushesTotal CounterVec = noopCounterVec{}

	// GatewayPushSeconds measures socket write latency for pushes
	GatewayPushSeconds Histogram = NoopStat{}

	// GatewayMalformedTotal counts malformed client messages (logged and ignored)
	GatewayMalformedTotal Counter = NoopStat{}

	// NotifyDroppedTotal counts events dropped by in-process hub subscribers
	// whose channel buffer was full
	NotifyDroppedTotal Counter = NoopStat{}
)

// Webhook delivery metrics
var (
	// WebhookEnqueuedTotal counts delivery attempts created
	WebhookEnqueuedTotal Counter = NoopStat{}

	// WebhookAttemptsTotal counts delivery attempts by outcome (sent, retry, failed)
	WebhookAttemptsTotal CounterVec = noopCounterVec{}

	// WebhookDeliverySeconds measures outbound HTTP delivery latency
	WebhookDeliverySeconds Histogram = NoopStat{}

	// WebhookPending tracks attempts currently awaiting delivery
	WebhookPending Gauge = NoopStat{}

	// WebhookResendsTotal counts manual resend operations
	WebhookResendsTotal Counter = NoopStat{}

	// WebhookResendRowsTotal counts attempts reset by manual resends
	WebhookResendRowsTotal Counter = NoopStat{}
)

// InitializeStats binds the package-level metrics to the Prometheus registry.
// Before this runs (or when Prometheus is disabled) every metric is a noop.
func InitializeStats() {
	FeedEventsTotal = NewCounterVec(
		"feed_events_total",
		"Change events consumed from the feed by table",
		[]string{"table"},
	)
	FeedGapsTotal = NewCounter(
		"feed_gaps_total",
		"Feed gaps that forced a full-resync advisory",
	)
	FeedReconnectsTotal = NewCounter(
		"feed_reconnects_total",
		"Feed transport reconnections",
	)

	GatewayConnections = NewGauge(
		"gateway_connections",
		"Currently open realtime client connections",
	)
	GatewaySubscriptions = NewGauge(
		"gateway_subscriptions",
		"Currently registered (connection, resource) subscription pairs",
	)
	GatewayPushesTotal = NewCounterVec(
		"gateway_pushes_total",
		"Pushed events by result",
		[]string{"result"},
	)
	GatewayPushSeconds = NewHistogramWithBuckets(
		"gateway_push_seconds",
		"Socket write latency for pushed events",
		PushBuckets,
	)
	GatewayMalformedTotal = NewCounter(
		"gateway_malformed_total",
		"Malformed client messages received",
	)
	NotifyDroppedTotal = NewCounter(
		"notify_dropped_total",
		"Events dropped by hub subscribers with a full buffer",
	)

	WebhookEnqueuedTotal = NewCounter(
		"webhook_enqueued_total",
		"Webhook delivery attempts created",
	)
	WebhookAttemptsTotal = NewCounterVec(
		"webhook_attempts_total",
		"Webhook delivery attempts by outcome",
		[]string{"outcome"},
	)
	WebhookDeliverySeconds = NewHistogramWithBuckets(
		"webhook_delivery_seconds",
		"Outbound webhook HTTP delivery latency",
		DeliveryBuckets,
	)
	WebhookPending = NewGauge(
		"webhook_pending",
		"Delivery attempts currently awaiting delivery",
	)
	WebhookResendsTotal = NewCounter(
		"webhook_resends_total",
		"Manual resend operations",
	)
	WebhookResendRowsTotal = NewCounter(
		"webhook_resend_rows_total",
		"Attempts reset to pending by manual resends",
	)
}
