package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by dexroute instruments.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrVenue identifies the liquidity venue a signal belongs to.
	AttrVenue = attribute.Key("venue")
	// AttrOperation differentiates venue operations (quote, execute).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrOrderStatus captures the order lifecycle status.
	AttrOrderStatus = attribute.Key("order.status")
	// AttrQueue names the job queue.
	AttrQueue = attribute.Key("queue")
	AttrDBPool = attribute.Key("db_pool")
)

// Result values.
const (
	ResultSuccess      = "success"
	ResultError        = "error"
	ResultTimeout      = "timeout"
	ResultCompleted    = "completed"
	ResultRetried      = "retried"
	ResultDead         = "dead"
	ResultSent         = "sent"
	ResultDropped      = "dropped"
	ResultNoSubscriber = "no_subscriber"
)

// VenueAttributes returns attributes for venue call metrics.
func VenueAttributes(environment, venue, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrVenue.String(venue),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// OrderAttributes returns attributes for order outcome metrics.
func OrderAttributes(environment, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOrderStatus.String(status),
	}
}

// JobAttributes returns attributes for queue metrics.
func JobAttributes(environment, queue, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrQueue.String(queue),
		AttrResult.String(result),
	}
}

// ResultAttributes returns attributes for metrics classified only by result.
func ResultAttributes(environment, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrResult.String(result),
	}
}
