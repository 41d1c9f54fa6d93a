// Package telemetry provides semantic conventions for eventfabric observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for eventfabric telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEventType annotates counters/histograms with the event type tag (e.g. ChangeCcyPairPrice).
	AttrEventType = attribute.Key("event.type")
	// AttrStream identifies the aggregate stream an event belongs to.
	AttrStream = attribute.Key("stream")
	// AttrSubject captures the routing subject or subject filter.
	AttrSubject = attribute.Key("subject")
	// AttrComponent names the fabric component emitting the signal (broker, cache, producer).
	AttrComponent = attribute.Key("component")
	// AttrChannel differentiates the wire channels (publish, subscribe, heartbeat, snapshot).
	AttrChannel = attribute.Key("channel")
	// AttrOperation differentiates specific operations (append, catchup, snapshot).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by kind.
	AttrErrorType = attribute.Key("error.type")
	// AttrConnectionState labels connectivity transitions (Connected, Disconnected, ...).
	AttrConnectionState = attribute.Key("connection.state")
)

// Channel values
const (
	ChannelPublish   = "publish"
	ChannelSubscribe = "subscribe"
	ChannelHeartbeat = "heartbeat"
	ChannelSnapshot  = "snapshot"
)

// EventAttributes returns common attributes for event metrics.
func EventAttributes(environment, eventType, stream string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
	}
	if stream != "" {
		attrs = append(attrs, AttrStream.String(stream))
	}
	return attrs
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, component, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrComponent.String(component),
		AttrErrorType.String(errorType),
	}
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, component, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrComponent.String(component),
		AttrConnectionState.String(state),
	}
}

// ChannelAttributes returns attributes for per-channel wire metrics.
func ChannelAttributes(environment, channel string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrChannel.String(channel),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, component, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrComponent.String(component),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
