package handlers

// Header keys reserved by burrow. They travel as AMQP message headers.
const (
	// HeaderError marks an rpc reply carrying a handler failure instead of a result.
	HeaderError = "x-burrow-error"

	// HeaderPattern names the pattern that produced the message.
	HeaderPattern = "x-burrow-pattern"

	// HeaderTraceParent carries the W3C trace context of the publisher.
	HeaderTraceParent = "traceparent"

	// HeaderTraceState carries vendor trace state alongside HeaderTraceParent.
	HeaderTraceState = "tracestate"
)
