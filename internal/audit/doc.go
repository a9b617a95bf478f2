// Package audit records rejected control-surface requests.
//
// The gate hands an Event to a Sink. In production the chain is
//
//	Dispatcher -> Multi{LogSink, StoreSink}
//
// so the request path only pays for a non-blocking channel send. Sink
// failures are logged at debug level and never surface to the caller.
package audit
