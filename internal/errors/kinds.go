package errors

// Error kinds recorded on the request context, in logs and in metrics.
const (
	KindUpstreamUnreachable       = "upstream_unreachable"
	KindUpstreamTimeout           = "upstream_timeout"
	KindMalformedUpstreamResponse = "malformed_upstream_response"
	KindUpstreamAborted           = "upstream_aborted"
	KindWebSocketNotForwarded     = "websocket_not_forwarded"
	KindCircuitOpen               = "circuit_open"
	KindClientCanceled            = "client_canceled"
)

// StatusClientClosedRequest is logged when the client went away before a
// response was written. It is never sent on the wire.
const StatusClientClosedRequest = 499
