package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonAuthRejected     ReasonCode = "auth_rejected"
	ReasonRateLimited      ReasonCode = "rate_limited"
	ReasonRateLimitBackend ReasonCode = "rate_limit_backend"

	ReasonUpstreamConnect ReasonCode = "upstream_connect"
	ReasonUpstreamSend    ReasonCode = "upstream_send"
	ReasonUpstreamClosed  ReasonCode = "upstream_closed"

	ReasonMalformedMessage ReasonCode = "malformed_message"
	ReasonTransportRace    ReasonCode = "transport_race"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
)
