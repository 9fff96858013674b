package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"
	ReasonTimeout ReasonCode = "timeout"

	ReasonStoreLoad   ReasonCode = "store_load"
	ReasonStoreSave   ReasonCode = "store_save"
	ReasonStoreDelete ReasonCode = "store_delete"

	ReasonRelaySend        ReasonCode = "relay_send"
	ReasonRelayRateLimit   ReasonCode = "relay_rate_limit"
	ReasonRelayCircuitOpen ReasonCode = "relay_circuit_open"
	ReasonRelayTimeout     ReasonCode = "relay_timeout"

	ReasonActivityDecode   ReasonCode = "activity_decode"
	ReasonTwilioUpdateCall ReasonCode = "twilio_update_call"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
)
