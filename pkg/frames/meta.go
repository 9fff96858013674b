package frames

// Metadata keys shared by transports, processors and the engine.
const (
	MetaConversationID = "conversation_id"
	MetaTraceID        = "trace_id"
	MetaCallSID        = "call_sid"
	MetaFromNumber     = "from_number"
	MetaChannel        = "channel"
	MetaSource         = "source"
	MetaReason         = "reason"
	MetaCallEndReason  = "call_end_reason"
	MetaActivityID     = "activity_id"
	MetaNormalized     = "normalized"
	MetaDTMFDigit      = "dtmf_digit"
	MetaDTMFMapped     = "dtmf_mapped"
)

// Values of MetaSource.
const (
	SourceCaller    = "caller"
	SourceDTMF      = "dtmf"
	SourceTransport = "transport"
	SourceEngine    = "engine"
	SourceBot       = "bot"
)
