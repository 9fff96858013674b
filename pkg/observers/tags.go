package observers

// Tag keys carried by engine events.
const (
	TagConversationID = "conversation_id"
	TagTraceID        = "trace_id"
	TagChannel        = "channel"
	TagInput          = "input"
	TagEventName      = "event_name"
	TagPhase          = "phase"
	TagFrom           = "from"
	TagTo             = "to"
	TagReason         = "reason"
	TagActionKind     = "action"
	TagRequest        = "request"
	TagStatus         = "status"
	TagOp             = "op"
)

func conversationKey(tags map[string]string) string {
	if tags == nil {
		return ""
	}
	if id := tags[TagConversationID]; id != "" {
		return id
	}
	return tags[TagTraceID]
}
