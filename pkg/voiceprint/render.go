package voiceprint

import (
	"github.com/harunnryd/voiceprint/pkg/frames"
	"github.com/harunnryd/voiceprint/pkg/phase"
)

// replyKeys are copied from the inbound frame onto everything a turn emits so
// transports can route the reply.
var replyKeys = []string{
	frames.MetaTraceID,
	frames.MetaCallSID,
	frames.MetaChannel,
	frames.MetaActivityID,
}

func replyMeta(in map[string]string) map[string]string {
	out := map[string]string{frames.MetaSource: frames.SourceBot}
	for _, k := range replyKeys {
		if v := in[k]; v != "" {
			out[k] = v
		}
	}
	return out
}

// renderAction turns one machine action into the frame that carries it.
// Messages become text, requests become named events and the end marker
// becomes a control frame.
func renderAction(conversationID string, pts int64, meta map[string]string, a phase.Action) (frames.Frame, bool) {
	switch a.Kind {
	case phase.ActionMessage:
		return frames.NewTextFrame(conversationID, pts, a.Text, meta), true
	case phase.ActionRequest:
		if a.Request == nil {
			return nil, false
		}
		return frames.NewEventFrame(conversationID, pts, a.Request.Name, nil, a.Request.ChannelData(), meta), true
	case phase.ActionEndOfConversation:
		return frames.NewControlFrame(conversationID, pts, frames.ControlEndOfConversation, meta), true
	default:
		return nil, false
	}
}

// toInput maps an inbound frame onto a machine input. System and control
// frames are not dialogue input.
func toInput(f frames.Frame) (phase.Input, bool) {
	switch v := f.(type) {
	case frames.EventFrame:
		return phase.EventInput(v.Name(), v.Value(), v.ChannelData()), true
	case frames.TextFrame:
		return phase.MessageInput(v.Text()), true
	default:
		return phase.Input{}, false
	}
}

func inputTags(in phase.Input) (string, string) {
	if in.Kind == phase.InputEvent {
		return "event", in.Name
	}
	return "message", ""
}
