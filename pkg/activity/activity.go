// Package activity is the JSON envelope exchanged with bot channels and the
// verification relay.
package activity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/voiceprint/pkg/errorsx"
	"github.com/harunnryd/voiceprint/pkg/frames"
)

const (
	TypeMessage            = "message"
	TypeEvent              = "event"
	TypeEndOfConversation  = "endOfConversation"
	TypeConversationUpdate = "conversationUpdate"
)

// CodeCompleted is sent with endOfConversation when the bot hangs up.
const CodeCompleted = "completedSuccessfully"

const engineEventPrefix = "speakerverification"

type Activity struct {
	Type         string          `json:"type"`
	ID           string          `json:"id,omitempty"`
	Timestamp    string          `json:"timestamp,omitempty"`
	ReplyToID    string          `json:"replyToId,omitempty"`
	ChannelID    string          `json:"channelId,omitempty"`
	Name         string          `json:"name,omitempty"`
	Value        any             `json:"value,omitempty"`
	Text         string          `json:"text,omitempty"`
	Code         string          `json:"code,omitempty"`
	ChannelData  map[string]any  `json:"channelData,omitempty"`
	Conversation ConversationRef `json:"conversation"`
}

type ConversationRef struct {
	ID string `json:"id"`
}

var (
	ErrMissingConversation = errors.New("activity: conversation id required")
	ErrUnsupportedType     = errors.New("activity: unsupported type")
)

// Decode parses one activity and checks the fields every type needs.
func Decode(raw []byte) (Activity, error) {
	var a Activity
	if err := json.Unmarshal(raw, &a); err != nil {
		return Activity{}, errorsx.Wrap(fmt.Errorf("activity: %w", err), errorsx.ReasonActivityDecode)
	}
	a.Conversation.ID = strings.TrimSpace(a.Conversation.ID)
	if a.Conversation.ID == "" {
		return Activity{}, errorsx.Wrap(ErrMissingConversation, errorsx.ReasonActivityDecode)
	}
	if a.Type == TypeEvent && strings.TrimSpace(a.Name) == "" {
		return Activity{}, errorsx.Wrap(errors.New("activity: event name required"), errorsx.ReasonActivityDecode)
	}
	return a, nil
}

// Frame converts an inbound activity. meta is merged into the frame metadata.
func (a Activity) Frame(pts int64, meta map[string]string) (frames.Frame, error) {
	m := make(map[string]string, len(meta)+3)
	for k, v := range meta {
		m[k] = v
	}
	if a.ID != "" {
		m[frames.MetaActivityID] = a.ID
	}
	if a.ChannelID != "" {
		m[frames.MetaChannel] = a.ChannelID
	}
	id := a.Conversation.ID
	switch a.Type {
	case TypeMessage:
		m[frames.MetaSource] = frames.SourceCaller
		return frames.NewTextFrame(id, pts, a.Text, m), nil
	case TypeEvent:
		m[frames.MetaSource] = frames.SourceTransport
		if strings.HasPrefix(strings.ToLower(a.Name), engineEventPrefix) {
			m[frames.MetaSource] = frames.SourceEngine
		}
		return frames.NewEventFrame(id, pts, a.Name, a.Value, a.ChannelData, m), nil
	case TypeConversationUpdate:
		m[frames.MetaSource] = frames.SourceTransport
		return frames.NewSystemFrame(id, pts, frames.SystemCallStart, m), nil
	case TypeEndOfConversation:
		m[frames.MetaSource] = frames.SourceTransport
		reason := strings.TrimSpace(a.Code)
		if reason == "" {
			reason = "completed"
		}
		m[frames.MetaCallEndReason] = reason
		return frames.NewSystemFrame(id, pts, frames.SystemCallEnd, m), nil
	default:
		return nil, errorsx.Wrap(fmt.Errorf("%w: %q", ErrUnsupportedType, a.Type), errorsx.ReasonActivityDecode)
	}
}

// FromFrame renders an outbound frame. Frames with no wire form, such as the
// turn-complete marker, report false.
func FromFrame(f frames.Frame, now time.Time) (Activity, bool) {
	meta := f.Meta()
	a := Activity{
		ID:           uuid.NewString(),
		Timestamp:    now.UTC().Format(time.RFC3339Nano),
		ReplyToID:    meta[frames.MetaActivityID],
		ChannelID:    meta[frames.MetaChannel],
		Conversation: ConversationRef{ID: meta[frames.MetaConversationID]},
	}
	switch v := f.(type) {
	case frames.TextFrame:
		a.Type = TypeMessage
		a.Text = v.Text()
	case frames.EventFrame:
		a.Type = TypeEvent
		a.Name = v.Name()
		a.Value = v.Value()
		a.ChannelData = v.ChannelData()
	case frames.ControlFrame:
		if v.Code() != frames.ControlEndOfConversation {
			return Activity{}, false
		}
		a.Type = TypeEndOfConversation
		a.Code = CodeCompleted
	default:
		return Activity{}, false
	}
	return a, true
}
