package session

import (
	"context"
	"errors"
	"strings"

	"github.com/harunnryd/voiceprint/pkg/phase"
)

// Store persists one ConversationData record per conversation.
type Store interface {
	// Load returns the stored record, or phase.NewConversationData when the
	// conversation has none yet.
	Load(ctx context.Context, conversationID string) (phase.ConversationData, error)
	Save(ctx context.Context, conversationID string, data phase.ConversationData) error
	Delete(ctx context.Context, conversationID string) error
	Close() error
}

var ErrMissingConversationID = errors.New("session: conversation id required")

func checkID(conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return ErrMissingConversationID
	}
	return nil
}
