package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harunnryd/voiceprint/pkg/configutil"
	"github.com/harunnryd/voiceprint/pkg/phase"
)

type MemoryConfig struct {
	TTLSeconds *int `mapstructure:"ttl_seconds"`
}

var memorySchema = configutil.Schema{Section: "session.settings", Optional: []string{"ttl_seconds"}}

func ParseMemoryConfig(settings map[string]any) (MemoryConfig, error) {
	if err := configutil.ValidateSettings(settings, memorySchema); err != nil {
		return MemoryConfig{}, err
	}
	var cfg MemoryConfig
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return MemoryConfig{}, fmt.Errorf("session.settings: %w", err)
	}
	return cfg, nil
}

// TTL is zero, meaning no expiry, unless ttl_seconds is positive.
func (c MemoryConfig) TTL() time.Duration {
	seconds := configutil.IntValue(c.TTLSeconds, 0)
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

type memoryEntry struct {
	data      phase.ConversationData
	expiresAt time.Time
}

// MemoryStore keeps records in process. Entries older than the TTL read as
// absent and are dropped lazily.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryStore) Load(ctx context.Context, conversationID string) (phase.ConversationData, error) {
	if err := checkID(conversationID); err != nil {
		return phase.ConversationData{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[conversationID]
	if !ok {
		return phase.NewConversationData(), nil
	}
	if !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt) {
		delete(s.entries, conversationID)
		return phase.NewConversationData(), nil
	}
	return entry.data, nil
}

func (s *MemoryStore) Save(ctx context.Context, conversationID string, data phase.ConversationData) error {
	if err := checkID(conversationID); err != nil {
		return err
	}
	entry := memoryEntry{data: data}
	if s.ttl > 0 {
		entry.expiresAt = s.now().Add(s.ttl)
	}
	s.mu.Lock()
	s.entries[conversationID] = entry
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, conversationID string) error {
	if err := checkID(conversationID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, conversationID)
	s.mu.Unlock()
	return nil
}

// Len counts live entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, e := range s.entries {
		if e.expiresAt.IsZero() || !now.After(e.expiresAt) {
			n++
		}
	}
	return n
}

func (s *MemoryStore) Close() error { return nil }
