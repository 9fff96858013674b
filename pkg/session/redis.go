package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harunnryd/voiceprint/pkg/configutil"
	"github.com/harunnryd/voiceprint/pkg/phase"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "voiceprint:conversation:"
	defaultRedisTTL  = 2 * time.Hour
)

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	// TTLSeconds defaults to two hours when unset. Zero keeps records until
	// they are deleted.
	TTLSeconds *int `mapstructure:"ttl_seconds"`
	// Ping checks the server at startup. Defaults to true.
	Ping *bool `mapstructure:"ping"`
}

var redisSchema = configutil.Schema{
	Section:  "session.settings",
	Required: []string{"addr"},
	Optional: []string{"username", "password", "db", "key_prefix", "ttl_seconds", "ping"},
}

// ParseRedisConfig validates and decodes session.settings for the redis
// provider.
func ParseRedisConfig(settings map[string]any) (RedisConfig, error) {
	if err := configutil.ValidateSettings(settings, redisSchema); err != nil {
		return RedisConfig{}, err
	}
	var cfg RedisConfig
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return RedisConfig{}, fmt.Errorf("session.settings: %w", err)
	}
	return cfg, nil
}

func (c RedisConfig) TTL() time.Duration {
	seconds := configutil.IntValue(c.TTLSeconds, int(defaultRedisTTL/time.Second))
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// RedisStore keeps records as JSON strings with a sliding TTL.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	owned  bool
}

// NewRedisStore wraps an existing client. The caller keeps ownership of rdb.
// A ttl of zero or less stores records without expiry.
func NewRedisStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if ttl < 0 {
		ttl = 0
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

// DialRedis opens a client from cfg and, unless ping is off, checks it with
// PING.
func DialRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if configutil.BoolValue(cfg.Ping, true) {
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("session: redis ping: %w", err)
		}
	}
	store := NewRedisStore(rdb, cfg.KeyPrefix, cfg.TTL())
	store.owned = true
	return store, nil
}

func (s *RedisStore) key(conversationID string) string {
	return s.prefix + conversationID
}

func (s *RedisStore) Load(ctx context.Context, conversationID string) (phase.ConversationData, error) {
	if err := checkID(conversationID); err != nil {
		return phase.ConversationData{}, err
	}
	raw, err := s.rdb.Get(ctx, s.key(conversationID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return phase.NewConversationData(), nil
		}
		return phase.ConversationData{}, fmt.Errorf("session: get: %w", err)
	}
	var data phase.ConversationData
	if err := json.Unmarshal(raw, &data); err != nil {
		return phase.ConversationData{}, fmt.Errorf("session: unmarshal: %w", err)
	}
	return data, nil
}

func (s *RedisStore) Save(ctx context.Context, conversationID string, data phase.ConversationData) error {
	if err := checkID(conversationID); err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(conversationID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("session: set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, conversationID string) error {
	if err := checkID(conversationID); err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, s.key(conversationID)).Err(); err != nil {
		return fmt.Errorf("session: del: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.rdb.Close()
}
