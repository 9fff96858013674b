package session

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/harunnryd/voiceprint/pkg/phase"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, "test:", time.Hour), mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	got, err := s.Load(ctx, "conv-1")
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if got != phase.NewConversationData() {
		t.Fatalf("expected default data, got %+v", got)
	}

	want := phase.ConversationData{Phase: phase.VerificationInProgress, SpeakerID: "+15550001", PromptIndex: 4}
	if err := s.Save(ctx, "conv-1", want); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := mr.Get("test:conv-1")
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	if raw != `{"phase":"verification_in_progress","speaker_id":"+15550001","prompt_index":4}` {
		t.Fatalf("unexpected stored json %s", raw)
	}
	if ttl := mr.TTL("test:conv-1"); ttl != time.Hour {
		t.Fatalf("expected 1h ttl, got %s", ttl)
	}

	got, err = s.Load(ctx, "conv-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	if err := s.Delete(ctx, "conv-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mr.Exists("test:conv-1") {
		t.Fatalf("expected key removed")
	}
}

func TestRedisStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)
	_ = s.Save(ctx, "c", phase.ConversationData{Phase: phase.Enrolled, SpeakerID: "x"})
	mr.FastForward(2 * time.Hour)
	got, err := s.Load(ctx, "c")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Phase != phase.NotEnrolled || got.SpeakerID != "" {
		t.Fatalf("expected expired record to read as default, got %+v", got)
	}
}

func TestRedisStoreCorruptRecord(t *testing.T) {
	s, mr := newTestRedisStore(t)
	if err := mr.Set("test:bad", `{"phase":"flying"}`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := s.Load(context.Background(), "bad"); err == nil {
		t.Fatalf("expected unmarshal error")
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	s, mr := newTestRedisStore(t)
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Save(ctx, "c", phase.NewConversationData()); err == nil {
		t.Fatalf("expected error when redis is down")
	}
}

func TestParseRedisConfig(t *testing.T) {
	cfg, err := ParseRedisConfig(map[string]any{"addr": "localhost:6379", "key-prefix": "vp:", "ttl_seconds": "60"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Addr != "localhost:6379" || cfg.KeyPrefix != "vp:" || cfg.TTL() != time.Minute {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if _, err := ParseRedisConfig(map[string]any{"ttl_seconds": 5}); err == nil {
		t.Fatalf("expected missing addr error")
	}
	if _, err := ParseRedisConfig(map[string]any{"addr": "x", "bogus": 1}); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := DialRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer s.Close()
	if s.prefix != defaultKeyPrefix || s.ttl != defaultRedisTTL {
		t.Fatalf("expected defaults, got %q %s", s.prefix, s.ttl)
	}
}

func TestRedisConfigTTL(t *testing.T) {
	if got := (RedisConfig{}).TTL(); got != defaultRedisTTL {
		t.Fatalf("expected default ttl, got %s", got)
	}
	cfg, err := ParseRedisConfig(map[string]any{"addr": "x", "ttl_seconds": 0})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.TTL() != 0 {
		t.Fatalf("expected explicit zero to disable expiry, got %s", cfg.TTL())
	}

	mr := miniredis.RunT(t)
	s, err := DialRedis(context.Background(), RedisConfig{Addr: mr.Addr(), TTLSeconds: cfg.TTLSeconds})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer s.Close()
	if err := s.Save(context.Background(), "conv-1", phase.NewConversationData()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if ttl := mr.TTL("voiceprint:conversation:conv-1"); ttl != 0 {
		t.Fatalf("expected no expiry, got %s", ttl)
	}
}

func TestDialRedisSkipsPingWhenDisabled(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := DialRedis(ctx, RedisConfig{Addr: addr}); err == nil {
		t.Fatalf("expected ping failure against a stopped server")
	}
	cfg, err := ParseRedisConfig(map[string]any{"addr": addr, "ping": "false"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	s, err := DialRedis(ctx, cfg)
	if err != nil {
		t.Fatalf("expected lazy dial without ping, got %v", err)
	}
	_ = s.Close()
}
