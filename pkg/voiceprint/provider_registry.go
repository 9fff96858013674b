package voiceprint

import (
	"context"
	"fmt"
	"strings"

	"github.com/harunnryd/voiceprint/pkg/session"
	"github.com/harunnryd/voiceprint/pkg/transports"
)

type TransportFactory func(cfg Config) (transports.Transport, error)
type StoreFactory func(ctx context.Context, cfg Config) (session.Store, error)

// ProviderRegistry maps provider names from the config to constructors.
type ProviderRegistry struct {
	transports map[string]TransportFactory
	stores     map[string]StoreFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		transports: make(map[string]TransportFactory),
		stores:     make(map[string]StoreFactory),
	}
}

func (r *ProviderRegistry) RegisterTransport(name string, factory TransportFactory) {
	r.transports[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterStore(name string, factory StoreFactory) {
	r.stores[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildTransport(provider string, cfg Config) (transports.Transport, error) {
	fn := r.transports[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("transport provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildStore(ctx context.Context, provider string, cfg Config) (session.Store, error) {
	fn := r.stores[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("session provider not registered: %s", provider)
	}
	return fn(ctx, cfg)
}

// RegisterBuiltinStores adds the memory and redis session stores.
func RegisterBuiltinStores(r *ProviderRegistry) {
	r.RegisterStore("memory", func(ctx context.Context, cfg Config) (session.Store, error) {
		mc, err := session.ParseMemoryConfig(cfg.Session.Settings)
		if err != nil {
			return nil, err
		}
		return session.NewMemoryStore(mc.TTL()), nil
	})
	r.RegisterStore("redis", func(ctx context.Context, cfg Config) (session.Store, error) {
		rc, err := session.ParseRedisConfig(cfg.Session.Settings)
		if err != nil {
			return nil, err
		}
		return session.DialRedis(ctx, rc)
	})
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
