package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"persona-relay/pkg/chat"
)

// ServiceName is the service registry key for the shared *Cache.
const ServiceName = "proxy.cache"

// DefaultCapacity is the number of conversations whose proxy identity is kept.
const DefaultCapacity = 50

// nameSuffix completes the proxy naming convention "<bot name> bot personas webhook".
const nameSuffix = " bot personas webhook"

// Option configures a Cache.
type Option func(*Cache)

// WithCapacity overrides DefaultCapacity.
func WithCapacity(capacity int) Option {
	return func(c *Cache) {
		if capacity > 0 {
			c.capacity = capacity
		}
	}
}

// WithLogger configures cache logging.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Cache maps conversations to the proxy identity the relay posts through.
//
// Platform calls run outside the lock, so two concurrent misses for one
// conversation may both create an identity; the later insert wins.
type Cache struct {
	platform chat.ProxyPlatform
	capacity int
	logger   *slog.Logger

	mu      sync.Mutex
	entries *LRU[string, chat.ProxyIdentity]
}

// NewCache creates a proxy identity cache backed by platform.
func NewCache(platform chat.ProxyPlatform, options ...Option) (*Cache, error) {
	if platform == nil {
		return nil, fmt.Errorf("new proxy cache: nil platform")
	}

	cache := &Cache{
		platform: platform,
		capacity: DefaultCapacity,
		logger:   slog.Default(),
	}
	for _, option := range options {
		option(cache)
	}
	cache.entries = NewLRU[string, chat.ProxyIdentity](cache.capacity)

	return cache, nil
}

// Name returns the name proxy identities are created and adopted under.
func (c *Cache) Name(ctx context.Context) (string, error) {
	selfName, err := c.platform.SelfName(ctx)
	if err != nil {
		return "", fmt.Errorf("proxy name: %w", err)
	}

	return selfName + nameSuffix, nil
}

// GetOrCreate returns the cached identity for conversationID, adopting an
// existing identity with the conventional name or creating one on a miss.
func (c *Cache) GetOrCreate(ctx context.Context, conversationID string) (chat.ProxyIdentity, error) {
	c.mu.Lock()
	cached, hit := c.entries.Get(conversationID)
	c.mu.Unlock()
	if hit {
		return cached, nil
	}

	identity, err := c.resolve(ctx, conversationID)
	if err != nil {
		return chat.ProxyIdentity{}, err
	}

	c.mu.Lock()
	evicted, didEvict := c.entries.Put(conversationID, identity)
	c.mu.Unlock()
	if didEvict {
		c.logger.DebugContext(ctx, "proxy identity evicted", "conversation_id", evicted)
	}

	return identity, nil
}

func (c *Cache) resolve(ctx context.Context, conversationID string) (chat.ProxyIdentity, error) {
	name, err := c.Name(ctx)
	if err != nil {
		return chat.ProxyIdentity{}, fmt.Errorf("resolve proxy for %s: %w", conversationID, err)
	}

	existing, err := c.platform.ListProxies(ctx, conversationID)
	if err != nil {
		return chat.ProxyIdentity{}, fmt.Errorf("resolve proxy for %s: %w", conversationID, err)
	}
	for _, identity := range existing {
		if identity.Name == name && identity.Usable() {
			c.logger.DebugContext(ctx, "proxy identity adopted", "conversation_id", conversationID, "proxy_id", identity.ID)
			return identity, nil
		}
	}

	created, err := c.platform.CreateProxy(ctx, conversationID, name)
	if err != nil {
		return chat.ProxyIdentity{}, fmt.Errorf("resolve proxy for %s: %w", conversationID, err)
	}

	return created, nil
}

// Invalidate drops the cached identity for conversationID.
func (c *Cache) Invalidate(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(conversationID)
}

// Len returns the number of cached identities.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.entries.Len()
}
