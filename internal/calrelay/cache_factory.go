package calrelay

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type SharedCacheFactory func(dsn string) (SharedCache, error)

var cacheFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]SharedCacheFactory
}{
	factories: map[string]SharedCacheFactory{},
}

// RegisterSharedCacheFactory installs a factory for a DSN scheme, replacing
// any existing registration for the same scheme.
func RegisterSharedCacheFactory(scheme string, factory SharedCacheFactory) {
	scheme = normalizeCacheScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	cacheFactoryRegistry.mu.Lock()
	defer cacheFactoryRegistry.mu.Unlock()
	cacheFactoryRegistry.factories[scheme] = factory
}

func lookupSharedCacheFactory(scheme string) (SharedCacheFactory, bool) {
	scheme = normalizeCacheScheme(scheme)
	cacheFactoryRegistry.mu.RLock()
	defer cacheFactoryRegistry.mu.RUnlock()
	factory, ok := cacheFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeCacheScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildSharedCacheFromDSN selects a SharedCache backend by DSN scheme.
// Registered factories take precedence over the built-in backends.
func BuildSharedCacheFromDSN(dsn string) (SharedCache, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeCacheScheme(parsed.Scheme)
	if factory, ok := lookupSharedCacheFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryCache(), nil
	case "redis", "rediss":
		return NewRedisCache(dsn)
	case "postgres", "postgresql":
		return NewPostgresCache(dsn)
	case "memcached":
		return nil, fmt.Errorf("%w: cache backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported cache backend scheme: %s", scheme)
	}
}
