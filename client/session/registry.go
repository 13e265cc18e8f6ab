package session

import (
	"context"
	"fmt"
	"sync"
)

// UniversalKey retrieves a session irrespective of the credentials that
// produced it, so an already-authenticated token can serve a process
// that holds no credentials of its own.
const UniversalKey = "universal"

// CacheKey derives the registry key for one credentials identity.
func CacheKey(clientID, baseURL string) string {
	return clientID + "@" + baseURL
}

// Broker is the storage backend behind a [Registry]. Backends must
// return (nil, nil) from Get for an absent key. The in-process backend
// is the default; [RedisBroker] shares tokens across processes.
type Broker interface {
	Get(ctx context.Context, key string) (*Token, error)
	Put(ctx context.Context, key string, tok *Token) error
	Clear(ctx context.Context) error
}

// Registry caches tokens for the lifetime of a process (or beyond,
// with an external broker). It is an explicitly constructed object
// passed to the components that need it; nothing else holds session
// state.
type Registry struct {
	broker Broker
}

// RegistryOption adjusts a [Registry].
type RegistryOption func(*Registry)

// WithBroker replaces the in-memory backend.
func WithBroker(b Broker) RegistryOption {
	return func(r *Registry) { r.broker = b }
}

// NewRegistry creates a registry backed by in-process memory unless a
// broker is injected.
func NewRegistry(optFns ...RegistryOption) *Registry {
	r := &Registry{broker: newMemoryBroker()}
	for _, opt := range optFns {
		opt(r)
	}
	return r
}

var (
	defaultRegistryOnce sync.Once
	defaultRegistry     *Registry
)

// DefaultRegistry returns the shared in-process registry used by
// managers built without [WithRegistry]. It is still an ordinary
// [Registry]: callers can clear it or swap managers onto their own.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Lookup returns the cached token for a credentials identity, or nil.
func (r *Registry) Lookup(ctx context.Context, clientID, baseURL string) (*Token, error) {
	tok, err := r.broker.Get(ctx, CacheKey(clientID, baseURL))
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w", err)
	}
	return tok, nil
}

// LookupAny returns the most recently stored token under the universal
// key, or nil.
func (r *Registry) LookupAny(ctx context.Context) (*Token, error) {
	tok, err := r.broker.Get(ctx, UniversalKey)
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w", err)
	}
	return tok, nil
}

// Store caches the token under its credentials identity and under the
// universal key.
func (r *Registry) Store(ctx context.Context, tok *Token) error {
	if err := r.broker.Put(ctx, CacheKey(tok.ClientID, tok.BaseURL), tok); err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	if err := r.broker.Put(ctx, UniversalKey, tok); err != nil {
		return fmt.Errorf("session store universal: %w", err)
	}
	return nil
}

// Clear drops every cached token.
func (r *Registry) Clear(ctx context.Context) error {
	return r.broker.Clear(ctx)
}

// memoryBroker is the in-process backend: a mutex-guarded map. The lock
// covers only map access, never any caller I/O.
type memoryBroker struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

func newMemoryBroker() *memoryBroker {
	return &memoryBroker{tokens: make(map[string]*Token)}
}

func (b *memoryBroker) Get(_ context.Context, key string) (*Token, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens[key], nil
}

func (b *memoryBroker) Put(_ context.Context, key string, tok *Token) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens[key] = tok
	return nil
}

func (b *memoryBroker) Clear(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = make(map[string]*Token)
	return nil
}
