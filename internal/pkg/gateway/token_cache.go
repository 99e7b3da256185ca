package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const DefaultSafetyMargin = 5 * time.Minute

// TokenStore keeps one token per provider.
type TokenStore interface {
	Get(ctx context.Context, provider string) (Token, bool, error)
	Put(ctx context.Context, token Token) error
	Delete(ctx context.Context, provider string) error
}

type memoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]Token
}

func NewMemoryTokenStore() TokenStore {
	return &memoryTokenStore{tokens: map[string]Token{}}
}

func (s *memoryTokenStore) Get(_ context.Context, provider string) (Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[provider]
	return t, ok, nil
}

func (s *memoryTokenStore) Put(_ context.Context, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.Provider] = token
	return nil
}

func (s *memoryTokenStore) Delete(_ context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, provider)
	return nil
}

const redisTokenPrefix = "taxdesk:gateway:token:"

type redisTokenStore struct {
	client *redis.Client
}

// NewRedisTokenStore shares tokens between instances. Entries expire with
// the token they hold.
func NewRedisTokenStore(client *redis.Client) TokenStore {
	return &redisTokenStore{client: client}
}

func (s *redisTokenStore) Get(ctx context.Context, provider string) (Token, bool, error) {
	raw, err := s.client.Get(ctx, redisTokenPrefix+provider).Bytes()
	if errors.Is(err, redis.Nil) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, err
	}
	var t Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return Token{}, false, err
	}
	return t, true, nil
}

func (s *redisTokenStore) Put(ctx context.Context, token Token) error {
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(token)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisTokenPrefix+token.Provider, raw, ttl).Err()
}

func (s *redisTokenStore) Delete(ctx context.Context, provider string) error {
	return s.client.Del(ctx, redisTokenPrefix+provider).Err()
}

// tokenCache serves a valid token, minting at most one at a time per
// provider. No lock is held while the mint request is in flight.
type tokenCache struct {
	provider string
	store    TokenStore
	mint     func(ctx context.Context) (Token, error)
	now      func() time.Time
	timeout  time.Duration
	group    singleflight.Group
}

func newTokenCache(provider string, store TokenStore, now func() time.Time, timeout time.Duration, mint func(ctx context.Context) (Token, error)) *tokenCache {
	if store == nil {
		store = NewMemoryTokenStore()
	}
	if now == nil {
		now = time.Now
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &tokenCache{provider: provider, store: store, mint: mint, now: now, timeout: timeout}
}

func (c *tokenCache) cached(ctx context.Context) (Token, bool) {
	t, ok, err := c.store.Get(ctx, c.provider)
	if err != nil {
		log.Warnf("[Gateway] %s token store read failed: %v", c.provider, err)
		return Token{}, false
	}
	if !ok || !t.ValidAt(c.now()) {
		return Token{}, false
	}
	return t, true
}

func (c *tokenCache) Get(ctx context.Context) (Token, error) {
	if t, ok := c.cached(ctx); ok {
		return t, nil
	}
	// The shared mint outlives any single caller: one caller giving up must
	// not fail the others waiting on the same flight.
	ch := c.group.DoChan(c.provider, func() (interface{}, error) {
		mintCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		if t, ok := c.cached(mintCtx); ok {
			return t, nil
		}
		t, err := c.mint(mintCtx)
		if err != nil {
			return Token{}, err
		}
		c.Set(mintCtx, t)
		return t, nil
	})
	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

// Set replaces the cached token, e.g. after a provider rotated it.
func (c *tokenCache) Set(ctx context.Context, t Token) {
	t.Provider = c.provider
	if err := c.store.Put(ctx, t); err != nil {
		log.Warnf("[Gateway] %s token store write failed: %v", c.provider, err)
	}
}

// Invalidate drops the cached token if it is still the rejected one, so a
// token minted concurrently by another caller survives.
func (c *tokenCache) Invalidate(ctx context.Context, rejected string) {
	t, ok, err := c.store.Get(ctx, c.provider)
	if err != nil || !ok || t.Value != rejected {
		return
	}
	if err := c.store.Delete(ctx, c.provider); err != nil {
		log.Warnf("[Gateway] %s token store delete failed: %v", c.provider, err)
	}
}

// expiryFor returns the instant after which a token with the given lifetime
// must no longer be used. The margin never lets a token live its full
// lifetime; short-lived tokens are kept for half of it.
func expiryFor(now time.Time, lifetime, margin time.Duration) time.Time {
	if lifetime <= 0 {
		return now
	}
	if margin >= lifetime {
		return now.Add(lifetime / 2)
	}
	return now.Add(lifetime - margin)
}
