// Package cache's CacheManager implements spec §4.6: a fingerprint-keyed
// response cache with TTL, a negative-pattern skip list, a minimum-response-
// length floor, and max-entry enforcement. It is the gateway's domain-level
// caching policy, layered over two grounded primitives: this package's
// existing Cache interface (MemoryCache / ExactCache, used here as a hot L1
// in front of durable storage) and internal/store's response_cache table
// (the durable L2 that also backs GetStats/EnforceMaxEntries).
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// DefaultNegativePatterns mirrors spec §4.6's example skip list: messages
// whose content depends on real-time state are never safe to cache.
var DefaultNegativePatterns = []string{"current time", "today", "latest", "weather"}

// Config holds the cache block of the gateway's configuration (spec §6).
type Config struct {
	DefaultTTL        time.Duration
	MaxEntries        int
	ProviderTTL       map[string]time.Duration
	MinResponseLength int
	NoCachePatterns   []string
	Disabled          bool
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = time.Hour
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10_000
	}
	if c.NoCachePatterns == nil {
		c.NoCachePatterns = DefaultNegativePatterns
	}
	return c
}

// Manager implements spec §4.6's CacheManager.
type Manager struct {
	cfg   Config
	store *store.Store
	l1    Cache // optional hot-path accelerator; nil disables it
}

// NewManager builds a Manager backed by st (durable) and an optional hot
// cache l1 (MemoryCache or ExactCache; pass nil to skip the L1 entirely).
func NewManager(cfg Config, st *store.Store, l1 Cache) *Manager {
	return &Manager{cfg: cfg.withDefaults(), store: st, l1: l1}
}

// Fingerprint computes spec §4.6's key: provider[:model]:hex16(sha256(lower(strip(message)))).
func Fingerprint(provider, model, message string) string {
	normalized := strings.ToLower(strings.TrimSpace(message))
	sum := sha256.Sum256([]byte(normalized))
	digest := hex.EncodeToString(sum[:])[:16]
	if model != "" {
		return fmt.Sprintf("%s:%s:%s", provider, model, digest)
	}
	return fmt.Sprintf("%s:%s", provider, digest)
}

func (m *Manager) isExcluded(message string) bool {
	lower := strings.ToLower(message)
	for _, p := range m.cfg.NoCachePatterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Get returns a cache hit for (provider, message, model), or ok=false on a
// miss, a disabled cache, or a negative-pattern match. A hit increments the
// entry's hit counter and refreshes last_hit_at.
func (m *Manager) Get(ctx context.Context, provider, message, model string) (*store.CacheEntry, bool) {
	if m.cfg.Disabled || m.isExcluded(message) {
		return nil, false
	}
	key := Fingerprint(provider, model, message)

	if m.l1 != nil {
		if raw, ok := m.l1.Get(ctx, key); ok {
			var e store.CacheEntry
			if err := json.Unmarshal(raw, &e); err == nil {
				if time.Now().After(e.ExpiresAt) {
					_ = m.l1.Delete(ctx, key)
				} else {
					_ = m.store.TouchCacheEntry(ctx, key)
					return &e, true
				}
			}
		}
	}

	entry, err := m.store.GetCacheEntry(ctx, key)
	if err != nil {
		return nil, false
	}
	if time.Now().After(entry.ExpiresAt) {
		_ = m.store.DeleteCacheEntry(ctx, key)
		return nil, false
	}

	_ = m.store.TouchCacheEntry(ctx, key)
	m.fillL1(ctx, key, entry)
	return entry, true
}

// Put inserts or overwrites the cache entry for (provider, message, model),
// skipping silently when the cache is disabled, the message matches a
// negative pattern, or the response is shorter than MinResponseLength.
func (m *Manager) Put(ctx context.Context, provider, message, model, response string, tokens *int, ttl time.Duration) error {
	if m.cfg.Disabled || m.isExcluded(message) {
		return nil
	}
	if m.cfg.MinResponseLength > 0 && len(response) < m.cfg.MinResponseLength {
		return nil
	}

	if ttl <= 0 {
		if pt, ok := m.cfg.ProviderTTL[provider]; ok && pt > 0 {
			ttl = pt
		} else {
			ttl = m.cfg.DefaultTTL
		}
	}

	now := time.Now()
	entry := &store.CacheEntry{
		Key:       Fingerprint(provider, model, message),
		Provider:  provider,
		Model:     model,
		Text:      response,
		Tokens:    tokens,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := m.store.PutCacheEntry(ctx, entry); err != nil {
		return err
	}
	m.fillL1(ctx, entry.Key, entry)
	return nil
}

func (m *Manager) fillL1(ctx context.Context, key string, entry *store.CacheEntry) {
	if m.l1 == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return
	}
	_ = m.l1.Set(ctx, key, raw, ttl)
}

// Invalidate removes a single entry by key from both cache tiers.
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	if m.l1 != nil {
		_ = m.l1.Delete(ctx, key)
	}
	return m.store.DeleteCacheEntry(ctx, key)
}

// Clear removes every durable entry, optionally scoped to provider. The L1
// tier is not cleared, scoped or not: its entries stay servable until their
// own TTL expires.
func (m *Manager) Clear(ctx context.Context, provider string) error {
	return m.store.ClearCache(ctx, provider)
}

// CleanupExpired deletes durable entries past their expiry.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	return m.store.CleanupExpiredCache(ctx)
}

// EnforceMaxEntries evicts the oldest entries beyond the configured cap.
func (m *Manager) EnforceMaxEntries(ctx context.Context) (int64, error) {
	return m.store.EnforceMaxCacheEntries(ctx, m.cfg.MaxEntries)
}

// Stats reports aggregate counts for observability/ops endpoints.
func (m *Manager) Stats(ctx context.Context) (*store.CacheStats, error) {
	return m.store.GetCacheStats(ctx)
}
