// Package format converts between the Anthropic content-block model and the
// Google Generative AI parts model, both directions, including thinking
// recovery for interrupted tool loops.
package format

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/crosswire-dev/crosswire/internal/config"
)

// maxSignatureEntries bounds each cache tier; least recently used entries
// are evicted first.
const maxSignatureEntries = 4096

// SharedSignatureStore is an optional cross-process tier for signatures,
// backed by redis when configured.
type SharedSignatureStore interface {
	GetToolSignature(ctx context.Context, toolUseID string) (string, error)
	SetToolSignature(ctx context.Context, toolUseID, signature string, ttl time.Duration) error
	GetThinkingFamily(ctx context.Context, signature string) (string, error)
	SetThinkingFamily(ctx context.Context, signature, family string, ttl time.Duration) error
}

// SignatureCache memoises thought signatures across turns. Gemini requires
// thoughtSignature on tool calls, but most clients strip unknown fields from
// history; the cache restores them on the next request. Thinking signatures
// are additionally tagged with the model family that issued them so a later
// request can detect cross-family history.
type SignatureCache struct {
	mu       sync.Mutex
	shared   SharedSignatureStore
	tools    *lruMap
	thinking *lruMap
}

type lruEntry struct {
	key     string
	value   string
	savedAt time.Time
}

// lruMap is a size-bounded TTL map with least-recently-used eviction.
type lruMap struct {
	max     int
	ttl     time.Duration
	order   *list.List
	entries map[string]*list.Element
}

func newLRUMap(max int, ttl time.Duration) *lruMap {
	return &lruMap{
		max:     max,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (m *lruMap) get(key string) (string, bool) {
	el, ok := m.entries[key]
	if !ok {
		return "", false
	}
	entry := el.Value.(*lruEntry)
	if m.ttl > 0 && time.Since(entry.savedAt) > m.ttl {
		m.order.Remove(el)
		delete(m.entries, key)
		return "", false
	}
	m.order.MoveToFront(el)
	return entry.value, true
}

func (m *lruMap) set(key, value string) {
	if el, ok := m.entries[key]; ok {
		entry := el.Value.(*lruEntry)
		entry.value = value
		entry.savedAt = time.Now()
		m.order.MoveToFront(el)
		return
	}
	el := m.order.PushFront(&lruEntry{key: key, value: value, savedAt: time.Now()})
	m.entries[key] = el
	for m.order.Len() > m.max {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*lruEntry).key)
	}
}

func (m *lruMap) clear() {
	m.order.Init()
	m.entries = make(map[string]*list.Element)
}

// NewSignatureCache creates a cache; shared may be nil for memory-only use.
func NewSignatureCache(shared SharedSignatureStore) *SignatureCache {
	ttl := time.Duration(config.SignatureCacheTTLMs) * time.Millisecond
	return &SignatureCache{
		shared:   shared,
		tools:    newLRUMap(maxSignatureEntries, ttl),
		thinking: newLRUMap(maxSignatureEntries, ttl),
	}
}

// CacheToolSignature records the signature last seen on a tool_use id.
func (c *SignatureCache) CacheToolSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" {
		return
	}
	c.mu.Lock()
	c.tools.set(toolUseID, signature)
	c.mu.Unlock()

	if c.shared != nil {
		ttl := time.Duration(config.SignatureCacheTTLMs) * time.Millisecond
		_ = c.shared.SetToolSignature(context.Background(), toolUseID, signature, ttl)
	}
}

// ToolSignature returns the cached signature for a tool_use id, or "".
func (c *SignatureCache) ToolSignature(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}
	c.mu.Lock()
	sig, ok := c.tools.get(toolUseID)
	c.mu.Unlock()
	if ok {
		return sig
	}
	if c.shared != nil {
		if sig, err := c.shared.GetToolSignature(context.Background(), toolUseID); err == nil && sig != "" {
			c.mu.Lock()
			c.tools.set(toolUseID, sig)
			c.mu.Unlock()
			return sig
		}
	}
	return ""
}

// CacheThinkingSignature tags a thinking signature with its issuing family.
// Short signatures are validator sentinels and never cached.
func (c *SignatureCache) CacheThinkingSignature(signature string, family config.ModelFamily) {
	if signature == "" || len(signature) < config.MinSignatureLength {
		return
	}
	c.mu.Lock()
	c.thinking.set(signature, string(family))
	c.mu.Unlock()

	if c.shared != nil {
		ttl := time.Duration(config.SignatureCacheTTLMs) * time.Millisecond
		_ = c.shared.SetThinkingFamily(context.Background(), signature, string(family), ttl)
	}
}

// ThinkingFamily returns the family that issued a thinking signature, or "".
func (c *SignatureCache) ThinkingFamily(signature string) config.ModelFamily {
	if signature == "" {
		return ""
	}
	c.mu.Lock()
	family, ok := c.thinking.get(signature)
	c.mu.Unlock()
	if ok {
		return config.ModelFamily(family)
	}
	if c.shared != nil {
		if family, err := c.shared.GetThinkingFamily(context.Background(), signature); err == nil && family != "" {
			c.mu.Lock()
			c.thinking.set(signature, family)
			c.mu.Unlock()
			return config.ModelFamily(family)
		}
	}
	return ""
}

// ClearThinking drops all thinking-signature entries.
func (c *SignatureCache) ClearThinking() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.thinking.clear()
}

var (
	globalCache     *SignatureCache
	globalCacheOnce sync.Once
	globalCacheMu   sync.Mutex
)

// InitCache installs the process-wide cache, optionally redis-backed.
func InitCache(shared SharedSignatureStore) {
	globalCacheOnce.Do(func() {
		globalCacheMu.Lock()
		globalCache = NewSignatureCache(shared)
		globalCacheMu.Unlock()
	})
}

// Cache returns the process-wide cache, creating a memory-only one on first
// use if InitCache was never called.
func Cache() *SignatureCache {
	globalCacheMu.Lock()
	defer globalCacheMu.Unlock()
	if globalCache == nil {
		globalCache = NewSignatureCache(nil)
	}
	return globalCache
}
