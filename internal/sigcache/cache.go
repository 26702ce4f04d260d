// Package sigcache remembers the opaque thought signatures the upstream
// attaches to tool calls, keyed by tool-call id. Gemini passthrough needs a
// signature on every functionCall it replays; Claude additionally needs the
// thinking text that preceded the call. Entries expire after a TTL and are
// persisted so restarts do not strand in-flight conversations.
package sigcache

import (
	"log"
	"sync"
	"time"

	"github.com/pysugar/antigravity-relay/internal/db"
	"github.com/pysugar/antigravity-relay/internal/db/models"
)

// GeminiSentinel is injected when a replayed functionCall has no cached
// signature; the upstream accepts it as "signature unavailable".
const GeminiSentinel = "skip_thought_signature_validator"

// ClaudeEntry pairs the signature with the thinking text it signed.
type ClaudeEntry struct {
	Signature   string
	ThoughtText string
}

type toolEntry struct {
	signature string
	savedAt   time.Time
}

type claudeEntry struct {
	ClaudeEntry
	savedAt time.Time
}

// Cache holds the two signature maps. Eviction is lazy: expired entries are
// dropped on read and swept whenever the persisted tier is pruned.
type Cache struct {
	mu     sync.Mutex
	ttl    time.Duration
	tool   map[string]toolEntry
	claude map[string]claudeEntry
	store  *db.Store
}

// New builds a cache; store may be nil for a memory-only cache.
func New(ttl time.Duration, store *db.Store) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{
		ttl:    ttl,
		tool:   make(map[string]toolEntry),
		claude: make(map[string]claudeEntry),
		store:  store,
	}
}

// LoadPersisted warms the maps from the persisted tier, skipping rows older
// than the TTL.
func (c *Cache) LoadPersisted() {
	if c.store == nil {
		return
	}
	since := time.Now().Add(-c.ttl).UnixMilli()
	rows, err := c.store.LoadSignatures(since)
	if err != nil {
		log.Printf("⚠️ Signature cache warm-up failed: %v", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, row := range rows {
		saved := time.UnixMilli(row.SavedAt)
		switch row.Kind {
		case models.SignatureKindToolThought:
			c.tool[row.ToolCallID] = toolEntry{signature: row.Signature, savedAt: saved}
		case models.SignatureKindClaudeTooling:
			c.claude[row.ToolCallID] = claudeEntry{
				ClaudeEntry: ClaudeEntry{Signature: row.Signature, ThoughtText: row.ThoughtText},
				savedAt:     saved,
			}
		}
	}
	if len(rows) > 0 {
		log.Printf("💾 Restored %d cached thought signatures", len(rows))
	}
}

// SaveToolSignature records the signature attached to a tool call.
func (c *Cache) SaveToolSignature(toolCallID, signature string) {
	if toolCallID == "" || signature == "" || signature == GeminiSentinel {
		return
	}
	now := time.Now()
	c.mu.Lock()
	c.tool[toolCallID] = toolEntry{signature: signature, savedAt: now}
	c.mu.Unlock()
	c.persist(models.SignatureKindToolThought, toolCallID, signature, "", now)
}

// ToolSignature returns the cached signature for a tool call, or "".
func (c *Cache) ToolSignature(toolCallID string) string {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.tool[toolCallID]
	if !ok {
		return ""
	}
	if now.Sub(e.savedAt) > c.ttl {
		delete(c.tool, toolCallID)
		return ""
	}
	return e.signature
}

// SaveClaudeTooling records the thinking block that preceded a Claude tool
// call so it can be replayed on the next turn.
func (c *Cache) SaveClaudeTooling(toolCallID, signature, thoughtText string) {
	if toolCallID == "" || signature == "" {
		return
	}
	now := time.Now()
	c.mu.Lock()
	c.claude[toolCallID] = claudeEntry{
		ClaudeEntry: ClaudeEntry{Signature: signature, ThoughtText: thoughtText},
		savedAt:     now,
	}
	c.mu.Unlock()
	c.persist(models.SignatureKindClaudeTooling, toolCallID, signature, thoughtText, now)
}

// ClaudeTooling returns the cached thinking block for a tool call.
func (c *Cache) ClaudeTooling(toolCallID string) (ClaudeEntry, bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.claude[toolCallID]
	if !ok {
		return ClaudeEntry{}, false
	}
	if now.Sub(e.savedAt) > c.ttl {
		delete(c.claude, toolCallID)
		return ClaudeEntry{}, false
	}
	return e.ClaudeEntry, true
}

func (c *Cache) persist(kind, toolCallID, signature, thoughtText string, at time.Time) {
	if c.store == nil {
		return
	}
	if err := c.store.UpsertSignature(kind, toolCallID, signature, thoughtText, at.UnixMilli()); err != nil {
		log.Printf("⚠️ Signature persist failed for %s: %v", toolCallID, err)
	}
}

// Prune sweeps expired entries from both maps and the persisted tier.
func (c *Cache) Prune() {
	now := time.Now()
	c.mu.Lock()
	for id, e := range c.tool {
		if now.Sub(e.savedAt) > c.ttl {
			delete(c.tool, id)
		}
	}
	for id, e := range c.claude {
		if now.Sub(e.savedAt) > c.ttl {
			delete(c.claude, id)
		}
	}
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.PruneSignatures(now.Add(-c.ttl).UnixMilli()); err != nil {
			log.Printf("⚠️ Signature prune failed: %v", err)
		}
	}
}
