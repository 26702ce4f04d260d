package sigcache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pysugar/antigravity-relay/internal/db"
	"github.com/pysugar/antigravity-relay/internal/db/models"
)

func TestToolSignatureRoundTrip(t *testing.T) {
	c := New(time.Hour, nil)
	c.SaveToolSignature("call_1", "sig-abc")
	if got := c.ToolSignature("call_1"); got != "sig-abc" {
		t.Errorf("got %q, want sig-abc", got)
	}
	if got := c.ToolSignature("call_missing"); got != "" {
		t.Errorf("missing id yielded %q", got)
	}
}

func TestSentinelAndEmptyNeverStored(t *testing.T) {
	c := New(time.Hour, nil)
	c.SaveToolSignature("call_1", GeminiSentinel)
	c.SaveToolSignature("call_2", "")
	c.SaveToolSignature("", "sig")
	if got := c.ToolSignature("call_1"); got != "" {
		t.Errorf("sentinel stored as %q", got)
	}
	if got := c.ToolSignature("call_2"); got != "" {
		t.Errorf("empty signature stored as %q", got)
	}
}

func TestClaudeTooling(t *testing.T) {
	c := New(time.Hour, nil)
	c.SaveClaudeTooling("toolu_1", "sig-xyz", "I should call the tool.")
	entry, ok := c.ClaudeTooling("toolu_1")
	if !ok {
		t.Fatal("entry not found")
	}
	if entry.Signature != "sig-xyz" || entry.ThoughtText != "I should call the tool." {
		t.Errorf("entry = %+v", entry)
	}
	if _, ok := c.ClaudeTooling("toolu_other"); ok {
		t.Error("unexpected hit for unknown id")
	}
}

func TestExpiryOnRead(t *testing.T) {
	c := New(time.Hour, nil)
	c.ttl = 10 * time.Millisecond
	c.SaveToolSignature("call_1", "sig")
	c.SaveClaudeTooling("toolu_1", "sig", "thought")
	time.Sleep(25 * time.Millisecond)
	if got := c.ToolSignature("call_1"); got != "" {
		t.Errorf("expired entry returned %q", got)
	}
	if _, ok := c.ClaudeTooling("toolu_1"); ok {
		t.Error("expired claude entry returned")
	}
}

func TestPruneSweepsMaps(t *testing.T) {
	c := New(time.Hour, nil)
	c.ttl = 10 * time.Millisecond
	c.SaveToolSignature("call_1", "sig")
	time.Sleep(25 * time.Millisecond)
	c.Prune()
	c.mu.Lock()
	n := len(c.tool)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("prune left %d entries", n)
	}
}

func TestPersistenceSurvivesRestart(t *testing.T) {
	store, err := db.Open(filepath.Join(t.TempDir(), "sig.db"))
	if err != nil {
		t.Fatal(err)
	}

	first := New(time.Hour, store)
	first.SaveToolSignature("call_1", "sig-persisted")
	first.SaveClaudeTooling("toolu_1", "sig-c", "thought text")

	second := New(time.Hour, store)
	second.LoadPersisted()
	if got := second.ToolSignature("call_1"); got != "sig-persisted" {
		t.Errorf("tool signature lost across restart: %q", got)
	}
	entry, ok := second.ClaudeTooling("toolu_1")
	if !ok || entry.ThoughtText != "thought text" {
		t.Errorf("claude entry lost across restart: %+v ok=%v", entry, ok)
	}
}

func TestLoadPersistedSkipsStale(t *testing.T) {
	store, err := db.Open(filepath.Join(t.TempDir(), "sig.db"))
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	if err := store.UpsertSignature(models.SignatureKindToolThought, "call_old", "sig", "", old); err != nil {
		t.Fatal(err)
	}

	c := New(24*time.Hour, store)
	c.LoadPersisted()
	if got := c.ToolSignature("call_old"); got != "" {
		t.Errorf("stale row warmed into cache: %q", got)
	}
}
