package retry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pysugar/antigravity-relay/internal/auth/token"
	"github.com/pysugar/antigravity-relay/internal/config"
	"github.com/pysugar/antigravity-relay/internal/db"
	"github.com/pysugar/antigravity-relay/internal/db/models"
	"github.com/pysugar/antigravity-relay/internal/pool"
	"github.com/pysugar/antigravity-relay/internal/upstream"
)

func testOrchestrator(t *testing.T, cfg *config.Config) (*Orchestrator, *pool.Pool, *db.Store) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "retry.db"))
	if err != nil {
		t.Fatal(err)
	}
	p := pool.New(cfg, store, token.NewManager(store, nil))
	return New(cfg, p, token.NewManager(store, nil), store), p, store
}

// addAccount creates an active account whose token never needs refreshing,
// with a pro-group quota row.
func addAccount(t *testing.T, store *db.Store, quota float64) int64 {
	t.Helper()
	acc := &models.Account{
		RefreshToken:   "rt",
		AccessToken:    "at",
		TokenExpiresAt: time.Now().Add(2 * time.Hour).UnixMilli(),
		Status:         models.StatusActive,
		QuotaRemaining: quota,
	}
	if err := store.CreateAccount(acc); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertModelQuota(acc.ID, "gemini-2.5-pro", quota, nil); err != nil {
		t.Fatal(err)
	}
	return acc.ID
}

func TestCapacityRetryKeepsLockOnSameAccountRetry(t *testing.T) {
	cfg := &config.Config{
		ErrorCountToDisable:     3,
		MaxConcurrentPerAccount: 1,
		SameAccountRetries:      1,
		CapacityRetryDelay:      time.Millisecond,
		CooldownDefault:         30 * time.Second,
		CooldownMax:             10 * time.Minute,
		GroupThresholdDefault:   0.2,
	}
	o, p, _ := testOrchestrator(t, cfg)
	addAccount(t, o.store, 0.9)

	calls := 0
	result, sel, err := o.ExecuteWithCapacityRetry(context.Background(), "agent/1/x/1", "gemini-2.5-pro", func(ctx context.Context, sel *pool.Selection) (interface{}, error) {
		calls++
		if calls == 1 {
			return nil, &upstream.Error{StatusCode: 429, Message: "server_capacity_exhausted"}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if result != "ok" || calls != 2 {
		t.Fatalf("result = %v after %d calls", result, calls)
	}

	// The returned selection still holds the concurrency slot: with the cap
	// at one, no second request may be handed the account until release.
	if _, err := p.GetNextAccount(context.Background(), "gemini-2.5-pro", nil); err == nil {
		t.Fatal("account handed out again while the selection is in flight")
	}
	p.UnlockAccount(sel.Account.ID)
	sel2, err := p.GetNextAccount(context.Background(), "gemini-2.5-pro", nil)
	if err != nil {
		t.Fatalf("single release did not free the slot: %v", err)
	}
	p.UnlockAccount(sel2.Account.ID)
}

func TestCapacityRetrySwitchesAndReleases(t *testing.T) {
	cfg := &config.Config{
		ErrorCountToDisable:     3,
		MaxConcurrentPerAccount: 1,
		SameAccountRetries:      1,
		CapacityRetryDelay:      time.Millisecond,
		CooldownDefault:         30 * time.Second,
		CooldownMax:             10 * time.Minute,
		GroupThresholdDefault:   0.2,
	}
	o, p, _ := testOrchestrator(t, cfg)
	first := addAccount(t, o.store, 0.9)
	addAccount(t, o.store, 0.8)

	var used []int64
	_, sel, err := o.ExecuteWithCapacityRetry(context.Background(), "agent/1/x/2", "gemini-2.5-pro", func(ctx context.Context, sel *pool.Selection) (interface{}, error) {
		used = append(used, sel.Account.ID)
		if sel.Account.ID == first {
			return nil, &upstream.Error{StatusCode: 429, Message: "quota exceeded"}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(used) != 2 || used[0] == used[1] {
		t.Fatalf("accounts used = %v, want a switch", used)
	}
	p.UnlockAccount(sel.Account.ID)

	// The first account's lock was released on the switch.
	if got := p.GetAvailableAccountCount("gemini-2.5-pro"); got < 1 {
		t.Errorf("available = %d after release", got)
	}
}

func TestRecordStreamEndWritesTerminalRow(t *testing.T) {
	cfg := &config.Config{
		ErrorCountToDisable:   3,
		CooldownDefault:       30 * time.Second,
		CooldownMax:           10 * time.Minute,
		GroupThresholdDefault: 0.2,
	}
	o, _, store := testOrchestrator(t, cfg)
	id := addAccount(t, store, 0.9)
	acc, err := store.GetAccount(id)
	if err != nil {
		t.Fatal(err)
	}
	sel := &pool.Selection{Account: acc, MappedModel: "gemini-2.5-pro", SelectionKey: "group:pro"}

	o.RecordStreamEnd("agent/1/x/3", sel, true, context.Canceled)
	o.RecordStreamEnd("agent/1/x/4", sel, false, &upstream.Error{Message: "connection reset"})

	rows, err := store.AttemptsForRequest("agent/1/x/3")
	if err != nil || len(rows) != 1 {
		t.Fatalf("rows = %v err = %v", rows, err)
	}
	if rows[0].Status != models.AttemptAborted {
		t.Errorf("status = %q, want aborted", rows[0].Status)
	}

	rows, err = store.AttemptsForRequest("agent/1/x/4")
	if err != nil || len(rows) != 1 {
		t.Fatalf("rows = %v err = %v", rows, err)
	}
	if rows[0].Status != models.AttemptError || rows[0].ErrorMessage != "connection reset" {
		t.Errorf("row = %+v", rows[0])
	}
}
