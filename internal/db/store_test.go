package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pysugar/antigravity-relay/internal/db/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func addAccount(t *testing.T, store *Store, status string, quota float64) *models.Account {
	t.Helper()
	acc := &models.Account{
		RefreshToken:   "rt",
		AccessToken:    "at",
		TokenExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
		Status:         status,
		QuotaRemaining: quota,
	}
	if err := store.CreateAccount(acc); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return acc
}

func TestActiveAccountsOrderAndFilter(t *testing.T) {
	store := openTestStore(t)
	low := addAccount(t, store, models.StatusActive, 0.1)
	high := addAccount(t, store, models.StatusActive, 0.9)
	addAccount(t, store, models.StatusError, 1.0)

	got, err := store.ActiveAccounts("gemini-2.5-pro", false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].Account.ID != high.ID || got[1].Account.ID != low.ID {
		t.Errorf("order wrong: %d then %d", got[0].Account.ID, got[1].Account.ID)
	}

	// minQuota excludes the low account.
	got, err = store.ActiveAccounts("gemini-2.5-pro", false, 0.2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Account.ID != high.ID {
		t.Errorf("threshold filter wrong: %+v", got)
	}
}

func TestActiveAccountsRequireQuotaRow(t *testing.T) {
	store := openTestStore(t)
	withRow := addAccount(t, store, models.StatusActive, 0.5)
	addAccount(t, store, models.StatusActive, 0.9) // no per-model row

	reset := time.Now().Add(time.Hour).UnixMilli()
	if err := store.UpsertModelQuota(withRow.ID, "gemini-2.5-pro", 0.7, &reset); err != nil {
		t.Fatal(err)
	}

	got, err := store.ActiveAccounts("gemini-2.5-pro", true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Account.ID != withRow.ID {
		t.Fatalf("require-row join wrong: %+v", got)
	}
	if got[0].SelectionQuota != 0.7 {
		t.Errorf("selection quota = %v, want per-model 0.7", got[0].SelectionQuota)
	}
	if got[0].SelectionReset == nil || *got[0].SelectionReset != reset {
		t.Errorf("selection reset not carried: %v", got[0].SelectionReset)
	}
}

func TestUpsertModelQuotaClampsAndUpdates(t *testing.T) {
	store := openTestStore(t)
	acc := addAccount(t, store, models.StatusActive, 1)
	if err := store.UpsertModelQuota(acc.ID, "gemini-2.5-flash", 1.7, nil); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertModelQuota(acc.ID, "gemini-2.5-flash", -0.2, nil); err != nil {
		t.Fatal(err)
	}
	rows, err := store.ModelQuotas(acc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("upsert created %d rows, want 1", len(rows))
	}
	if rows[0].QuotaRemaining != 0 {
		t.Errorf("quota = %v, want clamped 0", rows[0].QuotaRemaining)
	}
}

func TestDeleteAccountCascade(t *testing.T) {
	store := openTestStore(t)
	acc := addAccount(t, store, models.StatusActive, 1)
	if err := store.UpsertModelQuota(acc.ID, "gemini-2.5-pro", 0.5, nil); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveAttempt(&models.RequestAttempt{RequestID: "agent/1/x/2", AccountID: &acc.ID, Status: models.AttemptSuccess}); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteAccount(acc.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetAccount(acc.ID); err == nil {
		t.Error("account still present after delete")
	}
	rows, _ := store.ModelQuotas(acc.ID)
	if len(rows) != 0 {
		t.Errorf("quota rows survived delete: %d", len(rows))
	}
	attempts, err := store.AttemptsForRequest("agent/1/x/2")
	if err != nil || len(attempts) != 1 {
		t.Fatalf("attempt history lost: %v %d", err, len(attempts))
	}
	if attempts[0].AccountID != nil {
		t.Error("attempt account reference not nulled")
	}
}

func TestGroupThreshold(t *testing.T) {
	store := openTestStore(t)
	if got := store.GroupThreshold("pro", 0.2); got != 0.2 {
		t.Errorf("unset threshold = %v, want default", got)
	}
	store.SetSetting("quota_threshold:pro", "0.35")
	if got := store.GroupThreshold("pro", 0.2); got != 0.35 {
		t.Errorf("stored threshold = %v, want 0.35", got)
	}
	store.SetSetting("quota_threshold:pro", "1.5")
	if got := store.GroupThreshold("pro", 0.2); got != 0.2 {
		t.Errorf("out-of-range threshold accepted: %v", got)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	store := openTestStore(t)
	if err := store.SetSetting("k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetSetting("k", "v2"); err != nil {
		t.Fatal(err)
	}
	if got := store.GetSetting("k"); got != "v2" {
		t.Errorf("setting = %q, want v2", got)
	}
	all := store.AllSettings()
	if all["k"] != "v2" {
		t.Errorf("AllSettings = %v", all)
	}
}

func TestEnsureAPIKeyStable(t *testing.T) {
	store := openTestStore(t)
	first := store.EnsureAPIKey()
	if first == "" {
		t.Fatal("no key generated")
	}
	if second := store.EnsureAPIKey(); second != first {
		t.Errorf("key regenerated: %q then %q", first, second)
	}
	if !store.APIKeySet()[first] {
		t.Error("generated key not in set")
	}
}

func TestTouchAccountUsedClearsErrors(t *testing.T) {
	store := openTestStore(t)
	acc := addAccount(t, store, models.StatusActive, 1)
	store.DB().Model(&models.Account{}).Where("id = ?", acc.ID).Update("error_count", 5)

	if err := store.TouchAccountUsed(acc.ID); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetAccount(acc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ErrorCount != 0 {
		t.Errorf("error count = %d, want 0", got.ErrorCount)
	}
	if got.LastUsedAt == nil {
		t.Error("last used not stamped")
	}
}

func TestUpdateAccountTokensKeepsRefreshWhenEmpty(t *testing.T) {
	store := openTestStore(t)
	acc := addAccount(t, store, models.StatusActive, 1)
	if err := store.UpdateAccountTokens(acc.ID, "new-at", 12345, ""); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetAccount(acc.ID)
	if got.AccessToken != "new-at" || got.TokenExpiresAt != 12345 {
		t.Errorf("token not updated: %+v", got)
	}
	if got.RefreshToken != "rt" {
		t.Errorf("refresh token clobbered: %q", got.RefreshToken)
	}

	if err := store.UpdateAccountTokens(acc.ID, "new-at2", 12346, "rotated"); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetAccount(acc.ID)
	if got.RefreshToken != "rotated" {
		t.Errorf("rotation not applied: %q", got.RefreshToken)
	}
}
