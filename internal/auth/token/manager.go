// Package token owns the OAuth access-token lifecycle: refresh under a
// per-account single-flight, project-id onboarding, and the email/tier/quota
// sync that keeps account rows honest.
package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/antigravity-relay/internal/auth/google"
	"github.com/pysugar/antigravity-relay/internal/catalog"
	"github.com/pysugar/antigravity-relay/internal/db"
	"github.com/pysugar/antigravity-relay/internal/db/models"
	"github.com/pysugar/antigravity-relay/internal/upstream"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// RefreshBuffer is how close to expiry a token may get before use.
const RefreshBuffer = 5 * time.Minute

// ErrRefreshTokenInvalid marks a credential whose refresh token was revoked;
// the account must be re-authorized by an admin.
var ErrRefreshTokenInvalid = errors.New("refresh token permanently invalid")

// Manager drives token refresh and account onboarding.
type Manager struct {
	store  *db.Store
	client *upstream.Client
	flight singleflight.Group

	// OnTokenRefreshed lets the heartbeat scheduler hot-swap tokens without
	// restarting its timers. Optional.
	OnTokenRefreshed func(accountID int64, accessToken string)
}

// NewManager creates a token manager over the store and upstream client.
func NewManager(store *db.Store, client *upstream.Client) *Manager {
	return &Manager{store: store, client: client}
}

// EnsureValidToken returns an access token valid for at least RefreshBuffer,
// refreshing under the single-flight when necessary.
func (m *Manager) EnsureValidToken(ctx context.Context, acct *models.Account) (string, error) {
	if acct.AccessToken != "" && acct.TokenExpiresIn(time.Now()) > RefreshBuffer {
		return acct.AccessToken, nil
	}
	refreshed, err := m.refreshShared(ctx, acct.ID)
	if err != nil {
		return "", err
	}
	*acct = *refreshed
	return refreshed.AccessToken, nil
}

// ForceRefreshToken unconditionally refreshes; concurrent callers for the
// same account share one exchange.
func (m *Manager) ForceRefreshToken(ctx context.Context, accountID int64) (*models.Account, error) {
	return m.refreshShared(ctx, accountID)
}

func (m *Manager) refreshShared(ctx context.Context, accountID int64) (*models.Account, error) {
	v, err, _ := m.flight.Do(strconv.FormatInt(accountID, 10), func() (interface{}, error) {
		return m.doRefresh(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Account), nil
}

func (m *Manager) doRefresh(ctx context.Context, accountID int64) (*models.Account, error) {
	acct, err := m.store.GetAccount(accountID)
	if err != nil {
		return nil, fmt.Errorf("account %d not found: %w", accountID, err)
	}
	if acct.RefreshToken == "" {
		return nil, ErrRefreshTokenInvalid
	}

	cfg := google.GetOAuthConfig("")
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: acct.RefreshToken})
	newToken, err := src.Token()
	if err != nil {
		if isPermanentRefreshError(err) {
			m.store.MarkAccountStatus(accountID, models.StatusError, "refresh token permanently invalid: "+err.Error())
			log.Printf("🔒 Account %d refresh token invalid, marked error", accountID)
			return nil, ErrRefreshTokenInvalid
		}
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	rotated := ""
	if newToken.RefreshToken != "" && newToken.RefreshToken != acct.RefreshToken {
		log.Printf("🔄 Rotating refresh token for account %d", accountID)
		rotated = newToken.RefreshToken
	}
	if err := m.store.UpdateAccountTokens(accountID, newToken.AccessToken, newToken.Expiry.UnixMilli(), rotated); err != nil {
		return nil, err
	}
	acct.AccessToken = newToken.AccessToken
	acct.TokenExpiresAt = newToken.Expiry.UnixMilli()
	if rotated != "" {
		acct.RefreshToken = rotated
	}

	if m.OnTokenRefreshed != nil {
		m.OnTokenRefreshed(accountID, newToken.AccessToken)
	}
	log.Printf("✅ Refreshed token for account %d (expires %s)", accountID, newToken.Expiry.Format(time.RFC3339))
	return acct, nil
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Onboarding constants: the upstream operation is eventually consistent, so
// a done=true response without a project id is retried a couple of times
// before the tier is declared failed.
const (
	onboardAttempts       = 8
	onboardInterval       = 2 * time.Second
	onboardEmptyTolerance = 2
)

var onboardTiers = []string{"standard-tier", "free-tier"}

// FetchProjectID resolves the upstream project binding for an account,
// onboarding it when the load endpoint returns none.
func (m *Manager) FetchProjectID(ctx context.Context, acct *models.Account) (string, error) {
	accessToken, err := m.EnsureValidToken(ctx, acct)
	if err != nil {
		return "", err
	}

	body, err := m.client.LoadCodeAssist(ctx, accessToken)
	if err == nil {
		if project := projectFromBody(body); project != "" {
			if tier := gjson.GetBytes(body, "currentTier.id").String(); tier != "" {
				acct.Tier = tier
			}
			return project, nil
		}
	}

	for _, tier := range onboardTiers {
		project, err := m.onboardTier(ctx, accessToken, tier)
		if err != nil {
			log.Printf("⚠️ Onboarding under %s failed for account %d: %v", tier, acct.ID, err)
			continue
		}
		if project != "" {
			acct.Tier = tier
			return project, nil
		}
	}
	return "", fmt.Errorf("onboarding produced no project id")
}

func (m *Manager) onboardTier(ctx context.Context, accessToken, tier string) (string, error) {
	emptyDone := 0
	for attempt := 0; attempt < onboardAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(onboardInterval):
			}
		}
		body, err := m.client.OnboardUser(ctx, accessToken, tier)
		if err != nil {
			return "", err
		}
		if !gjson.GetBytes(body, "done").Bool() {
			continue
		}
		if project := projectFromBody(body); project != "" {
			return project, nil
		}
		emptyDone++
		if emptyDone > onboardEmptyTolerance {
			return "", fmt.Errorf("onboarding done without project id")
		}
	}
	return "", fmt.Errorf("onboarding timed out after %d attempts", onboardAttempts)
}

// projectFromBody probes the handful of shapes the project id has shipped
// under across upstream versions.
func projectFromBody(body []byte) string {
	for _, path := range []string{
		"cloudaicompanionProject",
		"cloudaicompanionProject.id",
		"response.cloudaicompanionProject",
		"response.cloudaicompanionProject.id",
		"codeAssistConfig.projectId",
	} {
		v := gjson.GetBytes(body, path)
		if v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// SyncAccount refreshes email, tier, project and quota for an account.
func (m *Manager) SyncAccount(ctx context.Context, accountID int64) error {
	acct, err := m.store.GetAccount(accountID)
	if err != nil {
		return err
	}
	accessToken, err := m.EnsureValidToken(ctx, acct)
	if err != nil {
		return err
	}

	if email := m.fetchEmail(ctx, accessToken); email != "" {
		acct.Email = &email
	}
	if acct.ProjectID == "" {
		if project, err := m.FetchProjectID(ctx, acct); err == nil {
			acct.ProjectID = project
		}
	}
	if err := m.store.SaveAccount(acct); err != nil {
		return err
	}
	return m.SyncQuota(ctx, acct)
}

func (m *Manager) fetchEmail(ctx context.Context, accessToken string) string {
	resp, err := m.client.Transport().Fetch(ctx, upstream.FetchOptions{
		Method: "GET",
		URL:    google.UserinfoEndpoint,
		Headers: [][2]string{
			{"Host", "www.googleapis.com"},
			{"Authorization", "Bearer " + accessToken},
			{"Accept", "application/json"},
		},
	})
	if err != nil {
		return ""
	}
	body, err := resp.ReadAll()
	if err != nil || resp.StatusCode != 200 {
		return ""
	}
	return gjson.GetBytes(body, "email").String()
}

// SyncQuota pulls the model catalog and writes per-model quota rows. The
// aggregate is the minimum fraction across relevant non-image models; no
// quota signal at all collapses the aggregate to zero so drained accounts
// never look full.
func (m *Manager) SyncQuota(ctx context.Context, acct *models.Account) error {
	accessToken, err := m.EnsureValidToken(ctx, acct)
	if err != nil {
		return err
	}
	body, err := m.client.FetchAvailableModels(ctx, accessToken)
	if err != nil {
		return err
	}

	relevant := make(map[string]bool)
	for _, mdl := range catalog.RelevantQuotaModels() {
		relevant[mdl] = true
	}

	aggregate := -1.0
	var aggregateReset *int64
	sawSignal := false

	gjson.GetBytes(body, "models").ForEach(func(_, entry gjson.Result) bool {
		name := entry.Get("name").String()
		if name == "" {
			name = entry.Get("model").String()
		}
		name = strings.TrimPrefix(name, "models/")
		if !relevant[name] {
			return true
		}
		quota := entry.Get("quotaInfo")
		if !quota.Exists() {
			return true
		}
		sawSignal = true
		fraction := quota.Get("remainingFraction").Float()
		reset := parseResetTime(quota.Get("resetTime"))
		if err := m.store.UpsertModelQuota(acct.ID, name, fraction, reset); err != nil {
			log.Printf("⚠️ Quota row write failed for account %d model %s: %v", acct.ID, name, err)
			return true
		}
		if !catalog.IsImageModel(name) {
			if aggregate < 0 || fraction < aggregate {
				aggregate = fraction
				aggregateReset = reset
			}
		}
		return true
	})

	if !sawSignal || aggregate < 0 {
		aggregate = 0
		aggregateReset = nil
	}
	return m.store.UpdateAggregateQuota(acct.ID, aggregate, aggregateReset)
}

func parseResetTime(v gjson.Result) *int64 {
	if !v.Exists() {
		return nil
	}
	if v.Type == gjson.Number {
		ms := v.Int()
		return &ms
	}
	if t, err := time.Parse(time.RFC3339, v.String()); err == nil {
		ms := t.UnixMilli()
		return &ms
	}
	return nil
}
