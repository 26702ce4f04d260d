package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/antigravity-relay/internal/auth/google"
	"github.com/pysugar/antigravity-relay/internal/db/models"
	"github.com/pysugar/antigravity-relay/internal/upstream"
	"golang.org/x/oauth2"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// AdminListAccountsHandler serves GET /admin/accounts.
func AdminListAccountsHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, err := d.Store.ListAccounts()
		if err != nil {
			writeAdminError(w, http.StatusInternalServerError, err.Error())
			return
		}
		type view struct {
			models.Account
			ModelQuotas []models.AccountModelQuota `json:"model_quotas,omitempty"`
		}
		out := make([]view, 0, len(accounts))
		for _, a := range accounts {
			a.RefreshToken = "" // never leaves the process
			a.AccessToken = ""
			quotas, _ := d.Store.ModelQuotas(a.ID)
			out = append(out, view{Account: a, ModelQuotas: quotas})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// AdminOAuthURLHandler serves GET /admin/oauth/url.
func AdminOAuthURLHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		redirect := r.URL.Query().Get("redirect_uri")
		cfg := google.GetOAuthConfig(redirect)
		url := cfg.AuthCodeURL("state", oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}

// AdminOAuthExchangeHandler serves POST /admin/accounts/oauth: exchanges an
// authorization code, creates the account with a fresh device identity and
// kicks off onboarding, quota sync and the camouflage warmup.
func AdminOAuthExchangeHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Code        string `json:"code"`
			RedirectURI string `json:"redirect_uri"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeAdminError(w, http.StatusBadRequest, err.Error())
			return
		}
		if body.Code == "" {
			writeAdminError(w, http.StatusBadRequest, "code required")
			return
		}

		cfg := google.GetOAuthConfig(body.RedirectURI)
		tok, err := cfg.Exchange(r.Context(), body.Code)
		if err != nil {
			writeAdminError(w, http.StatusBadGateway, "oauth exchange failed: "+err.Error())
			return
		}
		if tok.RefreshToken == "" {
			writeAdminError(w, http.StatusBadRequest, "no refresh token returned; re-authorize with consent prompt")
			return
		}

		acct := &models.Account{
			RefreshToken:   tok.RefreshToken,
			AccessToken:    tok.AccessToken,
			TokenExpiresAt: tok.Expiry.UnixMilli(),
			Status:         models.StatusActive,
		}
		acct.InstanceID, acct.DeviceFingerprint, acct.SessionID = newDeviceIdentity()
		if err := d.Store.CreateAccount(acct); err != nil {
			writeAdminError(w, http.StatusInternalServerError, err.Error())
			return
		}

		if project, err := d.Tokens.FetchProjectID(r.Context(), acct); err == nil {
			acct.ProjectID = project
			d.Store.SaveAccount(acct)
		}
		if err := d.Tokens.SyncAccount(r.Context(), acct.ID); err != nil {
			// Account exists; sync can be retried from the admin UI.
			writeJSON(w, http.StatusCreated, map[string]interface{}{"id": acct.ID, "warning": err.Error()})
			if d.Camo != nil {
				d.Camo.AccountAdded(acct.ID)
			}
			return
		}
		if d.Camo != nil {
			d.Camo.AccountAdded(acct.ID)
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"id": acct.ID})
	}
}

// newDeviceIdentity fabricates the per-account device triple: a synthetic
// hostname, an opaque fingerprint and a negative 64-bit session id.
func newDeviceIdentity() (instanceID, fingerprint, sessionID string) {
	suffix := make([]byte, 3)
	rand.Read(suffix)
	instanceID = "DESKTOP-" + hex.EncodeToString(suffix)

	fp := make([]byte, 16)
	rand.Read(fp)
	fingerprint = hex.EncodeToString(fp)

	n, _ := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	sessionID = fmt.Sprintf("-%d", n.Int64()|1)
	return
}

// AdminDeleteAccountHandler serves DELETE /admin/accounts/{id}.
func AdminDeleteAccountHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeAdminError(w, http.StatusBadRequest, "invalid account id")
			return
		}
		if err := d.Store.DeleteAccount(id); err != nil {
			writeAdminError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if d.Camo != nil {
			d.Camo.AccountRemoved(id)
		}
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	}
}

// AdminSetAccountStatusHandler serves PATCH /admin/accounts/{id}/status.
func AdminSetAccountStatusHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeAdminError(w, http.StatusBadRequest, "invalid account id")
			return
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeAdminError(w, http.StatusBadRequest, err.Error())
			return
		}
		switch body.Status {
		case models.StatusActive, models.StatusError, models.StatusDisabled:
		default:
			writeAdminError(w, http.StatusBadRequest, "status must be active, error or disabled")
			return
		}
		if err := d.Store.MarkAccountStatus(id, body.Status, ""); err != nil {
			writeAdminError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if d.Camo != nil {
			if body.Status == models.StatusActive {
				d.Camo.AccountAdded(id)
			} else {
				d.Camo.AccountRemoved(id)
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": body.Status})
	}
}

// AdminSyncQuotaHandler serves POST /admin/accounts/{id}/sync.
func AdminSyncQuotaHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeAdminError(w, http.StatusBadRequest, "invalid account id")
			return
		}
		if err := d.Tokens.SyncAccount(r.Context(), id); err != nil {
			status := http.StatusBadGateway
			if ue, ok := upstream.AsError(err); ok && ue.StatusCode != 0 {
				status = ue.StatusCode
			}
			writeAdminError(w, status, err.Error())
			return
		}
		acct, err := d.Store.GetAccount(id)
		if err != nil {
			writeAdminError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"quota_remaining":  acct.QuotaRemaining,
			"quota_reset_time": acct.QuotaResetTime,
		})
	}
}

// AdminSettingsHandler serves GET and PUT /admin/settings; per-group quota
// thresholds live under "quota_threshold:<group>".
func AdminSettingsHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, d.Store.AllSettings())
			return
		}
		var body map[string]string
		if err := decodeJSON(r, &body); err != nil {
			writeAdminError(w, http.StatusBadRequest, err.Error())
			return
		}
		for k, v := range body {
			if err := d.Store.SetSetting(k, v); err != nil {
				writeAdminError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		writeJSON(w, http.StatusOK, d.Store.AllSettings())
	}
}

// AdminAttemptsHandler serves GET /admin/logs/attempts.
func AdminAttemptsHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requestID := r.URL.Query().Get("request_id"); requestID != "" {
			rows, err := d.Store.AttemptsForRequest(requestID)
			if err != nil {
				writeAdminError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, rows)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		rows, err := d.Store.RecentAttempts(limit)
		if err != nil {
			writeAdminError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

// AdminRoutingHandler serves GET /admin/routing.
func AdminRoutingHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Pool.GetGroupRoutingOverview())
	}
}
