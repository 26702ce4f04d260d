package db

import (
	"fmt"
	"time"

	"github.com/pysugar/antigravity-relay/internal/db/models"
	"gorm.io/gorm"
)

// AccountCandidate is an account paired with the quota that applies to the
// selection key it was loaded for.
type AccountCandidate struct {
	Account        models.Account
	SelectionQuota float64
	SelectionReset *int64 // ms epoch, nil when unknown
}

type candidateRow struct {
	ID             int64
	SelectionQuota float64
	SelectionReset *int64
}

// ActiveAccounts loads dispatch candidates for a selection key.
//
// For group keys (requireQuotaRow=true) the per-model quota row for the
// group's representative model must exist; accounts with no row are excluded
// rather than treated as full. For raw-model keys a LEFT JOIN falls back to
// the account's aggregate quota. Results are ordered by quota descending,
// then least-recently-used first.
func (s *Store) ActiveAccounts(quotaModel string, requireQuotaRow bool, minQuota float64) ([]AccountCandidate, error) {
	join := "LEFT JOIN"
	if requireQuotaRow {
		join = "INNER JOIN"
	}

	query := fmt.Sprintf(`
		SELECT a.id AS id,
		       COALESCE(q.quota_remaining, a.quota_remaining) AS selection_quota,
		       COALESCE(q.quota_reset_time, a.quota_reset_time) AS selection_reset
		FROM accounts a
		%s account_model_quotas q ON q.account_id = a.id AND q.model = ?
		WHERE a.status = ?`, join)
	args := []interface{}{quotaModel, models.StatusActive}
	if minQuota > 0 {
		query += " AND COALESCE(q.quota_remaining, a.quota_remaining) > ?"
		args = append(args, minQuota)
	}
	query += " ORDER BY selection_quota DESC, a.last_used_at ASC"

	var rows []candidateRow
	if err := s.gorm.Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	var accounts []models.Account
	if err := s.gorm.Where("id IN ?", ids).Find(&accounts).Error; err != nil {
		return nil, err
	}
	byID := make(map[int64]models.Account, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
	}

	out := make([]AccountCandidate, 0, len(rows))
	for _, r := range rows {
		acc, ok := byID[r.ID]
		if !ok {
			continue
		}
		out = append(out, AccountCandidate{
			Account:        acc,
			SelectionQuota: clamp01(r.SelectionQuota),
			SelectionReset: r.SelectionReset,
		})
	}
	return out, nil
}

// GetAccount loads a single account by id.
func (s *Store) GetAccount(id int64) (*models.Account, error) {
	var acc models.Account
	if err := s.gorm.First(&acc, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &acc, nil
}

// ListAccounts returns all accounts, newest first.
func (s *Store) ListAccounts() ([]models.Account, error) {
	var accounts []models.Account
	err := s.gorm.Order("id DESC").Find(&accounts).Error
	return accounts, err
}

// CreateAccount inserts a new credential row.
func (s *Store) CreateAccount(acc *models.Account) error {
	return s.gorm.Create(acc).Error
}

// SaveAccount persists all mutated fields of an account.
func (s *Store) SaveAccount(acc *models.Account) error {
	return s.gorm.Save(acc).Error
}

// UpdateAccountTokens writes a refreshed access token and expiry.
func (s *Store) UpdateAccountTokens(id int64, accessToken string, expiresAtMs int64, refreshToken string) error {
	updates := map[string]interface{}{
		"access_token":     accessToken,
		"token_expires_at": expiresAtMs,
	}
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}
	return s.gorm.Model(&models.Account{}).Where("id = ?", id).Updates(updates).Error
}

// MarkAccountStatus transitions an account's status and records the reason.
func (s *Store) MarkAccountStatus(id int64, status, lastError string) error {
	return s.gorm.Model(&models.Account{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     status,
		"last_error": lastError,
	}).Error
}

// TouchAccountUsed stamps last_used_at and clears the error counter.
func (s *Store) TouchAccountUsed(id int64) error {
	now := time.Now()
	return s.gorm.Model(&models.Account{}).Where("id = ?", id).Updates(map[string]interface{}{
		"last_used_at": &now,
		"error_count":  0,
	}).Error
}

// DeleteAccount removes an account. Attempt-log rows keep their history with
// a nulled account reference; per-model quota rows are removed outright.
func (s *Store) DeleteAccount(id int64) error {
	return s.gorm.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.RequestAttempt{}).Where("account_id = ?", id).
			Update("account_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Where("account_id = ?", id).Delete(&models.AccountModelQuota{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Account{}, "id = ?", id).Error
	})
}

// UpsertModelQuota writes one per-model quota snapshot.
func (s *Store) UpsertModelQuota(accountID int64, model string, remaining float64, resetTimeMs *int64) error {
	remaining = clamp01(remaining)
	var row models.AccountModelQuota
	err := s.gorm.Where("account_id = ? AND model = ?", accountID, model).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return s.gorm.Create(&models.AccountModelQuota{
			AccountID:      accountID,
			Model:          model,
			QuotaRemaining: remaining,
			QuotaResetTime: resetTimeMs,
		}).Error
	}
	if err != nil {
		return err
	}
	row.QuotaRemaining = remaining
	row.QuotaResetTime = resetTimeMs
	return s.gorm.Save(&row).Error
}

// ModelQuotas returns all per-model quota rows for an account.
func (s *Store) ModelQuotas(accountID int64) ([]models.AccountModelQuota, error) {
	var rows []models.AccountModelQuota
	err := s.gorm.Where("account_id = ?", accountID).Find(&rows).Error
	return rows, err
}

// UpdateAggregateQuota writes the account-level quota summary.
func (s *Store) UpdateAggregateQuota(accountID int64, remaining float64, resetTimeMs *int64) error {
	return s.gorm.Model(&models.Account{}).Where("id = ?", accountID).Updates(map[string]interface{}{
		"quota_remaining":  clamp01(remaining),
		"quota_reset_time": resetTimeMs,
	}).Error
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
