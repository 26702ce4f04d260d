package models

import "time"

// AccountModelQuota is a per-account, per-model quota snapshot. A missing row
// means "unknown" and is treated as empty for group-routed models so accounts
// never present phantom capacity.
type AccountModelQuota struct {
	ID             int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID      int64   `gorm:"uniqueIndex:idx_account_model" json:"account_id"`
	Model          string  `gorm:"uniqueIndex:idx_account_model" json:"model"`
	QuotaRemaining float64 `json:"quota_remaining"`
	QuotaResetTime *int64  `json:"quota_reset_time"` // ms epoch

	UpdatedAt time.Time `json:"updated_at"`
}

// TableName pins the plural form; the default pluralizer leaves "quota"
// unchanged, which would break the raw selection join.
func (AccountModelQuota) TableName() string {
	return "account_model_quotas"
}
