package models

import "time"

// Account status values.
const (
	StatusActive   = "active"
	StatusError    = "error"
	StatusDisabled = "disabled"
)

// Account stores one rotated end-user credential and its upstream binding.
type Account struct {
	ID           int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	Email        *string `gorm:"uniqueIndex" json:"email"`
	RefreshToken string  `gorm:"not null" json:"-"`
	AccessToken  string  `json:"-"`
	// Access token expiry, ms epoch.
	TokenExpiresAt int64 `json:"token_expires_at"`

	ProjectID string `json:"project_id"`
	Tier      string `json:"tier"`

	// Synthetic device identity presented to the upstream.
	InstanceID        string `json:"instance_id"`
	DeviceFingerprint string `json:"device_fingerprint"`
	SessionID         string `json:"session_id"` // negative int64 as string

	Status     string     `gorm:"default:active;index" json:"status"`
	ErrorCount int        `json:"error_count"`
	LastError  string     `json:"last_error,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at"`

	// Aggregate quota across relevant non-image models, clamped to [0,1].
	QuotaRemaining float64 `json:"quota_remaining"`
	QuotaResetTime *int64  `json:"quota_reset_time"` // ms epoch

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenExpiresIn returns the remaining token lifetime relative to now.
func (a *Account) TokenExpiresIn(now time.Time) time.Duration {
	return time.UnixMilli(a.TokenExpiresAt).Sub(now)
}
