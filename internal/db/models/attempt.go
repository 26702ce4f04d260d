package models

import "time"

// Attempt status values.
const (
	AttemptSuccess = "success"
	AttemptError   = "error"
	AttemptAborted = "aborted"
)

// RequestAttempt records one upstream call, retries included. Rows are kept
// for 24 hours for post-hoc triage.
type RequestAttempt struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	RequestID string `gorm:"index" json:"request_id"`
	AccountID *int64 `gorm:"index" json:"account_id"` // nulled when the account is deleted
	Model     string `json:"model"`

	AttemptNo      int `json:"attempt_no"`      // global attempt counter within the request
	AccountAttempt int `json:"account_attempt"` // which account switch this was
	SameRetry      int `json:"same_retry"`      // retry index on the same account

	Status       string `gorm:"index" json:"status"`
	LatencyMs    int64  `json:"latency_ms"`
	ErrorMessage string `json:"error_message,omitempty"`

	StartedAt int64     `json:"started_at"` // ms epoch
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
