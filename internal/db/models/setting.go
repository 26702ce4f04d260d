package models

import "time"

// Setting is a key/value row for runtime-tunable configuration such as
// per-group quota thresholds.
type Setting struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// APIKey is one downstream client credential. Keys from the API_KEY env var
// and rows in this table are both accepted.
type APIKey struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Key       string `gorm:"uniqueIndex" json:"key"`
	Name      string `json:"name"`
	CreatedAt time.Time
}
