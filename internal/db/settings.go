package db

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"strconv"

	"github.com/pysugar/antigravity-relay/internal/db/models"
	"gorm.io/gorm"
)

// GetSetting returns the stored value for key, or "" when unset.
func (s *Store) GetSetting(key string) string {
	var row models.Setting
	if err := s.gorm.First(&row, "key = ?", key).Error; err != nil {
		return ""
	}
	return row.Value
}

// SetSetting upserts a settings row.
func (s *Store) SetSetting(key, value string) error {
	var row models.Setting
	err := s.gorm.First(&row, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return s.gorm.Create(&models.Setting{Key: key, Value: value}).Error
	}
	if err != nil {
		return err
	}
	row.Value = value
	return s.gorm.Save(&row).Error
}

// AllSettings returns every settings row as a map.
func (s *Store) AllSettings() map[string]string {
	var rows []models.Setting
	s.gorm.Find(&rows)
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out
}

// GroupThreshold reads the per-group quota threshold from settings, falling
// back to the provided default when unset or unparsable.
func (s *Store) GroupThreshold(group string, def float64) float64 {
	raw := s.GetSetting("quota_threshold:" + group)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v >= 1 {
		return def
	}
	return v
}

// EnsureAPIKey generates a downstream API key on first run.
func (s *Store) EnsureAPIKey() string {
	var row models.APIKey
	if err := s.gorm.First(&row).Error; err == nil {
		return row.Key
	}
	keyBytes := make([]byte, 16)
	rand.Read(keyBytes)
	key := "sk-" + hex.EncodeToString(keyBytes)
	s.gorm.Create(&models.APIKey{Key: key, Name: "default"})
	log.Printf("🔑 Generated new API key: %s", key)
	return key
}

// APIKeySet returns every stored downstream key.
func (s *Store) APIKeySet() map[string]bool {
	var rows []models.APIKey
	s.gorm.Find(&rows)
	out := make(map[string]bool, len(rows))
	for _, r := range rows {
		out[r.Key] = true
	}
	return out
}
