package db

import (
	"github.com/pysugar/antigravity-relay/internal/db/models"
	"gorm.io/gorm"
)

// UpsertSignature writes one persisted signature-cache entry.
func (s *Store) UpsertSignature(kind, toolCallID, signature, thoughtText string, savedAtMs int64) error {
	var row models.SignatureRow
	err := s.gorm.Where("kind = ? AND tool_call_id = ?", kind, toolCallID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return s.gorm.Create(&models.SignatureRow{
			Kind:        kind,
			ToolCallID:  toolCallID,
			Signature:   signature,
			ThoughtText: thoughtText,
			SavedAt:     savedAtMs,
		}).Error
	}
	if err != nil {
		return err
	}
	row.Signature = signature
	row.ThoughtText = thoughtText
	row.SavedAt = savedAtMs
	return s.gorm.Save(&row).Error
}

// LoadSignatures returns persisted entries saved at or after sinceMs.
func (s *Store) LoadSignatures(sinceMs int64) ([]models.SignatureRow, error) {
	var rows []models.SignatureRow
	err := s.gorm.Where("saved_at >= ?", sinceMs).Find(&rows).Error
	return rows, err
}

// PruneSignatures drops persisted entries saved before cutoffMs.
func (s *Store) PruneSignatures(cutoffMs int64) error {
	return s.gorm.Where("saved_at < ?", cutoffMs).Delete(&models.SignatureRow{}).Error
}
