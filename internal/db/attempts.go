package db

import (
	"time"

	"github.com/pysugar/antigravity-relay/internal/db/models"
)

// SaveAttempt records one upstream call outcome.
func (s *Store) SaveAttempt(attempt *models.RequestAttempt) error {
	return s.gorm.Create(attempt).Error
}

// RecentAttempts returns up to limit attempt rows, newest first.
func (s *Store) RecentAttempts(limit int) ([]models.RequestAttempt, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var rows []models.RequestAttempt
	err := s.gorm.Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// AttemptsForRequest returns the attempt rows for one request id in order.
func (s *Store) AttemptsForRequest(requestID string) ([]models.RequestAttempt, error) {
	var rows []models.RequestAttempt
	err := s.gorm.Where("request_id = ?", requestID).Order("attempt_no ASC").Find(&rows).Error
	return rows, err
}

// PruneAttempts deletes attempt rows older than the retention window.
func (s *Store) PruneAttempts(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res := s.gorm.Where("created_at < ?", cutoff).Delete(&models.RequestAttempt{})
	return res.RowsAffected, res.Error
}
