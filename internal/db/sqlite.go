// Package db provides typed accessors over the relay's SQLite store:
// accounts, per-model quotas, request attempts, settings, API keys and the
// persisted signature tier.
package db

import (
	"fmt"
	"log"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/antigravity-relay/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps the gorm handle with the relay's query surface.
type Store struct {
	gorm *gorm.DB
}

// Open initializes the SQLite database in WAL mode and runs migrations.
func Open(dbPath string) (*Store, error) {
	gdb, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	// WAL allows concurrent readers during the short write transactions the
	// hot path performs.
	gdb.Exec("PRAGMA journal_mode=WAL")
	gdb.Exec("PRAGMA busy_timeout=5000")

	if err := gdb.AutoMigrate(
		&models.Account{},
		&models.AccountModelQuota{},
		&models.RequestAttempt{},
		&models.Setting{},
		&models.APIKey{},
		&models.SignatureRow{},
	); err != nil {
		return nil, err
	}

	s := &Store{gorm: gdb}
	if err := s.relaxAccountEmailConstraint(); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying gorm handle for callers with bespoke queries.
func (s *Store) DB() *gorm.DB { return s.gorm }

// relaxAccountEmailConstraint rebuilds the accounts table when a legacy
// schema still carries NOT NULL on email. Email only materializes after the
// first upstream sync, so new accounts must be insertable without one.
func (s *Store) relaxAccountEmailConstraint() error {
	type columnInfo struct {
		Name    string `gorm:"column:name"`
		NotNull int    `gorm:"column:notnull"`
	}
	var cols []columnInfo
	if err := s.gorm.Raw("PRAGMA table_info(accounts)").Scan(&cols).Error; err != nil {
		return err
	}
	needsRebuild := false
	for _, c := range cols {
		if c.Name == "email" && c.NotNull == 1 {
			needsRebuild = true
		}
	}
	if !needsRebuild {
		return nil
	}

	log.Printf("🔧 Rebuilding accounts table to drop NOT NULL on email")
	s.gorm.Exec("PRAGMA foreign_keys=OFF")
	defer s.gorm.Exec("PRAGMA foreign_keys=ON")

	return s.gorm.Transaction(func(tx *gorm.DB) error {
		steps := []string{
			"ALTER TABLE accounts RENAME TO accounts_legacy",
		}
		for _, stmt := range steps {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("rebuild accounts: %w", err)
			}
		}
		if err := tx.Migrator().CreateTable(&models.Account{}); err != nil {
			return fmt.Errorf("rebuild accounts: %w", err)
		}
		copyCols := "id, email, refresh_token, access_token, token_expires_at, project_id, tier, " +
			"instance_id, device_fingerprint, session_id, status, error_count, last_error, " +
			"last_used_at, quota_remaining, quota_reset_time, created_at, updated_at"
		if err := tx.Exec("INSERT INTO accounts (" + copyCols + ") SELECT " + copyCols + " FROM accounts_legacy").Error; err != nil {
			return fmt.Errorf("rebuild accounts: %w", err)
		}
		return tx.Exec("DROP TABLE accounts_legacy").Error
	})
}
