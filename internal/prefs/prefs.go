// Package prefs persists per-account user preferences and the
// singleton lastUser/recentLogins state as a gorm single-writer store.
package prefs

import (
	"fmt"
	"sort"
	"time"

	"github.com/nearkit/wallet-host/internal/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConfirmationConfig is an account's stored confirmation settings.
type ConfirmationConfig struct {
	UIMode             string // skip|modal|drawer
	Behavior           string // requireClick|autoProceed
	AutoProceedDelayMS int
	Theme              string // dark|light
}

// Effective applies the invariant uiMode=skip => behavior=autoProceed
// with delay 0, regardless of the stored values.
func (c ConfirmationConfig) Effective() ConfirmationConfig {
	if c.UIMode == "skip" {
		c.Behavior = "autoProceed"
		c.AutoProceedDelayMS = 0
	}
	return c
}

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Get(accountID string) (ConfirmationConfig, error) {
	var p store.UserPreferences
	err := s.db.Where("account_id = ?", accountID).First(&p).Error
	if err != nil {
		return ConfirmationConfig{UIMode: "modal", Behavior: "requireClick", Theme: "dark"}, nil
	}
	return ConfirmationConfig{
		UIMode:             p.UIMode,
		Behavior:           p.ConfirmBehavior,
		AutoProceedDelayMS: p.AutoProceedDelayMS,
		Theme:              p.Theme,
	}, nil
}

func (s *Store) SetConfirmationConfig(accountID string, cfg ConfirmationConfig) error {
	rec := store.UserPreferences{
		AccountID:          accountID,
		Theme:              cfg.Theme,
		UIMode:             cfg.UIMode,
		ConfirmBehavior:    cfg.Behavior,
		AutoProceedDelayMS: cfg.AutoProceedDelayMS,
		UpdatedAt:          time.Now(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"theme", "ui_mode", "confirm_behavior", "auto_proceed_delay_ms", "updated_at"}),
	}).Create(&rec).Error
}

func (s *Store) SetTheme(accountID, theme string) error {
	cfg, err := s.Get(accountID)
	if err != nil {
		return err
	}
	cfg.Theme = theme
	return s.SetConfirmationConfig(accountID, cfg)
}

func (s *Store) SetConfirmBehavior(accountID, behavior string) error {
	cfg, err := s.Get(accountID)
	if err != nil {
		return err
	}
	cfg.Behavior = behavior
	return s.SetConfirmationConfig(accountID, cfg)
}

// SetLastUser updates the singleton lastUser pointer. Single writer,
// last writer wins.
func (s *Store) SetLastUser(accountID string) error {
	rec := store.WalletHostSingleton{ID: 1, LastUserID: accountID, LastUpdatedAt: time.Now()}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_user_id", "last_updated_at"}),
	}).Create(&rec).Error
}

func (s *Store) LastUser() (string, error) {
	var rec store.WalletHostSingleton
	if err := s.db.First(&rec, 1).Error; err != nil {
		return "", nil
	}
	return rec.LastUserID, nil
}

// UpdateLastLogin upserts accountID into recentLogins, deduplicated by
// account id.
func (s *Store) UpdateLastLogin(accountID string) error {
	rec := store.RecentLogin{AccountID: accountID, LastLogin: time.Now()}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_login"}),
	}).Create(&rec).Error
}

// RecentLogins returns accounts ordered most-recent-first.
func (s *Store) RecentLogins(limit int) ([]string, error) {
	var recs []store.RecentLogin
	if err := s.db.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query recent logins: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].LastLogin.After(recs[j].LastLogin) })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.AccountID
	}
	return out, nil
}
