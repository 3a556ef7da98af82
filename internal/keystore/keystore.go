// Package keystore persists the encrypted-key-record /
// authenticator-record pair. Registration writes both in one database
// transaction, so a partial failure leaves no orphan record behind.
package keystore

import (
	"fmt"
	"time"

	"github.com/nearkit/wallet-host/internal/store"
	"github.com/nearkit/wallet-host/internal/walleterr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// RegisterKey atomically writes the encrypted key record and its
// authenticator record. No orphan record survives a partial failure.
func (s *Store) RegisterKey(key store.EncryptedKeyRecord, auth store.AuthenticatorRecord) error {
	tx := s.db.Begin()
	if tx.Error != nil {
		return walleterr.Wrap(walleterr.HostError, "begin transaction", tx.Error.Error())
	}

	if err := tx.Create(&key).Error; err != nil {
		tx.Rollback()
		return walleterr.Wrap(walleterr.HostError, "create encrypted key record", err.Error())
	}

	auth.DeviceIndex = key.DeviceIndex
	if err := tx.Create(&auth).Error; err != nil {
		tx.Rollback()
		return walleterr.Wrap(walleterr.HostError, "create authenticator record", err.Error())
	}

	if err := tx.Commit().Error; err != nil {
		return walleterr.Wrap(walleterr.HostError, "commit key registration", err.Error())
	}
	return nil
}

// Get returns the encrypted key record for (accountId, deviceIndex).
func (s *Store) Get(accountID string, deviceIndex int) (*store.EncryptedKeyRecord, error) {
	var rec store.EncryptedKeyRecord
	err := s.db.Where("account_id = ? AND device_index = ?", accountID, deviceIndex).First(&rec).Error
	if err != nil {
		return nil, fmt.Errorf("encrypted key record not found: %w", err)
	}
	return &rec, nil
}

// NextDeviceIndex returns the next free deviceIndex (>=1) for an account,
// used when linking an additional device.
func (s *Store) NextDeviceIndex(accountID string) (int, error) {
	var max int
	err := s.db.Model(&store.EncryptedKeyRecord{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(MAX(device_index), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, fmt.Errorf("query max device index: %w", err)
	}
	return max + 1, nil
}

// Authenticators returns every authenticator record for an account, used
// to build allowCredentials at login.
func (s *Store) Authenticators(accountID string) ([]store.AuthenticatorRecord, error) {
	var recs []store.AuthenticatorRecord
	if err := s.db.Where("account_id = ?", accountID).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query authenticators: %w", err)
	}
	return recs, nil
}

// TouchAuthenticator bumps sign count and last-used timestamp after a
// successful assertion.
func (s *Store) TouchAuthenticator(credentialID []byte, signCount uint32) error {
	now := time.Now()
	return s.db.Model(&store.AuthenticatorRecord{}).
		Where("credential_id = ?", credentialID).
		Updates(map[string]any{"sign_count": signCount, "last_used_at": now}).Error
}

// Delete removes the encrypted key record for a device. Explicit user
// action is the only way a record is destroyed.
func (s *Store) Delete(accountID string, deviceIndex int) error {
	return s.db.Where("account_id = ? AND device_index = ?", accountID, deviceIndex).
		Delete(&store.EncryptedKeyRecord{}).Error
}

// VRFKeypair returns the at-rest encrypted VRF keypair record for an
// account, if one has been enrolled.
func (s *Store) VRFKeypair(accountID string) (*store.VRFEncryptedKeypair, error) {
	var rec store.VRFEncryptedKeypair
	if err := s.db.Where("account_id = ?", accountID).First(&rec).Error; err != nil {
		return nil, fmt.Errorf("vrf keypair record not found: %w", err)
	}
	return &rec, nil
}

// SaveVRFKeypair upserts the encrypted VRF keypair record for an account.
func (s *Store) SaveVRFKeypair(rec *store.VRFEncryptedKeypair) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"vrf_ciphertext", "nonce", "kek_server_lock", "updated_at"}),
	}).Create(rec).Error
}
