// Package store holds the gorm models the wallet host persists: key
// records, authenticator records, VRF keypairs, preferences, and the
// transient WebAuthn ceremony sessions.
package store

import "time"

// EncryptedKeyRecord is the durable mapping (accountId, deviceIndex) ->
// {ciphertext, iv, timestamp}. At most one record exists per
// (accountId, deviceIndex) pair, enforced by a unique index.
type EncryptedKeyRecord struct {
	ID          uint   `gorm:"primaryKey"`
	AccountID   string `gorm:"index:idx_account_device,unique;not null"`
	DeviceIndex int    `gorm:"index:idx_account_device,unique;not null"`
	Ciphertext  []byte `gorm:"not null"`
	IV          []byte `gorm:"not null"`
	PublicKey   string `gorm:"not null"` // ed25519:<base58>, returned to callers
	CreatedAt   time.Time
}

func (EncryptedKeyRecord) TableName() string { return "encrypted_key_records" }

// AuthenticatorRecord is the platform authenticator bound at
// registration, consumed to build allowCredentials for login.
type AuthenticatorRecord struct {
	ID               uint   `gorm:"primaryKey"`
	AccountID        string `gorm:"index;not null"`
	CredentialID     []byte `gorm:"uniqueIndex;not null"`
	PublicKeyCOSE    []byte `gorm:"not null"`
	Transports       string // comma-separated
	DeviceIndex      int    `gorm:"not null"`
	SignCount        uint32
	UserVerification string
	AAGUID           string
	BackupEligible   bool
	BackupState      bool
	CreatedAt        time.Time
	LastUsedAt       *time.Time
}

func (AuthenticatorRecord) TableName() string { return "authenticator_records" }

// VRFEncryptedKeypair is the at-rest VRF keypair record; KEKServerLock
// is set only for accounts on the Shamir-3-pass unlock path.
type VRFEncryptedKeypair struct {
	ID            uint   `gorm:"primaryKey"`
	AccountID     string `gorm:"uniqueIndex;not null"`
	VRFCiphertext []byte `gorm:"not null"`
	Nonce         []byte `gorm:"not null"`
	KEKServerLock []byte // present only when the Shamir-3-pass path is enabled
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (VRFEncryptedKeypair) TableName() string { return "vrf_encrypted_keypairs" }

// UserPreferences is the per-account settings record.
type UserPreferences struct {
	ID                 uint   `gorm:"primaryKey"`
	AccountID          string `gorm:"uniqueIndex;not null"`
	Theme              string `gorm:"default:dark"`
	UIMode             string `gorm:"default:modal"` // skip|modal|drawer
	ConfirmBehavior    string `gorm:"default:requireClick"`
	AutoProceedDelayMS int
	UpdatedAt          time.Time
}

func (UserPreferences) TableName() string { return "user_preferences" }

// WalletHostSingleton is the single-row pointer table holding the
// lastUser pointer.
type WalletHostSingleton struct {
	ID            uint `gorm:"primaryKey"`
	LastUserID    string
	LastUpdatedAt time.Time
}

func (WalletHostSingleton) TableName() string { return "wallet_host_singleton" }

// RecentLogin is one entry in the most-recent-first,
// deduplicated-by-account recentLogins list.
type RecentLogin struct {
	ID        uint   `gorm:"primaryKey"`
	AccountID string `gorm:"uniqueIndex;not null"`
	LastLogin time.Time
}

func (RecentLogin) TableName() string { return "recent_logins" }

// WebAuthnSession is the transient registration/login ceremony session.
type WebAuthnSession struct {
	ID          string `gorm:"primaryKey"`
	AccountID   string `gorm:"index"`
	Challenge   []byte
	SessionData []byte
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

func (WebAuthnSession) TableName() string { return "webauthn_sessions" }

func (s WebAuthnSession) IsExpired() bool { return time.Now().After(s.ExpiresAt) }

// AllModels lists every model AutoMigrate must cover.
func AllModels() []any {
	return []any{
		&EncryptedKeyRecord{},
		&AuthenticatorRecord{},
		&VRFEncryptedKeypair{},
		&UserPreferences{},
		&WalletHostSingleton{},
		&RecentLogin{},
		&WebAuthnSession{},
	}
}
