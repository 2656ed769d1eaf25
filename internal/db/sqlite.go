package db

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"

	"github.com/glebarez/sqlite"
	"github.com/loyaltyops/gmb-sync/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// cryptoKeySetting is the Settings key holding the per-installation token
// encryption key (base64 of 32 random bytes, generated on first run).
const cryptoKeySetting = "token_cipher_key"

// InitDB initializes the SQLite database connection and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	// Auto-migrate all models
	if err := db.AutoMigrate(&models.Business{}, &models.ActivityEntry{}, &models.Setting{}); err != nil {
		return nil, err
	}

	if err := ensureCryptoKey(db); err != nil {
		return nil, err
	}

	return db, nil
}

// ensureCryptoKey generates the token encryption key if not exists
func ensureCryptoKey(db *gorm.DB) error {
	var setting models.Setting
	result := db.Where("key = ?", cryptoKeySetting).First(&setting)

	if result.Error != nil {
		keyBytes := make([]byte, 32)
		if _, err := rand.Read(keyBytes); err != nil {
			return fmt.Errorf("failed to generate encryption key: %w", err)
		}

		if err := db.Create(&models.Setting{
			Key:   cryptoKeySetting,
			Value: base64.StdEncoding.EncodeToString(keyBytes),
		}).Error; err != nil {
			return err
		}
		log.Printf("🔑 Generated new token encryption key")
	}
	return nil
}

// CryptoKey returns the per-installation token encryption key.
func CryptoKey(db *gorm.DB) ([]byte, error) {
	var setting models.Setting
	if err := db.Where("key = ?", cryptoKeySetting).First(&setting).Error; err != nil {
		return nil, fmt.Errorf("encryption key not initialized: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(setting.Value)
	if err != nil {
		return nil, fmt.Errorf("encryption key is corrupt: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key has wrong length %d", len(key))
	}
	return key, nil
}
