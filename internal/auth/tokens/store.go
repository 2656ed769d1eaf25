// Package tokens persists OAuth tokens encrypted at rest. Each business row
// carries a single AES-256-GCM envelope: random 12-byte nonce prefixed to the
// ciphertext, base64 encoded. The key is a per-installation 32-byte secret
// generated on first run.
package tokens

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loyaltyops/gmb-sync/internal/db"
	"github.com/loyaltyops/gmb-sync/internal/db/models"
	"gorm.io/gorm"
)

// TokenSet is the decrypted OAuth credential bundle for one business.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	Scope        string    `json:"scope"`
}

// Store encrypts and persists token sets keyed by business id.
type Store struct {
	db  *gorm.DB
	key []byte
}

// NewStore loads the installation encryption key and returns a ready store.
func NewStore(gdb *gorm.DB) (*Store, error) {
	key, err := db.CryptoKey(gdb)
	if err != nil {
		return nil, err
	}
	return &Store{db: gdb, key: key}, nil
}

// Save encrypts and stores the token set on the business row.
func (s *Store) Save(businessID string, ts *TokenSet) error {
	sealed, err := s.seal(ts)
	if err != nil {
		return fmt.Errorf("failed to encrypt tokens: %w", err)
	}
	res := s.db.Model(&models.Business{}).Where("id = ?", businessID).
		Update("token_ciphertext", sealed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("business not found: %s", businessID)
	}
	return nil
}

// Get returns the decrypted token set. It fails closed: a missing row, empty
// ciphertext, or a decryption failure all report "absent" so callers treat
// the business uniformly as not connected.
func (s *Store) Get(businessID string) (*TokenSet, bool) {
	var business models.Business
	if err := s.db.Select("token_ciphertext").Where("id = ?", businessID).First(&business).Error; err != nil {
		return nil, false
	}
	if business.TokenCiphertext == "" {
		return nil, false
	}

	ts, err := s.open(business.TokenCiphertext)
	if err != nil {
		return nil, false
	}
	return ts, true
}

// Delete clears stored tokens for the business. Idempotent.
func (s *Store) Delete(businessID string) error {
	return s.db.Model(&models.Business{}).Where("id = ?", businessID).
		Update("token_ciphertext", "").Error
}

func (s *Store) seal(ts *TokenSet) (string, error) {
	plaintext, err := json.Marshal(ts)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := aesgcm.Seal(nil, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(append(nonce, ciphertext...)), nil
}

func (s *Store) open(sealed string) (*TokenSet, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(raw) < aesgcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := raw[:aesgcm.NonceSize()], raw[aesgcm.NonceSize():]
	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}

	var ts TokenSet
	if err := json.Unmarshal(plaintext, &ts); err != nil {
		return nil, err
	}
	return &ts, nil
}
