package hipaa

import (
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"
)

// FieldEncryptor is what repositories use for PHI columns. The column name is
// bound into the ciphertext.
type FieldEncryptor interface {
	EncryptField(column, value string) (string, error)
	DecryptField(column, value string) (string, error)
}

// EncryptionService wraps a Keyring and adds a disabled mode for development
// where HIPAA_ENCRYPTION_KEY is unset.
type EncryptionService struct {
	keys *Keyring
}

// NewEncryptionService builds the service from a 64-char hex key. An empty
// key disables encryption; an invalid one is an error so the server refuses
// to start.
func NewEncryptionService(key string, logger zerolog.Logger) (*EncryptionService, error) {
	if key == "" {
		logger.Warn().Msg("PHI encryption disabled: HIPAA_ENCRYPTION_KEY is not set")
		return &EncryptionService{}, nil
	}

	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}

	keys, err := NewKeyring(keyBytes, 1)
	if err != nil {
		return nil, fmt.Errorf("create PHI keyring: %w", err)
	}

	logger.Info().Msg("PHI field-level encryption enabled")
	return &EncryptionService{keys: keys}, nil
}

func (s *EncryptionService) IsEnabled() bool {
	return s != nil && s.keys != nil
}

func (s *EncryptionService) EncryptField(column, value string) (string, error) {
	if !s.IsEnabled() || value == "" {
		return value, nil
	}
	return s.keys.Encrypt(column, value)
}

// DecryptField passes plaintext through unchanged, so rows written while
// encryption was disabled remain readable once it is turned on.
func (s *EncryptionService) DecryptField(column, value string) (string, error) {
	if !s.IsEnabled() || value == "" || !IsCiphertext(value) {
		return value, nil
	}
	return s.keys.Decrypt(column, value)
}
