package hipaa

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Ciphertexts are stored as "v<version>:<base64>" so rows written under a
// retired key stay readable after rotation.
const keyVersionPrefix = "v"

type Keyring struct {
	mu         sync.RWMutex
	current    *PHIEncryptor
	currentVer int
	previous   map[int]*PHIEncryptor
}

func NewKeyring(currentKey []byte, currentVersion int) (*Keyring, error) {
	enc, err := NewPHIEncryptor(currentKey)
	if err != nil {
		return nil, fmt.Errorf("keyring: current key: %w", err)
	}
	return &Keyring{
		current:    enc,
		currentVer: currentVersion,
		previous:   make(map[int]*PHIEncryptor),
	}, nil
}

// AddPreviousKey registers a retired key for decryption only.
func (k *Keyring) AddPreviousKey(key []byte, version int) error {
	enc, err := NewPHIEncryptor(key)
	if err != nil {
		return fmt.Errorf("keyring: previous key v%d: %w", version, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.previous[version] = enc
	return nil
}

func (k *Keyring) Encrypt(column, plaintext string) (string, error) {
	k.mu.RLock()
	enc, ver := k.current, k.currentVer
	k.mu.RUnlock()

	sealed, err := enc.Seal([]byte(plaintext), []byte(column))
	if err != nil {
		return "", err
	}
	return keyVersionPrefix + strconv.Itoa(ver) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

func (k *Keyring) Decrypt(column, ciphertext string) (string, error) {
	ver, payload, err := splitVersion(ciphertext)
	if err != nil {
		return "", err
	}

	k.mu.RLock()
	enc := k.previous[ver]
	if ver == k.currentVer {
		enc = k.current
	}
	k.mu.RUnlock()
	if enc == nil {
		return "", fmt.Errorf("phi decrypt: unknown key version %d", ver)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("phi decrypt: base64 decode: %w", err)
	}
	plain, err := enc.Open(data, []byte(column))
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// IsCiphertext reports whether value carries a key version prefix.
func IsCiphertext(value string) bool {
	_, _, err := splitVersion(value)
	return err == nil
}

func splitVersion(value string) (int, string, error) {
	head, payload, ok := strings.Cut(value, ":")
	if !ok || !strings.HasPrefix(head, keyVersionPrefix) {
		return 0, "", fmt.Errorf("phi decrypt: missing key version")
	}
	ver, err := strconv.Atoi(strings.TrimPrefix(head, keyVersionPrefix))
	if err != nil {
		return 0, "", fmt.Errorf("phi decrypt: bad key version %q", head)
	}
	return ver, payload, nil
}
