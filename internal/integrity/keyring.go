package integrity

import (
	"crypto/hkdf"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/example/ccos-lite/internal/domain"
)

// Signer signs and verifies ledger chain hashes.
type Signer interface {
	Sign(chainHash string) (signature, keyID string, err error)
	Verify(chainHash, signature, keyID string) error
}

// Keyring stores root HMAC keys and the active key id. Older keys stay
// available for verifying entries signed before a rotation.
type Keyring struct {
	keys        map[string][]byte
	activeKeyID string
	scope       string
}

// NewKeyring constructs a keyring for HMAC signing and verification. Keys
// are derived per scope so one root key can serve several ledgers.
func NewKeyring(keys map[string][]byte, activeKeyID, scope string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("hmac keys are required")
	}
	activeKeyID = strings.TrimSpace(activeKeyID)
	if activeKeyID == "" {
		return nil, fmt.Errorf("active hmac key id is required")
	}
	if _, ok := keys[activeKeyID]; !ok {
		return nil, fmt.Errorf("active hmac key id is not configured")
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, fmt.Errorf("keyring scope is required")
	}
	return &Keyring{keys: keys, activeKeyID: activeKeyID, scope: scope}, nil
}

// ParseKeys parses a "id=secret,id2=secret2" key specification.
func ParseKeys(spec string) (map[string][]byte, error) {
	keys := make(map[string][]byte)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid key entry %q", entry)
		}
		id := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if id == "" || value == "" {
			return nil, fmt.Errorf("invalid key entry %q", entry)
		}
		keys[id] = []byte(value)
	}
	return keys, nil
}

// ActiveKeyID returns the configured signing key id.
func (k *Keyring) ActiveKeyID() string {
	if k == nil {
		return ""
	}
	return k.activeKeyID
}

// Sign signs a chain hash with the active key.
func (k *Keyring) Sign(chainHash string) (string, string, error) {
	if k == nil {
		return "", "", fmt.Errorf("%w: hmac keyring is not configured", domain.ErrSigningUnavailable)
	}
	key, err := k.deriveKey(k.activeKeyID)
	if err != nil {
		return "", "", err
	}
	return hmacSHA256Hex(key, chainHash), k.activeKeyID, nil
}

// Verify validates a chain hash signature.
func (k *Keyring) Verify(chainHash, signature, keyID string) error {
	if k == nil {
		return fmt.Errorf("%w: hmac keyring is not configured", domain.ErrSigningUnavailable)
	}
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return fmt.Errorf("signature key id is required")
	}
	key, err := k.deriveKey(keyID)
	if err != nil {
		return err
	}
	expected := hmacSHA256Hex(key, chainHash)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func (k *Keyring) deriveKey(keyID string) ([]byte, error) {
	rootKey, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("hmac key id %q is unknown", keyID)
	}
	key, err := hkdf.Key(sha256.New, rootKey, nil, "ledger:"+k.scope, 32)
	if err != nil {
		return nil, fmt.Errorf("derive ledger key: %w", err)
	}
	return key, nil
}

func hmacSHA256Hex(key []byte, value string) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
