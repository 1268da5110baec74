// Package credstore persists upstream OAuth credentials and the operator
// password record. Tokens are AEAD-encrypted at rest with a key derived from
// a per-install master key; files are atomic and owner-only, with loose
// permissions repaired on read.
package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"

	"github.com/codeck-dev/codeck/internal/errkind"
	"github.com/codeck-dev/codeck/internal/store/file"
)

// Key derivation parameters for the at-rest encryption key. The fixed salt
// binds ciphertexts to this store format, not to an identity; the master key
// itself is random per install.
const (
	keySaltLabel = "codeck-credstore-v2"
	keyLen       = 32
	kdfN         = 1 << 15
	kdfR         = 8
	kdfP         = 1
)

const keyFileName = ".encryption-key"

// loadMasterKey resolves the master key by priority: explicit override >
// persisted random key file > hostname-derived fallback (warned, survives
// a wiped key file but offers no real secrecy).
func loadMasterKey(dir, override string) ([]byte, error) {
	if override != "" {
		return []byte(override), nil
	}

	path := filepath.Join(dir, keyFileName)
	if err := file.EnsureMode(path, file.OwnerOnly); err != nil {
		return nil, err
	}
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return data, nil
	}

	// First run: create a random key, owner-only.
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, errkind.Wrap(errkind.Fatal, "generate encryption key", err)
	}
	key := []byte(hex.EncodeToString(raw))
	if err := file.WriteAtomic(path, key, file.OwnerOnly); err != nil {
		host, herr := os.Hostname()
		if herr != nil {
			return nil, errkind.Wrap(errkind.Fatal, "persist encryption key", err)
		}
		slog.Warn("encryption key file unwritable, falling back to hostname-derived key",
			"path", path, "error", err)
		return []byte("codeck-host:" + host), nil
	}
	return key, nil
}

// deriveKey stretches the master key into the AEAD key.
func deriveKey(master []byte) ([]byte, error) {
	key, err := scrypt.Key(master, []byte(keySaltLabel), kdfN, kdfR, kdfP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// encrypt seals plaintext with AES-256-GCM (96-bit nonce, 128-bit tag) and
// returns base64(nonce || ciphertext).
func encrypt(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// decrypt reverses encrypt. Tampered ciphertext or tag fails authentication.
func decrypt(key []byte, encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}
