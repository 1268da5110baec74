// Package auth is the authentication plane: operator password, revocable
// sessions, single-use WS tickets, and the upstream OAuth PKCE flow.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/codeck-dev/codeck/internal/credstore"
	"github.com/codeck-dev/codeck/internal/errkind"
)

// Scrypt parameters per current OWASP guidance.
const (
	scryptN      = 1 << 17
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

const minPasswordLen = 8

// Brute-force lockout policy: five consecutive failures lock the source IP
// for fifteen minutes. A correct password during the lockout is still
// rejected; a successful login clears the counter.
const (
	lockoutThreshold = 5
	lockoutDuration  = 15 * time.Minute
)

type bruteForceRecord struct {
	failCount   int
	lockedUntil time.Time
}

// PasswordManager verifies the operator password and tracks per-IP lockout.
type PasswordManager struct {
	store *credstore.Store

	mu      sync.Mutex
	lockout map[string]*bruteForceRecord
	now     func() time.Time
}

// NewPasswordManager creates the manager over the credential store.
func NewPasswordManager(store *credstore.Store) *PasswordManager {
	return &PasswordManager{
		store:   store,
		lockout: make(map[string]*bruteForceRecord),
		now:     time.Now,
	}
}

// Configured reports whether an operator password is set.
func (m *PasswordManager) Configured() (bool, error) {
	rec, err := m.store.ReadPassword()
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// Setup stores the initial password. Rejected when already configured.
func (m *PasswordManager) Setup(password string) error {
	if len(password) < minPasswordLen {
		return errkind.Newf(errkind.Validation, "password must be at least %d characters", minPasswordLen)
	}
	existing, err := m.store.ReadPassword()
	if err != nil {
		return err
	}
	if existing != nil {
		return errkind.New(errkind.Conflict, "password already configured")
	}

	rec, err := hashPassword(password)
	if err != nil {
		return err
	}
	return m.store.WritePassword(rec)
}

// Verify checks the password in constant time. The lockout check runs first
// so a locked IP is rejected even with the correct password. On success the
// counter clears and, when the stored record is legacy or under-cost, the
// password is opportunistically rehashed with a fresh salt.
func (m *PasswordManager) Verify(password, ip string) error {
	if retry, locked := m.lockedFor(ip); locked {
		return errkind.Limited("too many failed attempts", retry)
	}

	rec, err := m.store.ReadPassword()
	if err != nil {
		return err
	}
	if rec == nil {
		return errkind.New(errkind.NotFound, "password not configured")
	}

	ok, err := compare(rec, password)
	if err != nil {
		return err
	}
	if !ok {
		m.recordFailure(ip)
		return errkind.New(errkind.Unauthorized, "invalid password")
	}

	m.clearFailures(ip)

	if rec.Algorithm != credstore.AlgoScryptV1 || rec.Cost < scryptN {
		if fresh, err := hashPassword(password); err == nil {
			m.store.WritePassword(fresh)
		}
	}
	return nil
}

func (m *PasswordManager) lockedFor(ip string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.lockout[ip]
	if !ok || rec.lockedUntil.IsZero() {
		return 0, false
	}
	if remaining := rec.lockedUntil.Sub(m.now()); remaining > 0 {
		return remaining, true
	}
	// Lockout expired; next failure streak starts fresh.
	delete(m.lockout, ip)
	return 0, false
}

func (m *PasswordManager) recordFailure(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.lockout[ip]
	if !ok {
		rec = &bruteForceRecord{}
		m.lockout[ip] = rec
	}
	rec.failCount++
	if rec.failCount >= lockoutThreshold {
		rec.lockedUntil = m.now().Add(lockoutDuration)
	}
}

func (m *PasswordManager) clearFailures(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lockout, ip)
}

func hashPassword(password string) (*credstore.PasswordRecord, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	hash, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("scrypt: %w", err)
	}
	return &credstore.PasswordRecord{
		Algorithm: credstore.AlgoScryptV1,
		Salt:      hex.EncodeToString(salt),
		Hash:      hex.EncodeToString(hash),
		Cost:      scryptN,
	}, nil
}

// compare recomputes the hash per the record's algorithm tag and compares in
// constant time.
func compare(rec *credstore.PasswordRecord, password string) (bool, error) {
	stored, err := hex.DecodeString(rec.Hash)
	if err != nil {
		return false, fmt.Errorf("stored hash: %w", err)
	}

	var computed []byte
	switch rec.Algorithm {
	case credstore.AlgoScryptV1:
		salt, err := hex.DecodeString(rec.Salt)
		if err != nil {
			return false, err
		}
		cost := rec.Cost
		if cost == 0 {
			cost = scryptN
		}
		computed, err = scrypt.Key([]byte(password), salt, cost, scryptR, scryptP, scryptKeyLen)
		if err != nil {
			return false, err
		}
	case credstore.AlgoLegacySHA256:
		sum := sha256.Sum256([]byte(rec.Salt + password))
		computed = sum[:]
	default:
		return false, fmt.Errorf("unknown password algorithm %q", rec.Algorithm)
	}

	return subtle.ConstantTimeCompare(stored, computed) == 1, nil
}
