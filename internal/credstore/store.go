package credstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codeck-dev/codeck/internal/errkind"
	"github.com/codeck-dev/codeck/internal/store/file"
)

// File names inside the credential dir. The token cache uses a name the
// upstream CLI never touches, so it survives the CLI rewriting or deleting
// credentials.json.
const (
	credFileName    = "credentials.json"
	backupFileName  = "credentials.json.backup"
	tokenCacheName  = ".codeck-token-cache"
	accountFileName = ".codeck-account-cache"
)

// Password hashing algorithm tags.
const (
	AlgoLegacySHA256 = "legacy-sha256"
	AlgoScryptV1     = "scrypt-v1"
)

// AccountInfo describes the upstream account a credential belongs to.
type AccountInfo struct {
	Email       string `json:"email,omitempty"`
	AccountUUID string `json:"accountUuid,omitempty"`
	OrgName     string `json:"orgName,omitempty"`
	OrgUUID     string `json:"orgUuid,omitempty"`
}

// Credential is the decrypted OAuth credential.
type Credential struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	ExpiresAt    time.Time   `json:"expiresAt"`
	Account      AccountInfo `json:"accountInfo"`
	Version      int         `json:"version"`
}

// PasswordRecord is the operator password hash record.
type PasswordRecord struct {
	Algorithm string `json:"algorithm"` // AlgoLegacySHA256 or AlgoScryptV1
	Salt      string `json:"salt"`      // hex
	Hash      string `json:"hash"`      // hex
	Cost      int    `json:"cost"`      // scrypt N
}

// credFileV2 is the on-disk encrypted credential layout.
type credFileV2 struct {
	Version      int         `json:"version"` // 2
	AccessToken  string      `json:"accessToken"`  // encrypted
	RefreshToken string      `json:"refreshToken"` // encrypted
	ExpiresAt    time.Time   `json:"expiresAt"`
	Account      AccountInfo `json:"accountInfo"`
}

// legacyCredFile is the plaintext layout older installs wrote. Readable,
// re-encrypted transparently on next write.
type legacyCredFile struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	ExpiresAt    time.Time   `json:"expiresAt"`
	Account      AccountInfo `json:"accountInfo"`
}

// Store owns the credential dir and the operator password file. An
// in-memory authoritative copy of the credential is held for the process
// lifetime so deletion of the primary file does not break a running server.
type Store struct {
	mu           sync.Mutex
	dir          string // credential dir (mirrors the agent CLI config dir)
	passwordPath string // <state>/auth.json
	key          []byte
	writer       *file.Writer

	memCred *Credential // authoritative once loaded
}

// Open initialises the store. keyOverride, when non-empty, replaces the
// persisted master key (from env).
func Open(credentialDir, passwordPath, keyOverride string) (*Store, error) {
	if err := os.MkdirAll(credentialDir, 0700); err != nil {
		return nil, errkind.Wrap(errkind.Fatal, "credential dir", err)
	}

	master, err := loadMasterKey(credentialDir, keyOverride)
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(master)
	if err != nil {
		return nil, errkind.Wrap(errkind.Fatal, "derive store key", err)
	}

	return &Store{
		dir:          credentialDir,
		passwordPath: passwordPath,
		key:          key,
		writer:       file.NewWriter(),
	}, nil
}

// Dir returns the credential directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) credPath() string   { return filepath.Join(s.dir, credFileName) }
func (s *Store) backupPath() string { return filepath.Join(s.dir, backupFileName) }

// ReadCred returns the current credential, or nil when none is stored.
// Resolution order: in-memory copy > primary file > backup > token cache.
func (s *Store) ReadCred() (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.memCred != nil {
		c := *s.memCred
		return &c, nil
	}

	for _, path := range []string{s.credPath(), s.backupPath()} {
		cred, err := s.readCredFile(path)
		if err != nil {
			slog.Warn("credential file unreadable", "path", path, "error", err)
			continue
		}
		if cred != nil {
			s.memCred = cred
			c := *cred
			return &c, nil
		}
	}

	if cred := s.readTokenCache(); cred != nil {
		s.memCred = cred
		c := *cred
		return &c, nil
	}
	return nil, nil
}

// WriteCred encrypts and persists the credential, its backup, and the
// plaintext token cache, and refreshes the in-memory copy.
func (s *Store) WriteCred(cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeCredLocked(cred)
}

func (s *Store) writeCredLocked(cred *Credential) error {
	access, err := encrypt(s.key, []byte(cred.AccessToken))
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := encrypt(s.key, []byte(cred.RefreshToken))
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	out := credFileV2{
		Version:      2,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    cred.ExpiresAt,
		Account:      cred.Account,
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}

	if err := s.writer.Write(s.credPath(), data, file.OwnerOnly); err != nil {
		return err
	}
	if err := s.writer.Write(s.backupPath(), data, file.OwnerOnly); err != nil {
		slog.Warn("credential backup write failed", "error", err)
	}
	s.writeTokenCache(cred)

	c := *cred
	c.Version = 2
	s.memCred = &c
	return nil
}

// RestoreFromBackup rewrites the primary credential file from the backup
// (or the in-memory copy) after the primary disappeared.
func (s *Store) RestoreFromBackup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.credPath()); err == nil {
		return nil // primary is back
	}

	if cred, err := s.readCredFile(s.backupPath()); err == nil && cred != nil {
		return s.writeCredLocked(cred)
	}
	if s.memCred != nil {
		cred := *s.memCred
		return s.writeCredLocked(&cred)
	}
	return errkind.New(errkind.NotFound, "no backup credential to restore")
}

// HasPrimary reports whether the primary credential file exists.
func (s *Store) HasPrimary() bool {
	_, err := os.Stat(s.credPath())
	return err == nil
}

// ClearCred removes all credential files and the in-memory copy.
func (s *Store) ClearCred() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memCred = nil
	for _, p := range []string{s.credPath(), s.backupPath(), filepath.Join(s.dir, tokenCacheName), filepath.Join(s.dir, accountFileName)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// readCredFile parses either the encrypted v2 layout or the legacy
// plaintext layout. Returns (nil, nil) when the file does not exist.
func (s *Store) readCredFile(path string) (*Credential, error) {
	if err := file.EnsureMode(path, file.OwnerOnly); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var v2 credFileV2
	if err := json.Unmarshal(data, &v2); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	if v2.Version >= 2 {
		access, err := decrypt(s.key, v2.AccessToken)
		if err != nil {
			return nil, err
		}
		refresh, err := decrypt(s.key, v2.RefreshToken)
		if err != nil {
			return nil, err
		}
		return &Credential{
			AccessToken:  string(access),
			RefreshToken: string(refresh),
			ExpiresAt:    v2.ExpiresAt,
			Account:      v2.Account,
			Version:      2,
		}, nil
	}

	// Legacy plaintext layout: tokens stored raw.
	var legacy legacyCredFile
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, err
	}
	if legacy.AccessToken == "" {
		return nil, nil
	}
	slog.Info("legacy plaintext credential read; will re-encrypt on next write", "path", path)
	return &Credential{
		AccessToken:  legacy.AccessToken,
		RefreshToken: legacy.RefreshToken,
		ExpiresAt:    legacy.ExpiresAt,
		Account:      legacy.Account,
		Version:      1,
	}, nil
}

// tokenCache is the plaintext cache in a file the upstream CLI ignores.
type tokenCache struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	ExpiresAt    time.Time   `json:"expiresAt"`
	Account      AccountInfo `json:"accountInfo"`
}

func (s *Store) writeTokenCache(cred *Credential) {
	data, err := json.Marshal(tokenCache{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    cred.ExpiresAt,
		Account:      cred.Account,
	})
	if err != nil {
		return
	}
	if err := s.writer.Write(filepath.Join(s.dir, tokenCacheName), data, file.OwnerOnly); err != nil {
		slog.Warn("token cache write failed", "error", err)
	}
}

func (s *Store) readTokenCache() *Credential {
	path := filepath.Join(s.dir, tokenCacheName)
	file.EnsureMode(path, file.OwnerOnly)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var tc tokenCache
	if err := json.Unmarshal(data, &tc); err != nil || tc.AccessToken == "" {
		return nil
	}
	return &Credential{
		AccessToken:  tc.AccessToken,
		RefreshToken: tc.RefreshToken,
		ExpiresAt:    tc.ExpiresAt,
		Account:      tc.Account,
		Version:      2,
	}
}

// ReadPassword returns the operator password record, or nil when unset.
func (s *Store) ReadPassword() (*PasswordRecord, error) {
	if err := file.EnsureMode(s.passwordPath, file.OwnerOnly); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.passwordPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rec PasswordRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse password record: %w", err)
	}
	return &rec, nil
}

// WritePassword persists the operator password record.
func (s *Store) WritePassword(rec *PasswordRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return s.writer.Write(s.passwordPath, data, file.OwnerOnly)
}
