package credstore

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cred"), filepath.Join(dir, "auth.json"), "test-master-key")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func testCred() *Credential {
	return &Credential{
		AccessToken:  "access-token-abc",
		RefreshToken: "refresh-token-def",
		ExpiresAt:    time.Now().Add(8 * time.Hour).UTC().Truncate(time.Second),
		Account:      AccountInfo{Email: "op@example.com", AccountUUID: "11111111-2222-3333-4444-555555555555"},
	}
}

func TestCred_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	want := testCred()

	if err := s.WriteCred(want); err != nil {
		t.Fatalf("WriteCred: %v", err)
	}

	// Drop the in-memory copy to force a disk read.
	s.memCred = nil
	got, err := s.ReadCred()
	if err != nil {
		t.Fatalf("ReadCred: %v", err)
	}
	if got == nil {
		t.Fatal("ReadCred returned nil")
	}
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken {
		t.Errorf("tokens = (%q,%q), want (%q,%q)", got.AccessToken, got.RefreshToken, want.AccessToken, want.RefreshToken)
	}
	if !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("expiresAt = %v, want %v", got.ExpiresAt, want.ExpiresAt)
	}
}

func TestCred_TokensNotPlaintextOnDisk(t *testing.T) {
	s := openTestStore(t)
	if err := s.WriteCred(testCred()); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(s.credPath())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "access-token-abc") {
		t.Error("access token stored in plaintext")
	}

	info, _ := os.Stat(s.credPath())
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %o, want 0600", info.Mode().Perm())
	}
}

func TestCred_TamperedCiphertextFails(t *testing.T) {
	s := openTestStore(t)
	if err := s.WriteCred(testCred()); err != nil {
		t.Fatal(err)
	}

	raw, _ := os.ReadFile(s.credPath())
	var v2 credFileV2
	if err := json.Unmarshal(raw, &v2); err != nil {
		t.Fatal(err)
	}

	// Flip one ciphertext byte.
	sealed, _ := base64.StdEncoding.DecodeString(v2.AccessToken)
	sealed[len(sealed)-1] ^= 0xff
	v2.AccessToken = base64.StdEncoding.EncodeToString(sealed)
	mutated, _ := json.Marshal(v2)
	if err := os.WriteFile(s.credPath(), mutated, 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := s.readCredFile(s.credPath()); err == nil {
		t.Error("tampered ciphertext decrypted without error")
	}
}

func TestCred_LegacyPlaintextReadable(t *testing.T) {
	s := openTestStore(t)
	legacy := legacyCredFile{
		AccessToken:  "legacy-access",
		RefreshToken: "legacy-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	data, _ := json.Marshal(legacy)
	if err := os.WriteFile(s.credPath(), data, 0600); err != nil {
		t.Fatal(err)
	}

	got, err := s.ReadCred()
	if err != nil {
		t.Fatalf("ReadCred: %v", err)
	}
	if got == nil || got.AccessToken != "legacy-access" {
		t.Fatalf("legacy read = %+v", got)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1 (legacy)", got.Version)
	}

	// A write re-encrypts.
	if err := s.WriteCred(got); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(s.credPath())
	if strings.Contains(string(raw), "legacy-access") {
		t.Error("legacy token still plaintext after rewrite")
	}
}

func TestCred_SurvivesPrimaryDeletion(t *testing.T) {
	s := openTestStore(t)
	if err := s.WriteCred(testCred()); err != nil {
		t.Fatal(err)
	}

	// The CLI wipes credentials.json; in-memory copy still authorises.
	if err := os.Remove(s.credPath()); err != nil {
		t.Fatal(err)
	}
	got, err := s.ReadCred()
	if err != nil || got == nil {
		t.Fatalf("ReadCred after deletion = (%+v, %v)", got, err)
	}

	// Restore rebuilds the primary from backup.
	if err := s.RestoreFromBackup(); err != nil {
		t.Fatalf("RestoreFromBackup: %v", err)
	}
	if !s.HasPrimary() {
		t.Error("primary not restored")
	}
}

func TestCred_ReadRepairsLoosePermissions(t *testing.T) {
	s := openTestStore(t)
	if err := s.WriteCred(testCred()); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(s.credPath(), 0644); err != nil {
		t.Fatal(err)
	}

	s.memCred = nil
	if _, err := s.ReadCred(); err != nil {
		t.Fatal(err)
	}
	info, _ := os.Stat(s.credPath())
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode after read = %o, want 0600", info.Mode().Perm())
	}
}

func TestPassword_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec, err := s.ReadPassword()
	if err != nil || rec != nil {
		t.Fatalf("empty store ReadPassword = (%+v, %v), want (nil, nil)", rec, err)
	}

	want := &PasswordRecord{Algorithm: AlgoScryptV1, Salt: "aabb", Hash: "ccdd", Cost: 1 << 17}
	if err := s.WritePassword(want); err != nil {
		t.Fatalf("WritePassword: %v", err)
	}
	got, err := s.ReadPassword()
	if err != nil {
		t.Fatal(err)
	}
	if got.Algorithm != want.Algorithm || got.Hash != want.Hash || got.Cost != want.Cost {
		t.Errorf("got %+v, want %+v", got, want)
	}
}
