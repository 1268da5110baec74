package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/codeck-dev/codeck/internal/credstore"
	"github.com/codeck-dev/codeck/internal/errkind"
	"github.com/codeck-dev/codeck/internal/store/file"
)

// LoginState is the PKCE machine state.
type LoginState int

const (
	StateIdle LoginState = iota
	StateAwaitingCode
	StateExchanging
)

func (s LoginState) String() string {
	switch s {
	case StateAwaitingCode:
		return "awaiting-code"
	case StateExchanging:
		return "exchanging"
	default:
		return "idle"
	}
}

// loginTimeout bounds how long a started login stays redeemable.
const loginTimeout = 5 * time.Minute

const oauthScope = "org:create_api_key user:profile user:inference"

// Endpoints configures the upstream OAuth endpoints.
type Endpoints struct {
	AuthorizeURL string
	TokenURL     string
	ClientID     string
	RedirectURI  string
}

// pkcePending is the persisted in-flight login state, so a restart during
// login survives.
type pkcePending struct {
	Verifier  string    `json:"codeVerifier"`
	State     string    `json:"state"`
	Nonce     string    `json:"nonce"`
	CreatedAt time.Time `json:"createdAt"`
}

// OAuthManager drives the PKCE login flow and credential writes.
type OAuthManager struct {
	mu          sync.Mutex
	state       LoginState
	pending     *pkcePending
	store       *credstore.Store
	endpoints   Endpoints
	pendingPath string
	client      *http.Client
	writer      *file.Writer
	now         func() time.Time
}

// NewOAuthManager creates the manager; a pending login persisted by a
// previous process is resumed if still within the timeout.
func NewOAuthManager(store *credstore.Store, endpoints Endpoints, pendingPath string) *OAuthManager {
	m := &OAuthManager{
		state:       StateIdle,
		store:       store,
		endpoints:   endpoints,
		pendingPath: pendingPath,
		client:      &http.Client{Timeout: 30 * time.Second},
		writer:      file.NewWriter(),
		now:         time.Now,
	}
	m.resumePending()
	return m
}

func (m *OAuthManager) resumePending() {
	data, err := os.ReadFile(m.pendingPath)
	if err != nil {
		return
	}
	var p pkcePending
	if err := json.Unmarshal(data, &p); err != nil {
		os.Remove(m.pendingPath)
		return
	}
	if time.Since(p.CreatedAt) > loginTimeout {
		os.Remove(m.pendingPath)
		return
	}
	m.pending = &p
	m.state = StateAwaitingCode
	slog.Info("resumed pending oauth login")
}

// State returns the current machine state.
func (m *OAuthManager) State() LoginState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Authenticated reports whether a usable credential exists.
func (m *OAuthManager) Authenticated() bool {
	cred, err := m.store.ReadCred()
	return err == nil && cred != nil && cred.AccessToken != ""
}

// StartLogin generates fresh PKCE material and returns the authorisation
// URL. Restarting while AwaitingCode discards the previous attempt.
func (m *OAuthManager) StartLogin(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errkind.Wrap(errkind.Transient, "login cancelled", err)
	}

	verifier, err := randomURLSafe(32)
	if err != nil {
		return "", err
	}
	state, err := randomURLSafe(16)
	if err != nil {
		return "", err
	}
	nonce, err := randomURLSafe(16)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	pending := &pkcePending{
		Verifier:  verifier,
		State:     state,
		Nonce:     nonce,
		CreatedAt: m.now(),
	}

	m.mu.Lock()
	m.pending = pending
	m.state = StateAwaitingCode
	data, _ := json.Marshal(pending)
	if err := m.writer.Write(m.pendingPath, data, file.OwnerOnly); err != nil {
		slog.Warn("pkce state persist failed", "error", err)
	}
	m.mu.Unlock()

	q := url.Values{}
	q.Set("code", "true")
	q.Set("client_id", m.endpoints.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", m.endpoints.RedirectURI)
	q.Set("scope", oauthScope)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)
	return m.endpoints.AuthorizeURL + "?" + q.Encode(), nil
}

// Cancel abandons an in-flight login and cleans persisted PKCE state.
func (m *OAuthManager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
}

// SendCode completes the flow with whatever the operator pasted: a
// `code#state` pair, a full callback URL, a raw code, or a long-lived API
// token. Authorisation codes are single use, so any exchange failure cleans
// the PKCE state; the operator must restart the login.
func (m *OAuthManager) SendCode(ctx context.Context, input string) error {
	input = strings.TrimSpace(input)

	// A pasted long-lived token short-circuits the code exchange.
	if strings.HasPrefix(input, "sk-ant-") {
		return m.store.WriteCred(&credstore.Credential{
			AccessToken: input,
			ExpiresAt:   m.now().Add(365 * 24 * time.Hour),
			Version:     2,
		})
	}

	m.mu.Lock()
	if m.state != StateAwaitingCode || m.pending == nil {
		m.mu.Unlock()
		return errkind.New(errkind.Validation, "no login in progress")
	}
	if m.now().Sub(m.pending.CreatedAt) > loginTimeout {
		m.cleanupLocked()
		m.mu.Unlock()
		return errkind.New(errkind.Validation, "login expired, start again")
	}
	pending := *m.pending
	m.state = StateExchanging
	m.mu.Unlock()

	code, returnedState, err := extractCode(input)
	if err == nil && returnedState != "" && returnedState != pending.State {
		err = errkind.New(errkind.Validation, "state mismatch")
	}
	if err != nil {
		m.failExchange()
		return err
	}

	cred, err := m.exchange(ctx, code, pending)
	if err != nil {
		m.failExchange()
		return err
	}

	if err := m.store.WriteCred(cred); err != nil {
		m.failExchange()
		return err
	}

	m.mu.Lock()
	m.cleanupLocked()
	m.mu.Unlock()
	slog.Info("oauth login complete", "account", cred.Account.Email)
	return nil
}

func (m *OAuthManager) failExchange() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
}

func (m *OAuthManager) cleanupLocked() {
	m.state = StateIdle
	m.pending = nil
	if err := os.Remove(m.pendingPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("pkce state remove failed", "error", err)
	}
}

// extractCode parses the operator-pasted value into (code, state).
func extractCode(input string) (code, state string, err error) {
	if input == "" {
		return "", "", errkind.New(errkind.Validation, "empty code")
	}

	if strings.Contains(input, "://") {
		u, perr := url.Parse(input)
		if perr != nil {
			return "", "", errkind.Wrap(errkind.Validation, "bad callback URL", perr)
		}
		code = u.Query().Get("code")
		state = u.Query().Get("state")
		if code == "" {
			return "", "", errkind.New(errkind.Validation, "callback URL has no code")
		}
		// The provider may fold state into the code as code#state.
		if i := strings.IndexByte(code, '#'); i >= 0 {
			state = code[i+1:]
			code = code[:i]
		}
		return code, state, nil
	}

	if i := strings.IndexByte(input, '#'); i >= 0 {
		return input[:i], input[i+1:], nil
	}
	return input, "", nil
}

// tokenResponse is the token endpoint's success payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Account      struct {
		Email string `json:"email_address"`
		UUID  string `json:"uuid"`
	} `json:"account"`
	Organization struct {
		Name string `json:"name"`
		UUID string `json:"uuid"`
	} `json:"organization"`
}

func (m *OAuthManager) exchange(ctx context.Context, code string, pending pkcePending) (*credstore.Credential, error) {
	body := map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"state":         pending.State,
		"client_id":     m.endpoints.ClientID,
		"redirect_uri":  m.endpoints.RedirectURI,
		"code_verifier": pending.Verifier,
	}
	tok, err := m.postToken(ctx, body)
	if err != nil {
		return nil, err
	}
	return m.credentialFrom(tok), nil
}

// RefreshGrant exchanges a refresh token for fresh tokens.
func (m *OAuthManager) RefreshGrant(ctx context.Context, refreshToken string) (*credstore.Credential, error) {
	tok, err := m.postToken(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     m.endpoints.ClientID,
	})
	if err != nil {
		return nil, err
	}
	return m.credentialFrom(tok), nil
}

func (m *OAuthManager) credentialFrom(tok *tokenResponse) *credstore.Credential {
	return &credstore.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    m.now().Add(time.Duration(tok.ExpiresIn) * time.Second),
		Account: credstore.AccountInfo{
			Email:       tok.Account.Email,
			AccountUUID: tok.Account.UUID,
			OrgName:     tok.Organization.Name,
			OrgUUID:     tok.Organization.UUID,
		},
		Version: 2,
	}
}

func (m *OAuthManager) postToken(ctx context.Context, body map[string]string) (*tokenResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoints.TokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, "token endpoint", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := errkind.Transient
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind = errkind.Validation
		}
		return nil, errkind.Newf(kind, "token endpoint %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errkind.New(errkind.Validation, "token response missing access_token")
	}
	return &tok, nil
}

func randomURLSafe(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
