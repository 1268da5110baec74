package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeck-dev/codeck/internal/errkind"
	"github.com/codeck-dev/codeck/internal/store/file"
)

// lastSeenDebounce amortises the disk cost of lastSeen updates; the
// in-memory value stays exact so TTL expiry never over-extends a session.
const lastSeenDebounce = 60 * time.Second

// Ticket policy: single use, short lived, so session tokens never appear in
// WebSocket URLs.
const ticketTTL = 30 * time.Second

// SessionData is one authenticated operator session. The token indexing it
// is never included here, so marshalled session data cannot leak it.
type SessionData struct {
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen"`
	IP        string    `json:"ip"`
	DeviceID  string    `json:"deviceId,omitempty"`
}

type ticket struct {
	token     string
	expiresAt time.Time
}

// SessionManager owns auth sessions and WS tickets. In-memory state is
// authoritative; persistence is atomic and best-effort.
type SessionManager struct {
	mu       sync.Mutex
	byToken  map[string]*SessionData
	byID     map[string]string // sessionId → token, O(1) revoke-by-id
	tickets  map[string]*ticket
	ttl      time.Duration
	path     string
	writer   *file.Writer
	lastSave time.Time
	now      func() time.Time
}

// NewSessionManager loads persisted sessions from path.
func NewSessionManager(path string, ttl time.Duration) *SessionManager {
	m := &SessionManager{
		byToken: make(map[string]*SessionData),
		byID:    make(map[string]string),
		tickets: make(map[string]*ticket),
		ttl:     ttl,
		path:    path,
		writer:  file.NewWriter(),
		now:     time.Now,
	}
	m.load()
	return m
}

// Issue creates a session and returns its public id and the bearer token.
// The token is returned exactly once; it is never logged or re-exposed.
func (m *SessionManager) Issue(ip, deviceID string) (sessionID, token string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(raw)
	now := m.now()
	data := &SessionData{
		SessionID: uuid.NewString(),
		CreatedAt: now,
		LastSeen:  now,
		IP:        ip,
		DeviceID:  deviceID,
	}

	m.mu.Lock()
	m.byToken[token] = data
	m.byID[data.SessionID] = token
	m.saveLocked(true)
	m.mu.Unlock()

	slog.Info("session issued", "sessionId", data.SessionID, "ip", ip)
	return data.SessionID, token, nil
}

// Validate resolves a token to its session, touching lastSeen. Expired
// sessions are removed.
func (m *SessionManager) Validate(token string) (*SessionData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.byToken[token]
	if !ok {
		return nil, errkind.New(errkind.Unauthorized, "invalid session")
	}
	now := m.now()
	if now.Sub(data.LastSeen) > m.ttl {
		delete(m.byToken, token)
		delete(m.byID, data.SessionID)
		m.saveLocked(true)
		return nil, errkind.New(errkind.Unauthorized, "session expired")
	}

	data.LastSeen = now
	m.saveLocked(false) // debounced
	copyData := *data
	return &copyData, nil
}

// Revoke drops a session by its public id.
func (m *SessionManager) Revoke(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.byID[sessionID]
	if !ok {
		return errkind.New(errkind.NotFound, "unknown session")
	}
	delete(m.byToken, token)
	delete(m.byID, sessionID)
	m.saveLocked(true)
	slog.Info("session revoked", "sessionId", sessionID)
	return nil
}

// RevokeByToken drops the session a token belongs to (logout).
func (m *SessionManager) RevokeByToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.byToken[token]; ok {
		delete(m.byToken, token)
		delete(m.byID, data.SessionID)
		m.saveLocked(true)
	}
}

// List returns all live sessions.
func (m *SessionManager) List() []SessionData {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionData, 0, len(m.byToken))
	for _, d := range m.byToken {
		out = append(out, *d)
	}
	return out
}

// IssueTicket derives a single-use WS ticket from an active session token.
func (m *SessionManager) IssueTicket(token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byToken[token]; !ok {
		return "", errkind.New(errkind.Unauthorized, "invalid session")
	}
	id := uuid.NewString()
	m.tickets[id] = &ticket{token: token, expiresAt: m.now().Add(ticketTTL)}
	return id, nil
}

// ConsumeTicket redeems a ticket exactly once, returning the session it was
// derived from.
func (m *SessionManager) ConsumeTicket(id string) (*SessionData, error) {
	m.mu.Lock()
	tk, ok := m.tickets[id]
	if ok {
		delete(m.tickets, id)
	}
	m.mu.Unlock()

	if !ok || m.now().After(tk.expiresAt) {
		return nil, errkind.New(errkind.Unauthorized, "invalid or expired ticket")
	}
	return m.Validate(tk.token)
}

// RunTicketGC expires stale tickets until ctx is cancelled.
func (m *SessionManager) RunTicketGC(ctx context.Context) {
	tick := time.NewTicker(ticketTTL)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			now := m.now()
			m.mu.Lock()
			for id, tk := range m.tickets {
				if now.After(tk.expiresAt) {
					delete(m.tickets, id)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Flush forces a persistence write (shutdown path).
func (m *SessionManager) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveLocked(true)
}

// saveLocked persists sessions atomically. With force=false the write is
// debounced. An empty table removes the file instead of writing `{}`.
func (m *SessionManager) saveLocked(force bool) {
	if !force && m.now().Sub(m.lastSave) < lastSeenDebounce {
		return
	}
	m.lastSave = m.now()

	if len(m.byToken) == 0 {
		if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
			slog.Warn("session file remove failed", "error", err)
		}
		return
	}

	data, err := json.MarshalIndent(m.byToken, "", "  ")
	if err != nil {
		return
	}
	if err := m.writer.Write(m.path, data, file.OwnerOnly); err != nil {
		slog.Warn("session persist failed", "error", err)
	}
}

func (m *SessionManager) load() {
	if err := file.EnsureMode(m.path, file.OwnerOnly); err != nil {
		return
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		return
	}
	var stored map[string]*SessionData
	if err := json.Unmarshal(data, &stored); err != nil {
		slog.Warn("session file corrupt, ignoring", "error", err)
		return
	}
	now := m.now()
	for token, d := range stored {
		if now.Sub(d.LastSeen) > m.ttl {
			continue
		}
		m.byToken[token] = d
		m.byID[d.SessionID] = token
	}
}
