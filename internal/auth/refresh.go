package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codeck-dev/codeck/internal/bus"
	"github.com/codeck-dev/codeck/internal/credstore"
	"github.com/codeck-dev/codeck/internal/errkind"
	"github.com/codeck-dev/codeck/pkg/protocol"
)

const (
	refreshCheckInterval = 5 * time.Minute
	refreshLeeway        = 30 * time.Minute
)

var errNoRefreshToken = errkind.New(errkind.Unauthorized, "no refresh token, login required")

// TokenRefresher keeps the upstream access token fresh: a background monitor
// refreshes it before expiry, and any caller can force a refresh after a 401.
type TokenRefresher struct {
	oauth *OAuthManager
	store *credstore.Store
	bus   bus.Publisher

	mu       sync.Mutex
	inFlight bool
	done     chan struct{}
	now      func() time.Time
}

func NewTokenRefresher(oauth *OAuthManager, store *credstore.Store, publisher bus.Publisher) *TokenRefresher {
	return &TokenRefresher{
		oauth: oauth,
		store: store,
		bus:   publisher,
		now:   time.Now,
	}
}

// Run checks token freshness on an interval until ctx is cancelled.
func (r *TokenRefresher) Run(ctx context.Context) {
	tick := time.NewTicker(refreshCheckInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			r.maybeRefresh(ctx)
		}
	}
}

func (r *TokenRefresher) maybeRefresh(ctx context.Context) {
	cred, err := r.store.ReadCred()
	if err != nil || cred == nil || cred.RefreshToken == "" {
		return
	}
	if cred.ExpiresAt.Sub(r.now()) > refreshLeeway {
		return
	}
	if _, err := r.Refresh(ctx); err != nil {
		slog.Warn("token refresh failed", "error", err)
	}
}

// Refresh exchanges the stored refresh token for new tokens. Concurrent
// callers are serialised: late arrivals wait for the in-flight exchange and
// read its result instead of spending the refresh token twice.
func (r *TokenRefresher) Refresh(ctx context.Context) (*credstore.Credential, error) {
	r.mu.Lock()
	if r.inFlight {
		done := r.done
		r.mu.Unlock()
		select {
		case <-done:
			return r.store.ReadCred()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.inFlight = true
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight = false
		r.mu.Unlock()
		close(done)
	}()

	cred, err := r.store.ReadCred()
	if err != nil {
		return nil, err
	}
	if cred == nil || cred.RefreshToken == "" {
		r.announceExpired()
		return nil, errNoRefreshToken
	}

	fresh, err := r.oauth.RefreshGrant(ctx, cred.RefreshToken)
	if err != nil {
		r.announceExpired()
		return nil, err
	}
	// Some responses omit account info; keep what we had.
	if fresh.Account.Email == "" {
		fresh.Account = cred.Account
	}
	if err := r.store.WriteCred(fresh); err != nil {
		return nil, err
	}
	slog.Info("access token refreshed", "expiresAt", fresh.ExpiresAt)
	return fresh, nil
}

// announceExpired tells connected clients re-auth is needed.
func (r *TokenRefresher) announceExpired() {
	if r.bus == nil {
		return
	}
	r.bus.Broadcast(bus.Event{
		Name:    protocol.EventStatus,
		Payload: protocol.StatusPayload{Authenticated: false},
	})
}
