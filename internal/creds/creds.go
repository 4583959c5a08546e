// Package creds supplies the bearer credential used by both the push
// stream and the send endpoint. The connection manager refreshes it
// proactively ahead of expiry and reactively after an auth failure.
package creds

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Credential is one access token with its expiry. A zero ExpiresAt
// means the expiry is unknown and proactive refresh is disabled.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Supplier exposes the current credential and a refresh operation.
type Supplier interface {
	Current() Credential
	Refresh(ctx context.Context) (Credential, error)
}

// RefreshFunc exchanges the previous token for a fresh one.
type RefreshFunc func(ctx context.Context, previous string) (string, error)

// Refresher implements Supplier over a RefreshFunc. Concurrent Refresh
// calls are collapsed into a single upstream exchange; every caller
// receives the same new credential.
type Refresher struct {
	mu      sync.RWMutex
	current Credential
	refresh RefreshFunc
	group   singleflight.Group
	logger  *zap.Logger
}

// NewRefresher creates a supplier seeded with an initial token. The
// token's expiry is read from its JWT exp claim when present.
func NewRefresher(initialToken string, refresh RefreshFunc, logger *zap.Logger) *Refresher {
	return &Refresher{
		current: Credential{Token: initialToken, ExpiresAt: expiryOf(initialToken)},
		refresh: refresh,
		logger:  logger,
	}
}

// Current returns the credential as of the last successful refresh.
func (r *Refresher) Current() Credential {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Refresh exchanges the credential. Safe to call from multiple
// goroutines; only one upstream call happens at a time.
func (r *Refresher) Refresh(ctx context.Context) (Credential, error) {
	v, err, _ := r.group.Do("refresh", func() (any, error) {
		prev := r.Current()
		token, err := r.refresh(ctx, prev.Token)
		if err != nil {
			return Credential{}, fmt.Errorf("refresh credential: %w", err)
		}
		cred := Credential{Token: token, ExpiresAt: expiryOf(token)}
		r.mu.Lock()
		r.current = cred
		r.mu.Unlock()
		r.logger.Info("credential refreshed", zap.Time("expires_at", cred.ExpiresAt))
		return cred, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// Static is a Supplier with a fixed token, for tests and tooling.
type Static struct {
	Credential Credential
}

func (s Static) Current() Credential { return s.Credential }

func (s Static) Refresh(context.Context) (Credential, error) {
	return s.Credential, nil
}

// expiryOf reads the exp claim without verifying the signature; the
// client only schedules refreshes from it, the server still validates.
func expiryOf(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
