package creds

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeJWT builds an unsigned JWT carrying the given exp claim.
func fakeJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	claims, err := json.Marshal(map[string]any{"exp": exp.Unix(), "sub": "user-1"})
	if err != nil {
		t.Fatal(err)
	}
	payload := base64.RawURLEncoding.EncodeToString(claims)
	sig := base64.RawURLEncoding.EncodeToString([]byte("sig"))
	return header + "." + payload + "." + sig
}

func TestExpiryFromJWT(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	r := NewRefresher(fakeJWT(t, exp), nil, zap.NewNop())

	cred := r.Current()
	if !cred.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", cred.ExpiresAt, exp)
	}
}

func TestOpaqueTokenHasNoExpiry(t *testing.T) {
	r := NewRefresher("not-a-jwt", nil, zap.NewNop())
	if !r.Current().ExpiresAt.IsZero() {
		t.Error("opaque token should have zero expiry")
	}
}

func TestRefreshReplacesCredential(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	next := fakeJWT(t, exp)
	r := NewRefresher("old", func(_ context.Context, previous string) (string, error) {
		if previous != "old" {
			t.Errorf("previous = %q, want old", previous)
		}
		return next, nil
	}, zap.NewNop())

	cred, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if cred.Token != next {
		t.Error("refresh did not return the new token")
	}
	if r.Current().Token != next {
		t.Error("Current() did not pick up the new token")
	}
}

func TestRefreshFailureKeepsOldCredential(t *testing.T) {
	r := NewRefresher("old", func(context.Context, string) (string, error) {
		return "", fmt.Errorf("upstream down")
	}, zap.NewNop())

	if _, err := r.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh() should fail")
	}
	if r.Current().Token != "old" {
		t.Error("failed refresh must not clobber the current credential")
	}
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	r := NewRefresher("old", func(context.Context, string) (string, error) {
		calls.Add(1)
		<-release
		return "new", nil
	}, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Refresh(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	// Let the goroutines pile up on the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
}
