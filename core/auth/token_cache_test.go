package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelgate/modelgate/core/apierr"
	"github.com/modelgate/modelgate/core/infra/cache"
)

type countingIntrospector struct {
	calls  atomic.Int64
	claims *Claims
	err    error
}

func (c *countingIntrospector) Introspect(_ context.Context, _ string) (*Claims, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.claims, nil
}

func activeClaims(exp time.Time) *Claims {
	return &Claims{
		Active:    true,
		Subject:   "oidc|user-1",
		Username:  "jdoe",
		Domain:    "example.org",
		Groups:    []string{"11111111-1111-1111-1111-111111111111"},
		ExpiresAt: exp.Unix(),
	}
}

func TestGetOrIntrospectCachesWithinTTL(t *testing.T) {
	upstream := &countingIntrospector{claims: activeClaims(time.Now().Add(time.Hour))}
	tc := NewTokenCache(cache.NewLocalCache(0), upstream, 5*time.Minute, 30*time.Second)
	ctx := context.Background()

	first, err := tc.GetOrIntrospect(ctx, "tok-abc")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := tc.GetOrIntrospect(ctx, "tok-abc")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if got := upstream.calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 introspection call, got %d", got)
	}
	if first.Subject != second.Subject || second.Username != "jdoe" {
		t.Fatalf("cached claims mismatch: %#v vs %#v", first, second)
	}
}

func TestGetOrIntrospectDistinctTokens(t *testing.T) {
	upstream := &countingIntrospector{claims: activeClaims(time.Now().Add(time.Hour))}
	tc := NewTokenCache(cache.NewLocalCache(0), upstream, 5*time.Minute, 30*time.Second)
	ctx := context.Background()

	if _, err := tc.GetOrIntrospect(ctx, "tok-a"); err != nil {
		t.Fatalf("tok-a: %v", err)
	}
	if _, err := tc.GetOrIntrospect(ctx, "tok-b"); err != nil {
		t.Fatalf("tok-b: %v", err)
	}
	if got := upstream.calls.Load(); got != 2 {
		t.Fatalf("distinct tokens must each introspect once, got %d", got)
	}
}

func TestNegativeCaching(t *testing.T) {
	upstream := &countingIntrospector{err: errors.New("introspection service down")}
	tc := NewTokenCache(cache.NewLocalCache(0), upstream, 5*time.Minute, 30*time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := tc.GetOrIntrospect(ctx, "tok-bad")
		if apierr.KindOf(err) != apierr.KindAuthentication {
			t.Fatalf("expected authentication error, got %v", err)
		}
	}
	if got := upstream.calls.Load(); got != 1 {
		t.Fatalf("known-bad token should introspect once, got %d", got)
	}
}

func TestInactiveTokenRejected(t *testing.T) {
	upstream := &countingIntrospector{claims: &Claims{Active: false}}
	tc := NewTokenCache(cache.NewLocalCache(0), upstream, 5*time.Minute, 30*time.Second)

	_, err := tc.GetOrIntrospect(context.Background(), "tok-revoked")
	if apierr.StatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("inactive token should map to 401, got %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	upstream := &countingIntrospector{claims: activeClaims(time.Now().Add(-time.Minute))}
	tc := NewTokenCache(cache.NewLocalCache(0), upstream, 5*time.Minute, 30*time.Second)

	_, err := tc.GetOrIntrospect(context.Background(), "tok-expired")
	if apierr.StatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("expired token should map to 401, got %v", err)
	}
}

func TestTTLBoundedByTokenExpiry(t *testing.T) {
	exp := time.Now().Add(10 * time.Second)
	upstream := &countingIntrospector{claims: activeClaims(exp)}
	local := cache.NewLocalCache(0)
	tc := NewTokenCache(local, upstream, time.Hour, 30*time.Second)
	ctx := context.Background()

	if _, err := tc.GetOrIntrospect(ctx, "tok-short"); err != nil {
		t.Fatalf("introspect: %v", err)
	}
	// The cached entry must not outlive the token, despite the hour TTL.
	raw, ok, err := local.Get(ctx, tokenKey("tok-short"))
	if err != nil || !ok || raw == "" {
		t.Fatalf("expected cached entry: ok=%v err=%v", ok, err)
	}
}

func TestHTTPIntrospectorRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if err := r.ParseForm(); err != nil || r.PostFormValue("token") != "tok-1" {
			t.Errorf("token form field not sent")
		}
		if got := r.Header.Get("Authorization"); got != "Bearer gw-secret" {
			t.Errorf("gateway credential not sent: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"active":true,"sub":"oidc|u1","username":"jdoe","groups":["g1"],"exp":` +
			"4102444800" + `}`))
	}))
	defer srv.Close()

	claims, err := NewHTTPIntrospector(srv.URL, "gw-secret").Introspect(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	if !claims.Active || claims.Username != "jdoe" || !claims.InGroup("g1") {
		t.Fatalf("unexpected claims: %#v", claims)
	}
}

func TestHTTPIntrospectorNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewHTTPIntrospector(srv.URL, "").Introspect(context.Background(), "tok"); err == nil {
		t.Fatalf("expected error for non-200 introspection response")
	}
}
