package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/modelgate/modelgate/core/apierr"
	"github.com/modelgate/modelgate/core/infra/cache"
	"github.com/modelgate/modelgate/core/infra/logging"
)

const tokenKeyPrefix = "auth:token:"

// TokenCache memoizes introspection results keyed by a one-way hash of the
// raw token. Introspection failures are cached for a short fixed TTL so a
// known-bad token cannot hammer the introspection service.
type TokenCache struct {
	cache        cache.Cache
	introspector Introspector
	ttl          time.Duration
	negativeTTL  time.Duration
	now          func() time.Time
}

type cachedToken struct {
	Claims *Claims `json:"claims,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// NewTokenCache constructs a TokenCache. The cache should be a Fallback so
// introspection keeps working when the shared cache backend is down.
func NewTokenCache(c cache.Cache, introspector Introspector, ttl, negativeTTL time.Duration) *TokenCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if negativeTTL <= 0 {
		negativeTTL = 30 * time.Second
	}
	return &TokenCache{
		cache:        c,
		introspector: introspector,
		ttl:          ttl,
		negativeTTL:  negativeTTL,
		now:          time.Now,
	}
}

// GetOrIntrospect returns claims for the token, introspecting at most once
// per TTL window.
func (tc *TokenCache) GetOrIntrospect(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, apierr.Authentication("missing bearer token")
	}
	key := tokenKey(token)

	if raw, ok, err := tc.cache.Get(ctx, key); err == nil && ok {
		var entry cachedToken
		if err := json.Unmarshal([]byte(raw), &entry); err == nil {
			if entry.Error != "" {
				return nil, apierr.Authentication("%s", entry.Error)
			}
			if entry.Claims != nil {
				return entry.Claims, nil
			}
		}
	} else if err != nil {
		logging.Warn("auth", "token cache read failed", "error", err)
	}

	claims, err := tc.introspector.Introspect(ctx, token)
	if err != nil {
		tc.store(ctx, key, &cachedToken{Error: "token introspection failed"}, tc.negativeTTL)
		ae := apierr.Authentication("token introspection failed")
		ae.Err = err
		return nil, ae
	}
	if !claims.Active {
		tc.store(ctx, key, &cachedToken{Error: "token inactive or revoked"}, tc.negativeTTL)
		return nil, apierr.Authentication("token inactive or revoked")
	}

	ttl := tc.ttl
	if exp := claims.Expiry(); !exp.IsZero() {
		until := exp.Sub(tc.now())
		if until <= 0 {
			tc.store(ctx, key, &cachedToken{Error: "token expired"}, tc.negativeTTL)
			return nil, apierr.Authentication("token expired")
		}
		if until < ttl {
			ttl = until
		}
	}
	tc.store(ctx, key, &cachedToken{Claims: claims}, ttl)
	return claims, nil
}

func (tc *TokenCache) store(ctx context.Context, key string, entry *cachedToken, ttl time.Duration) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := tc.cache.Set(ctx, key, string(data), ttl); err != nil {
		logging.Warn("auth", "token cache write failed", "error", err)
	}
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return tokenKeyPrefix + hex.EncodeToString(sum[:])
}
