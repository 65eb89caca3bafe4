package graphclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"
)

// earlyRefreshWindow mirrors the source worker's _get_token: a cached token
// is considered usable only while more than this much lifetime remains.
const earlyRefreshWindow = 60 * time.Second

// tokenCacheKeyPrefix prefixes the shared Redis key: one client-credentials
// token per tenant/client pair, reused across every worker replica.
const tokenCacheKeyPrefix = "graphsync:token:"

// cachedToken is the shape stored in Redis (JSON).
type cachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// tokenCache performs the cache+refresh step from the source worker under a
// single mutex (one check, then at most one refresh while the lock is held), with oauth2/clientcredentials standing in for the
// MSAL confidential-client call that actually acquires the token. When rdb
// is non-nil, the acquired token is also shared across replicas via Redis
// so only one replica at a time needs to hit the token endpoint; rdb may be
// nil, in which case the cache is purely in-process.
type tokenCache struct {
	cfg *clientcredentials.Config
	rdb *redis.Client
	key string

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenCache(tenantID, clientID, clientSecret, scope string, rdb *redis.Client) *tokenCache {
	return &tokenCache{
		cfg: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID),
			Scopes:       []string{scope},
		},
		rdb: rdb,
		key: tokenCacheKeyPrefix + tenantID + ":" + clientID,
	}
}

func (t *tokenCache) Get(ctx context.Context) (string, error) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && now.Before(t.expiresAt.Add(-earlyRefreshWindow)) {
		return t.token, nil
	}

	if shared, ok := t.getShared(ctx, now); ok {
		t.token = shared.AccessToken
		t.expiresAt = shared.ExpiresAt
		return t.token, nil
	}

	tok, err := t.cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("acquiring graph token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("acquiring graph token: empty access token")
	}

	t.token = tok.AccessToken
	if !tok.Expiry.IsZero() {
		t.expiresAt = tok.Expiry
	} else {
		t.expiresAt = time.Now().Add(55 * time.Minute)
	}

	t.putShared(ctx, cachedToken{AccessToken: t.token, ExpiresAt: t.expiresAt})
	return t.token, nil
}

// getShared reads a still-fresh token another replica cached in Redis.
// Any Redis error is treated as a cache miss: the token endpoint is the
// source of truth, Redis is only ever an optimization.
func (t *tokenCache) getShared(ctx context.Context, now time.Time) (cachedToken, bool) {
	if t.rdb == nil {
		return cachedToken{}, false
	}
	raw, err := t.rdb.Get(ctx, t.key).Bytes()
	if err != nil {
		return cachedToken{}, false
	}
	var shared cachedToken
	if err := json.Unmarshal(raw, &shared); err != nil {
		return cachedToken{}, false
	}
	if shared.AccessToken == "" || !now.Before(shared.ExpiresAt.Add(-earlyRefreshWindow)) {
		return cachedToken{}, false
	}
	return shared, true
}

func (t *tokenCache) putShared(ctx context.Context, tok cachedToken) {
	if t.rdb == nil {
		return
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return
	}
	ttl := time.Until(tok.ExpiresAt)
	if ttl <= 0 {
		return
	}
	_ = t.rdb.Set(ctx, t.key, raw, ttl).Err()
}

// Invalidate clears the cached token, forcing the next Get to refresh. Used
// after a 401 response.
func (t *tokenCache) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
	t.expiresAt = time.Time{}
	if t.rdb != nil {
		_ = t.rdb.Del(context.Background(), t.key).Err()
	}
}
