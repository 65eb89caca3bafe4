package graphclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenCacheSharedCacheDisabledWithoutRedis(t *testing.T) {
	tc := newTokenCache("tenant", "client", "secret", "scope", nil)

	_, ok := tc.getShared(context.Background(), time.Now())
	assert.False(t, ok, "expected no shared token without a configured redis client")

	// putShared must be a no-op, not a panic, when rdb is nil.
	tc.putShared(context.Background(), cachedToken{AccessToken: "x", ExpiresAt: time.Now().Add(time.Hour)})
}

func TestTokenCacheInvalidateClearsLocalState(t *testing.T) {
	tc := newTokenCache("tenant", "client", "secret", "scope", nil)
	tc.token = "cached"
	tc.expiresAt = time.Now().Add(time.Hour)

	tc.Invalidate()

	assert.Empty(t, tc.token)
	assert.True(t, tc.expiresAt.IsZero())
}
