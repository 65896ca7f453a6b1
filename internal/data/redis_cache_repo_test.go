package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inter-actief/courier/internal/core"
	"github.com/inter-actief/courier/internal/testutil"
)

func newRedisRepo(t *testing.T) *RedisCacheRepo {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := testutil.SetupTestRedis(t)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCacheRepo(client)
}

func TestRedisCacheRepo_RoundTrip(t *testing.T) {
	repo := newRedisRepo(t)
	ctx := context.Background()
	key := "courier:export:status:" + t.Name()

	got, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got, "a missing key is not an error")

	require.NoError(t, repo.Set(ctx, key, []byte(`{"is_ready":false}`), time.Minute))
	got, err = repo.Get(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"is_ready":false}`, string(got))

	ok, err := repo.SetTTL(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	exists, err := repo.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	deleted, err := repo.Delete(ctx, key)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = repo.Delete(ctx, key)
	require.NoError(t, err)
	assert.False(t, deleted)

	ok, err = repo.SetTTL(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.Health(ctx))
}

func TestRedisCacheRepo_OnceGuardClaimsOnce(t *testing.T) {
	repo := newRedisRepo(t)
	ctx := context.Background()
	guard := core.NewOnceGuard(repo, "courier:report:"+t.Name()+":", time.Minute)

	first, err := guard.Claim(ctx, "wf-1")
	require.NoError(t, err)
	second, err := guard.Claim(ctx, "wf-1")
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second, "a redelivered report job must not claim again")

	require.NoError(t, guard.Release(ctx, "wf-1"))
	again, err := guard.Claim(ctx, "wf-1")
	require.NoError(t, err)
	assert.True(t, again)
	require.NoError(t, guard.Release(ctx, "wf-1"))
}

func TestRedisCacheRepo_SetIfNotExistsExpires(t *testing.T) {
	repo := newRedisRepo(t)
	ctx := context.Background()
	key := "courier:alert:" + t.Name()

	ok, err := repo.SetIfNotExists(ctx, key, []byte("1"), 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		exists, err := repo.Exists(ctx, key)
		return err == nil && !exists
	}, 3*time.Second, 100*time.Millisecond, "a zero ttl still expires")
}

func TestRedisCacheRepo_RejectsEmptyKey(t *testing.T) {
	repo := NewRedisCacheRepo(nil)
	ctx := context.Background()

	require.ErrorIs(t, repo.Set(ctx, "", nil, 0), ErrEmptyCacheKey)
	_, err := repo.Get(ctx, "")
	require.ErrorIs(t, err, ErrEmptyCacheKey)
	_, err = repo.Delete(ctx, "")
	require.ErrorIs(t, err, ErrEmptyCacheKey)
	_, err = repo.Exists(ctx, "")
	require.ErrorIs(t, err, ErrEmptyCacheKey)
	_, err = repo.SetTTL(ctx, "", time.Second)
	require.ErrorIs(t, err, ErrEmptyCacheKey)
	_, err = repo.SetIfNotExists(ctx, "", nil, time.Second)
	require.ErrorIs(t, err, ErrEmptyCacheKey)
}
