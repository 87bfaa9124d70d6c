package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/poyrazK/cardgate/internal/core/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func issued(value, reader string, now time.Time) *domain.Challenge {
	return &domain.Challenge{
		Value: value, ReaderID: reader, IssuedAt: now, ExpiresAt: now.Add(time.Minute),
		State: domain.ChallengeIssued,
	}
}

func TestChallengeStore_Lifecycle(t *testing.T) {
	_, client := newTestClient(t)
	store := NewChallengeStore(client)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Put(ctx, issued("c1", "door-1", now)))

	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "door-1", got.ReaderID)
	assert.Equal(t, domain.ChallengeIssued, got.State)
	assert.Equal(t, now.Add(time.Minute).UnixMilli(), got.ExpiresAt.UnixMilli())

	missing, err := store.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.ErrorIs(t, store.Consume(ctx, "door-2", "c1", now), domain.ErrChallengeNotFound)
	require.NoError(t, store.Consume(ctx, "door-1", "c1", now))
	assert.ErrorIs(t, store.Consume(ctx, "door-1", "c1", now), domain.ErrChallengeNotFound)
	assert.ErrorIs(t, store.Consume(ctx, "door-1", "unknown", now), domain.ErrChallengeNotFound)

	got, err = store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.ChallengeConsumed, got.State)
}

func TestChallengeStore_Expired(t *testing.T) {
	_, client := newTestClient(t)
	store := NewChallengeStore(client)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Put(ctx, issued("c1", "door-1", now)))
	err := store.Consume(ctx, "door-1", "c1", now.Add(time.Minute+time.Millisecond))
	assert.ErrorIs(t, err, domain.ErrChallengeExpired)
}

func TestChallengeStore_RecordFailure(t *testing.T) {
	_, client := newTestClient(t)
	store := NewChallengeStore(client)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Put(ctx, issued("c1", "door-1", now)))
	for i := 0; i < 2; i++ {
		require.NoError(t, store.RecordFailure(ctx, "c1", 3))
	}
	got, _ := store.Get(ctx, "c1")
	assert.Equal(t, 2, got.Failures)
	assert.Equal(t, domain.ChallengeIssued, got.State)

	require.NoError(t, store.RecordFailure(ctx, "c1", 3))
	got, _ = store.Get(ctx, "c1")
	assert.Equal(t, domain.ChallengeExpired, got.State)
	assert.ErrorIs(t, store.Consume(ctx, "door-1", "c1", now), domain.ErrChallengeExpired)

	assert.ErrorIs(t, store.RecordFailure(ctx, "ghost", 3), domain.ErrChallengeNotFound)
}

func TestChallengeStore_ConcurrentConsume(t *testing.T) {
	_, client := newTestClient(t)
	store := NewChallengeStore(client)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.Put(ctx, issued("c1", "door-1", now)))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.Consume(ctx, "door-1", "c1", now) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestChallengeStore_RetentionTTL(t *testing.T) {
	mr, client := newTestClient(t)
	store := NewChallengeStore(client)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, issued("c1", "door-1", time.Now())))

	ttl := mr.TTL(challengeKey("c1"))
	assert.Greater(t, ttl, ChallengeRetention)
	assert.LessOrEqual(t, ttl, ChallengeRetention+time.Minute)
}

func TestTokenStore(t *testing.T) {
	mr, client := newTestClient(t)
	store := NewTokenStore(client)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	tok := &domain.AttestationToken{Token: "t1", ReaderID: "door-1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, store.Put(ctx, tok))

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Valid("door-1", now))

	last, err := store.LastAttested(ctx, "door-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", last.Token)

	none, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, none)

	mr.FastForward(2 * time.Hour)
	expired, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, expired)
	last, err = store.LastAttested(ctx, "door-1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, now.Equal(last.IssuedAt))
}

func TestLocker_MutualExclusion(t *testing.T) {
	_, client := newTestClient(t)
	locker := NewLocker(client, time.Second, nil)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "card-1")
	require.NoError(t, err)

	tctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(tctx, "card-1")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	other, err := locker.Lock(ctx, "card-2")
	require.NoError(t, err)
	other()

	unlock()
	again, err := locker.Lock(ctx, "card-1")
	require.NoError(t, err)
	again()
}

func TestLocker_LeaseExpiry(t *testing.T) {
	mr, client := newTestClient(t)
	locker := NewLocker(client, time.Second, nil)
	ctx := context.Background()

	stale, err := locker.Lock(ctx, "card-1")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := locker.Lock(ctx, "card-1")
	require.NoError(t, err)

	// The stale holder must not release the new holder's lease.
	stale()
	assert.True(t, mr.Exists(lockKey("card-1")))
	fresh()
	assert.False(t, mr.Exists(lockKey("card-1")))
}

func TestLocker_Serializes(t *testing.T) {
	_, client := newTestClient(t)
	locker := NewLocker(client, 5*time.Second, nil)
	ctx := context.Background()

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "card-1")
			if err != nil {
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
}

func TestRedisUnavailable(t *testing.T) {
	mr, client := newTestClient(t)
	mr.Close()
	ctx := context.Background()

	assert.Error(t, Ping(ctx, client))
	_, err := NewChallengeStore(client).Get(ctx, "c1")
	assert.Error(t, err)

	tctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = NewLocker(client, time.Second, nil).Lock(tctx, "card-1")
	assert.Error(t, err)
}
