// Package cache holds the Redis-backed attestation stores and the distributed card lock.
// They let several cardgate instances share challenges, reader tokens and per-card
// serialization.
package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/poyrazK/cardgate/internal/core/domain"
	"github.com/poyrazK/cardgate/internal/core/ports"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "cardgate:"

	// ChallengeRetention keeps settled challenges around after expiry so late
	// submissions still resolve to a definite error.
	ChallengeRetention = 10 * time.Minute
	DefaultLockLease   = 5 * time.Second
)

// NewClient opens a Redis client.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Ping checks connectivity.
func Ping(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}

func challengeKey(value string) string { return keyPrefix + "challenge:" + value }
func tokenKey(token string) string     { return keyPrefix + "token:" + token }
func lastKey(readerID string) string   { return keyPrefix + "reader:" + readerID + ":attestation" }
func lockKey(cardID string) string     { return keyPrefix + "lock:" + cardID }

// consumeScript atomically moves an issued challenge to consumed.
// KEYS[1] challenge key; ARGV[1] reader id; ARGV[2] now in unix millis.
var consumeScript = redis.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'reader', 'state', 'expires')
if not h[1] or h[1] ~= ARGV[1] then return 'notfound' end
if h[2] == 'expired' then return 'expired' end
if h[2] ~= 'issued' then return 'notfound' end
if tonumber(ARGV[2]) > tonumber(h[3]) then return 'expired' end
redis.call('HSET', KEYS[1], 'state', 'consumed')
return 'ok'
`)

// failureScript counts a failed signature and retires the challenge at the limit.
// KEYS[1] challenge key; ARGV[1] max failures.
var failureScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local n = redis.call('HINCRBY', KEYS[1], 'failures', 1)
local max = tonumber(ARGV[1])
if max > 0 and n >= max and redis.call('HGET', KEYS[1], 'state') == 'issued' then
  redis.call('HSET', KEYS[1], 'state', 'expired')
end
return n
`)

// unlockScript deletes the lock only if it is still held by the caller's token.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// ChallengeStore implements ports.ChallengeStore on Redis hashes.
type ChallengeStore struct {
	client *redis.Client
}

func NewChallengeStore(client *redis.Client) *ChallengeStore {
	return &ChallengeStore{client: client}
}

func (s *ChallengeStore) Put(ctx context.Context, ch *domain.Challenge) error {
	key := challengeKey(ch.Value)
	state := ch.State
	if state == "" {
		state = domain.ChallengeIssued
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"reader", ch.ReaderID,
		"issued", ch.IssuedAt.UnixMilli(),
		"expires", ch.ExpiresAt.UnixMilli(),
		"state", string(state),
		"failures", ch.Failures,
	)
	pipe.PExpireAt(ctx, key, ch.ExpiresAt.Add(ChallengeRetention))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	return nil
}

func (s *ChallengeStore) Get(ctx context.Context, value string) (*domain.Challenge, error) {
	h, err := s.client.HGetAll(ctx, challengeKey(value)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, nil
	}
	issued, _ := strconv.ParseInt(h["issued"], 10, 64)
	expires, _ := strconv.ParseInt(h["expires"], 10, 64)
	failures, _ := strconv.Atoi(h["failures"])
	return &domain.Challenge{
		Value:     value,
		ReaderID:  h["reader"],
		IssuedAt:  time.UnixMilli(issued).UTC(),
		ExpiresAt: time.UnixMilli(expires).UTC(),
		State:     domain.ChallengeState(h["state"]),
		Failures:  failures,
	}, nil
}

func (s *ChallengeStore) Consume(ctx context.Context, readerID, value string, now time.Time) error {
	res, err := consumeScript.Run(ctx, s.client, []string{challengeKey(value)}, readerID, now.UnixMilli()).Text()
	if err != nil {
		return fmt.Errorf("failed to consume challenge: %w", err)
	}
	switch res {
	case "ok":
		return nil
	case "expired":
		return domain.ErrChallengeExpired
	default:
		return domain.ErrChallengeNotFound
	}
}

func (s *ChallengeStore) RecordFailure(ctx context.Context, value string, maxFailures int) error {
	n, err := failureScript.Run(ctx, s.client, []string{challengeKey(value)}, maxFailures).Int()
	if err != nil {
		return fmt.Errorf("failed to record challenge failure: %w", err)
	}
	if n < 0 {
		return domain.ErrChallengeNotFound
	}
	return nil
}

// TokenStore implements ports.TokenStore. Token keys expire with the token; the
// per-reader pointer to the latest attestation is retained for status reporting.
type TokenStore struct {
	client *redis.Client
}

func NewTokenStore(client *redis.Client) *TokenStore {
	return &TokenStore{client: client}
}

func (s *TokenStore) Put(ctx context.Context, tok *domain.AttestationToken) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	ttl := time.Until(tok.ExpiresAt)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, tokenKey(tok.Token), data, ttl)
	pipe.Set(ctx, lastKey(tok.ReaderID), data, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

func (s *TokenStore) Get(ctx context.Context, token string) (*domain.AttestationToken, error) {
	return s.load(ctx, tokenKey(token))
}

func (s *TokenStore) LastAttested(ctx context.Context, readerID string) (*domain.AttestationToken, error) {
	return s.load(ctx, lastKey(readerID))
}

func (s *TokenStore) load(ctx context.Context, key string) (*domain.AttestationToken, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var tok domain.AttestationToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("corrupt token record: %w", err)
	}
	return &tok, nil
}

// Locker is a lease-based distributed implementation of ports.CardLocker.
// A holder that dies releases the card once the lease lapses.
type Locker struct {
	client *redis.Client
	lease  time.Duration
	logger *slog.Logger
}

func NewLocker(client *redis.Client, lease time.Duration, logger *slog.Logger) *Locker {
	if lease <= 0 {
		lease = DefaultLockLease
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{client: client, lease: lease, logger: logger}
}

var errLockHeld = errors.New("lock held")

// Lock polls with exponential backoff until the lease is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, cardID string) (func(), error) {
	owner := make([]byte, 16)
	if _, err := rand.Read(owner); err != nil {
		return nil, err
	}
	token := hex.EncodeToString(owner)
	key := lockKey(cardID)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		ok, err := l.client.SetNX(ctx, key, token, l.lease).Result()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errLockHeld
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to acquire card lock: %w", err)
	}

	return func() {
		uctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := unlockScript.Run(uctx, l.client, []string{key}, token).Err(); err != nil {
			l.logger.Warn("failed to release card lock", "card_id", cardID, "error", err)
		}
	}, nil
}

var (
	_ ports.ChallengeStore = (*ChallengeStore)(nil)
	_ ports.TokenStore     = (*TokenStore)(nil)
	_ ports.CardLocker     = (*Locker)(nil)
)
