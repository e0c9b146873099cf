package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	revokedSetKey  = "bookclub:revoked_tokens"
	revokerTimeout = 3 * time.Second
)

// TokenRevoker is a denylist of token IDs. Entries lapse once the token they
// name would have expired anyway.
type TokenRevoker interface {
	Revoke(tokenID string, until time.Time) error
	IsRevoked(tokenID string) (bool, error)
}

// MemoryTokenRevoker is a process-local denylist for single-instance and
// test deployments.
type MemoryTokenRevoker struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryTokenRevoker() *MemoryTokenRevoker {
	return &MemoryTokenRevoker{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (r *MemoryTokenRevoker) Revoke(tokenID string, until time.Time) error {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, exp := range r.entries {
		if !exp.After(now) {
			delete(r.entries, id)
		}
	}
	if until.After(now) {
		r.entries[tokenID] = until
	}
	return nil
}

func (r *MemoryTokenRevoker) IsRevoked(tokenID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.entries[tokenID]
	return ok && exp.After(r.now()), nil
}

// RedisTokenRevoker keeps the denylist in one sorted set scored by expiry so
// every replica sees the same revocations. Lapsed members are pruned on each
// write.
type RedisTokenRevoker struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisTokenRevoker(client *redis.Client) *RedisTokenRevoker {
	return &RedisTokenRevoker{client: client, now: time.Now}
}

func (r *RedisTokenRevoker) Revoke(tokenID string, until time.Time) error {
	now := r.now()
	if !until.After(now) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), revokerTimeout)
	defer cancel()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, revokedSetKey, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
		pipe.ZAdd(ctx, revokedSetKey, redis.Z{Score: float64(until.UnixMilli()), Member: tokenID})
		return nil
	})
	return err
}

func (r *RedisTokenRevoker) IsRevoked(tokenID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), revokerTimeout)
	defer cancel()
	score, err := r.client.ZScore(ctx, revokedSetKey, tokenID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return int64(score) > r.now().UnixMilli(), nil
}
