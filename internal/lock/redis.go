package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gudangku/backend/internal/domain"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis holds the lock as a key whose value is a per-acquisition token, so a
// holder whose TTL expired cannot release somebody else's lock. Waiters poll
// with capped exponential backoff until the lock frees up or ctx ends.
type Redis struct {
	client        *redis.Client
	ttl           time.Duration
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	// maxWait bounds the wait when ctx carries no deadline.
	maxWait time.Duration
	logger  *zap.Logger
}

func NewRedis(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:        client,
		ttl:           ttl,
		retryDelay:    5 * time.Millisecond,
		maxRetryDelay: 100 * time.Millisecond,
		maxWait:       2 * ttl,
		logger:        logger,
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := "lock:" + key
	token := uuid.NewString()

	waitCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.maxWait)
		defer cancel()
	}

	delay := r.retryDelay
	for {
		ok, err := r.client.SetNX(waitCtx, lockKey, token, r.ttl).Result()
		if err != nil {
			if waitCtx.Err() != nil {
				return nil, domain.TransactionError("waiting for lock "+key, waitCtx.Err())
			}
			r.logger.Error("failed to acquire lock", zap.String("key", lockKey), zap.Error(err))
			return nil, domain.TransactionError("lock store unavailable", err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
					defer cancel()
					if err := releaseScript.Run(releaseCtx, r.client, []string{lockKey}, token).Err(); err != nil {
						r.logger.Warn("failed to release lock", zap.String("key", lockKey), zap.Error(err))
					}
				})
			}, nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-waitCtx.Done():
			timer.Stop()
			return nil, domain.TransactionError("waiting for lock "+key, waitCtx.Err())
		}
		delay = min(delay*2, r.maxRetryDelay)
	}
}
