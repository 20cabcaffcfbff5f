package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/soaringjerry/Elicit/internal/services"
)

// ErrLockHeld is returned while another holder owns the key.
var ErrLockHeld = errors.New("conversation lock held")

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker is a services.Locker shared by every process using the same Redis.
// A lock expires after TTL so a crashed holder cannot wedge a conversation.
type Locker struct {
	client *Client
	keys   *KeyBuilder
	ttl    time.Duration
	log    *zap.Logger
}

var _ services.Locker = (*Locker)(nil)

func NewLocker(client *Client, keys *KeyBuilder, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: client, keys: keys, ttl: ttl, log: client.log}
}

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	k := l.keys.Lock(key)
	token := uuid.NewString()
	try := func() error {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("acquire lock: %w", err))
		}
		if !ok {
			return ErrLockHeld
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 0
	if err := backoff.Retry(try, backoff.WithContext(bo, ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		// release even when the caller's context is already done
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{k}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.log.Warn("release lock", zap.String("key", k), zap.Error(err))
		}
	}, nil
}
