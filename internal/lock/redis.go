package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"

	"github.com/docavailable/session-engine/internal/config"
)

// Снятие блокировки атомарно и только своим токеном: крашнувшийся
// инстанс не может снять чужую блокировку, просроченная снимается TTL.
var releaseScript = redis.NewScript(1, `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker — распределённая блокировка поверх redis (SET NX PX).
type RedisLocker struct {
	pool *redis.Pool
}

func NewRedisLocker(cfg config.RedisConfig) *RedisLocker {
	return &RedisLocker{
		pool: &redis.Pool{
			MaxIdle:     3,
			IdleTimeout: 240 * time.Second,
			DialContext: func(ctx context.Context) (redis.Conn, error) {
				opts := []redis.DialOption{redis.DialDatabase(cfg.DB)}
				if cfg.Password != "" {
					opts = append(opts, redis.DialPassword(cfg.Password))
				}
				return redis.DialContext(ctx, "tcp", cfg.Addr, opts...)
			},
		},
	}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (func() error, bool, error) {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("redis lock: get conn: %w", err)
	}
	defer conn.Close()

	key := "lock:" + name
	token := uuid.NewString()

	reply, err := redis.String(conn.Do("SET", key, token, "NX", "PX", ttl.Milliseconds()))
	if err == redis.ErrNil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis lock: set %s: %w", key, err)
	}
	if reply != "OK" {
		return nil, false, nil
	}

	release := func() error {
		conn := l.pool.Get()
		defer conn.Close()
		if _, err := releaseScript.Do(conn, key, token); err != nil {
			return fmt.Errorf("redis lock: release %s: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}

// Close закрывает пул соединений.
func (l *RedisLocker) Close() error {
	return l.pool.Close()
}
