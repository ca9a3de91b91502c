package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection parameters for the Redis backend.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	KeyPrefix  string
}

// NewRedisClient creates a go-redis client and pings it.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// Redis stores records as plain string values under a key prefix.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	if err := r.rdb.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

// releaseLua deletes the lease key only if it still holds the caller's
// token, so a writer can never release a lease another process took over.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// renewLua extends the lease TTL only while the caller still owns it.
const renewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// AcquireLease claims the writer key with SET NX and a TTL. Hold renews it
// every ttl/3; a writer that stops renewing loses the lease after ttl.
func (r *Redis) AcquireLease(ctx context.Context, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	key := r.prefix + "writer"
	token := uuid.New().String()

	ok, err := r.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lease: %w", err)
	}
	if !ok {
		holder, _ := r.rdb.Get(ctx, key).Result()
		return nil, fmt.Errorf("%w: redis %s held by %s", ErrWriterActive, key, holder)
	}
	return &redisLease{
		rdb:     r.rdb,
		key:     key,
		token:   token,
		ttl:     ttl,
		renew:   redis.NewScript(renewLua),
		release: redis.NewScript(releaseLua),
	}, nil
}

type redisLease struct {
	rdb     *redis.Client
	key     string
	token   string
	ttl     time.Duration
	renew   *redis.Script
	release *redis.Script
	once    sync.Once
}

func (l *redisLease) Hold(ctx context.Context) error {
	ticker := time.NewTicker(renewInterval(l.ttl))
	defer ticker.Stop()
	renewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := l.renew.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				// Retried on the next tick until the key would have expired.
				if time.Since(renewed) >= l.ttl {
					return fmt.Errorf("%w: redis %s: %v", ErrLeaseLost, l.key, err)
				}
				continue
			}
			if n == 0 {
				return fmt.Errorf("%w: redis %s", ErrLeaseLost, l.key)
			}
			renewed = time.Now()
		}
	}
}

func (l *redisLease) Release() {
	l.once.Do(func() {
		// Background context so release works after the caller's context
		// is cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.release.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
	})
}

var (
	_ KV     = (*Memory)(nil)
	_ KV     = (*Postgres)(nil)
	_ KV     = (*Redis)(nil)
	_ Locker = (*KeyedMutex)(nil)
)
