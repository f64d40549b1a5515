package lease

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ajitpratap0/tidewater/pkg/config"
	"github.com/ajitpratap0/tidewater/pkg/errors"
)

// Release and extend only act on a key still holding our token.
var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// Redis is a Leaser shared by every process using the same Redis.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedis wraps an existing client.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "tidewater:lease:"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

// DialRedis connects using cfg and verifies the server answers.
func DialRedis(ctx context.Context, cfg config.LeaseConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "connecting to lease redis")
	}
	return NewRedis(rdb, cfg.Prefix), nil
}

// Close closes the underlying client
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Acquire implements Leaser with SET NX PX.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	full := r.prefix + key
	token := uuid.NewString()

	ok, err := r.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "acquiring lease")
	}
	if !ok {
		return nil, notAcquired(key)
	}
	return &redisLease{rdb: r.rdb, key: key, full: full, token: token}, nil
}

type redisLease struct {
	rdb   redis.UniversalClient
	key   string
	full  string
	token string
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.rdb, []string{l.full}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "extending lease")
	}
	if n == 0 {
		return notHeld(l.key)
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.full}, l.token).Int64()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "releasing lease")
	}
	if n == 0 {
		return notHeld(l.key)
	}
	return nil
}

// New builds the leaser cfg selects.
func New(ctx context.Context, cfg config.LeaseConfig) (Leaser, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(), nil
	case "redis":
		return DialRedis(ctx, cfg)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown lease backend %q", cfg.Backend)
	}
}
