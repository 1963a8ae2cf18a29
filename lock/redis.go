package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/ironsession/internal/logger"
	"github.com/jmcleod/ironsession/internal/uuid"
)

// DefaultPrefix namespaces lock keys in a shared redis.
const DefaultPrefix = "ironsession:lock:"

const releaseTimeout = 2 * time.Second

// releaseScript deletes the key only while it still holds our token, so an
// expired lock re-taken by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by SET NX PX, shared by every process pointed
// at the same server.
type Redis struct {
	client redis.UniversalClient
	prefix string
	log    *slog.Logger
}

// NewRedis wraps an existing client. The caller owns the client.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{client: client, prefix: prefix, log: logger.Component(nil, "lock")}
}

// DialRedis parses url, connects and pings.
func DialRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedis(client, ""), nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	k := r.prefix + key
	token := uuid.New()
	ok, err := r.client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring %s: %w", k, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.release(k, token) })
	}, true, nil
}

func (r *Redis) release(k, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := releaseScript.Run(ctx, r.client, []string{k}, token).Err(); err != nil {
		r.log.Warn("releasing lock", "key", k, "error", err)
	}
}
