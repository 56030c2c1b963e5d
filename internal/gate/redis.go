package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "weaver:scan:"

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisGate holds site locks in Redis so several processes sharing one database
// do not run the same site at once
type RedisGate struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient creates a client and verifies the connection
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

// NewRedisGate creates a gate on an existing client. ttl bounds how long a crashed
// holder can keep a site locked.
func NewRedisGate(client *redis.Client, ttl time.Duration) *RedisGate {
	return &RedisGate{client: client, ttl: ttl}
}

// Acquire implements Gate using SET NX with a unique token
func (g *RedisGate) Acquire(ctx context.Context, site string) (func(), error) {
	key := keyPrefix + site
	token := uuid.New().String()

	ok, err := g.client.SetArgs(ctx, key, token, redis.SetArgs{Mode: "NX", TTL: g.ttl}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to acquire site lock: %w", err)
	}
	if ok != "OK" {
		return nil, ErrLocked
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, g.client, []string{key}, token).Err(); err != nil {
				logrus.Warnf("Failed to release site lock %s: %v", site, err)
			}
		})
	}, nil
}
