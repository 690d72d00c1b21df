package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the client shared by the change bus and the rate limiter.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// DialTimeout bounds connecting; IOTimeout bounds each command.
	DialTimeout time.Duration
	IOTimeout   time.Duration
}

// Redis holds the client and answers health checks.
type Redis struct {
	Client *redis.Client
}

// NewRedis builds a client. Nothing is dialled until the first command. Zero timeouts keep
// the bus and limiter failing fast: 2s to connect, 1s per command.
func NewRedis(opts RedisOptions) *Redis {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 2 * time.Second
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = time.Second
	}
	return &Redis{Client: redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.IOTimeout,
		WriteTimeout: opts.IOTimeout,
	})}
}

// Healthy pings redis within the command timeout.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

// Close releases the client's connections.
func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}
