package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tileview/internal/tile"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Redis is a tile cache shared between several viewers. Tiles fetched from
// other sources are stored back into it.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

var (
	_ Source = (*Redis)(nil)
	_ Sink   = (*Redis)(nil)
)

func NewRedis(cfg RedisConfig, log *zap.Logger) (*Redis, error) {
	if log == nil {
		log = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	log.Info("Using redis tile cache", zap.String("addr", cfg.Addr), zap.Duration("ttl", ttl))
	return &Redis{
		client: client,
		ttl:    ttl,
		log:    log,
	}, nil
}

func (r *Redis) keyFor(key tile.Key) string {
	return fmt.Sprintf("tile:%s:%d:%d", key.Layer, key.X, key.Y)
}

func (r *Redis) Name() string {
	return "redis"
}

func (r *Redis) Fetch(ctx context.Context, key tile.Key) ([]byte, error) {
	data, err := r.client.Get(ctx, r.keyFor(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get error: %w", err)
	}
	return data, nil
}

func (r *Redis) Store(ctx context.Context, key tile.Key, data []byte) error {
	if err := r.client.Set(ctx, r.keyFor(key), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

func (r *Redis) IsNetwork() bool     { return true }
func (r *Redis) IsSynchronous() bool { return false }
func (r *Redis) ShouldPersist() bool { return true }

func (r *Redis) Close() error {
	return r.client.Close()
}
