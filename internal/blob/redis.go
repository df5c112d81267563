package blob

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/tandemlab/tandem/internal/metrics"
	"github.com/tandemlab/tandem/internal/protocol"
)

// blobTTL bounds how long unreferenced content lives server-side. Context
// items re-store on update, refreshing the clock.
const blobTTL = 7 * 24 * time.Hour

// RedisStore keeps blobs in Redis so several server processes can share
// referenced content.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings before returning a store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "ping redis")
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// blobKey returns the key addressing one blob.
func blobKey(hash string) string {
	return fmt.Sprintf("blob:%s", hash)
}

func (s *RedisStore) Store(ctx context.Context, data []byte) (string, error) {
	hash := Hash(data)
	start := time.Now()

	pipe := s.client.Pipeline()
	pipe.Set(ctx, blobKey(hash), data, blobTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errors.Wrap(err, "store blob")
	}

	metrics.BlobLatency.Observe(time.Since(start).Seconds())
	return hash, nil
}

func (s *RedisStore) Retrieve(ctx context.Context, hash string) ([]byte, error) {
	start := time.Now()
	data, err := s.client.Get(ctx, blobKey(hash)).Bytes()
	if err == redis.Nil {
		return nil, protocol.NotFound("no blob %s", hash)
	}
	if err != nil {
		return nil, errors.Wrap(err, "retrieve blob")
	}
	if Hash(data) != hash {
		return nil, ErrIntegrity
	}
	metrics.BlobLatency.Observe(time.Since(start).Seconds())
	return data, nil
}

func (s *RedisStore) Has(ctx context.Context, hash string) (bool, error) {
	n, err := s.client.Exists(ctx, blobKey(hash)).Result()
	if err != nil {
		return false, errors.Wrap(err, "check blob")
	}
	return n > 0, nil
}

func (s *RedisStore) Delete(ctx context.Context, hash string) error {
	if err := s.client.Del(ctx, blobKey(hash)).Err(); err != nil {
		return errors.Wrap(err, "delete blob")
	}
	return nil
}
