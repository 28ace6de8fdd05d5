package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "cohort-tags:project:"

// RedisStore persists project documents as Redis strings
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a store over an existing client
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisStoreFromURL parses a redis:// URL and connects
func NewRedisStoreFromURL(ctx context.Context, rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func redisKey(projectID string) string {
	return redisKeyPrefix + projectID
}

// Load returns the project's document, or nil when there is none
func (s *RedisStore) Load(ctx context.Context, projectID string) ([]byte, error) {
	data, err := s.client.Get(ctx, redisKey(projectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read project %s: %w", projectID, err)
	}
	return data, nil
}

// Store replaces the project's document
func (s *RedisStore) Store(ctx context.Context, projectID string, data []byte) error {
	if err := s.client.Set(ctx, redisKey(projectID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write project %s: %w", projectID, err)
	}
	return nil
}

// ListProjectIDs scans for every project key, sorted
func (s *RedisStore) ListProjectIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), redisKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Client returns the underlying client, shared with the rate limiter
func (s *RedisStore) Client() redis.UniversalClient {
	return s.client
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var (
	_ BlobStore     = (*RedisStore)(nil)
	_ ProjectLister = (*RedisStore)(nil)
)
