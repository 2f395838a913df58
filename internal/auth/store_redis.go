package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore keeps Info as a JSON string under one Redis key, so several
// pagesave instances can share a login.
type RedisStore struct {
	client goredis.Cmdable
	key    string
}

// NewRedisStore returns a store using key on client.
func NewRedisStore(client goredis.Cmdable, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

// Load reads the key. Returns (nil, nil) if it does not exist.
func (s *RedisStore) Load(ctx context.Context) (*Info, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("auth: redis get %s: %w", s.key, err)
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("auth: decoding redis key %s: %w", s.key, err)
	}

	if info.Token == nil {
		return nil, fmt.Errorf("auth: redis key %s missing token field (re-login required)", s.key)
	}

	return &info, nil
}

// Save stores info without expiry; the refresh token outlives the access
// token.
func (s *RedisStore) Save(ctx context.Context, info *Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("auth: encoding: %w", err)
	}

	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("auth: redis set %s: %w", s.key, err)
	}

	return nil
}

// Remove deletes the key.
func (s *RedisStore) Remove(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("auth: redis del %s: %w", s.key, err)
	}

	return nil
}
