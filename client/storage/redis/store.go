package redis

import (
	"context"
	"errors"

	"github.com/go-redis/redis/v8"
)

const DefaultKey = "chatroom:username"

var ErrRedis = errors.New("redis identity store failure")

// Store keeps the cached identity under a single Redis key, which lets
// several client processes on one machine share a login.
type Store struct {
	rdb *redis.Client
	key string
}

func NewStore(rdb *redis.Client, key string) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{
		rdb: rdb,
		key: key,
	}
}

func (s *Store) Get(ctx context.Context) (string, error) {
	username, err := s.rdb.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Join(ErrRedis, err)
	}
	return username, nil
}

func (s *Store) Set(ctx context.Context, username string) error {
	if err := s.rdb.Set(ctx, s.key, username, 0).Err(); err != nil {
		return errors.Join(ErrRedis, err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return errors.Join(ErrRedis, err)
	}
	return nil
}
