package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/adwski/chatroom/client/storage/file"
	"github.com/adwski/chatroom/client/storage/memory"
	redisstore "github.com/adwski/chatroom/client/storage/redis"
	"github.com/go-redis/redis/v8"
)

var ErrUnknownCache = errors.New("unknown identity cache")

// Cache holds the one persisted identity value. Get returns an empty string
// when nothing is cached.
type Cache interface {
	Get(ctx context.Context) (string, error)
	Set(ctx context.Context, username string) error
	Clear(ctx context.Context) error
}

// Open builds a cache from its URL-ish description:
//
//	memory
//	file:///home/me/.config/chatroom/identity.yaml
//	redis://localhost:6379/0
//
// The returned func releases the cache's resources.
func Open(ctx context.Context, spec string) (Cache, func() error, error) {
	noop := func() error { return nil }

	switch {
	case spec == "" || spec == "memory":
		return memory.NewMemStore(), noop, nil

	case strings.HasPrefix(spec, "file://"):
		path := strings.TrimPrefix(spec, "file://")
		if path == "" {
			return nil, nil, ErrUnknownCache
		}
		return file.NewStore(path), noop, nil

	case strings.HasPrefix(spec, "redis://"), strings.HasPrefix(spec, "rediss://"):
		opts, err := redis.ParseURL(spec)
		if err != nil {
			return nil, nil, errors.Join(ErrUnknownCache, err)
		}
		rdb := redis.NewClient(opts)
		if err = rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, errors.Join(redisstore.ErrRedis, err)
		}
		return redisstore.NewStore(rdb, ""), rdb.Close, nil

	default:
		return nil, nil, ErrUnknownCache
	}
}
