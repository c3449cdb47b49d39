package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis 共享缓存：每台设备一个 hash，field 为命令
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

type redisEntry struct {
	Output   string    `json:"output"`
	StoredAt time.Time `json:"stored_at"`
}

// NewRedis 初始化 Redis 连接并测试
func NewRedis(ctx context.Context, opts Options) (*Redis, error) {
	if opts.Addr == "" {
		return nil, errors.New("cache: redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "clisession:show:"
	}
	return &Redis{rdb: rdb, ttl: opts.TTL, prefix: prefix}, nil
}

func (r *Redis) key(device string) string { return r.prefix + device }

func (r *Redis) Get(ctx context.Context, device, command string) (string, bool, error) {
	data, err := r.rdb.HGet(ctx, r.key(device), normalize(command)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get value: %w", err)
	}
	var e redisEntry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return "", false, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	// hash 的过期时间随最近一次写入刷新，单条记录按写入时间判断
	if time.Since(e.StoredAt) >= r.ttl {
		return "", false, nil
	}
	return e.Output, true, nil
}

func (r *Redis) Set(ctx context.Context, device, command, output string) error {
	data, err := json.Marshal(redisEntry{Output: output, StoredAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	key := r.key(device)
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, normalize(command), data)
	pipe.Expire(ctx, key, r.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) InvalidateDevice(ctx context.Context, device string) error {
	return r.rdb.Del(ctx, r.key(device)).Err()
}

func (r *Redis) Close() error { return r.rdb.Close() }
