// Package cache 只读命令输出缓存，按设备分组，写命令成功后整组失效。
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ShowCache 只读命令缓存
type ShowCache interface {
	// Get 命中返回 (output, true)
	Get(ctx context.Context, device, command string) (string, bool, error)
	Set(ctx context.Context, device, command, output string) error
	// InvalidateDevice 清除设备的全部缓存
	InvalidateDevice(ctx context.Context, device string) error
	Close() error
}

// Options 缓存选项
type Options struct {
	// Backend none | memory | redis
	Backend string
	// TTL 为 0 时不缓存
	TTL       time.Duration
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// New 按选项创建缓存
func New(ctx context.Context, opts Options) (ShowCache, error) {
	if opts.TTL <= 0 {
		return Nop{}, nil
	}
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "none":
		return Nop{}, nil
	case "memory":
		return NewMemory(opts.TTL), nil
	case "redis":
		return NewRedis(ctx, opts)
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", opts.Backend)
	}
}

// Nop 不缓存
type Nop struct{}

func (Nop) Get(context.Context, string, string) (string, bool, error) { return "", false, nil }

func (Nop) Set(context.Context, string, string, string) error { return nil }

func (Nop) InvalidateDevice(context.Context, string) error { return nil }

func (Nop) Close() error { return nil }

// normalize 命令比较前去掉首尾空白与重复空格
func normalize(command string) string {
	return strings.Join(strings.Fields(command), " ")
}
