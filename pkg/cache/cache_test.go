package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDisabledByTTL(t *testing.T) {
	c, err := New(context.Background(), Options{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, c)

	_, err = New(context.Background(), Options{Backend: "memcached", TTL: time.Second})
	assert.Error(t, err)
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "R1", "show  version", "IOS 15"))
	out, ok, err := m.Get(ctx, "R1", " show version ")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "IOS 15", out)

	_, ok, _ = m.Get(ctx, "R2", "show version")
	assert.False(t, ok)

	now = now.Add(time.Minute)
	_, ok, _ = m.Get(ctx, "R1", "show version")
	assert.False(t, ok, "expired")

	require.NoError(t, m.Set(ctx, "R1", "show clock", "12:00"))
	require.NoError(t, m.InvalidateDevice(ctx, "R1"))
	_, ok, _ = m.Get(ctx, "R1", "show clock")
	assert.False(t, ok)
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("CLISESSION_TEST_REDIS")
	if addr == "" {
		t.Skip("CLISESSION_TEST_REDIS not set")
	}
	ctx := context.Background()
	c, err := New(ctx, Options{Backend: "redis", TTL: time.Minute, Addr: addr, KeyPrefix: "clisession:test:"})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "R1", "show version", "IOS 15"))
	out, ok, err := c.Get(ctx, "R1", "show version")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "IOS 15", out)

	require.NoError(t, c.InvalidateDevice(ctx, "R1"))
	_, ok, err = c.Get(ctx, "R1", "show version")
	require.NoError(t, err)
	assert.False(t, ok)
}
