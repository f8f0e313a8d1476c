package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/config"
)

func TestMemoryRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	m := NewMemory(time.Hour)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "history:example.com", []string{"1.2.3.4", "5.6.7.8"}))

	var ips []string
	found, err := m.Get(ctx, "history:example.com", &ips)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"1.2.3.4", "5.6.7.8"}, ips)

	now = now.Add(time.Hour)
	found, err = m.Get(ctx, "history:example.com", &ips)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryMiss(t *testing.T) {
	var v string
	found, err := NewMemory(time.Minute).Get(context.Background(), "nope", &v)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNewFallsBackToMemory(t *testing.T) {
	c := New(config.RedisConfig{}, nil)
	_, ok := c.(*Memory)
	assert.True(t, ok)

	c = New(config.RedisConfig{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond}, nil)
	_, ok = c.(*Memory)
	assert.True(t, ok)
	assert.NoError(t, c.Close())
}
