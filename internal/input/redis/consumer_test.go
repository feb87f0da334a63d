package redis

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConsumerDefaults(t *testing.T) {
	c, err := NewConsumer(Config{Key: "gpu:events", StopOnIdle: true})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, 5*time.Second, c.blockTimeout)
	assert.True(t, c.stopOnIdle)
	assert.Equal(t, "redis list gpu:events", c.String())
}

func TestNewConsumerRequiresKey(t *testing.T) {
	_, err := NewConsumer(Config{})
	assert.Error(t, err)
}

func TestPopDrainsListThenStopsOnIdle(t *testing.T) {
	mr := miniredis.RunT(t)
	_, err := mr.RPush("gpu:events", `{"ts":1}`, `{"ts":2}`)
	require.NoError(t, err)

	c, err := NewConsumer(Config{Addr: mr.Addr(), Key: "gpu:events", BlockTimeout: time.Second, StopOnIdle: true})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	first, err := c.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"ts":1}`, string(first))

	second, err := c.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"ts":2}`, string(second))

	_, err = c.Pop(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestRetryable(t *testing.T) {
	c := &Consumer{}
	assert.True(t, c.Retryable(errors.New("dial tcp: connection refused")))
	assert.False(t, c.Retryable(redis.ErrClosed))
	assert.False(t, c.Retryable(context.Canceled))
}
