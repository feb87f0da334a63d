package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Config configures the Redis consumer.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Key          string
	BlockTimeout time.Duration
	// StopOnIdle ends the stream when a pop times out on an empty list.
	StopOnIdle bool
}

// Consumer wraps a Redis list popper.
type Consumer struct {
	client       *redis.Client
	key          string
	blockTimeout time.Duration
	stopOnIdle   bool
}

// NewConsumer creates a Redis consumer for list-based queues.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Consumer{
		client:       client,
		key:          cfg.Key,
		blockTimeout: cfg.BlockTimeout,
		stopOnIdle:   cfg.StopOnIdle,
	}, nil
}

// Pop pops one message from the list. A timed-out pop returns nil, nil, or
// io.EOF when the consumer stops on idle.
func (c *Consumer) Pop(ctx context.Context) ([]byte, error) {
	res, err := c.client.BLPop(ctx, c.blockTimeout, c.key).Result()
	if err == redis.Nil {
		if c.stopOnIdle {
			return nil, io.EOF
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// Retryable reports whether a Pop error is worth retrying. Network errors
// are; a closed client or a cancelled context is not.
func (c *Consumer) Retryable(err error) bool {
	return !errors.Is(err, redis.ErrClosed) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	return c.client.Close()
}

// String names the source in logs.
func (c *Consumer) String() string {
	return fmt.Sprintf("redis list %s", c.key)
}
