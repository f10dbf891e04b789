package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/avfleet/handoff"
)

const bufferKeyPrefix = "handoff:buffer:"

// Buffer is the Redis-backed handoff.BufferQueue. Entries survive a
// coordinator crash; the drainer picks them up again after restart. The cap
// check is a read-then-push, which is safe because the coordinator is the
// queue's only producer.
type Buffer struct {
	conn         *Connection
	maxPerRegion int
}

// NewBuffer returns a Buffer over the global connection.
func NewBuffer(maxPerRegion int) *Buffer {
	if maxPerRegion <= 0 {
		maxPerRegion = 1000
	}
	return &Buffer{
		conn:         connection,
		maxPerRegion: maxPerRegion,
	}
}

func (b *Buffer) key(target string) string {
	return bufferKeyPrefix + target
}

func (b *Buffer) client() (*redis.Client, error) {
	if b.conn == nil || b.conn.Client == nil {
		return nil, handoff.Errorf(handoff.Unavailable, "redis connection is not open")
	}
	return b.conn.Client, nil
}

func (b *Buffer) Enqueue(ctx context.Context, e handoff.BufferEntry) error {
	c, err := b.client()
	if err != nil {
		return err
	}
	n, err := c.LLen(ctx, b.key(e.Target)).Result()
	if err != nil {
		return handoff.WrapError(handoff.Unavailable, err)
	}
	if int(n) >= b.maxPerRegion {
		return handoff.Errorf(handoff.BufferFull, "buffer for %s is at capacity (%d)", e.Target, b.maxPerRegion)
	}
	ba, err := json.Marshal(e)
	if err != nil {
		return handoff.WrapError(handoff.Internal, err)
	}
	if err := c.RPush(ctx, b.key(e.Target), ba).Err(); err != nil {
		return handoff.WrapError(handoff.Unavailable, err)
	}
	return nil
}

func (b *Buffer) Front(ctx context.Context, target string) (handoff.BufferEntry, bool, error) {
	c, err := b.client()
	if err != nil {
		return handoff.BufferEntry{}, false, err
	}
	s, err := c.LIndex(ctx, b.key(target), 0).Result()
	if err == redis.Nil {
		return handoff.BufferEntry{}, false, nil
	}
	if err != nil {
		return handoff.BufferEntry{}, false, handoff.WrapError(handoff.Unavailable, err)
	}
	var e handoff.BufferEntry
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return handoff.BufferEntry{}, false, handoff.WrapError(handoff.Internal, fmt.Errorf("corrupt buffer entry for %s: %w", target, err))
	}
	return e, true, nil
}

func (b *Buffer) Pop(ctx context.Context, target string) error {
	c, err := b.client()
	if err != nil {
		return err
	}
	if err := c.LPop(ctx, b.key(target)).Err(); err != nil && err != redis.Nil {
		return handoff.WrapError(handoff.Unavailable, err)
	}
	return nil
}

func (b *Buffer) Size(ctx context.Context, target string) (int, error) {
	c, err := b.client()
	if err != nil {
		return 0, err
	}
	n, err := c.LLen(ctx, b.key(target)).Result()
	if err != nil {
		return 0, handoff.WrapError(handoff.Unavailable, err)
	}
	return int(n), nil
}
