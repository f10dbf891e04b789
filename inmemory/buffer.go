package inmemory

import (
	"context"
	log "log/slog"
	"sync"

	"github.com/avfleet/handoff"
)

// Buffer is an ephemeral handoff.BufferQueue. Buffered entries die with the
// process; the redis buffer is the durable default.
type Buffer struct {
	mu           sync.Mutex
	queues       map[string][]handoff.BufferEntry
	maxPerRegion int
}

func NewBuffer(maxPerRegion int) *Buffer {
	if maxPerRegion <= 0 {
		maxPerRegion = 1000
	}
	log.Warn("using the in-memory handoff buffer; buffered entries are lost on coordinator crash")
	return &Buffer{
		queues:       make(map[string][]handoff.BufferEntry),
		maxPerRegion: maxPerRegion,
	}
}

func (b *Buffer) Enqueue(ctx context.Context, e handoff.BufferEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[e.Target]
	if len(q) >= b.maxPerRegion {
		return handoff.Errorf(handoff.BufferFull, "buffer for %s is at capacity (%d)", e.Target, b.maxPerRegion)
	}
	b.queues[e.Target] = append(q, e)
	return nil
}

func (b *Buffer) Front(ctx context.Context, target string) (handoff.BufferEntry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[target]
	if len(q) == 0 {
		return handoff.BufferEntry{}, false, nil
	}
	return q[0], true, nil
}

func (b *Buffer) Pop(ctx context.Context, target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[target]
	if len(q) == 0 {
		return nil
	}
	b.queues[target] = q[1:]
	return nil
}

func (b *Buffer) Size(ctx context.Context, target string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[target]), nil
}
