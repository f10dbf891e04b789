package coordinator

import (
	"context"
	log "log/slog"
	"sync"

	"github.com/avfleet/handoff"
)

// Drainer replays buffered handoffs when their target region comes back. One
// drain runs per target at a time; entries are processed strictly in FIFO
// order and removed only after a terminal outcome.
type Drainer struct {
	coord  *Coordinator
	buffer handoff.BufferQueue

	mu       sync.Mutex
	draining map[string]bool
}

func NewDrainer(coord *Coordinator) *Drainer {
	return &Drainer{
		coord:    coord,
		buffer:   coord.buffer,
		draining: make(map[string]bool),
	}
}

// Run subscribes to health transitions and drains a region's queue each time
// it becomes AVAILABLE. Blocks until ctx is done.
func (d *Drainer) Run(ctx context.Context) {
	events := d.coord.monitor.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.To != handoff.HealthAvailable {
				continue
			}
			go d.Drain(ctx, ev.Region)
		}
	}
}

// Drain replays the target's queue head to tail. It stops early when the
// region drops out again mid-drain. Safe to call concurrently; overlapping
// drains of the same target coalesce into one.
func (d *Drainer) Drain(ctx context.Context, target string) {
	d.mu.Lock()
	if d.draining[target] {
		d.mu.Unlock()
		return
	}
	d.draining[target] = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.draining, target)
		d.mu.Unlock()
	}()

	drained := 0
	for {
		if ctx.Err() != nil {
			return
		}
		e, ok, err := d.buffer.Front(ctx, target)
		if err != nil {
			log.Warn("buffer read failed, drain suspended", "target", target, "err", err.Error())
			return
		}
		if !ok {
			if drained > 0 {
				log.Info("buffer drained", "target", target, "replayed", drained)
			}
			return
		}

		e.Attempts++
		res := d.coord.run(ctx, e.RideID, e.Source, e.Target, false)
		switch {
		case res.Status == handoff.StatusBuffered:
			// Target dropped out again. The entry stays at the head for the
			// next recovery.
			return

		case res.Status == handoff.StatusAborted && res.Reason == handoff.NotFound.String():
			// The ride may still be in flight into the source region. Give it
			// one more pass at the tail, then let it go.
			if err := d.buffer.Pop(ctx, target); err != nil {
				return
			}
			if e.Attempts < 2 {
				if err := d.buffer.Enqueue(ctx, e); err != nil {
					log.Warn("re-enqueue failed, entry dropped", "rideId", e.RideID, "err", err.Error())
				}
			} else {
				log.Warn("buffered handoff discarded, ride not found", "rideId", e.RideID, "attempts", e.Attempts, "source", e.Source)
			}

		default:
			// SUCCESS, a definitive ABORTED, or PARTIAL (recovery owns it now):
			// all terminal for the queue.
			if err := d.buffer.Pop(ctx, target); err != nil {
				return
			}
			drained++
		}
	}
}
