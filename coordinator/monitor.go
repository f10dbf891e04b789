// Package coordinator drives cross-region ride handoffs: the two-phase commit
// engine and its durable transaction log, crash recovery, the region health
// monitor, the deferred-handoff drainer, and the query router.
package coordinator

import (
	"context"
	log "log/slog"
	"sync"
	"time"

	"github.com/avfleet/handoff"
)

// Monitor owns the per-region health records. It is the single writer; the
// coordinator and router read snapshots and subscribe to transitions. The
// monitor never blocks handoffs, it only informs them.
type Monitor struct {
	opts         handoff.MonitorOptions
	participants map[string]handoff.Participant

	mu      sync.RWMutex
	records map[string]handoff.HealthRecord

	subMu sync.Mutex
	subs  []chan handoff.HealthEvent
}

// NewMonitor builds a monitor for the given participants. Every region starts
// in UNKNOWN until its first probe completes.
func NewMonitor(opts handoff.MonitorOptions, participants map[string]handoff.Participant) *Monitor {
	records := make(map[string]handoff.HealthRecord, len(participants))
	for region := range participants {
		records[region] = handoff.HealthRecord{Region: region, State: handoff.HealthUnknown}
	}
	return &Monitor{
		opts:         opts,
		participants: participants,
		records:      records,
	}
}

// Run probes every region each interval until ctx is done. Probes for one
// round run in parallel, each under the probe timeout.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	// Probe immediately so subscribers don't wait a full interval for the
	// first classification.
	m.ProbeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// ProbeAll runs one probe round.
func (m *Monitor) ProbeAll(ctx context.Context) {
	tr := handoff.NewTaskRunner(ctx, len(m.participants))
	for region, p := range m.participants {
		m.probeThenRecord(tr, region, p)
	}
	// Probe failures are recorded, not propagated.
	_ = tr.Wait()
}

func (m *Monitor) probeThenRecord(tr *handoff.TaskRunner, region string, p handoff.Participant) {
	tr.Go(func() error {
		ctx, cancel := context.WithTimeout(tr.GetContext(), m.opts.Timeout)
		defer cancel()
		started := time.Now()
		sh, err := p.Health(ctx)
		m.record(region, sh, time.Since(started), err)
		return nil
	})
}

// record applies one probe result to the region's health record and publishes
// a transition event when the classification changed.
func (m *Monitor) record(region string, sh handoff.StoreHealth, latency time.Duration, err error) {
	m.mu.Lock()
	rec := m.records[region]
	prev := rec.State

	if err != nil {
		rec.ConsecutiveFailures++
		if rec.ConsecutiveFailures >= m.opts.FailureThreshold {
			rec.State = handoff.HealthUnavailable
		}
	} else {
		rec.State = handoff.HealthAvailable
		rec.ConsecutiveFailures = 0
		rec.LastOkAt = time.Now().UTC()
		rec.LastLatencyMs = latency.Milliseconds()
		rec.PrimaryID = sh.PrimaryID
		rec.ReplicationLagMs = sh.ReplicationLagMs
	}
	m.records[region] = rec
	m.mu.Unlock()

	if rec.State != prev {
		ev := handoff.HealthEvent{Region: region, From: prev, To: rec.State, At: time.Now().UTC()}
		log.Warn("region health transition", "region", region, "from", string(prev), "to", string(rec.State))
		m.publish(ev)
	}
}

// State returns the region's current classification; unconfigured regions are
// UNKNOWN.
func (m *Monitor) State(region string) handoff.HealthState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[region]
	if !ok {
		return handoff.HealthUnknown
	}
	return rec.State
}

// Snapshot returns a copy of all health records.
func (m *Monitor) Snapshot() map[string]handoff.HealthRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]handoff.HealthRecord, len(m.records))
	for region, rec := range m.records {
		out[region] = rec
	}
	return out
}

// Subscribe returns a channel of health transitions. Subscribers must keep
// draining; when a subscriber's buffer is full the oldest pending event is
// dropped so the newest transition is always deliverable.
func (m *Monitor) Subscribe() <-chan handoff.HealthEvent {
	ch := make(chan handoff.HealthEvent, 32)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

func (m *Monitor) publish(ev handoff.HealthEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		for {
			select {
			case ch <- ev:
			default:
				// Full: drop the oldest pending event and retry once.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}
