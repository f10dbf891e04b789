package inmemory

import (
	"context"
	log "log/slog"
	"sort"
	"sync"

	"github.com/avfleet/handoff"
)

// TransactionLog is an in-process handoff.TransactionLog. It enforces the
// same monotone state machine as the Cassandra log but does not survive a
// coordinator restart; it exists for tests and standalone runs.
type TransactionLog struct {
	mu      sync.RWMutex
	records map[string]handoff.TransactionRecord
	order   []string
}

func NewTransactionLog() *TransactionLog {
	log.Warn("using the in-memory transaction log; records do not survive a restart")
	return &TransactionLog{
		records: make(map[string]handoff.TransactionRecord),
	}
}

func (l *TransactionLog) Append(ctx context.Context, rec handoff.TransactionRecord) error {
	if rec.TxID == "" {
		return handoff.Errorf(handoff.InvalidArgument, "transaction record needs a txId")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.records[rec.TxID]
	if !ok {
		if rec.State != handoff.TxStarted {
			return handoff.Errorf(handoff.InvalidArgument, "first append for %s must be STARTED, got %s", rec.TxID, rec.State)
		}
		l.records[rec.TxID] = rec
		l.order = append(l.order, rec.TxID)
		return nil
	}
	if rec.State == cur.State {
		// Idempotent replay; last-write-wins on non-key fields.
		rec.StartedAt = cur.StartedAt
		l.records[rec.TxID] = rec
		return nil
	}
	if !cur.State.CanTransitionTo(rec.State) {
		return handoff.Errorf(handoff.InvalidArgument, "illegal transition %s -> %s for %s", cur.State, rec.State, rec.TxID)
	}
	rec.StartedAt = cur.StartedAt
	l.records[rec.TxID] = rec
	return nil
}

func (l *TransactionLog) Get(ctx context.Context, txID string) (handoff.TransactionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[txID]
	if !ok {
		return handoff.TransactionRecord{}, handoff.Errorf(handoff.NotFound, "transaction %s not found", txID)
	}
	return rec, nil
}

func (l *TransactionLog) Scan(ctx context.Context, states ...handoff.TxState) ([]handoff.TransactionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []handoff.TransactionRecord
	for _, id := range l.order {
		rec := l.records[id]
		for _, s := range states {
			if rec.State == s {
				out = append(out, rec)
				break
			}
		}
	}
	return out, nil
}

func (l *TransactionLog) Recent(ctx context.Context, limit int) ([]handoff.TransactionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]handoff.TransactionRecord, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
