package inmemory

import (
	"testing"
	"time"

	"github.com/avfleet/handoff"
)

func startedRecord(txID string) handoff.TransactionRecord {
	return handoff.TransactionRecord{
		TxID:      txID,
		RideID:    "r1",
		Source:    "sf",
		Target:    "la",
		State:     handoff.TxStarted,
		StartedAt: time.Now().UTC(),
	}
}

func TestAppendFirstMustBeStarted(t *testing.T) {
	l := NewTransactionLog()
	rec := startedRecord("tx-1")
	rec.State = handoff.TxPrepared
	if err := l.Append(ctx, rec); !handoff.IsCode(err, handoff.InvalidArgument) {
		t.Errorf("first append with PREPARED accepted: %v", err)
	}
	if err := l.Append(ctx, startedRecord("tx-1")); err != nil {
		t.Errorf("STARTED append failed: %v", err)
	}
}

func TestAppendEnforcesMonotoneTransitions(t *testing.T) {
	l := NewTransactionLog()
	rec := startedRecord("tx-1")
	if err := l.Append(ctx, rec); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// STARTED -> COMMITTED skips PREPARED and must be rejected.
	rec.State = handoff.TxCommitted
	if err := l.Append(ctx, rec); !handoff.IsCode(err, handoff.InvalidArgument) {
		t.Errorf("illegal transition accepted: %v", err)
	}

	rec.State = handoff.TxPrepared
	if err := l.Append(ctx, rec); err != nil {
		t.Fatalf("PREPARED append failed: %v", err)
	}
	rec.State = handoff.TxCommitted
	if err := l.Append(ctx, rec); err != nil {
		t.Fatalf("COMMITTED append failed: %v", err)
	}

	// Terminal states are immutable.
	rec.State = handoff.TxAborted
	if err := l.Append(ctx, rec); !handoff.IsCode(err, handoff.InvalidArgument) {
		t.Errorf("transition out of COMMITTED accepted: %v", err)
	}
}

func TestAppendReplayIsIdempotent(t *testing.T) {
	l := NewTransactionLog()
	rec := startedRecord("tx-1")
	if err := l.Append(ctx, rec); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	firstStart := rec.StartedAt

	replay := rec
	replay.StartedAt = firstStart.Add(time.Hour)
	replay.Error = "noise"
	if err := l.Append(ctx, replay); err != nil {
		t.Fatalf("replay rejected: %v", err)
	}
	got, _ := l.Get(ctx, "tx-1")
	if !got.StartedAt.Equal(firstStart) {
		t.Errorf("replay moved StartedAt to %v", got.StartedAt)
	}
	if got.Error != "noise" {
		t.Errorf("replay did not apply non-key fields: %+v", got)
	}
}

func TestScanFiltersByState(t *testing.T) {
	l := NewTransactionLog()
	for _, txID := range []string{"tx-1", "tx-2", "tx-3"} {
		if err := l.Append(ctx, startedRecord(txID)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	rec := startedRecord("tx-2")
	rec.State = handoff.TxPrepared
	if err := l.Append(ctx, rec); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	rec.State = handoff.TxCommitted
	if err := l.Append(ctx, rec); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	open, err := l.Scan(ctx, handoff.TxStarted, handoff.TxPrepared)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(open) != 2 {
		t.Errorf("got %d open records, want 2", len(open))
	}
	for _, r := range open {
		if r.TxID == "tx-2" {
			t.Errorf("committed record returned by scan for open states")
		}
	}
}

func TestRecentNewestFirst(t *testing.T) {
	l := NewTransactionLog()
	base := time.Now().UTC()
	for i, txID := range []string{"tx-old", "tx-mid", "tx-new"} {
		rec := startedRecord(txID)
		rec.StartedAt = base.Add(time.Duration(i) * time.Second)
		if err := l.Append(ctx, rec); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	out, err := l.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(out) != 2 || out[0].TxID != "tx-new" || out[1].TxID != "tx-mid" {
		t.Errorf("got %+v, want [tx-new tx-mid]", out)
	}
}
