package handoff

import (
	"context"
)

// RideStore is the typed wrapper over one region's document store. All
// operations are atomic at the document level. Implementations return coded
// errors: NotFound, AlreadyExists, AlreadyLocked, WrongTransaction,
// Unavailable.
type RideStore interface {
	// Get returns the ride or a NotFound error.
	Get(ctx context.Context, rideID string) (Ride, error)
	// Insert adds the ride; AlreadyExists when rideID is taken.
	Insert(ctx context.Context, ride Ride) error
	// Update replaces the client-settable fields of an existing ride. It is
	// conditional on locked=false so a mid-handoff document cannot drift.
	Update(ctx context.Context, ride Ride) error
	// Delete removes the ride only when its transactionId matches txID.
	Delete(ctx context.Context, rideID string, txID string) error
	// Lock is the CAS that serializes handoffs: it succeeds only when
	// locked=false, setting locked=true, transactionId=txID and
	// handoffStatus=PREPARING in one atomic step.
	Lock(ctx context.Context, rideID string, txID string) error
	// Unlock is the inverse CAS, conditional on transactionId=txID.
	Unlock(ctx context.Context, rideID string, txID string) error
	// Finalize clears the lock fields and marks handoffStatus=COMPLETED.
	Finalize(ctx context.Context, rideID string, txID string) error
	// Search returns rides matching the filter, at most filter.Limit.
	Search(ctx context.Context, filter Filter) ([]Ride, error)
	// Stats summarizes the region's ride population.
	Stats(ctx context.Context) (Stats, error)
	// Health reports the backing store's replication view.
	Health(ctx context.Context) (StoreHealth, error)
}

// TransactionLog is the coordinator's durable append-only record of handoff
// state transitions. Append is idempotent on TxID; state transitions must be
// monotone per TxState.CanTransitionTo, and writes are persisted before the
// caller regains control.
type TransactionLog interface {
	// Append upserts the record. The first append for a TxID fixes StartedAt;
	// later appends may only move State forward.
	Append(ctx context.Context, rec TransactionRecord) error
	// Get returns the record or a NotFound error.
	Get(ctx context.Context, txID string) (TransactionRecord, error)
	// Scan returns all records currently in one of the given states.
	Scan(ctx context.Context, states ...TxState) ([]TransactionRecord, error)
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]TransactionRecord, error)
}

// BufferQueue holds deferred handoffs, one FIFO queue per target region.
// Entries are removed only once processed.
type BufferQueue interface {
	// Enqueue appends the entry to its target's queue; BufferFull when the
	// per-region cap is reached.
	Enqueue(ctx context.Context, e BufferEntry) error
	// Front returns the oldest entry for the target without removing it.
	Front(ctx context.Context, target string) (BufferEntry, bool, error)
	// Pop removes the oldest entry for the target.
	Pop(ctx context.Context, target string) error
	// Size returns the number of entries queued for the target.
	Size(ctx context.Context, target string) (int, error)
}

// Participant is a region's half of the commit protocol plus its read
// surface. Every method keyed by txId is idempotent: the coordinator may
// retry any call after partial failure.
type Participant interface {
	Prepare(ctx context.Context, req PrepareRequest) (PrepareResponse, error)
	Commit(ctx context.Context, req CommitRequest) (CommitResponse, error)
	Abort(ctx context.Context, req AbortRequest) (AbortResponse, error)
	// TxStatus is the recovery probe.
	TxStatus(ctx context.Context, txID, rideID string) (TxStatusResponse, error)
	Health(ctx context.Context) (StoreHealth, error)
	Search(ctx context.Context, filter Filter) ([]Ride, error)
	Stats(ctx context.Context) (Stats, error)
}
