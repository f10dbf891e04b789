package participant

import (
	"context"
	"testing"
	"time"

	"github.com/avfleet/handoff"
	"github.com/avfleet/handoff/inmemory"
)

var ctx = context.Background()

func newTestService(region string) (*Service, *inmemory.RideStore) {
	store := inmemory.NewRideStore()
	return New(region, store), store
}

func seedRide(t *testing.T, store *inmemory.RideStore, rideID, region string) handoff.Ride {
	t.Helper()
	ride := handoff.Ride{
		RideID:     rideID,
		VehicleID:  "av-42",
		CustomerID: "cust-7",
		Status:     handoff.RideInProgress,
		Region:     region,
		Fare:       12.5,
		Timestamp:  time.Now().UTC(),
	}
	if err := store.Insert(ctx, ride); err != nil {
		t.Fatalf("seed insert failed: %v", err)
	}
	return ride
}

func TestPrepareSourceLocksAndSnapshots(t *testing.T) {
	svc, store := newTestService("sf")
	seedRide(t, store, "ride-1", "sf")

	resp, err := svc.Prepare(ctx, handoff.PrepareRequest{TxID: "tx-1", RideID: "ride-1", Role: handoff.RoleSource})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if resp.Vote != handoff.VoteCommit {
		t.Errorf("got vote %s, want COMMIT", resp.Vote)
	}
	if resp.Ride == nil || resp.Ride.RideID != "ride-1" {
		t.Fatalf("expected a ride snapshot, got %+v", resp.Ride)
	}
	if !resp.Ride.Locked || resp.Ride.TransactionID != "tx-1" {
		t.Errorf("snapshot should carry the lock: %+v", resp.Ride)
	}

	got, _ := store.Get(ctx, "ride-1")
	if !got.Locked || got.HandoffStatus != handoff.HandoffPreparing {
		t.Errorf("stored ride not marked preparing: %+v", got)
	}
}

func TestPrepareSourceReplaySameTx(t *testing.T) {
	svc, store := newTestService("sf")
	seedRide(t, store, "ride-1", "sf")

	req := handoff.PrepareRequest{TxID: "tx-1", RideID: "ride-1", Role: handoff.RoleSource}
	if _, err := svc.Prepare(ctx, req); err != nil {
		t.Fatalf("first Prepare failed: %v", err)
	}
	resp, err := svc.Prepare(ctx, req)
	if err != nil {
		t.Fatalf("replayed Prepare failed: %v", err)
	}
	if resp.Vote != handoff.VoteCommit {
		t.Errorf("replay should re-vote COMMIT, got %s (%s)", resp.Vote, resp.Reason)
	}
}

func TestPrepareSourceContested(t *testing.T) {
	svc, store := newTestService("sf")
	seedRide(t, store, "ride-1", "sf")

	if _, err := svc.Prepare(ctx, handoff.PrepareRequest{TxID: "tx-1", RideID: "ride-1", Role: handoff.RoleSource}); err != nil {
		t.Fatalf("first Prepare failed: %v", err)
	}
	resp, err := svc.Prepare(ctx, handoff.PrepareRequest{TxID: "tx-2", RideID: "ride-1", Role: handoff.RoleSource})
	if err != nil {
		t.Fatalf("second Prepare failed: %v", err)
	}
	if resp.Vote != handoff.VoteAbort || resp.Reason != "contested" {
		t.Errorf("got %s/%s, want ABORT/contested", resp.Vote, resp.Reason)
	}
}

func TestPrepareSourceNotFound(t *testing.T) {
	svc, _ := newTestService("sf")
	resp, err := svc.Prepare(ctx, handoff.PrepareRequest{TxID: "tx-1", RideID: "missing", Role: handoff.RoleSource})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if resp.Vote != handoff.VoteAbort || resp.Reason != "not_found" {
		t.Errorf("got %s/%s, want ABORT/not_found", resp.Vote, resp.Reason)
	}
}

func TestPrepareTargetDuplicate(t *testing.T) {
	svc, store := newTestService("la")
	seedRide(t, store, "ride-1", "la")

	resp, err := svc.Prepare(ctx, handoff.PrepareRequest{TxID: "tx-1", RideID: "ride-1", Role: handoff.RoleTarget})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if resp.Vote != handoff.VoteAbort || resp.Reason != "duplicate" {
		t.Errorf("got %s/%s, want ABORT/duplicate", resp.Vote, resp.Reason)
	}
}

func TestPrepareTargetEmptyVotesCommit(t *testing.T) {
	svc, _ := newTestService("la")
	resp, err := svc.Prepare(ctx, handoff.PrepareRequest{TxID: "tx-1", RideID: "ride-1", Role: handoff.RoleTarget})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if resp.Vote != handoff.VoteCommit {
		t.Errorf("got vote %s, want COMMIT", resp.Vote)
	}
}

func TestCommitTargetInsertsRetagged(t *testing.T) {
	svc, store := newTestService("la")
	snapshot := handoff.Ride{
		RideID:        "ride-1",
		VehicleID:     "av-42",
		CustomerID:    "cust-7",
		Status:        handoff.RideInProgress,
		Region:        "sf",
		Fare:          12.5,
		Timestamp:     time.Now().UTC(),
		Locked:        true,
		TransactionID: "tx-1",
		HandoffStatus: handoff.HandoffPreparing,
	}

	req := handoff.CommitRequest{TxID: "tx-1", RideID: "ride-1", Role: handoff.RoleTarget, Ride: &snapshot}
	if _, err := svc.Commit(ctx, req); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	got, err := store.Get(ctx, "ride-1")
	if err != nil {
		t.Fatalf("ride missing after commit: %v", err)
	}
	if got.Region != "la" || got.Locked || got.TransactionID != "" || got.HandoffStatus != handoff.HandoffCompleted {
		t.Errorf("inserted ride not retagged: %+v", got)
	}

	// Duplicate delivery must be absorbed.
	if _, err := svc.Commit(ctx, req); err != nil {
		t.Errorf("replayed Commit failed: %v", err)
	}
}

func TestCommitSourceDeleteIdempotent(t *testing.T) {
	svc, store := newTestService("sf")
	seedRide(t, store, "ride-1", "sf")
	if _, err := svc.Prepare(ctx, handoff.PrepareRequest{TxID: "tx-1", RideID: "ride-1", Role: handoff.RoleSource}); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	req := handoff.CommitRequest{TxID: "tx-1", RideID: "ride-1", Role: handoff.RoleSource}
	if _, err := svc.Commit(ctx, req); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if _, err := store.Get(ctx, "ride-1"); !handoff.IsCode(err, handoff.NotFound) {
		t.Errorf("ride should be deleted, got %v", err)
	}
	if _, err := svc.Commit(ctx, req); err != nil {
		t.Errorf("replayed Commit failed: %v", err)
	}
}

func TestAbortSourceUnlocks(t *testing.T) {
	svc, store := newTestService("sf")
	seedRide(t, store, "ride-1", "sf")
	if _, err := svc.Prepare(ctx, handoff.PrepareRequest{TxID: "tx-1", RideID: "ride-1", Role: handoff.RoleSource}); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	if _, err := svc.Abort(ctx, handoff.AbortRequest{TxID: "tx-1", RideID: "ride-1", Role: handoff.RoleSource}); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	got, _ := store.Get(ctx, "ride-1")
	if got.Locked || got.TransactionID != "" {
		t.Errorf("ride still locked after abort: %+v", got)
	}

	// Aborting a transaction that owns nothing here is a no-op.
	if _, err := svc.Abort(ctx, handoff.AbortRequest{TxID: "tx-9", RideID: "ride-1", Role: handoff.RoleSource}); err != nil {
		t.Errorf("unrelated Abort failed: %v", err)
	}
}

func TestAbortTargetOnlyRemovesOwnInsert(t *testing.T) {
	svc, store := newTestService("la")
	seedRide(t, store, "ride-1", "la")

	// A foreign document must survive an abort for a different transaction.
	if _, err := svc.Abort(ctx, handoff.AbortRequest{TxID: "tx-1", RideID: "ride-1", Role: handoff.RoleTarget}); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if _, err := store.Get(ctx, "ride-1"); err != nil {
		t.Errorf("abort removed a document it does not own: %v", err)
	}
}

func TestTxStatusProbe(t *testing.T) {
	svc, store := newTestService("sf")
	seedRide(t, store, "ride-1", "sf")

	resp, err := svc.TxStatus(ctx, "tx-1", "ride-1")
	if err != nil {
		t.Fatalf("TxStatus failed: %v", err)
	}
	if !resp.Present || resp.Locked {
		t.Errorf("got %+v, want present and unlocked", resp)
	}
	if resp.Role != "" {
		t.Errorf("unrelated document reported role %q", resp.Role)
	}

	if _, err := svc.Prepare(ctx, handoff.PrepareRequest{TxID: "tx-1", RideID: "ride-1", Role: handoff.RoleSource}); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	resp, _ = svc.TxStatus(ctx, "tx-1", "ride-1")
	if !resp.Present || !resp.Locked {
		t.Errorf("got %+v, want present and locked by tx-1", resp)
	}
	if resp.Role != handoff.RoleSource {
		t.Errorf("got role %q, want SOURCE for the lock holder", resp.Role)
	}

	resp, _ = svc.TxStatus(ctx, "tx-9", "ride-1")
	if resp.Locked || resp.Role != "" {
		t.Errorf("probe for a different tx reported %+v", resp)
	}
}

func TestUpdateRideContestedWhileLocked(t *testing.T) {
	svc, store := newTestService("sf")
	seedRide(t, store, "ride-1", "sf")
	if _, err := svc.Prepare(ctx, handoff.PrepareRequest{TxID: "tx-1", RideID: "ride-1", Role: handoff.RoleSource}); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	fare := 99.0
	_, err := svc.UpdateRide(ctx, "ride-1", RideUpdate{Fare: &fare})
	if !handoff.IsCode(err, handoff.Contested) {
		t.Errorf("got %v, want contested", err)
	}
}

func TestUpdateRideAppliesFields(t *testing.T) {
	svc, store := newTestService("sf")
	seedRide(t, store, "ride-1", "sf")

	status := handoff.RideCompleted
	fare := 33.25
	got, err := svc.UpdateRide(ctx, "ride-1", RideUpdate{Status: &status, Fare: &fare})
	if err != nil {
		t.Fatalf("UpdateRide failed: %v", err)
	}
	if got.Status != handoff.RideCompleted || got.Fare != 33.25 {
		t.Errorf("update not applied: %+v", got)
	}
	stored, _ := store.Get(ctx, "ride-1")
	if stored.Fare != 33.25 {
		t.Errorf("update not persisted: %+v", stored)
	}
}

func TestDeleteRideContestedWhileLocked(t *testing.T) {
	svc, store := newTestService("sf")
	seedRide(t, store, "ride-1", "sf")
	if _, err := svc.Prepare(ctx, handoff.PrepareRequest{TxID: "tx-1", RideID: "ride-1", Role: handoff.RoleSource}); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := svc.DeleteRide(ctx, "ride-1"); !handoff.IsCode(err, handoff.Contested) {
		t.Errorf("got %v, want contested", err)
	}
}

func TestCreateRideStampsRegionAndDefaults(t *testing.T) {
	svc, _ := newTestService("sf")
	created, err := svc.CreateRide(ctx, handoff.Ride{
		RideID:     "ride-1",
		VehicleID:  "av-42",
		CustomerID: "cust-7",
		Status:     handoff.RideInProgress,
		Region:     "somewhere-else",
		Locked:     true,
	})
	if err != nil {
		t.Fatalf("CreateRide failed: %v", err)
	}
	if created.Region != "sf" || created.Locked || created.TransactionID != "" {
		t.Errorf("client-supplied handoff fields not cleared: %+v", created)
	}
	if created.Timestamp.IsZero() {
		t.Errorf("timestamp not defaulted")
	}
}

func TestValidateTxRequest(t *testing.T) {
	svc, _ := newTestService("sf")
	if _, err := svc.Prepare(ctx, handoff.PrepareRequest{RideID: "r", Role: handoff.RoleSource}); !handoff.IsCode(err, handoff.InvalidArgument) {
		t.Errorf("missing txId accepted: %v", err)
	}
	if _, err := svc.Commit(ctx, handoff.CommitRequest{TxID: "t", RideID: "r", Role: "WAT"}); !handoff.IsCode(err, handoff.InvalidArgument) {
		t.Errorf("bad role accepted: %v", err)
	}
}
