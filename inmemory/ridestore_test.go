package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/avfleet/handoff"
)

var ctx = context.Background()

func ride(id string, ts time.Time) handoff.Ride {
	return handoff.Ride{
		RideID:     id,
		VehicleID:  "av-1",
		CustomerID: "cust-1",
		Status:     handoff.RideInProgress,
		Region:     "sf",
		Fare:       10,
		Timestamp:  ts,
	}
}

func TestLockIsExclusive(t *testing.T) {
	s := NewRideStore()
	if err := s.Insert(ctx, ride("r1", time.Now())); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if err := s.Lock(ctx, "r1", "tx-1"); err != nil {
		t.Fatalf("first lock failed: %v", err)
	}
	if err := s.Lock(ctx, "r1", "tx-2"); !handoff.IsCode(err, handoff.AlreadyLocked) {
		t.Errorf("second lock: got %v, want already_locked", err)
	}
	if err := s.Lock(ctx, "missing", "tx-1"); !handoff.IsCode(err, handoff.NotFound) {
		t.Errorf("lock of missing ride: got %v, want not_found", err)
	}
}

func TestUnlockRequiresOwningTransaction(t *testing.T) {
	s := NewRideStore()
	if err := s.Insert(ctx, ride("r1", time.Now())); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := s.Lock(ctx, "r1", "tx-1"); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	if err := s.Unlock(ctx, "r1", "tx-2"); !handoff.IsCode(err, handoff.WrongTransaction) {
		t.Errorf("foreign unlock: got %v, want wrong_transaction", err)
	}
	if err := s.Unlock(ctx, "r1", "tx-1"); err != nil {
		t.Fatalf("owning unlock failed: %v", err)
	}
	got, _ := s.Get(ctx, "r1")
	if got.Locked || got.TransactionID != "" || got.HandoffStatus != handoff.HandoffNone {
		t.Errorf("unlock left residue: %+v", got)
	}
}

func TestDeleteIsTransactionConditional(t *testing.T) {
	s := NewRideStore()
	if err := s.Insert(ctx, ride("r1", time.Now())); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := s.Lock(ctx, "r1", "tx-1"); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	if err := s.Delete(ctx, "r1", "tx-2"); !handoff.IsCode(err, handoff.WrongTransaction) {
		t.Errorf("foreign delete: got %v, want wrong_transaction", err)
	}
	if err := s.Delete(ctx, "r1", "tx-1"); err != nil {
		t.Fatalf("owning delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "r1"); !handoff.IsCode(err, handoff.NotFound) {
		t.Errorf("ride survived delete: %v", err)
	}
}

func TestUpdateRefusesLockedRide(t *testing.T) {
	s := NewRideStore()
	r := ride("r1", time.Now())
	if err := s.Insert(ctx, r); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := s.Lock(ctx, "r1", "tx-1"); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	r.Fare = 99
	if err := s.Update(ctx, r); !handoff.IsCode(err, handoff.AlreadyLocked) {
		t.Errorf("update of locked ride: got %v, want already_locked", err)
	}
}

func TestUpdateCannotForgeLockFields(t *testing.T) {
	s := NewRideStore()
	r := ride("r1", time.Now())
	if err := s.Insert(ctx, r); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	r.Locked = true
	r.TransactionID = "tx-forged"
	r.Fare = 50
	if err := s.Update(ctx, r); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	got, _ := s.Get(ctx, "r1")
	if got.Locked || got.TransactionID != "" {
		t.Errorf("client-supplied lock fields persisted: %+v", got)
	}
	if got.Fare != 50 {
		t.Errorf("fare not updated: %+v", got)
	}
}

func TestSearchOrdersAndLimits(t *testing.T) {
	s := NewRideStore()
	now := time.Now().UTC()
	for _, r := range []handoff.Ride{
		ride("b", now),
		ride("a", now),
		ride("c", now.Add(time.Minute)),
		ride("d", now.Add(-time.Minute)),
	} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	out, err := s.Search(ctx, handoff.Filter{Limit: 3})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d rides, want limit 3", len(out))
	}
	// Timestamp descending, rideId ascending on ties.
	want := []string{"c", "a", "b"}
	for i, id := range want {
		if out[i].RideID != id {
			t.Errorf("position %d: got %s, want %s", i, out[i].RideID, id)
		}
	}
}

func TestSearchAppliesFilter(t *testing.T) {
	s := NewRideStore()
	now := time.Now().UTC()
	r1 := ride("r1", now)
	r1.Fare = 5
	r2 := ride("r2", now)
	r2.Fare = 50
	r2.Status = handoff.RideCompleted
	for _, r := range []handoff.Ride{r1, r2} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	min := 10.0
	out, err := s.Search(ctx, handoff.Filter{MinFare: &min, Statuses: []handoff.RideStatus{handoff.RideCompleted}})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(out) != 1 || out[0].RideID != "r2" {
		t.Errorf("got %+v, want only r2", out)
	}
}

func TestSetFailingSimulatesOutage(t *testing.T) {
	s := NewRideStore()
	s.SetFailing(true)
	if _, err := s.Get(ctx, "r1"); !handoff.IsCode(err, handoff.Unavailable) {
		t.Errorf("got %v, want unavailable", err)
	}
	s.SetFailing(false)
	if _, err := s.Get(ctx, "r1"); !handoff.IsCode(err, handoff.NotFound) {
		t.Errorf("got %v after recovery, want not_found", err)
	}
}

func TestStatsSummarizes(t *testing.T) {
	s := NewRideStore()
	now := time.Now().UTC()
	r1 := ride("r1", now)
	r1.Fare = 10
	r2 := ride("r2", now)
	r2.Fare = 30
	r2.Status = handoff.RideCompleted
	for _, r := range []handoff.Ride{r1, r2} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if st.Total != 2 || st.AvgFare != 20 {
		t.Errorf("got %+v, want total 2 avg 20", st)
	}
	if st.ByStatus[handoff.RideInProgress] != 1 || st.ByStatus[handoff.RideCompleted] != 1 {
		t.Errorf("byStatus = %v", st.ByStatus)
	}
}
