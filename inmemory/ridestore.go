// Package inmemory provides process-local implementations of the handoff
// store contracts. They back unit tests and standalone single-process runs;
// production deployments use the cassandra and redis packages.
package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/avfleet/handoff"
)

// RideStore is a mutex-guarded map implementing handoff.RideStore with the
// same CAS semantics as the Cassandra store.
type RideStore struct {
	mu          sync.RWMutex
	rides       map[string]handoff.Ride
	lastWriteAt time.Time

	// Fail, when set, makes every operation return Unavailable. Tests use it
	// to simulate a region outage.
	fail bool
}

func NewRideStore() *RideStore {
	return &RideStore{
		rides: make(map[string]handoff.Ride),
	}
}

// SetFailing toggles simulated unavailability.
func (s *RideStore) SetFailing(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *RideStore) unavailable() error {
	if s.fail {
		return handoff.Errorf(handoff.Unavailable, "store is unreachable")
	}
	return nil
}

func (s *RideStore) Get(ctx context.Context, rideID string) (handoff.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.unavailable(); err != nil {
		return handoff.Ride{}, err
	}
	r, ok := s.rides[rideID]
	if !ok {
		return handoff.Ride{}, handoff.Errorf(handoff.NotFound, "ride %s not found", rideID)
	}
	return r, nil
}

func (s *RideStore) Insert(ctx context.Context, ride handoff.Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return err
	}
	if _, ok := s.rides[ride.RideID]; ok {
		return handoff.Errorf(handoff.AlreadyExists, "ride %s already exists", ride.RideID)
	}
	s.rides[ride.RideID] = ride
	s.lastWriteAt = time.Now().UTC()
	return nil
}

func (s *RideStore) Update(ctx context.Context, ride handoff.Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return err
	}
	cur, ok := s.rides[ride.RideID]
	if !ok {
		return handoff.Errorf(handoff.NotFound, "ride %s not found", ride.RideID)
	}
	if cur.Locked {
		return handoff.Errorf(handoff.AlreadyLocked, "ride %s is locked by transaction %q", ride.RideID, cur.TransactionID)
	}
	// Lock fields are participant-owned; carry them over untouched.
	ride.Locked = cur.Locked
	ride.TransactionID = cur.TransactionID
	ride.HandoffStatus = cur.HandoffStatus
	s.rides[ride.RideID] = ride
	s.lastWriteAt = time.Now().UTC()
	return nil
}

func (s *RideStore) Delete(ctx context.Context, rideID string, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return err
	}
	r, ok := s.rides[rideID]
	if !ok {
		return handoff.Errorf(handoff.NotFound, "ride %s not found", rideID)
	}
	if r.TransactionID != txID {
		return handoff.Errorf(handoff.WrongTransaction, "ride %s is owned by transaction %q", rideID, r.TransactionID)
	}
	delete(s.rides, rideID)
	s.lastWriteAt = time.Now().UTC()
	return nil
}

func (s *RideStore) Lock(ctx context.Context, rideID string, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return err
	}
	r, ok := s.rides[rideID]
	if !ok {
		return handoff.Errorf(handoff.NotFound, "ride %s not found", rideID)
	}
	if r.Locked {
		return handoff.Errorf(handoff.AlreadyLocked, "ride %s is locked by transaction %q", rideID, r.TransactionID)
	}
	r.Locked = true
	r.TransactionID = txID
	r.HandoffStatus = handoff.HandoffPreparing
	s.rides[rideID] = r
	s.lastWriteAt = time.Now().UTC()
	return nil
}

func (s *RideStore) Unlock(ctx context.Context, rideID string, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return err
	}
	r, ok := s.rides[rideID]
	if !ok {
		return handoff.Errorf(handoff.NotFound, "ride %s not found", rideID)
	}
	if r.TransactionID != txID {
		return handoff.Errorf(handoff.WrongTransaction, "ride %s is owned by transaction %q", rideID, r.TransactionID)
	}
	r.Locked = false
	r.TransactionID = ""
	r.HandoffStatus = handoff.HandoffNone
	s.rides[rideID] = r
	s.lastWriteAt = time.Now().UTC()
	return nil
}

func (s *RideStore) Finalize(ctx context.Context, rideID string, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return err
	}
	r, ok := s.rides[rideID]
	if !ok {
		return handoff.Errorf(handoff.NotFound, "ride %s not found", rideID)
	}
	r.Locked = false
	r.TransactionID = ""
	r.HandoffStatus = handoff.HandoffCompleted
	s.rides[rideID] = r
	s.lastWriteAt = time.Now().UTC()
	return nil
}

func (s *RideStore) Search(ctx context.Context, filter handoff.Filter) ([]handoff.Ride, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.unavailable(); err != nil {
		return nil, err
	}
	out := make([]handoff.Ride, 0, filter.Limit)
	for _, r := range s.rides {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	// Deterministic order: timestamp desc, rideId asc on ties.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].RideID < out[j].RideID
	})
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *RideStore) Stats(ctx context.Context) (handoff.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.unavailable(); err != nil {
		return handoff.Stats{}, err
	}
	st := handoff.Stats{ByStatus: make(map[handoff.RideStatus]int)}
	var fareSum float64
	for _, r := range s.rides {
		st.Total++
		st.ByStatus[r.Status]++
		fareSum += r.Fare
	}
	if st.Total > 0 {
		st.AvgFare = fareSum / float64(st.Total)
	}
	return st, nil
}

func (s *RideStore) Health(ctx context.Context) (handoff.StoreHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.unavailable(); err != nil {
		return handoff.StoreHealth{}, err
	}
	return handoff.StoreHealth{
		PrimaryID:   "inmemory",
		LastWriteAt: s.lastWriteAt,
	}, nil
}
