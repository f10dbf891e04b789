package cassandra

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gocql/gocql"

	"github.com/avfleet/handoff"
)

const rideColumns = "ride_id, vehicle_id, customer_id, status, region, fare, start_lat, start_lon, cur_lat, cur_lon, end_lat, end_lon, ts, locked, tx_id, handoff_status"

// RideStore is the Cassandra-backed handoff.RideStore for one region. The
// lock CAS and the transaction-conditional delete/unlock are lightweight
// transactions, so concurrent handoff attempts against the same ride
// serialize inside the store.
type RideStore struct {
	keyspace    string
	retry       handoff.RetryOptions
	lastWriteAt atomic.Int64
}

// NewRideStore returns a RideStore over the global connection's session.
func NewRideStore(keyspace string) *RideStore {
	return &RideStore{
		keyspace: keyspace,
		retry:    handoff.DefaultRetryOptions(),
	}
}

func (s *RideStore) markWrite() {
	s.lastWriteAt.Store(time.Now().UTC().UnixMilli())
}

// execute runs task with the store's transient-error retry window and folds
// exhausted retries into an Unavailable error.
func (s *RideStore) execute(ctx context.Context, task func(ctx context.Context) error) error {
	if connection == nil {
		return handoff.Errorf(handoff.Unavailable, "cassandra connection is closed; call OpenConnection(config) to open it")
	}
	err := handoff.Retry(ctx, s.retry, task, nil)
	if err != nil && handoff.CodeOf(err) == handoff.Unknown {
		return handoff.WrapError(handoff.Unavailable, err)
	}
	return err
}

func scanRide(scan func(...any) error) (handoff.Ride, error) {
	var r handoff.Ride
	var status, hs string
	err := scan(&r.RideID, &r.VehicleID, &r.CustomerID, &status, &r.Region, &r.Fare,
		&r.StartLocation.Lat, &r.StartLocation.Lon,
		&r.CurrentLocation.Lat, &r.CurrentLocation.Lon,
		&r.EndLocation.Lat, &r.EndLocation.Lon,
		&r.Timestamp, &r.Locked, &r.TransactionID, &hs)
	r.Status = handoff.RideStatus(status)
	r.HandoffStatus = handoff.HandoffPhase(hs)
	return r, err
}

func (s *RideStore) Get(ctx context.Context, rideID string) (handoff.Ride, error) {
	var ride handoff.Ride
	err := s.execute(ctx, func(ctx context.Context) error {
		stmt := fmt.Sprintf("SELECT %s FROM %s.rides WHERE ride_id = ?;", rideColumns, s.keyspace)
		q := connection.Session.Query(stmt, rideID).WithContext(ctx)
		r, err := scanRide(q.Scan)
		if err == gocql.ErrNotFound {
			return handoff.Errorf(handoff.NotFound, "ride %s not found", rideID)
		}
		if err != nil {
			return err
		}
		ride = r
		return nil
	})
	return ride, err
}

func (s *RideStore) Insert(ctx context.Context, ride handoff.Ride) error {
	return s.execute(ctx, func(ctx context.Context) error {
		stmt := fmt.Sprintf("INSERT INTO %s.rides (%s) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?) IF NOT EXISTS;", s.keyspace, rideColumns)
		q := connection.Session.Query(stmt,
			ride.RideID, ride.VehicleID, ride.CustomerID, string(ride.Status), ride.Region, ride.Fare,
			ride.StartLocation.Lat, ride.StartLocation.Lon,
			ride.CurrentLocation.Lat, ride.CurrentLocation.Lon,
			ride.EndLocation.Lat, ride.EndLocation.Lon,
			ride.Timestamp, ride.Locked, ride.TransactionID, string(ride.HandoffStatus)).WithContext(ctx)
		prev := map[string]any{}
		applied, err := q.MapScanCAS(prev)
		if err != nil {
			return err
		}
		if !applied {
			return handoff.Errorf(handoff.AlreadyExists, "ride %s already exists", ride.RideID)
		}
		s.markWrite()
		return nil
	})
}

func (s *RideStore) Update(ctx context.Context, ride handoff.Ride) error {
	return s.execute(ctx, func(ctx context.Context) error {
		stmt := fmt.Sprintf(`UPDATE %s.rides SET vehicle_id = ?, customer_id = ?, status = ?, fare = ?,
			start_lat = ?, start_lon = ?, cur_lat = ?, cur_lon = ?, end_lat = ?, end_lon = ?, ts = ?
			WHERE ride_id = ? IF locked = false;`, s.keyspace)
		q := connection.Session.Query(stmt,
			ride.VehicleID, ride.CustomerID, string(ride.Status), ride.Fare,
			ride.StartLocation.Lat, ride.StartLocation.Lon,
			ride.CurrentLocation.Lat, ride.CurrentLocation.Lon,
			ride.EndLocation.Lat, ride.EndLocation.Lon,
			ride.Timestamp, ride.RideID).WithContext(ctx)
		prev := map[string]any{}
		applied, err := q.MapScanCAS(prev)
		if err != nil {
			return err
		}
		if !applied {
			if _, ok := prev["locked"]; !ok {
				return handoff.Errorf(handoff.NotFound, "ride %s not found", ride.RideID)
			}
			return handoff.Errorf(handoff.AlreadyLocked, "ride %s is locked", ride.RideID)
		}
		s.markWrite()
		return nil
	})
}

func (s *RideStore) Delete(ctx context.Context, rideID string, txID string) error {
	return s.execute(ctx, func(ctx context.Context) error {
		stmt := fmt.Sprintf("DELETE FROM %s.rides WHERE ride_id = ? IF tx_id = ?;", s.keyspace)
		q := connection.Session.Query(stmt, rideID, txID).WithContext(ctx)
		prev := map[string]any{}
		applied, err := q.MapScanCAS(prev)
		if err != nil {
			return err
		}
		if !applied {
			cur, ok := prev["tx_id"]
			if !ok {
				return handoff.Errorf(handoff.NotFound, "ride %s not found", rideID)
			}
			return handoff.Errorf(handoff.WrongTransaction, "ride %s is owned by transaction %q", rideID, cur)
		}
		s.markWrite()
		return nil
	})
}

func (s *RideStore) Lock(ctx context.Context, rideID string, txID string) error {
	return s.execute(ctx, func(ctx context.Context) error {
		stmt := fmt.Sprintf("UPDATE %s.rides SET locked = true, tx_id = ?, handoff_status = ? WHERE ride_id = ? IF locked = false;", s.keyspace)
		q := connection.Session.Query(stmt, txID, string(handoff.HandoffPreparing), rideID).WithContext(ctx)
		prev := map[string]any{}
		applied, err := q.MapScanCAS(prev)
		if err != nil {
			return err
		}
		if !applied {
			if _, ok := prev["locked"]; !ok {
				return handoff.Errorf(handoff.NotFound, "ride %s not found", rideID)
			}
			return handoff.Errorf(handoff.AlreadyLocked, "ride %s is locked", rideID)
		}
		s.markWrite()
		return nil
	})
}

func (s *RideStore) Unlock(ctx context.Context, rideID string, txID string) error {
	return s.execute(ctx, func(ctx context.Context) error {
		stmt := fmt.Sprintf("UPDATE %s.rides SET locked = false, tx_id = '', handoff_status = '' WHERE ride_id = ? IF tx_id = ?;", s.keyspace)
		q := connection.Session.Query(stmt, rideID, txID).WithContext(ctx)
		prev := map[string]any{}
		applied, err := q.MapScanCAS(prev)
		if err != nil {
			return err
		}
		if !applied {
			cur, ok := prev["tx_id"]
			if !ok {
				return handoff.Errorf(handoff.NotFound, "ride %s not found", rideID)
			}
			return handoff.Errorf(handoff.WrongTransaction, "ride %s is owned by transaction %q", rideID, cur)
		}
		s.markWrite()
		return nil
	})
}

func (s *RideStore) Finalize(ctx context.Context, rideID string, txID string) error {
	return s.execute(ctx, func(ctx context.Context) error {
		stmt := fmt.Sprintf("UPDATE %s.rides SET locked = false, tx_id = '', handoff_status = ? WHERE ride_id = ? IF EXISTS;", s.keyspace)
		q := connection.Session.Query(stmt, string(handoff.HandoffCompleted), rideID).WithContext(ctx)
		prev := map[string]any{}
		applied, err := q.MapScanCAS(prev)
		if err != nil {
			return err
		}
		if !applied {
			return handoff.Errorf(handoff.NotFound, "ride %s not found", rideID)
		}
		s.markWrite()
		return nil
	})
}

// Search pushes the fare and time ranges down to Cassandra and applies the
// status set client-side (a multi-status IN over a non-key column is not
// expressible in a single filtered query).
func (s *RideStore) Search(ctx context.Context, filter handoff.Filter) ([]handoff.Ride, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	var out []handoff.Ride
	err := s.execute(ctx, func(ctx context.Context) error {
		stmt := fmt.Sprintf("SELECT %s FROM %s.rides", rideColumns, s.keyspace)
		var conds []string
		var args []any
		if filter.MinFare != nil {
			conds = append(conds, "fare >= ?")
			args = append(args, *filter.MinFare)
		}
		if filter.MaxFare != nil {
			conds = append(conds, "fare <= ?")
			args = append(args, *filter.MaxFare)
		}
		if !filter.Since.IsZero() {
			conds = append(conds, "ts >= ?")
			args = append(args, filter.Since)
		}
		if !filter.Until.IsZero() {
			conds = append(conds, "ts <= ?")
			args = append(args, filter.Until)
		}
		for i, c := range conds {
			if i == 0 {
				stmt += " WHERE " + c
			} else {
				stmt += " AND " + c
			}
		}
		if len(conds) > 0 {
			stmt += " ALLOW FILTERING"
		}
		stmt += ";"

		iter := connection.Session.Query(stmt, args...).WithContext(ctx).Iter()
		out = out[:0]
		for {
			var r handoff.Ride
			var status, hs string
			if !iter.Scan(&r.RideID, &r.VehicleID, &r.CustomerID, &status, &r.Region, &r.Fare,
				&r.StartLocation.Lat, &r.StartLocation.Lon,
				&r.CurrentLocation.Lat, &r.CurrentLocation.Lon,
				&r.EndLocation.Lat, &r.EndLocation.Lon,
				&r.Timestamp, &r.Locked, &r.TransactionID, &hs) {
				break
			}
			r.Status = handoff.RideStatus(status)
			r.HandoffStatus = handoff.HandoffPhase(hs)
			if !filter.Matches(r) {
				continue
			}
			out = append(out, r)
		}
		if err := iter.Close(); err != nil {
			return err
		}
		out = sortRides(out, filter.Limit)
		return nil
	})
	return out, err
}

func (s *RideStore) Stats(ctx context.Context) (handoff.Stats, error) {
	var st handoff.Stats
	err := s.execute(ctx, func(ctx context.Context) error {
		st = handoff.Stats{ByStatus: make(map[handoff.RideStatus]int)}
		stmt := fmt.Sprintf("SELECT status, fare FROM %s.rides;", s.keyspace)
		iter := connection.Session.Query(stmt).WithContext(ctx).Iter()
		var status string
		var fare, fareSum float64
		for iter.Scan(&status, &fare) {
			st.Total++
			st.ByStatus[handoff.RideStatus(status)]++
			fareSum += fare
		}
		if err := iter.Close(); err != nil {
			return err
		}
		if st.Total > 0 {
			st.AvgFare = fareSum / float64(st.Total)
		}
		return nil
	})
	return st, err
}

func (s *RideStore) Health(ctx context.Context) (handoff.StoreHealth, error) {
	var h handoff.StoreHealth
	err := s.execute(ctx, func(ctx context.Context) error {
		var hostID string
		stmt := "SELECT host_id FROM system.local;"
		if err := connection.Session.Query(stmt).WithContext(ctx).Scan(&hostID); err != nil {
			return err
		}
		h.PrimaryID = hostID
		if ms := s.lastWriteAt.Load(); ms > 0 {
			h.LastWriteAt = time.UnixMilli(ms).UTC()
		}
		return nil
	})
	return h, err
}

// sortRides orders timestamp desc with rideId-asc tie-break and truncates.
func sortRides(rides []handoff.Ride, limit int) []handoff.Ride {
	sort.Slice(rides, func(i, j int) bool {
		if !rides[i].Timestamp.Equal(rides[j].Timestamp) {
			return rides[i].Timestamp.After(rides[j].Timestamp)
		}
		return rides[i].RideID < rides[j].RideID
	})
	if len(rides) > limit {
		rides = rides[:limit]
	}
	return rides
}
