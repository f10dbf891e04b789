package handoff

import (
	"fmt"
	"time"
)

// RideStatus enumerates the business states of a ride.
type RideStatus string

const (
	RideInProgress RideStatus = "IN_PROGRESS"
	RideCompleted  RideStatus = "COMPLETED"
	RideCancelled  RideStatus = "CANCELLED"
)

// IsValid reports whether s is one of the known ride statuses.
func (s RideStatus) IsValid() bool {
	switch s {
	case RideInProgress, RideCompleted, RideCancelled:
		return true
	}
	return false
}

// HandoffPhase is the per-ride handoff marker maintained by the participants.
type HandoffPhase string

const (
	HandoffNone      HandoffPhase = ""
	HandoffPreparing HandoffPhase = "PREPARING"
	HandoffCompleted HandoffPhase = "COMPLETED"
)

// Location is a GPS coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate checks the coordinate ranges.
func (l Location) Validate() error {
	if l.Lat < -90 || l.Lat > 90 {
		return Errorf(InvalidArgument, "latitude %v out of range [-90,90]", l.Lat)
	}
	if l.Lon < -180 || l.Lon > 180 {
		return Errorf(InvalidArgument, "longitude %v out of range [-180,180]", l.Lon)
	}
	return nil
}

// Ride is the unit of data being managed. Exactly one region's store contains
// a ride with a given RideID at any moment observable outside an in-flight
// transaction. The Locked/TransactionID/HandoffStatus fields are owned by the
// region participant holding the document and must never be set by clients.
type Ride struct {
	RideID          string       `json:"rideId"`
	VehicleID       string       `json:"vehicleId"`
	CustomerID      string       `json:"customerId"`
	Status          RideStatus   `json:"status"`
	Region          string       `json:"region"`
	Fare            float64      `json:"fare"`
	StartLocation   Location     `json:"startLocation"`
	CurrentLocation Location     `json:"currentLocation"`
	EndLocation     Location     `json:"endLocation"`
	Timestamp       time.Time    `json:"timestamp"`
	Locked          bool         `json:"locked"`
	TransactionID   string       `json:"transactionId,omitempty"`
	HandoffStatus   HandoffPhase `json:"handoffStatus,omitempty"`
}

// Validate checks the client-settable ride fields.
func (r Ride) Validate() error {
	if r.RideID == "" {
		return Errorf(InvalidArgument, "rideId is required")
	}
	if r.VehicleID == "" {
		return Errorf(InvalidArgument, "vehicleId is required")
	}
	if r.CustomerID == "" {
		return Errorf(InvalidArgument, "customerId is required")
	}
	if !r.Status.IsValid() {
		return Errorf(InvalidArgument, "unknown ride status %q", r.Status)
	}
	if r.Fare < 0 {
		return Errorf(InvalidArgument, "fare must be non-negative")
	}
	for _, l := range []Location{r.StartLocation, r.CurrentLocation, r.EndLocation} {
		if err := l.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TxState is the transaction log state machine. Allowed transitions are
// STARTED -> PREPARED -> COMMITTED, STARTED -> ABORTED, PREPARED -> ABORTED.
// COMMITTED and ABORTED are terminal.
type TxState string

const (
	TxStarted   TxState = "STARTED"
	TxPrepared  TxState = "PREPARED"
	TxCommitted TxState = "COMMITTED"
	TxAborted   TxState = "ABORTED"
)

// IsTerminal reports whether the state is immutable.
func (s TxState) IsTerminal() bool {
	return s == TxCommitted || s == TxAborted
}

// CanTransitionTo reports whether the state machine permits moving from s to next.
func (s TxState) CanTransitionTo(next TxState) bool {
	switch s {
	case TxStarted:
		return next == TxPrepared || next == TxAborted
	case TxPrepared:
		return next == TxCommitted || next == TxAborted
	}
	return false
}

// Vote is a participant's answer to prepare.
type Vote string

const (
	VoteCommit Vote = "COMMIT"
	VoteAbort  Vote = "ABORT"
)

// Role identifies which side of a handoff a participant plays.
type Role string

const (
	RoleSource Role = "SOURCE"
	RoleTarget Role = "TARGET"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleSource || r == RoleTarget
}

// TransactionRecord is one durable log entry per transaction id.
// StartedAt is immutable after the first append; state transitions are
// monotone per TxState.
type TransactionRecord struct {
	TxID         string    `json:"txId"`
	RideID       string    `json:"rideId"`
	Source       string    `json:"source"`
	Target       string    `json:"target"`
	State        TxState   `json:"state"`
	SourceVote   Vote      `json:"sourceVote,omitempty"`
	TargetVote   Vote      `json:"targetVote,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	PreparedAt   time.Time `json:"preparedAt,omitzero"`
	CommittedAt  time.Time `json:"committedAt,omitzero"`
	AbortedAt    time.Time `json:"abortedAt,omitzero"`
	Error        string    `json:"error,omitempty"`
	RideSnapshot *Ride     `json:"rideSnapshot,omitempty"`
}

// BufferEntry is a deferred handoff waiting for its target region to recover.
type BufferEntry struct {
	RideID     string    `json:"rideId"`
	Source     string    `json:"source"`
	Target     string    `json:"target"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Attempts   int       `json:"attempts"`
}

// HealthState classifies a region as seen by the health monitor.
type HealthState string

const (
	HealthUnknown     HealthState = "UNKNOWN"
	HealthAvailable   HealthState = "AVAILABLE"
	HealthUnavailable HealthState = "UNAVAILABLE"
)

// HealthRecord is the monitor's view of one region. Mutated only by the
// monitor; snapshot-read everywhere else.
type HealthRecord struct {
	Region              string      `json:"region"`
	State               HealthState `json:"state"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	LastOkAt            time.Time   `json:"lastOkAt,omitzero"`
	LastLatencyMs       int64       `json:"lastLatencyMs"`
	PrimaryID           string      `json:"primaryId,omitempty"`
	ReplicationLagMs    int64       `json:"replicationLagMs"`
}

// HealthEvent is broadcast on every state transition of a region.
type HealthEvent struct {
	Region string      `json:"region"`
	From   HealthState `json:"from"`
	To     HealthState `json:"to"`
	At     time.Time   `json:"at"`
}

// StoreHealth is what a region store reports about itself.
type StoreHealth struct {
	PrimaryID        string    `json:"primary"`
	ReplicationLagMs int64     `json:"replicationLagMs"`
	LastWriteAt      time.Time `json:"lastWriteAt,omitzero"`
}

// Stats summarizes one region's ride population.
type Stats struct {
	Total            int                `json:"total"`
	ByStatus         map[RideStatus]int `json:"byStatus"`
	AvgFare          float64            `json:"avgFare"`
	ReplicationLagMs int64              `json:"replicationLagMs"`
}

// Filter is the fixed, minimal query surface. Unknown fields are rejected at
// the HTTP boundary before a Filter is ever built.
type Filter struct {
	Region   string       `json:"region,omitempty"`
	Statuses []RideStatus `json:"status,omitempty"`
	MinFare  *float64     `json:"minFare,omitempty"`
	MaxFare  *float64     `json:"maxFare,omitempty"`
	Since    time.Time    `json:"since,omitzero"`
	Until    time.Time    `json:"until,omitzero"`
	Limit    int          `json:"limit"`
}

// MaxFilterLimit caps result set sizes.
const MaxFilterLimit = 1000

// Validate checks ranges; a zero Limit defaults to MaxFilterLimit/10.
func (f *Filter) Validate() error {
	if f.Limit == 0 {
		f.Limit = 100
	}
	if f.Limit < 1 || f.Limit > MaxFilterLimit {
		return Errorf(InvalidArgument, "limit %d out of range [1,%d]", f.Limit, MaxFilterLimit)
	}
	for _, s := range f.Statuses {
		if !s.IsValid() {
			return Errorf(InvalidArgument, "unknown ride status %q", s)
		}
	}
	if f.MinFare != nil && *f.MinFare < 0 {
		return Errorf(InvalidArgument, "minFare must be non-negative")
	}
	if f.MaxFare != nil && f.MinFare != nil && *f.MaxFare < *f.MinFare {
		return Errorf(InvalidArgument, "maxFare is below minFare")
	}
	return nil
}

// Matches reports whether the ride satisfies every populated filter field
// except Region, which is routing information rather than a predicate.
func (f Filter) Matches(r Ride) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.MinFare != nil && r.Fare < *f.MinFare {
		return false
	}
	if f.MaxFare != nil && r.Fare > *f.MaxFare {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// HandoffStatus is the caller-visible outcome of a handoff request.
type HandoffStatus string

const (
	StatusSuccess  HandoffStatus = "SUCCESS"
	StatusAborted  HandoffStatus = "ABORTED"
	StatusBuffered HandoffStatus = "BUFFERED"
	// StatusPartial means the transaction progressed past PREPARED but did not
	// reach a terminal state before the coordinator gave up waiting; recovery
	// finishes it. Never to be conflated with SUCCESS.
	StatusPartial HandoffStatus = "PARTIAL"
)

// HandoffResult is the coordinator's answer to a handoff request.
type HandoffResult struct {
	Status    HandoffStatus `json:"status"`
	TxID      string        `json:"txId,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	LatencyMs int64         `json:"latencyMs"`
}

// PrepareRequest asks a participant to vote on a transaction.
type PrepareRequest struct {
	TxID   string `json:"txId"`
	RideID string `json:"rideId"`
	Role   Role   `json:"role"`
}

// PrepareResponse carries the vote; Ride is the source snapshot on COMMIT.
type PrepareResponse struct {
	Vote   Vote   `json:"vote"`
	Reason string `json:"reason,omitempty"`
	Ride   *Ride  `json:"ride,omitempty"`
}

// CommitRequest finalizes a transaction at one participant. Ride carries the
// snapshot for the TARGET insert and is nil for the SOURCE delete.
type CommitRequest struct {
	TxID   string `json:"txId"`
	RideID string `json:"rideId"`
	Role   Role   `json:"role"`
	Ride   *Ride  `json:"ride,omitempty"`
}

// CommitResponse acknowledges a commit.
type CommitResponse struct {
	Committed bool `json:"committed"`
}

// AbortRequest releases a participant's involvement in a transaction.
type AbortRequest struct {
	TxID   string `json:"txId"`
	RideID string `json:"rideId"`
	Role   Role   `json:"role"`
}

// AbortResponse acknowledges an abort.
type AbortResponse struct {
	Aborted bool `json:"aborted"`
}

// TxStatusResponse is the recovery probe answer: whether the ride document is
// present at the participant, whether it is locked by the probed txId, and the
// role the region played in that transaction (empty when unrelated).
type TxStatusResponse struct {
	Present bool `json:"present"`
	Locked  bool `json:"locked"`
	Role    Role `json:"role,omitempty"`
}

// String implements fmt.Stringer for log readability.
func (e HealthEvent) String() string {
	return fmt.Sprintf("%s: %s -> %s", e.Region, e.From, e.To)
}
