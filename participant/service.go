// Package participant implements a region's half of the handoff protocol:
// idempotent prepare/commit/abort keyed by transaction id over the region's
// ride store, plus the region's CRUD and read surface.
package participant

import (
	"context"
	log "log/slog"
	"time"

	"github.com/avfleet/handoff"
)

// Service holds the 2PC participant logic for one region. Every operation
// keyed by a txId is safe under duplicate delivery; the coordinator retries
// freely. A lock taken during prepare is released only by abort or by the
// coordinator's recovery pass, never by a timeout here.
type Service struct {
	region string
	store  handoff.RideStore
}

// New returns the participant service for the named region.
func New(region string, store handoff.RideStore) *Service {
	return &Service{region: region, store: store}
}

// Region returns the region this participant serves.
func (s *Service) Region() string {
	return s.region
}

// Prepare votes on a transaction. SOURCE takes the ride lock and snapshots
// the document; TARGET checks for a conflicting resident document.
func (s *Service) Prepare(ctx context.Context, req handoff.PrepareRequest) (handoff.PrepareResponse, error) {
	if err := validateTxRequest(req.TxID, req.RideID, req.Role); err != nil {
		return handoff.PrepareResponse{}, err
	}

	switch req.Role {
	case handoff.RoleSource:
		return s.prepareSource(ctx, req)
	default:
		return s.prepareTarget(ctx, req)
	}
}

func (s *Service) prepareSource(ctx context.Context, req handoff.PrepareRequest) (handoff.PrepareResponse, error) {
	err := s.store.Lock(ctx, req.RideID, req.TxID)
	switch handoff.CodeOf(err) {
	case handoff.Unknown:
		if err != nil {
			return handoff.PrepareResponse{}, err
		}
	case handoff.NotFound:
		return handoff.PrepareResponse{Vote: handoff.VoteAbort, Reason: handoff.NotFound.String()}, nil
	case handoff.AlreadyLocked:
		// A replayed prepare for the same transaction re-votes COMMIT.
		ride, gerr := s.store.Get(ctx, req.RideID)
		if gerr != nil {
			return handoff.PrepareResponse{}, gerr
		}
		if ride.TransactionID != req.TxID {
			return handoff.PrepareResponse{Vote: handoff.VoteAbort, Reason: handoff.Contested.String()}, nil
		}
		return handoff.PrepareResponse{Vote: handoff.VoteCommit, Ride: &ride}, nil
	default:
		return handoff.PrepareResponse{}, err
	}

	ride, err := s.store.Get(ctx, req.RideID)
	if err != nil {
		return handoff.PrepareResponse{}, err
	}
	log.Info("prepared source", "txId", req.TxID, "rideId", req.RideID, "region", s.region)
	return handoff.PrepareResponse{Vote: handoff.VoteCommit, Ride: &ride}, nil
}

func (s *Service) prepareTarget(ctx context.Context, req handoff.PrepareRequest) (handoff.PrepareResponse, error) {
	ride, err := s.store.Get(ctx, req.RideID)
	switch handoff.CodeOf(err) {
	case handoff.NotFound:
		log.Info("prepared target", "txId", req.TxID, "rideId", req.RideID, "region", s.region)
		return handoff.PrepareResponse{Vote: handoff.VoteCommit}, nil
	case handoff.Unknown:
		if err != nil {
			return handoff.PrepareResponse{}, err
		}
	default:
		return handoff.PrepareResponse{}, err
	}
	// A resident document under the same transaction is a replay of a prior
	// successful insert; anything else is a duplicate.
	if ride.TransactionID == req.TxID {
		return handoff.PrepareResponse{Vote: handoff.VoteCommit}, nil
	}
	return handoff.PrepareResponse{Vote: handoff.VoteAbort, Reason: handoff.Duplicate.String()}, nil
}

// Commit finalizes the transaction at this participant. SOURCE deletes the
// locked document; TARGET inserts the snapshot re-tagged for this region.
func (s *Service) Commit(ctx context.Context, req handoff.CommitRequest) (handoff.CommitResponse, error) {
	if err := validateTxRequest(req.TxID, req.RideID, req.Role); err != nil {
		return handoff.CommitResponse{}, err
	}

	if req.Role == handoff.RoleSource {
		err := s.store.Delete(ctx, req.RideID, req.TxID)
		if err != nil && !handoff.IsCode(err, handoff.NotFound) {
			// not_found means a retried commit already deleted it.
			return handoff.CommitResponse{}, err
		}
		log.Info("committed source delete", "txId", req.TxID, "rideId", req.RideID, "region", s.region)
		return handoff.CommitResponse{Committed: true}, nil
	}

	if req.Ride == nil {
		return handoff.CommitResponse{}, handoff.Errorf(handoff.InvalidArgument, "target commit needs the ride snapshot")
	}
	ride := *req.Ride
	ride.Region = s.region
	ride.Locked = false
	ride.TransactionID = ""
	ride.HandoffStatus = handoff.HandoffCompleted

	err := s.store.Insert(ctx, ride)
	if handoff.IsCode(err, handoff.AlreadyExists) {
		existing, gerr := s.store.Get(ctx, req.RideID)
		if gerr != nil {
			return handoff.CommitResponse{}, gerr
		}
		if existing.RideID != req.RideID || existing.Region != s.region {
			return handoff.CommitResponse{}, handoff.Errorf(handoff.Duplicate, "ride %s already resident under another region tag", req.RideID)
		}
		if existing.TransactionID == req.TxID {
			// A tentative insert from a prior attempt; clear its lock fields.
			if ferr := s.store.Finalize(ctx, req.RideID, req.TxID); ferr != nil {
				return handoff.CommitResponse{}, ferr
			}
		}
		return handoff.CommitResponse{Committed: true}, nil
	}
	if err != nil {
		return handoff.CommitResponse{}, err
	}
	log.Info("committed target insert", "txId", req.TxID, "rideId", req.RideID, "region", s.region)
	return handoff.CommitResponse{Committed: true}, nil
}

// Abort releases this participant's involvement. It is safe against
// transactions that never touched this region.
func (s *Service) Abort(ctx context.Context, req handoff.AbortRequest) (handoff.AbortResponse, error) {
	if err := validateTxRequest(req.TxID, req.RideID, req.Role); err != nil {
		return handoff.AbortResponse{}, err
	}

	if req.Role == handoff.RoleSource {
		err := s.store.Unlock(ctx, req.RideID, req.TxID)
		switch handoff.CodeOf(err) {
		case handoff.NotFound, handoff.WrongTransaction:
			// The transaction does not own that document; nothing to undo.
			err = nil
		}
		if err != nil {
			return handoff.AbortResponse{}, err
		}
		log.Info("aborted source", "txId", req.TxID, "rideId", req.RideID, "region", s.region)
		return handoff.AbortResponse{Aborted: true}, nil
	}

	ride, err := s.store.Get(ctx, req.RideID)
	if handoff.IsCode(err, handoff.NotFound) {
		return handoff.AbortResponse{Aborted: true}, nil
	}
	if err != nil {
		return handoff.AbortResponse{}, err
	}
	// Never delete a document owned by a different transaction.
	if ride.TransactionID == req.TxID {
		if derr := s.store.Delete(ctx, req.RideID, req.TxID); derr != nil && !handoff.IsCode(derr, handoff.NotFound) {
			return handoff.AbortResponse{}, derr
		}
		log.Info("aborted target, removed tentative insert", "txId", req.TxID, "rideId", req.RideID, "region", s.region)
	}
	return handoff.AbortResponse{Aborted: true}, nil
}

// TxStatus is the recovery probe: is the document here, is it locked by this
// transaction, and which side of it this region was on.
func (s *Service) TxStatus(ctx context.Context, txID, rideID string) (handoff.TxStatusResponse, error) {
	ride, err := s.store.Get(ctx, rideID)
	if handoff.IsCode(err, handoff.NotFound) {
		return handoff.TxStatusResponse{}, nil
	}
	if err != nil {
		return handoff.TxStatusResponse{}, err
	}
	resp := handoff.TxStatusResponse{
		Present: true,
		Locked:  ride.Locked && ride.TransactionID == txID,
	}
	if ride.TransactionID == txID {
		// A lock held under the txId marks the handoff's source; an unlocked
		// document still carrying the txId is a tentative target insert.
		if ride.Locked {
			resp.Role = handoff.RoleSource
		} else {
			resp.Role = handoff.RoleTarget
		}
	}
	return resp, nil
}

// Health reports the backing store's view.
func (s *Service) Health(ctx context.Context) (handoff.StoreHealth, error) {
	return s.store.Health(ctx)
}

// Search serves the region's read endpoint.
func (s *Service) Search(ctx context.Context, filter handoff.Filter) ([]handoff.Ride, error) {
	return s.store.Search(ctx, filter)
}

// Stats summarizes the region, annotated with the store's replication lag.
func (s *Service) Stats(ctx context.Context) (handoff.Stats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return handoff.Stats{}, err
	}
	if h, herr := s.store.Health(ctx); herr == nil {
		st.ReplicationLagMs = h.ReplicationLagMs
	}
	return st, nil
}

// CreateRide inserts a user-submitted ride, stamping this region's tag and
// clearing the participant-owned handoff fields.
func (s *Service) CreateRide(ctx context.Context, ride handoff.Ride) (handoff.Ride, error) {
	ride.Region = s.region
	ride.Locked = false
	ride.TransactionID = ""
	ride.HandoffStatus = handoff.HandoffNone
	if ride.Timestamp.IsZero() {
		ride.Timestamp = time.Now().UTC()
	}
	if err := ride.Validate(); err != nil {
		return handoff.Ride{}, err
	}
	if err := s.store.Insert(ctx, ride); err != nil {
		return handoff.Ride{}, err
	}
	return ride, nil
}

// GetRide fetches one ride.
func (s *Service) GetRide(ctx context.Context, rideID string) (handoff.Ride, error) {
	return s.store.Get(ctx, rideID)
}

// RideUpdate carries the user-settable mutation surface.
type RideUpdate struct {
	Status          *handoff.RideStatus `json:"status,omitempty"`
	CurrentLocation *handoff.Location   `json:"currentLocation,omitempty"`
	EndLocation     *handoff.Location   `json:"endLocation,omitempty"`
	Fare            *float64            `json:"fare,omitempty"`
}

// UpdateRide applies the update to an unlocked ride. A ride mid-handoff is
// reported as contested rather than silently mutated.
func (s *Service) UpdateRide(ctx context.Context, rideID string, upd RideUpdate) (handoff.Ride, error) {
	if upd.Status == nil && upd.CurrentLocation == nil && upd.EndLocation == nil && upd.Fare == nil {
		return handoff.Ride{}, handoff.Errorf(handoff.InvalidArgument, "no fields to update")
	}
	ride, err := s.store.Get(ctx, rideID)
	if err != nil {
		return handoff.Ride{}, err
	}
	if ride.Locked {
		return handoff.Ride{}, handoff.Errorf(handoff.Contested, "ride %s is mid-handoff", rideID)
	}
	if upd.Status != nil {
		ride.Status = *upd.Status
	}
	if upd.CurrentLocation != nil {
		ride.CurrentLocation = *upd.CurrentLocation
	}
	if upd.EndLocation != nil {
		ride.EndLocation = *upd.EndLocation
	}
	if upd.Fare != nil {
		ride.Fare = *upd.Fare
	}
	if err := ride.Validate(); err != nil {
		return handoff.Ride{}, err
	}
	if err := s.store.Update(ctx, ride); err != nil {
		if handoff.IsCode(err, handoff.AlreadyLocked) {
			return handoff.Ride{}, handoff.Errorf(handoff.Contested, "ride %s is mid-handoff", rideID)
		}
		return handoff.Ride{}, err
	}
	return ride, nil
}

// DeleteRide removes an unlocked ride on user request. The tx-conditional
// store delete with an empty transaction id refuses locked documents.
func (s *Service) DeleteRide(ctx context.Context, rideID string) error {
	err := s.store.Delete(ctx, rideID, "")
	if handoff.IsCode(err, handoff.WrongTransaction) {
		return handoff.Errorf(handoff.Contested, "ride %s is mid-handoff", rideID)
	}
	return err
}

func validateTxRequest(txID, rideID string, role handoff.Role) error {
	if txID == "" {
		return handoff.Errorf(handoff.InvalidArgument, "txId is required")
	}
	if rideID == "" {
		return handoff.Errorf(handoff.InvalidArgument, "rideId is required")
	}
	if !role.IsValid() {
		return handoff.Errorf(handoff.InvalidArgument, "unknown role %q", role)
	}
	return nil
}
