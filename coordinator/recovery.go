package coordinator

import (
	"context"
	log "log/slog"
	"time"

	"github.com/avfleet/handoff"
)

// Recover replays every non-terminal journal record, driving each transaction
// to COMMITTED or ABORTED. It is run before serving traffic and again by the
// retry worker for records that could not be resolved while a region was down.
// Returns the number of records still unresolved.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	recs, err := c.txlog.Scan(ctx, handoff.TxStarted, handoff.TxPrepared)
	if err != nil {
		return 0, err
	}
	pending := 0
	for _, rec := range recs {
		if err := c.recoverOne(ctx, rec); err != nil {
			log.Warn("recovery deferred, region unreachable", "txId", rec.TxID, "err", err.Error())
			pending++
		}
	}
	if len(recs) > 0 {
		log.Info("recovery pass complete", "scanned", len(recs), "pending", pending)
	}
	return pending, nil
}

func (c *Coordinator) recoverOne(ctx context.Context, rec handoff.TransactionRecord) error {
	switch rec.State {
	case handoff.TxPrepared:
		// Both votes were journaled before the crash, so the decision was
		// commit. Roll forward; participant idempotence absorbs replays of
		// steps that already happened.
		if rec.SourceVote == handoff.VoteCommit && rec.TargetVote == handoff.VoteCommit && rec.RideSnapshot != nil {
			return c.rollForward(ctx, rec)
		}
		// A PREPARED record without a full vote set is a journal anomaly;
		// rolling back is the only safe resolution.
		return c.rollBack(ctx, rec, "incomplete_prepare_record")

	case handoff.TxStarted:
		// The crash happened mid-prepare, before any commit decision. Probe
		// what each side actually did, then undo it. If a probe cannot be
		// answered the record stays STARTED for a later pass.
		if _, err := c.probe(ctx, rec.Source, rec.TxID, rec.RideID); err != nil {
			return err
		}
		if _, err := c.probe(ctx, rec.Target, rec.TxID, rec.RideID); err != nil {
			return err
		}
		return c.rollBack(ctx, rec, "recovered_after_crash")
	}
	return nil
}

func (c *Coordinator) rollForward(ctx context.Context, rec handoff.TransactionRecord) error {
	if err := c.commit(ctx, rec.Target, rec.TxID, rec.RideID, handoff.RoleTarget, rec.RideSnapshot); err != nil {
		return err
	}
	if err := c.commit(ctx, rec.Source, rec.TxID, rec.RideID, handoff.RoleSource, nil); err != nil {
		return err
	}
	rec.State = handoff.TxCommitted
	rec.CommittedAt = time.Now().UTC()
	if err := c.txlog.Append(ctx, rec); err != nil {
		return err
	}
	log.Info("recovered transaction rolled forward", "txId", rec.TxID, "rideId", rec.RideID)
	return nil
}

func (c *Coordinator) rollBack(ctx context.Context, rec handoff.TransactionRecord, reason string) error {
	// Abort both sides unconditionally. Releasing a lock that was never
	// taken and deleting a tentative insert that never happened are both
	// no-ops at the participant.
	if err := c.abortParticipant(ctx, rec.Source, rec.TxID, rec.RideID, handoff.RoleSource); err != nil {
		return err
	}
	if err := c.abortParticipant(ctx, rec.Target, rec.TxID, rec.RideID, handoff.RoleTarget); err != nil {
		return err
	}
	rec.State = handoff.TxAborted
	rec.AbortedAt = time.Now().UTC()
	rec.Error = reason
	if err := c.txlog.Append(ctx, rec); err != nil {
		return err
	}
	log.Info("recovered transaction rolled back", "txId", rec.TxID, "rideId", rec.RideID, "reason", reason)
	return nil
}

// probe asks a participant what it knows about the transaction, under the
// usual per-call deadline and retry budget.
func (c *Coordinator) probe(ctx context.Context, region, txID, rideID string) (handoff.TxStatusResponse, error) {
	var resp handoff.TxStatusResponse
	err := c.call(ctx, c.cfg.Handoff.PrepareTimeout, func(ctx context.Context) error {
		var err error
		resp, err = c.participants[region].TxStatus(ctx, txID, rideID)
		return err
	})
	return resp, err
}

// RunRecoveryWorker re-runs Recover on the interval until ctx is done,
// picking up records that were unresolvable while a region was unreachable.
func (c *Coordinator) RunRecoveryWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Recover(ctx); err != nil {
				log.Warn("recovery pass failed", "err", err.Error())
			}
		}
	}
}
