package coordinator

import (
	"context"
	log "log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avfleet/handoff"
)

// Coordinator executes ride handoffs as two-phase commit transactions over
// the region participants, journaling every state transition to the durable
// transaction log before acting on it.
type Coordinator struct {
	cfg          handoff.Config
	participants map[string]handoff.Participant
	txlog        handoff.TransactionLog
	buffer       handoff.BufferQueue
	monitor      *Monitor
}

func New(cfg handoff.Config, participants map[string]handoff.Participant,
	txlog handoff.TransactionLog, buffer handoff.BufferQueue, monitor *Monitor) *Coordinator {
	return &Coordinator{
		cfg:          cfg,
		participants: participants,
		txlog:        txlog,
		buffer:       buffer,
		monitor:      monitor,
	}
}

// Handoff moves one ride from source to target. The result is always a
// definite answer: SUCCESS, ABORTED with a reason, BUFFERED when the target
// region is down, or PARTIAL when the commit point was passed but a
// participant could not be reached before the deadline.
func (c *Coordinator) Handoff(ctx context.Context, rideID, source, target string) handoff.HandoffResult {
	return c.run(ctx, rideID, source, target, true)
}

// run is the shared engine behind Handoff and the drainer's resume. When
// bufferOnDown is false an unavailable target yields BUFFERED without
// enqueueing again; the entry is already at the head of its queue.
func (c *Coordinator) run(ctx context.Context, rideID, source, target string, bufferOnDown bool) handoff.HandoffResult {
	started := time.Now()
	res := c.execute(ctx, rideID, source, target, bufferOnDown)
	res.LatencyMs = time.Since(started).Milliseconds()
	log.Info("handoff finished",
		"rideId", rideID, "source", source, "target", target,
		"status", string(res.Status), "reason", res.Reason, "txId", res.TxID,
		"latencyMs", res.LatencyMs)
	return res
}

func (c *Coordinator) execute(ctx context.Context, rideID, source, target string, bufferOnDown bool) handoff.HandoffResult {
	if err := c.validateRequest(rideID, source, target); err != nil {
		return handoff.HandoffResult{Status: handoff.StatusAborted, Reason: handoff.CodeOf(err).String()}
	}

	// Health gate. A down target defers the handoff instead of failing it;
	// a down source cannot vote, so the request aborts without a transaction.
	if c.monitor != nil {
		if c.monitor.State(target) == handoff.HealthUnavailable {
			if !bufferOnDown {
				return handoff.HandoffResult{Status: handoff.StatusBuffered, Reason: "target_unavailable"}
			}
			return c.defer2Buffer(ctx, rideID, source, target)
		}
		if c.monitor.State(source) == handoff.HealthUnavailable {
			return handoff.HandoffResult{Status: handoff.StatusAborted, Reason: "source_unavailable"}
		}
	}

	txID := uuid.NewString()
	rec := handoff.TransactionRecord{
		TxID:      txID,
		RideID:    rideID,
		Source:    source,
		Target:    target,
		State:     handoff.TxStarted,
		StartedAt: time.Now().UTC(),
	}
	if err := c.txlog.Append(ctx, rec); err != nil {
		// Without a durable STARTED record no participant may be engaged.
		return handoff.HandoffResult{Status: handoff.StatusAborted, TxID: txID, Reason: handoff.Unavailable.String()}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Handoff.OverallTimeout)
	defer cancel()

	// Phase one: source first, so a missing or contested ride aborts before
	// the target is ever touched.
	srcResp, err := c.prepare(ctx, source, txID, rideID, handoff.RoleSource)
	if err != nil {
		return c.abort(ctx, rec, handoff.Unavailable.String(), source)
	}
	if srcResp.Vote != handoff.VoteCommit {
		return c.abort(ctx, rec, orReason(srcResp.Reason, "source_voted_abort"), source)
	}
	if srcResp.Ride == nil {
		return c.abort(ctx, rec, handoff.Internal.String(), source)
	}

	dstResp, err := c.prepare(ctx, target, txID, rideID, handoff.RoleTarget)
	if err != nil {
		return c.abort(ctx, rec, handoff.Unavailable.String(), source, target)
	}
	if dstResp.Vote != handoff.VoteCommit {
		return c.abort(ctx, rec, orReason(dstResp.Reason, "target_voted_abort"), source, target)
	}

	rec.State = handoff.TxPrepared
	rec.SourceVote = handoff.VoteCommit
	rec.TargetVote = handoff.VoteCommit
	rec.PreparedAt = time.Now().UTC()
	rec.RideSnapshot = srcResp.Ride
	if err := c.txlog.Append(ctx, rec); err != nil {
		// The commit point was not journaled; both sides roll back.
		return c.abort(ctx, rec, handoff.Unavailable.String(), source, target)
	}

	// Phase two. Past PREPARED the transaction must finish regardless of the
	// caller, so commits run detached from the request's cancellation.
	cctx := context.WithoutCancel(ctx)
	if err := c.commit(cctx, target, txID, rideID, handoff.RoleTarget, rec.RideSnapshot); err != nil {
		log.Warn("target commit incomplete, deferring to recovery", "txId", txID, "err", err.Error())
		return handoff.HandoffResult{Status: handoff.StatusPartial, TxID: txID, Reason: handoff.Partial.String()}
	}
	if err := c.commit(cctx, source, txID, rideID, handoff.RoleSource, nil); err != nil {
		log.Warn("source commit incomplete, deferring to recovery", "txId", txID, "err", err.Error())
		return handoff.HandoffResult{Status: handoff.StatusPartial, TxID: txID, Reason: handoff.Partial.String()}
	}

	rec.State = handoff.TxCommitted
	rec.CommittedAt = time.Now().UTC()
	if err := c.txlog.Append(cctx, rec); err != nil {
		// Both participants are committed; only the journal write is behind.
		log.Warn("transaction committed but journal append failed", "txId", txID, "err", err.Error())
		return handoff.HandoffResult{Status: handoff.StatusPartial, TxID: txID, Reason: handoff.Partial.String()}
	}
	return handoff.HandoffResult{Status: handoff.StatusSuccess, TxID: txID}
}

func (c *Coordinator) validateRequest(rideID, source, target string) error {
	if rideID == "" {
		return handoff.Errorf(handoff.InvalidArgument, "rideId is required")
	}
	if source == target {
		return handoff.Errorf(handoff.InvalidArgument, "source and target must differ")
	}
	for _, region := range []string{source, target} {
		if _, ok := c.participants[region]; !ok {
			return handoff.Errorf(handoff.InvalidArgument, "unknown region %q", region)
		}
	}
	return nil
}

// defer2Buffer queues the handoff for the drainer. The queue cap turns into a
// definite rejection so callers never wait on a full buffer.
func (c *Coordinator) defer2Buffer(ctx context.Context, rideID, source, target string) handoff.HandoffResult {
	e := handoff.BufferEntry{
		RideID:     rideID,
		Source:     source,
		Target:     target,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := c.buffer.Enqueue(ctx, e); err != nil {
		return handoff.HandoffResult{Status: handoff.StatusAborted, Reason: handoff.CodeOf(err).String()}
	}
	log.Info("handoff buffered, target region unavailable", "rideId", rideID, "target", target)
	return handoff.HandoffResult{Status: handoff.StatusBuffered, Reason: "target_unavailable"}
}

// abort rolls back every engaged participant and journals the terminal state.
// Abort calls are best effort; recovery replays anything that slips through.
func (c *Coordinator) abort(ctx context.Context, rec handoff.TransactionRecord, reason string, engaged ...string) handoff.HandoffResult {
	actx := context.WithoutCancel(ctx)
	for _, region := range engaged {
		role := handoff.RoleSource
		if region == rec.Target {
			role = handoff.RoleTarget
		}
		if err := c.abortParticipant(actx, region, rec.TxID, rec.RideID, role); err != nil {
			log.Warn("abort call failed, recovery will replay",
				"txId", rec.TxID, "region", region, "err", err.Error())
		}
	}

	rec.State = handoff.TxAborted
	rec.AbortedAt = time.Now().UTC()
	rec.Error = reason
	if err := c.txlog.Append(actx, rec); err != nil {
		log.Warn("journal append for abort failed", "txId", rec.TxID, "err", err.Error())
	}
	return handoff.HandoffResult{Status: handoff.StatusAborted, TxID: rec.TxID, Reason: reason}
}

// prepare runs one prepare call under the per-call deadline and retry budget.
// Retries reuse the txId, so a duplicate delivery is absorbed by the
// participant's idempotence.
func (c *Coordinator) prepare(ctx context.Context, region, txID, rideID string, role handoff.Role) (handoff.PrepareResponse, error) {
	var resp handoff.PrepareResponse
	err := c.call(ctx, c.cfg.Handoff.PrepareTimeout, func(ctx context.Context) error {
		var err error
		resp, err = c.participants[region].Prepare(ctx, handoff.PrepareRequest{TxID: txID, RideID: rideID, Role: role})
		return err
	})
	return resp, err
}

func (c *Coordinator) commit(ctx context.Context, region, txID, rideID string, role handoff.Role, snapshot *handoff.Ride) error {
	return c.call(ctx, c.cfg.Handoff.CommitTimeout, func(ctx context.Context) error {
		_, err := c.participants[region].Commit(ctx, handoff.CommitRequest{TxID: txID, RideID: rideID, Role: role, Ride: snapshot})
		return err
	})
}

func (c *Coordinator) abortParticipant(ctx context.Context, region, txID, rideID string, role handoff.Role) error {
	return c.call(ctx, c.cfg.Handoff.CommitTimeout, func(ctx context.Context) error {
		_, err := c.participants[region].Abort(ctx, handoff.AbortRequest{TxID: txID, RideID: rideID, Role: role})
		return err
	})
}

// call applies the per-call deadline inside the retry loop so every attempt
// gets a fresh budget. A deadline that fires while the caller's context is
// still live is a connectivity failure, not a caller cancellation.
func (c *Coordinator) call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	return handoff.Retry(ctx, c.cfg.Handoff.Retry, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := fn(cctx)
		if err != nil && cctx.Err() != nil && ctx.Err() == nil {
			return handoff.WrapError(handoff.Unavailable, err)
		}
		return err
	}, nil)
}

// Transactions returns the newest limit records from the journal.
func (c *Coordinator) Transactions(ctx context.Context, limit int) ([]handoff.TransactionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return c.txlog.Recent(ctx, limit)
}

// BufferSize reports how many handoffs are queued for the target region.
func (c *Coordinator) BufferSize(ctx context.Context, target string) (int, error) {
	return c.buffer.Size(ctx, target)
}

func orReason(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}
