package cassandra

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gocql/gocql"

	"github.com/avfleet/handoff"
)

// The transaction log is the durability anchor of the commit protocol: each
// write must be persisted before the coordinator advances, so log statements
// run at quorum (the session default) rather than a relaxed level.

const logColumns = "tx_id, ride_id, source, target, state, source_vote, target_vote, error, ride_snapshot, started_at, prepared_at, committed_at, aborted_at"

// TransactionLog is the Cassandra-backed handoff.TransactionLog. Monotone
// state transitions are enforced with conditional updates on state, so a
// replayed or racing append can never regress a record.
type TransactionLog struct {
	keyspace string
}

// NewTransactionLog returns a TransactionLog over the global connection.
func NewTransactionLog(keyspace string) *TransactionLog {
	return &TransactionLog{keyspace: keyspace}
}

func (l *TransactionLog) Append(ctx context.Context, rec handoff.TransactionRecord) error {
	if connection == nil {
		return handoff.Errorf(handoff.Unavailable, "cassandra connection is closed; call OpenConnection(config) to open it")
	}
	if rec.TxID == "" {
		return handoff.Errorf(handoff.InvalidArgument, "transaction record needs a txId")
	}

	var snapshot []byte
	if rec.RideSnapshot != nil {
		var err error
		snapshot, err = json.Marshal(rec.RideSnapshot)
		if err != nil {
			return handoff.WrapError(handoff.Internal, err)
		}
	}

	switch rec.State {
	case handoff.TxStarted:
		stmt := fmt.Sprintf("INSERT INTO %s.handoff_log (%s) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?) IF NOT EXISTS;", l.keyspace, logColumns)
		q := connection.Session.Query(stmt,
			rec.TxID, rec.RideID, rec.Source, rec.Target, string(rec.State),
			string(rec.SourceVote), string(rec.TargetVote), rec.Error, snapshot,
			rec.StartedAt, rec.PreparedAt, rec.CommittedAt, rec.AbortedAt).WithContext(ctx)
		prev := map[string]any{}
		applied, err := q.MapScanCAS(prev)
		if err != nil {
			return handoff.WrapError(handoff.Unavailable, err)
		}
		if !applied {
			// Idempotent replay of STARTED is fine; anything else regressed.
			if st, _ := prev["state"].(string); st != string(handoff.TxStarted) {
				return handoff.Errorf(handoff.InvalidArgument, "illegal transition %s -> STARTED for %s", st, rec.TxID)
			}
		}
		return nil
	case handoff.TxPrepared, handoff.TxCommitted, handoff.TxAborted:
		return l.transition(ctx, rec, snapshot)
	}
	return handoff.Errorf(handoff.InvalidArgument, "unknown transaction state %q", rec.State)
}

// transition performs the conditional update for a non-initial state, trying
// each legal prior state in turn. A record already in the requested state is
// an idempotent replay.
func (l *TransactionLog) transition(ctx context.Context, rec handoff.TransactionRecord, snapshot []byte) error {
	var priors []handoff.TxState
	switch rec.State {
	case handoff.TxPrepared:
		priors = []handoff.TxState{handoff.TxStarted}
	case handoff.TxCommitted:
		priors = []handoff.TxState{handoff.TxPrepared}
	case handoff.TxAborted:
		priors = []handoff.TxState{handoff.TxStarted, handoff.TxPrepared}
	}

	stmt := fmt.Sprintf(`UPDATE %s.handoff_log SET state = ?, source_vote = ?, target_vote = ?, error = ?,
		ride_snapshot = ?, prepared_at = ?, committed_at = ?, aborted_at = ? WHERE tx_id = ? IF state = ?;`, l.keyspace)
	for _, prior := range priors {
		q := connection.Session.Query(stmt,
			string(rec.State), string(rec.SourceVote), string(rec.TargetVote), rec.Error,
			snapshot, rec.PreparedAt, rec.CommittedAt, rec.AbortedAt,
			rec.TxID, string(prior)).WithContext(ctx)
		prev := map[string]any{}
		applied, err := q.MapScanCAS(prev)
		if err != nil {
			return handoff.WrapError(handoff.Unavailable, err)
		}
		if applied {
			return nil
		}
		cur, ok := prev["state"].(string)
		if !ok {
			return handoff.Errorf(handoff.NotFound, "transaction %s not found", rec.TxID)
		}
		if cur == string(rec.State) {
			// Replayed append.
			return nil
		}
	}
	return handoff.Errorf(handoff.InvalidArgument, "illegal transition to %s for %s", rec.State, rec.TxID)
}

func scanRecord(scan func(...any) error) (handoff.TransactionRecord, error) {
	var rec handoff.TransactionRecord
	var state, sv, tv string
	var snapshot []byte
	err := scan(&rec.TxID, &rec.RideID, &rec.Source, &rec.Target, &state,
		&sv, &tv, &rec.Error, &snapshot,
		&rec.StartedAt, &rec.PreparedAt, &rec.CommittedAt, &rec.AbortedAt)
	if err != nil {
		return rec, err
	}
	rec.State = handoff.TxState(state)
	rec.SourceVote = handoff.Vote(sv)
	rec.TargetVote = handoff.Vote(tv)
	if len(snapshot) > 0 {
		var ride handoff.Ride
		if err := json.Unmarshal(snapshot, &ride); err != nil {
			return rec, handoff.WrapError(handoff.Internal, err)
		}
		rec.RideSnapshot = &ride
	}
	return rec, nil
}

func (l *TransactionLog) Get(ctx context.Context, txID string) (handoff.TransactionRecord, error) {
	if connection == nil {
		return handoff.TransactionRecord{}, handoff.Errorf(handoff.Unavailable, "cassandra connection is closed; call OpenConnection(config) to open it")
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s.handoff_log WHERE tx_id = ?;", logColumns, l.keyspace)
	q := connection.Session.Query(stmt, txID).WithContext(ctx)
	rec, err := scanRecord(q.Scan)
	if err == gocql.ErrNotFound {
		return handoff.TransactionRecord{}, handoff.Errorf(handoff.NotFound, "transaction %s not found", txID)
	}
	if err != nil {
		return handoff.TransactionRecord{}, handoff.WrapError(handoff.Unavailable, err)
	}
	return rec, nil
}

func (l *TransactionLog) Scan(ctx context.Context, states ...handoff.TxState) ([]handoff.TransactionRecord, error) {
	if connection == nil {
		return nil, handoff.Errorf(handoff.Unavailable, "cassandra connection is closed; call OpenConnection(config) to open it")
	}
	var out []handoff.TransactionRecord
	for _, state := range states {
		stmt := fmt.Sprintf("SELECT %s FROM %s.handoff_log WHERE state = ? ALLOW FILTERING;", logColumns, l.keyspace)
		iter := connection.Session.Query(stmt, string(state)).WithContext(ctx).Iter()
		for {
			rec, err := l.scanNext(iter)
			if err != nil {
				break
			}
			out = append(out, rec)
		}
		if err := iter.Close(); err != nil {
			return out, handoff.WrapError(handoff.Unavailable, err)
		}
	}
	return out, nil
}

// scanNext adapts gocql's bool-returning Iter.Scan to scanRecord.
func (l *TransactionLog) scanNext(iter *gocql.Iter) (handoff.TransactionRecord, error) {
	var done error
	rec, err := scanRecord(func(dest ...any) error {
		if !iter.Scan(dest...) {
			done = gocql.ErrNotFound
			return done
		}
		return nil
	})
	if done != nil {
		return rec, done
	}
	return rec, err
}

func (l *TransactionLog) Recent(ctx context.Context, limit int) ([]handoff.TransactionRecord, error) {
	if connection == nil {
		return nil, handoff.Errorf(handoff.Unavailable, "cassandra connection is closed; call OpenConnection(config) to open it")
	}
	if limit <= 0 {
		limit = 50
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s.handoff_log;", logColumns, l.keyspace)
	iter := connection.Session.Query(stmt).WithContext(ctx).Iter()
	var out []handoff.TransactionRecord
	for {
		rec, err := l.scanNext(iter)
		if err != nil {
			break
		}
		out = append(out, rec)
	}
	if err := iter.Close(); err != nil {
		return out, handoff.WrapError(handoff.Unavailable, err)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
