package coordinator

import (
	"context"
	"fmt"
	log "log/slog"
	"sort"
	"sync"
	"time"

	"github.com/avfleet/handoff"
)

// SearchScope selects the consistency/latency tradeoff for a query.
type SearchScope string

const (
	// ScopeLocal queries exactly one region's primary store.
	ScopeLocal SearchScope = "local"
	// ScopeGlobalFast queries the read-only union replica; results may lag.
	ScopeGlobalFast SearchScope = "global-fast"
	// ScopeGlobalLive scatter-gathers every region's primary store.
	ScopeGlobalLive SearchScope = "global-live"
)

// SearchResult carries the merged rides plus routing metadata. Warnings name
// the regions that could not answer a global-live query; their rides are
// simply missing from Results.
type SearchResult struct {
	Results        []handoff.Ride `json:"results"`
	Scope          SearchScope    `json:"scope"`
	RegionsQueried []string       `json:"regionsQueried"`
	Warnings       []string       `json:"warnings,omitempty"`
	LatencyMs      int64          `json:"latencyMs"`
}

// Router answers ride queries across the fleet. It never writes.
type Router struct {
	participants map[string]handoff.Participant
	replica      handoff.RideStore
	callTimeout  time.Duration
	fanoutBudget time.Duration
}

// NewRouter builds a router. replica may be nil when no union replica is
// deployed; global-fast queries then fail with unavailable. callTimeout bounds
// each per-region call; fanoutBudget caps a whole scatter-gather round and
// falls back to twice callTimeout when unset.
func NewRouter(participants map[string]handoff.Participant, replica handoff.RideStore, callTimeout, fanoutBudget time.Duration) *Router {
	if fanoutBudget <= 0 {
		fanoutBudget = 2 * callTimeout
	}
	return &Router{
		participants: participants,
		replica:      replica,
		callTimeout:  callTimeout,
		fanoutBudget: fanoutBudget,
	}
}

// Search routes one query by scope.
func (r *Router) Search(ctx context.Context, scope SearchScope, filter handoff.Filter) (SearchResult, error) {
	started := time.Now()
	res, err := r.search(ctx, scope, filter)
	if err != nil {
		return SearchResult{}, err
	}
	res.Scope = scope
	res.LatencyMs = time.Since(started).Milliseconds()
	return res, nil
}

func (r *Router) search(ctx context.Context, scope SearchScope, filter handoff.Filter) (SearchResult, error) {
	if err := filter.Validate(); err != nil {
		return SearchResult{}, err
	}
	switch scope {
	case ScopeLocal:
		return r.searchLocal(ctx, filter)
	case ScopeGlobalFast:
		return r.searchReplica(ctx, filter)
	case ScopeGlobalLive:
		return r.searchLive(ctx, filter)
	}
	return SearchResult{}, handoff.Errorf(handoff.InvalidArgument, "unknown scope %q", scope)
}

func (r *Router) searchLocal(ctx context.Context, filter handoff.Filter) (SearchResult, error) {
	p, ok := r.participants[filter.Region]
	if !ok {
		return SearchResult{}, handoff.Errorf(handoff.InvalidArgument, "local scope needs a configured region, got %q", filter.Region)
	}
	cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	rides, err := p.Search(cctx, filter)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Results: rides, RegionsQueried: []string{filter.Region}}, nil
}

func (r *Router) searchReplica(ctx context.Context, filter handoff.Filter) (SearchResult, error) {
	if r.replica == nil {
		return SearchResult{}, handoff.Errorf(handoff.Unavailable, "no global replica configured")
	}
	cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	rides, err := r.replica.Search(cctx, filter)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Results: rides, RegionsQueried: []string{"replica"}}, nil
}

// searchLive fans the filter out to every region in parallel and merges. The
// query succeeds with warnings while at least one region answers; it fails
// only when none do. The whole round is capped by fanoutBudget so one stalled
// region cannot hold the response past the global deadline.
func (r *Router) searchLive(ctx context.Context, filter handoff.Filter) (SearchResult, error) {
	var (
		mu       sync.Mutex
		byRegion = make(map[string][]handoff.Ride, len(r.participants))
		failed   []string
	)

	gctx, cancel := context.WithTimeout(ctx, r.fanoutBudget)
	defer cancel()
	tr := handoff.NewTaskRunner(gctx, len(r.participants))
	for region, p := range r.participants {
		region, p := region, p
		tr.Go(func() error {
			cctx, cancel := context.WithTimeout(tr.GetContext(), r.callTimeout)
			defer cancel()
			rides, err := p.Search(cctx, filter)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn("region skipped in global-live query", "region", region, "err", err.Error())
				failed = append(failed, region)
				return nil
			}
			byRegion[region] = rides
			return nil
		})
	}
	_ = tr.Wait()

	if len(byRegion) == 0 {
		return SearchResult{}, handoff.Errorf(handoff.Unavailable, "no region answered the query")
	}

	queried := make([]string, 0, len(byRegion))
	all := make([]handoff.Ride, 0)
	for region, rides := range byRegion {
		queried = append(queried, region)
		all = append(all, rides...)
	}
	sort.Strings(queried)

	var warnings []string
	sort.Strings(failed)
	for _, region := range failed {
		warnings = append(warnings, fmt.Sprintf("region %s did not answer; results may be incomplete", region))
	}

	return SearchResult{
		Results:        mergeRides(all, filter.Limit),
		RegionsQueried: queried,
		Warnings:       warnings,
	}, nil
}

// mergeRides dedupes by rideId and orders the merged set. A ride caught
// mid-handoff can surface from two regions at once; the copy with the newer
// timestamp wins.
func mergeRides(rides []handoff.Ride, limit int) []handoff.Ride {
	best := make(map[string]handoff.Ride, len(rides))
	for _, ride := range rides {
		cur, ok := best[ride.RideID]
		if !ok || ride.Timestamp.After(cur.Timestamp) {
			best[ride.RideID] = ride
		}
	}
	out := make([]handoff.Ride, 0, len(best))
	for _, ride := range best {
		out = append(out, ride)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].RideID < out[j].RideID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// StatsAll gathers per-region stats in parallel. Unreachable regions appear
// with a nil entry in the map and a warning.
func (r *Router) StatsAll(ctx context.Context) (map[string]*handoff.Stats, []string, error) {
	var (
		mu       sync.Mutex
		out      = make(map[string]*handoff.Stats, len(r.participants))
		warnings []string
	)
	gctx, cancel := context.WithTimeout(ctx, r.fanoutBudget)
	defer cancel()
	tr := handoff.NewTaskRunner(gctx, len(r.participants))
	for region, p := range r.participants {
		region, p := region, p
		tr.Go(func() error {
			cctx, cancel := context.WithTimeout(tr.GetContext(), r.callTimeout)
			defer cancel()
			st, err := p.Stats(cctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out[region] = nil
				warnings = append(warnings, fmt.Sprintf("region %s did not answer", region))
				return nil
			}
			out[region] = &st
			return nil
		})
	}
	_ = tr.Wait()
	sort.Strings(warnings)
	return out, warnings, nil
}
