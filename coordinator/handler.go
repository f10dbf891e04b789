package coordinator

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/avfleet/handoff"
)

// HandoffRequest is the POST /handoff body.
type HandoffRequest struct {
	RideID string `json:"rideId"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// SearchRequest is the POST /rides/search body: a scope plus the filter.
type SearchRequest struct {
	Scope    SearchScope          `json:"scope"`
	Region   string               `json:"region,omitempty"`
	Statuses []handoff.RideStatus `json:"status,omitempty"`
	MinFare  *float64             `json:"minFare,omitempty"`
	MaxFare  *float64             `json:"maxFare,omitempty"`
	Since    time.Time            `json:"since,omitzero"`
	Until    time.Time            `json:"until,omitzero"`
	Limit    int                  `json:"limit,omitempty"`
}

func (r SearchRequest) filter() handoff.Filter {
	return handoff.Filter{
		Region:   r.Region,
		Statuses: r.Statuses,
		MinFare:  r.MinFare,
		MaxFare:  r.MaxFare,
		Since:    r.Since,
		Until:    r.Until,
		Limit:    r.Limit,
	}
}

// RegisterRoutes wires the coordinator HTTP surface onto the gin engine.
func RegisterRoutes(r *gin.Engine, coord *Coordinator, router *Router, monitor *Monitor) {
	h := &restHandler{coord: coord, router: router, monitor: monitor}

	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/health/regions", h.RegionHealth)

	r.POST("/handoff", h.Handoff)
	r.GET("/transactions", h.Transactions)

	r.POST("/rides/search", h.Search)
	r.GET("/stats/all", h.StatsAll)
}

type restHandler struct {
	coord   *Coordinator
	router  *Router
	monitor *Monitor
}

func bindStrict(c *gin.Context, v any) error {
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return handoff.WrapError(handoff.InvalidArgument, err)
	}
	return nil
}

func httpStatus(err error) int {
	switch handoff.CodeOf(err) {
	case handoff.InvalidArgument:
		return http.StatusBadRequest
	case handoff.NotFound:
		return http.StatusNotFound
	case handoff.Unavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(httpStatus(err), gin.H{
		"error":  handoff.CodeOf(err).String(),
		"detail": err.Error(),
	})
}

func (h *restHandler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "handoff coordinator",
		"version": handoff.Version,
		"endpoints": []string{
			"POST /handoff", "GET /transactions",
			"POST /rides/search", "GET /stats/all",
			"GET /health", "GET /health/regions",
		},
	})
}

func (h *restHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RegionHealth reports the monitor's view of every region plus the number of
// handoffs buffered against it.
func (h *restHandler) RegionHealth(c *gin.Context) {
	snapshot := h.monitor.Snapshot()
	out := make(map[string]gin.H, len(snapshot))
	for region, rec := range snapshot {
		buffered, err := h.coord.BufferSize(c.Request.Context(), region)
		if err != nil {
			buffered = -1
		}
		out[region] = gin.H{
			"state":               rec.State,
			"consecutiveFailures": rec.ConsecutiveFailures,
			"lastOkAt":            rec.LastOkAt,
			"lastLatencyMs":       rec.LastLatencyMs,
			"replicationLagMs":    rec.ReplicationLagMs,
			"buffered":            buffered,
		}
	}
	c.JSON(http.StatusOK, out)
}

// Handoff runs one handoff to completion and returns its terminal result.
// Invalid requests are the only outcome reported as an HTTP error; protocol
// outcomes (ABORTED, BUFFERED, PARTIAL) are ordinary answers.
func (h *restHandler) Handoff(c *gin.Context) {
	var req HandoffRequest
	if err := bindStrict(c, &req); err != nil {
		abortWithError(c, err)
		return
	}
	res := h.coord.Handoff(c.Request.Context(), req.RideID, req.Source, req.Target)
	if res.Status == handoff.StatusAborted && res.Reason == handoff.InvalidArgument.String() {
		abortWithError(c, handoff.Errorf(handoff.InvalidArgument, "invalid handoff request"))
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *restHandler) Transactions(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > handoff.MaxFilterLimit {
			abortWithError(c, handoff.Errorf(handoff.InvalidArgument, "bad limit %q", v))
			return
		}
		limit = n
	}
	recs, err := h.coord.Transactions(c.Request.Context(), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (h *restHandler) Search(c *gin.Context) {
	var req SearchRequest
	if err := bindStrict(c, &req); err != nil {
		abortWithError(c, err)
		return
	}
	res, err := h.router.Search(c.Request.Context(), req.Scope, req.filter())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *restHandler) StatsAll(c *gin.Context) {
	stats, warnings, err := h.router.StatsAll(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"regions":  stats,
		"warnings": warnings,
	})
}
