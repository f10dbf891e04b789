package participant

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/avfleet/handoff"
)

// RegisterRoutes wires the participant HTTP surface onto the gin engine.
func RegisterRoutes(r *gin.Engine, svc *Service) {
	h := &restHandler{svc: svc}

	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/stats", h.Stats)

	r.POST("/rides", h.CreateRide)
	r.GET("/rides", h.ListRides)
	r.GET("/rides/:id", h.GetRide)
	r.PUT("/rides/:id", h.UpdateRide)
	r.DELETE("/rides/:id", h.DeleteRide)

	r.POST("/2pc/prepare", h.Prepare)
	r.POST("/2pc/commit", h.Commit)
	r.POST("/2pc/abort", h.Abort)
	r.GET("/2pc/status/:txId", h.TxStatus)
}

type restHandler struct {
	svc *Service
}

// bindStrict decodes the request body rejecting unknown fields, the boundary
// rule for every dynamic request object.
func bindStrict(c *gin.Context, v any) error {
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return handoff.WrapError(handoff.InvalidArgument, err)
	}
	return nil
}

// httpStatus maps the error taxonomy onto HTTP statuses.
func httpStatus(err error) int {
	switch handoff.CodeOf(err) {
	case handoff.InvalidArgument:
		return http.StatusBadRequest
	case handoff.NotFound:
		return http.StatusNotFound
	case handoff.AlreadyExists, handoff.Duplicate, handoff.Contested, handoff.AlreadyLocked, handoff.WrongTransaction:
		return http.StatusConflict
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
		"service": "region participant",
		"version": handoff.Version,
		"region":  h.svc.Region(),
		"endpoints": []string{
			"POST /rides", "GET /rides", "GET /rides/:id", "PUT /rides/:id", "DELETE /rides/:id",
			"GET /stats", "GET /health",
			"POST /2pc/prepare", "POST /2pc/commit", "POST /2pc/abort", "GET /2pc/status/:txId",
		},
	})
}

func (h *restHandler) Health(c *gin.Context) {
	sh, err := h.svc.Health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"region": h.svc.Region(),
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"region":           h.svc.Region(),
		"primary":          sh.PrimaryID,
		"replicationLagMs": sh.ReplicationLagMs,
		"lastWriteAt":      sh.LastWriteAt,
	})
}

func (h *restHandler) Stats(c *gin.Context) {
	st, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *restHandler) CreateRide(c *gin.Context) {
	var ride handoff.Ride
	if err := bindStrict(c, &ride); err != nil {
		abortWithError(c, err)
		return
	}
	created, err := h.svc.CreateRide(c.Request.Context(), ride)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *restHandler) GetRide(c *gin.Context) {
	ride, err := h.svc.GetRide(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ride)
}

func (h *restHandler) ListRides(c *gin.Context) {
	var filter handoff.Filter
	if err := bindQueryFilter(c, &filter); err != nil {
		abortWithError(c, err)
		return
	}
	rides, err := h.svc.Search(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rides)
}

func (h *restHandler) UpdateRide(c *gin.Context) {
	var upd RideUpdate
	if err := bindStrict(c, &upd); err != nil {
		abortWithError(c, err)
		return
	}
	ride, err := h.svc.UpdateRide(c.Request.Context(), c.Param("id"), upd)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ride)
}

func (h *restHandler) DeleteRide(c *gin.Context) {
	if err := h.svc.DeleteRide(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *restHandler) Prepare(c *gin.Context) {
	var req handoff.PrepareRequest
	if err := bindStrict(c, &req); err != nil {
		abortWithError(c, err)
		return
	}
	resp, err := h.svc.Prepare(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *restHandler) Commit(c *gin.Context) {
	var req handoff.CommitRequest
	if err := bindStrict(c, &req); err != nil {
		abortWithError(c, err)
		return
	}
	resp, err := h.svc.Commit(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *restHandler) Abort(c *gin.Context) {
	var req handoff.AbortRequest
	if err := bindStrict(c, &req); err != nil {
		abortWithError(c, err)
		return
	}
	resp, err := h.svc.Abort(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *restHandler) TxStatus(c *gin.Context) {
	rideID := c.Query("rideId")
	if rideID == "" {
		abortWithError(c, handoff.Errorf(handoff.InvalidArgument, "rideId query parameter is required"))
		return
	}
	resp, err := h.svc.TxStatus(c.Request.Context(), c.Param("txId"), rideID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
