package participant

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/avfleet/handoff"
)

// bindQueryFilter parses the fixed filter surface from URL query parameters.
// Unknown parameters are rejected, mirroring the strict JSON binding.
func bindQueryFilter(c *gin.Context, f *handoff.Filter) error {
	for key, values := range c.Request.URL.Query() {
		v := values[len(values)-1]
		switch key {
		case "status":
			for _, s := range strings.Split(v, ",") {
				if s != "" {
					f.Statuses = append(f.Statuses, handoff.RideStatus(s))
				}
			}
		case "minFare":
			x, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return handoff.Errorf(handoff.InvalidArgument, "bad minFare %q", v)
			}
			f.MinFare = &x
		case "maxFare":
			x, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return handoff.Errorf(handoff.InvalidArgument, "bad maxFare %q", v)
			}
			f.MaxFare = &x
		case "since":
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return handoff.Errorf(handoff.InvalidArgument, "bad since %q", v)
			}
			f.Since = t
		case "until":
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return handoff.Errorf(handoff.InvalidArgument, "bad until %q", v)
			}
			f.Until = t
		case "limit":
			n, err := strconv.Atoi(v)
			if err != nil {
				return handoff.Errorf(handoff.InvalidArgument, "bad limit %q", v)
			}
			f.Limit = n
		default:
			return handoff.Errorf(handoff.InvalidArgument, "unknown query parameter %q", key)
		}
	}
	return f.Validate()
}
