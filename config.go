package handoff

import (
	"encoding/json"
	"time"
)

// MonitorOptions controls the health monitor probe loop.
type MonitorOptions struct {
	// Interval between probe rounds.
	Interval time.Duration `json:"intervalMs"`
	// Timeout bounds each probe request.
	Timeout time.Duration `json:"timeoutMs"`
	// FailureThreshold is the consecutive-failure count before UNAVAILABLE.
	FailureThreshold int `json:"failureThreshold"`
}

// HandoffOptions controls per-transaction deadlines and retry budgets.
type HandoffOptions struct {
	// PrepareTimeout bounds each prepare call.
	PrepareTimeout time.Duration `json:"prepareTimeoutMs"`
	// CommitTimeout bounds each commit call.
	CommitTimeout time.Duration `json:"commitTimeoutMs"`
	// OverallTimeout bounds the whole transaction.
	OverallTimeout time.Duration `json:"overallTimeoutMs"`
	// Retry is the per-logical-call backoff budget.
	Retry RetryOptions `json:"retry"`
}

// BufferOptions controls the deferred-handoff buffer.
type BufferOptions struct {
	// MaxPerRegion caps buffered entries per target; overflow rejects the
	// handoff with buffer_full.
	MaxPerRegion int `json:"maxPerRegion"`
}

// Config is the coordinator's process-wide configuration. It is initialized
// at startup and never mutated afterwards.
type Config struct {
	// Regions maps region name to the participant's base URL.
	Regions map[string]string `json:"regions"`
	// GlobalReplica is the store descriptor for the read-only union keyspace.
	GlobalReplica string `json:"globalReplica"`
	// LogBackend is the descriptor for durable transaction log storage.
	LogBackend string `json:"log.backend"`

	Monitor MonitorOptions `json:"monitor"`
	Handoff HandoffOptions `json:"handoff"`
	Buffer  BufferOptions  `json:"buffer"`
}

// The *Ms option keys carry integer milliseconds on the wire while the
// structs hold time.Duration; plain unmarshalling would read them as
// nanoseconds, so each options struct converts explicitly.

func (o *MonitorOptions) UnmarshalJSON(data []byte) error {
	var raw struct {
		IntervalMs       int64 `json:"intervalMs"`
		TimeoutMs        int64 `json:"timeoutMs"`
		FailureThreshold int   `json:"failureThreshold"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	o.Interval = time.Duration(raw.IntervalMs) * time.Millisecond
	o.Timeout = time.Duration(raw.TimeoutMs) * time.Millisecond
	o.FailureThreshold = raw.FailureThreshold
	return nil
}

func (o *HandoffOptions) UnmarshalJSON(data []byte) error {
	var raw struct {
		PrepareTimeoutMs int64        `json:"prepareTimeoutMs"`
		CommitTimeoutMs  int64        `json:"commitTimeoutMs"`
		OverallTimeoutMs int64        `json:"overallTimeoutMs"`
		Retry            RetryOptions `json:"retry"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	o.PrepareTimeout = time.Duration(raw.PrepareTimeoutMs) * time.Millisecond
	o.CommitTimeout = time.Duration(raw.CommitTimeoutMs) * time.Millisecond
	o.OverallTimeout = time.Duration(raw.OverallTimeoutMs) * time.Millisecond
	o.Retry = raw.Retry
	return nil
}

func (o *RetryOptions) UnmarshalJSON(data []byte) error {
	var raw struct {
		BaseMs int64 `json:"base"`
		CapMs  int64 `json:"cap"`
		Max    int   `json:"max"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	o.Base = time.Duration(raw.BaseMs) * time.Millisecond
	o.Cap = time.Duration(raw.CapMs) * time.Millisecond
	o.MaxAttempts = raw.Max
	return nil
}

// SetDefaults fills unset options with their documented defaults.
func (c *Config) SetDefaults() {
	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = 5 * time.Second
	}
	if c.Monitor.Timeout <= 0 {
		c.Monitor.Timeout = 3 * time.Second
	}
	if c.Monitor.FailureThreshold <= 0 {
		c.Monitor.FailureThreshold = 3
	}
	if c.Handoff.PrepareTimeout <= 0 {
		c.Handoff.PrepareTimeout = 5 * time.Second
	}
	if c.Handoff.CommitTimeout <= 0 {
		c.Handoff.CommitTimeout = 5 * time.Second
	}
	if c.Handoff.OverallTimeout <= 0 {
		c.Handoff.OverallTimeout = 30 * time.Second
	}
	if c.Handoff.Retry == (RetryOptions{}) {
		c.Handoff.Retry = DefaultRetryOptions()
	}
	if c.Buffer.MaxPerRegion <= 0 {
		c.Buffer.MaxPerRegion = 1000
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if len(c.Regions) == 0 {
		return Errorf(InvalidArgument, "at least one region must be configured")
	}
	for name, url := range c.Regions {
		if name == "" || url == "" {
			return Errorf(InvalidArgument, "region entries need both a name and a base URL")
		}
	}
	return nil
}
