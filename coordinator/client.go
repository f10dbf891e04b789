package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avfleet/handoff"
)

// Client is the coordinator-side HTTP stub for one region participant. Each
// method is a single request; deadlines and retries belong to the caller so a
// retried call reuses the same txId end to end.
type Client struct {
	baseURL string
	hc      *http.Client
}

// NewClient builds a client for the participant at baseURL. The http.Client
// carries no timeout of its own; per-call contexts bound every request.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{},
	}
}

var _ handoff.Participant = (*Client)(nil)

func (c *Client) Prepare(ctx context.Context, req handoff.PrepareRequest) (handoff.PrepareResponse, error) {
	var resp handoff.PrepareResponse
	err := c.do(ctx, http.MethodPost, "/2pc/prepare", req, &resp)
	return resp, err
}

func (c *Client) Commit(ctx context.Context, req handoff.CommitRequest) (handoff.CommitResponse, error) {
	var resp handoff.CommitResponse
	err := c.do(ctx, http.MethodPost, "/2pc/commit", req, &resp)
	return resp, err
}

func (c *Client) Abort(ctx context.Context, req handoff.AbortRequest) (handoff.AbortResponse, error) {
	var resp handoff.AbortResponse
	err := c.do(ctx, http.MethodPost, "/2pc/abort", req, &resp)
	return resp, err
}

func (c *Client) TxStatus(ctx context.Context, txID, rideID string) (handoff.TxStatusResponse, error) {
	var resp handoff.TxStatusResponse
	path := fmt.Sprintf("/2pc/status/%s?rideId=%s", url.PathEscape(txID), url.QueryEscape(rideID))
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

func (c *Client) Health(ctx context.Context) (handoff.StoreHealth, error) {
	var body struct {
		Status           string    `json:"status"`
		Primary          string    `json:"primary"`
		ReplicationLagMs int64     `json:"replicationLagMs"`
		LastWriteAt      time.Time `json:"lastWriteAt"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &body); err != nil {
		return handoff.StoreHealth{}, err
	}
	return handoff.StoreHealth{
		PrimaryID:        body.Primary,
		ReplicationLagMs: body.ReplicationLagMs,
		LastWriteAt:      body.LastWriteAt,
	}, nil
}

func (c *Client) Search(ctx context.Context, filter handoff.Filter) ([]handoff.Ride, error) {
	var rides []handoff.Ride
	err := c.do(ctx, http.MethodGet, "/rides?"+filterQuery(filter), nil, &rides)
	return rides, err
}

func (c *Client) Stats(ctx context.Context) (handoff.Stats, error) {
	var st handoff.Stats
	err := c.do(ctx, http.MethodGet, "/stats", nil, &st)
	return st, err
}

// do issues one request and decodes the answer. Non-2xx answers carry the
// participant's coded reason, which is rebuilt into the matching error code
// so protocol decisions survive the HTTP hop.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return handoff.WrapError(handoff.Internal, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return handoff.WrapError(handoff.Internal, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return handoff.WrapError(handoff.Unavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return handoff.WrapError(handoff.Internal, err)
		}
		return nil
	}

	var remote struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &remote) == nil && remote.Error != "" {
		code := handoff.CodeFromReason(remote.Error)
		if code == handoff.Unknown {
			code = handoff.Internal
		}
		return handoff.Errorf(code, "%s", remote.Detail)
	}
	if resp.StatusCode >= 500 {
		return handoff.Errorf(handoff.Unavailable, "participant returned %d", resp.StatusCode)
	}
	return handoff.Errorf(handoff.Internal, "participant returned %d: %s", resp.StatusCode, string(raw))
}

// filterQuery serializes the filter onto the participant's query surface.
func filterQuery(f handoff.Filter) string {
	q := url.Values{}
	if len(f.Statuses) > 0 {
		parts := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			parts[i] = string(s)
		}
		q.Set("status", strings.Join(parts, ","))
	}
	if f.MinFare != nil {
		q.Set("minFare", strconv.FormatFloat(*f.MinFare, 'f', -1, 64))
	}
	if f.MaxFare != nil {
		q.Set("maxFare", strconv.FormatFloat(*f.MaxFare, 'f', -1, 64))
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		q.Set("until", f.Until.Format(time.RFC3339))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	return q.Encode()
}
