// Package client implements the reservation client: the thin HTTP library a
// worker process links against to talk to the counter service (spec.md
// §4.3). It performs no retries itself — that is the backoff coordinator's
// job, layered on top in internal/backoff — and every outcome is reported as
// a serrors.Error so callers can dispatch on kind rather than matching
// strings.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"quotaguard/pkg/serrors"
)

// Group names the three resource groups the counter arbitrates.
type Group string

const (
	GroupCompletion    Group = "completion"
	GroupEmbedding     Group = "embedding"
	GroupTranscription Group = "transcription"
)

// LockResult is the outcome of a Lock call.
type LockResult struct {
	Allowed           bool
	Handle            string
	SecondsUntilReset int
	DenialMessage     string
}

// Status is the outcome of a Status call.
type Status struct {
	AvailableTokens   int
	UsedTokens        int
	LockedTokens      int
	AvailableRequests int
	UsedRequests      int
	LockedRequests    int
	ResetTimeSeconds  int
}

// Client talks to a counter service instance over HTTP and fulfills the
// reservation protocol for one logical caller (app_id).
type Client struct {
	httpClient *http.Client
	baseURL    string
	appID      string
}

// New constructs a Client bound to baseURL (e.g. "http://localhost:8080")
// and appID, using httpClient to perform requests.
func New(httpClient *http.Client, baseURL, appID string) *Client {
	return &Client{httpClient: httpClient, baseURL: baseURL, appID: appID}
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}

func pathFor(group Group, op string) string {
	switch group {
	case GroupCompletion:
		return "/" + op
	case GroupEmbedding:
		return "/embedding/" + op
	case GroupTranscription:
		return "/transcription/" + op
	default:
		return "/" + op
	}
}

type lockWireRequest struct {
	AppID      string `json:"app_id"`
	TokenCount int    `json:"token_count,omitempty"`
}

type lockWireResponse struct {
	Allowed           bool   `json:"allowed"`
	RequestID         string `json:"request_id,omitempty"`
	RateRequestID     string `json:"rate_request_id,omitempty"`
	SecondsUntilReset int    `json:"seconds_until_reset,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Lock reserves tokenCount tokens (ignored for the transcription group) and
// one request slot from the named group. A denial is not an error: callers
// (typically the backoff coordinator) inspect LockResult.Allowed.
func (c *Client) Lock(ctx context.Context, group Group, tokenCount int) (LockResult, error) {
	reqBody := lockWireRequest{AppID: c.appID, TokenCount: tokenCount}

	var wire lockWireResponse
	if err := c.doJSON(ctx, http.MethodPost, pathFor(group, "lock"), reqBody, &wire); err != nil {
		return LockResult{}, err
	}

	if !wire.Allowed {
		return LockResult{
			Allowed:           false,
			SecondsUntilReset: wire.SecondsUntilReset,
			DenialMessage:     wire.Error,
		}, nil
	}

	handle := wire.RequestID
	if wire.RateRequestID != "" {
		handle = wire.RequestID + ":" + wire.RateRequestID
	}

	return LockResult{Allowed: true, Handle: handle}, nil
}

type reportWireRequest struct {
	AppID            string `json:"app_id"`
	RequestID        string `json:"request_id"`
	RateRequestID    string `json:"rate_request_id,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// Report settles a reservation with actual usage. promptTokens and
// completionTokens are only meaningful for the completion/embedding groups;
// the transcription group ignores both.
func (c *Client) Report(ctx context.Context, group Group, handle string, promptTokens, completionTokens int) error {
	tokenID, rateID := splitHandle(handle)

	body := reportWireRequest{
		AppID:            c.appID,
		RequestID:        tokenID,
		RateRequestID:    rateID,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}

	var wire struct {
		Success bool `json:"success"`
	}

	return c.doJSON(ctx, http.MethodPost, pathFor(group, "report"), body, &wire)
}

type releaseWireRequest struct {
	AppID         string `json:"app_id"`
	RequestID     string `json:"request_id"`
	RateRequestID string `json:"rate_request_id,omitempty"`
}

// Release drops a reservation without committing any usage.
func (c *Client) Release(ctx context.Context, group Group, handle string) error {
	tokenID, rateID := splitHandle(handle)

	body := releaseWireRequest{AppID: c.appID, RequestID: tokenID, RateRequestID: rateID}

	var wire struct {
		Success bool `json:"success"`
	}

	return c.doJSON(ctx, http.MethodPost, pathFor(group, "release"), body, &wire)
}

type statusWireResponse struct {
	AvailableTokens   int `json:"available_tokens"`
	UsedTokens        int `json:"used_tokens"`
	LockedTokens      int `json:"locked_tokens"`
	AvailableRequests int `json:"available_requests"`
	UsedRequests      int `json:"used_requests"`
	LockedRequests    int `json:"locked_requests"`
	ResetTimeSeconds  int `json:"reset_time_seconds"`
}

// Status fetches a point-in-time snapshot of the named group's budget(s).
func (c *Client) Status(ctx context.Context, group Group) (Status, error) {
	var wire statusWireResponse
	if err := c.doJSON(ctx, http.MethodGet, pathFor(group, "status"), nil, &wire); err != nil {
		return Status{}, err
	}

	return Status{
		AvailableTokens:   wire.AvailableTokens,
		UsedTokens:        wire.UsedTokens,
		LockedTokens:      wire.LockedTokens,
		AvailableRequests: wire.AvailableRequests,
		UsedRequests:      wire.UsedRequests,
		LockedRequests:    wire.LockedRequests,
		ResetTimeSeconds:  wire.ResetTimeSeconds,
	}, nil
}

// splitHandle splits a compound "token:request" handle at its first colon back
// into its two wire fields (spec.md §3's compound handle split at the wire boundary, the
// inverse of the join Lock performs).
func splitHandle(handle string) (tokenID, rateID string) {
	for i := 0; i < len(handle); i++ {
		if handle[i] == ':' {
			return handle[:i], handle[i+1:]
		}
	}

	return handle, ""
}

// doJSON performs one HTTP round trip, marshalling reqBody (if non-nil) as
// the request body and unmarshalling the response into out. Non-2xx
// responses are translated into a serrors.Error carrying ErrUnavailable.
func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, out any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return serrors.Wrap(serrors.ErrInternal, err, "could not marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), bodyReader)
	if err != nil {
		return serrors.Wrap(serrors.ErrInternal, err, "could not create request")
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return serrors.Wrap(serrors.ErrUnavailable, err, "could not reach counter service")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return serrors.Wrap(serrors.ErrUnavailable, err, "could not read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return serrors.With(serrors.ErrUnavailable, "counter service returned %d: %s", resp.StatusCode, string(b))
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(b, out); err != nil {
		return serrors.Wrap(serrors.ErrInternal, err, "could not decode response")
	}

	return nil
}

// DefaultHTTPClient builds a reasonable default *http.Client for the
// reservation client: a bounded timeout and nothing else fancy, mirroring
// the reference's plain http.Client usage.
func DefaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
