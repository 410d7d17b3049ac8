package counter

import (
	"encoding/json"
	"net/http"
	"quotaguard/internal/budget"
	"quotaguard/pkg/logger"
	"quotaguard/pkg/metrics"

	"go.uber.org/zap"
)

// lockRequest is the wire body for POST {,/embedding}/lock.
type lockRequest struct {
	AppID      string `json:"app_id"`
	TokenCount int    `json:"token_count"`
}

// lockResponse is the wire body for POST {,/embedding}/lock. request_id is
// the token-budget handle and rate_request_id is the companion request-budget
// handle (spec.md §6); the client library recombines them into the single
// compound handle it stores (spec.md §3/§4.3).
type lockResponse struct {
	Allowed           bool   `json:"allowed"`
	RequestID         string `json:"request_id,omitempty"`
	RateRequestID     string `json:"rate_request_id,omitempty"`
	SecondsUntilReset int    `json:"seconds_until_reset,omitempty"`
	Error             string `json:"error,omitempty"`
}

// reportRequest is the wire body for POST {,/embedding}/report.
type reportRequest struct {
	AppID           string `json:"app_id"`
	RequestID       string `json:"request_id"`
	RateRequestID   string `json:"rate_request_id,omitempty"`
	PromptTokens    int    `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
}

// releaseRequest is the wire body for POST {,/embedding}/release.
type releaseRequest struct {
	AppID         string `json:"app_id"`
	RequestID     string `json:"request_id"`
	RateRequestID string `json:"rate_request_id,omitempty"`
}

// successResponse is the uniform body returned by /report and /release: both
// always return success, even for unknown handles (spec.md §6).
type successResponse struct {
	Success bool `json:"success"`
}

// pairedStatusResponse is the wire body for GET {,/embedding}/status.
type pairedStatusResponse struct {
	AvailableTokens   int `json:"available_tokens"`
	UsedTokens        int `json:"used_tokens"`
	LockedTokens      int `json:"locked_tokens"`
	AvailableRequests int `json:"available_requests"`
	UsedRequests      int `json:"used_requests"`
	LockedRequests    int `json:"locked_requests"`
	ResetTimeSeconds  int `json:"reset_time_seconds"`
}

// transcriptionLockRequest is the wire body for POST /transcription/lock.
// Transcription has no token cost, so there is no token_count field.
type transcriptionLockRequest struct {
	AppID string `json:"app_id"`
}

// transcriptionReportRequest/releaseRequest carry only the request handle —
// there is no token amount to report for a requests-only budget.
type transcriptionReportRequest struct {
	AppID     string `json:"app_id"`
	RequestID string `json:"request_id"`
}

type transcriptionReleaseRequest struct {
	AppID     string `json:"app_id"`
	RequestID string `json:"request_id"`
}

// singleStatusResponse is the wire body for GET /transcription/status.
type singleStatusResponse struct {
	AvailableRequests int `json:"available_requests"`
	UsedRequests      int `json:"used_requests"`
	LockedRequests    int `json:"locked_requests"`
	ResetTimeSeconds  int `json:"reset_time_seconds"`
}

// writeJSON marshals v and writes it with the given status code, logging (but
// not failing the request) if the write itself errors out.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error(r.Context(), "could not encode response", zap.Error(err))
	}
}

// decodeJSON reads and decodes the request body into dst, returning a
// validation error on malformed JSON. The counter never trusts client input.
func decodeJSON(r *http.Request, dst any) error {
	defer func() {
		_ = r.Body.Close()
	}()

	return json.NewDecoder(r.Body).Decode(dst)
}

// pairedSnapshotToResponse converts an internal PairedSnapshot to its wire form.
func pairedSnapshotToResponse(s PairedSnapshot) pairedStatusResponse {
	return pairedStatusResponse{
		AvailableTokens:   s.Tokens.Available,
		UsedTokens:        s.Tokens.Committed,
		LockedTokens:      s.Tokens.Held,
		AvailableRequests: s.Requests.Available,
		UsedRequests:      s.Requests.Committed,
		LockedRequests:    s.Requests.Held,
		ResetTimeSeconds:  s.SecondsUntilReset,
	}
}

func singleSnapshotToResponse(s budget.Snapshot) singleStatusResponse {
	return singleStatusResponse{
		AvailableRequests: s.Available,
		UsedRequests:      s.Committed,
		LockedRequests:    s.Held,
		ResetTimeSeconds:  s.SecondsUntilReset,
	}
}

// denialReasonMessage renders a PairedLockResult's denial reason as the
// human-readable string the spec requires on the error field.
func denialReasonMessage(reason DenialKind) string {
	switch reason {
	case DenialKindTokens:
		return "token limit would be exceeded"
	case DenialKindRequests:
		return "api rate limit would be exceeded"
	case DenialKindValidation:
		return "token_count must be a positive integer"
	default:
		return ""
	}
}

// handlePairedLock builds the POST /lock or /embedding/lock handler for the
// given lock function.
func handlePairedLock(metric *metrics.Counter, lock func(appID string, tokenCount int) PairedLockResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req lockRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, r, http.StatusBadRequest, lockResponse{Error: "malformed request body"})

			return
		}

		res := lock(req.AppID, req.TokenCount)
		if metric != nil {
			metric.Observe(res.Allowed)
		}

		if !res.Allowed {
			writeJSON(w, r, http.StatusOK, lockResponse{
				Allowed:           false,
				SecondsUntilReset: res.SecondsUntilReset,
				Error:             denialReasonMessage(res.DenialReason),
			})

			return
		}

		h := parseHandle(res.Handle)
		writeJSON(w, r, http.StatusOK, lockResponse{
			Allowed:       true,
			RequestID:     h.tokenHandle,
			RateRequestID: h.requestHandle,
		})
	}
}

// handlePairedReport builds the POST /report or /embedding/report handler.
// includeCompletion controls whether completion_tokens is added to the
// authoritative usage total: the completion group has an output dimension,
// the embedding group does not (spec.md §4.2).
func handlePairedReport(report func(handle string, tokenUsed int), includeCompletion bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reportRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, r, http.StatusBadRequest, successResponse{})

			return
		}

		used := req.PromptTokens
		if includeCompletion {
			used += req.CompletionTokens
		}

		report(formatHandle(req.RequestID, req.RateRequestID), used)
		writeJSON(w, r, http.StatusOK, successResponse{Success: true})
	}
}

// handlePairedRelease builds the POST /release or /embedding/release handler.
func handlePairedRelease(release func(handle string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req releaseRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, r, http.StatusBadRequest, successResponse{})

			return
		}

		release(formatHandle(req.RequestID, req.RateRequestID))
		writeJSON(w, r, http.StatusOK, successResponse{Success: true})
	}
}

// handlePairedStatus builds the GET /status or /embedding/status handler.
func handlePairedStatus(status func() PairedSnapshot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, pairedSnapshotToResponse(status()))
	}
}

// handleTranscriptionLock builds the POST /transcription/lock handler.
func handleTranscriptionLock(metric *metrics.Counter, lock func(appID string) budget.LockResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transcriptionLockRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, r, http.StatusBadRequest, lockResponse{Error: "malformed request body"})

			return
		}

		res := lock(req.AppID)
		if metric != nil {
			metric.Observe(res.Allowed)
		}

		if !res.Allowed {
			msg := "api rate limit would be exceeded"
			if res.DenialReason == budget.DenialValidation {
				msg = "request denied"
			}
			writeJSON(w, r, http.StatusOK, lockResponse{
				Allowed:           false,
				SecondsUntilReset: res.SecondsUntilReset,
				Error:             msg,
			})

			return
		}

		writeJSON(w, r, http.StatusOK, lockResponse{Allowed: true, RequestID: res.Handle})
	}
}

// handleTranscriptionReport builds the POST /transcription/report handler.
func handleTranscriptionReport(report func(handle string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transcriptionReportRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, r, http.StatusBadRequest, successResponse{})

			return
		}

		report(req.RequestID)
		writeJSON(w, r, http.StatusOK, successResponse{Success: true})
	}
}

// handleTranscriptionRelease builds the POST /transcription/release handler.
func handleTranscriptionRelease(release func(handle string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transcriptionReleaseRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, r, http.StatusBadRequest, successResponse{})

			return
		}

		release(req.RequestID)
		writeJSON(w, r, http.StatusOK, successResponse{Success: true})
	}
}

// handleTranscriptionStatus builds the GET /transcription/status handler.
func handleTranscriptionStatus(status func() budget.Snapshot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, singleSnapshotToResponse(status()))
	}
}

// handleHealth serves GET /health.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
