// Package handlers wires the HTTP surface: the three chat dialects, model
// listings and the admin API.
package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/pysugar/antigravity-relay/internal/auth/token"
	"github.com/pysugar/antigravity-relay/internal/config"
	"github.com/pysugar/antigravity-relay/internal/db"
	"github.com/pysugar/antigravity-relay/internal/pool"
	"github.com/pysugar/antigravity-relay/internal/proxy/mappers"
	"github.com/pysugar/antigravity-relay/internal/retry"
	"github.com/pysugar/antigravity-relay/internal/upstream"
)

// Camoufleur is the slice of the camouflage supervisor the handlers touch.
type Camoufleur interface {
	NoteTraffic(accountID int64)
	RequestDispatched(accountID int64, requestID, clientModel, upstreamModel string)
	VersionHint(message string)
	AccountAdded(accountID int64)
	AccountRemoved(accountID int64)
}

// Deps bundles the collaborators every handler factory needs.
type Deps struct {
	Cfg    *config.Config
	Store  *db.Store
	Pool   *pool.Pool
	Orch   *retry.Orchestrator
	Conv   *mappers.Converter
	Client *upstream.Client
	Tokens *token.Manager
	Camo   Camoufleur
}

// SetSSEHeaders writes the streaming response headers. X-Accel-Buffering
// keeps nginx-style reverse proxies from buffering the stream.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// errorStatus resolves an internal error into (http status, message,
// retry-after ms).
func errorStatus(err error) (int, string, int64) {
	if se, ok := err.(*pool.SelectionError); ok {
		status := se.UpstreamStatus
		if status == 0 {
			status = http.StatusServiceUnavailable
		}
		return status, se.Message, se.RetryAfterMs
	}
	if ue, ok := upstream.AsError(err); ok {
		status := ue.StatusCode
		if status == 0 {
			switch ue.Code {
			case upstream.CodeCanceled:
				status = 499
			case upstream.CodeTimeout:
				status = http.StatusGatewayTimeout
			default:
				status = http.StatusBadGateway
			}
		}
		return status, ue.Message, ue.RetryAfterMs
	}
	if err == context.Canceled {
		return 499, "request canceled", 0
	}
	return http.StatusInternalServerError, err.Error(), 0
}

func setRetryAfter(w http.ResponseWriter, retryAfterMs int64) {
	if retryAfterMs > 0 {
		secs := (retryAfterMs + 999) / 1000
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
}

// writeOpenAIError renders the OpenAI error envelope.
func writeOpenAIError(w http.ResponseWriter, err error) {
	status, msg, retryAfter := errorStatus(err)
	setRetryAfter(w, retryAfter)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    openAIErrorType(status),
			"code":    status,
		},
	})
}

func openAIErrorType(status int) string {
	switch {
	case status == 401:
		return "authentication_error"
	case status == 429:
		return "rate_limit_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

// writeClaudeError renders the Anthropic error envelope.
func writeClaudeError(w http.ResponseWriter, err error) {
	status, msg, retryAfter := errorStatus(err)
	setRetryAfter(w, retryAfter)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    claudeErrorType(status),
			"message": msg,
		},
	})
}

func claudeErrorType(status int) string {
	switch {
	case status == 401:
		return "authentication_error"
	case status == 429:
		return "rate_limit_error"
	case status == 529:
		return "overloaded_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

// writeGeminiError renders the Google error envelope.
func writeGeminiError(w http.ResponseWriter, err error) {
	status, msg, retryAfter := errorStatus(err)
	setRetryAfter(w, retryAfter)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    status,
			"message": msg,
			"status":  geminiErrorStatus(status),
		},
	})
}

func geminiErrorStatus(status int) string {
	switch status {
	case 400:
		return "INVALID_ARGUMENT"
	case 401:
		return "UNAUTHENTICATED"
	case 404:
		return "NOT_FOUND"
	case 429:
		return "RESOURCE_EXHAUSTED"
	case 503:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

// buildPayloadFunc produces the per-account upstream payload; project and
// session ids differ between accounts, so the body is rebuilt per attempt.
type buildPayloadFunc func(sel *pool.Selection) (interface{}, error)

// dispatchUnary runs a buffered generate call through the full retry loop.
// The returned selection is already unlocked.
func (d *Deps) dispatchUnary(ctx context.Context, requestID, clientModel, method string, build buildPayloadFunc) ([]byte, *pool.Selection, error) {
	result, sel, err := d.Orch.ExecuteWithFullRetry(ctx, requestID, clientModel, func(ctx context.Context, sel *pool.Selection) (interface{}, error) {
		payload, err := build(sel)
		if err != nil {
			return nil, err
		}
		body, err := d.Client.Call(ctx, sel.Account.AccessToken, method, payload)
		if err != nil {
			d.noteUpstreamError(err)
			return nil, err
		}
		return body, nil
	})
	if err != nil {
		return nil, nil, err
	}
	d.Pool.UnlockAccount(sel.Account.ID)
	return result.([]byte), sel, nil
}

// dispatchStream runs a streaming generate call through the full retry loop.
// On success the selection is still locked; the caller releases it when the
// stream ends.
func (d *Deps) dispatchStream(ctx context.Context, requestID, clientModel string, build buildPayloadFunc) (*upstream.Response, *pool.Selection, error) {
	result, sel, err := d.Orch.ExecuteWithFullRetry(ctx, requestID, clientModel, func(ctx context.Context, sel *pool.Selection) (interface{}, error) {
		payload, err := build(sel)
		if err != nil {
			return nil, err
		}
		resp, err := d.Client.Stream(ctx, sel.Account.AccessToken, "streamGenerateContent", payload)
		if err != nil {
			d.noteUpstreamError(err)
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result.(*upstream.Response), sel, nil
}

// noteUpstreamError forwards version-outdated hints to the version fetcher.
func (d *Deps) noteUpstreamError(err error) {
	if d.Camo == nil {
		return
	}
	if ue, ok := upstream.AsError(err); ok {
		d.Camo.VersionHint(ue.Message)
	}
}

// afterDispatch fires the per-request camouflage chatter.
func (d *Deps) afterDispatch(sel *pool.Selection, requestID, clientModel string) {
	if d.Camo == nil || sel == nil {
		return
	}
	d.Camo.NoteTraffic(sel.Account.ID)
	d.Camo.RequestDispatched(sel.Account.ID, requestID, clientModel, sel.MappedModel)
}

// recordStreamFailure logs a stream that ended abnormally and appends the
// terminal attempt row. A canceled request context means the client hung up;
// anything else is an upstream failure, and no clean terminal frames follow
// in either case.
func (d *Deps) recordStreamFailure(r *http.Request, requestID string, sel *pool.Selection, streamErr error) {
	clientGone := r.Context().Err() != nil
	if clientGone {
		log.Printf("🔌 Client disconnected mid-stream [%s]", requestID)
	} else {
		log.Printf("⚠️ Upstream stream failed [%s]: %v", requestID, streamErr)
	}
	d.Orch.RecordStreamEnd(requestID, sel, clientGone, streamErr)
}

// readSSE iterates the data payloads of an upstream SSE body.
func readSSE(body io.Reader, fn func(data []byte) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(line[len("data:"):])
		if len(data) == 0 {
			continue
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// flushWrite writes one SSE data frame and flushes.
func flushWrite(w http.ResponseWriter, flusher http.Flusher, payload string) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}

// flushEvent writes one named SSE event and flushes.
func flushEvent(w http.ResponseWriter, flusher http.Flusher, name, payload string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
	flusher.Flush()
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return &upstream.Error{StatusCode: http.StatusBadRequest, Message: "invalid request body: " + err.Error()}
	}
	return nil
}

var errNoFlusher = fmt.Errorf("streaming unsupported by server")

func logRequest(dialect, requestID, model string, stream bool) {
	log.Printf("📨 %s request [%s]: model=%s stream=%v", dialect, requestID, model, stream)
}
