package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pysugar/antigravity-relay/internal/logging"
	"github.com/pysugar/antigravity-relay/internal/pool"
	"github.com/pysugar/antigravity-relay/internal/proxy/mappers"
	"github.com/tidwall/gjson"
)

// ClaudeMessagesHandler serves POST /v1/messages.
func ClaudeMessagesHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mappers.ClaudeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeClaudeError(w, err)
			return
		}
		requestID := logging.NewRequestID()
		logRequest("Claude", requestID, req.Model, req.Stream)

		build := func(sel *pool.Selection) (interface{}, error) {
			return d.Conv.ClaudeToUpstream(&req, sel.MappedModel, sel.Account.ProjectID, requestID, sel.Account.SessionID)
		}

		if !req.Stream {
			body, sel, err := d.dispatchUnary(r.Context(), requestID, req.Model, "generateContent", build)
			if err != nil {
				writeClaudeError(w, err)
				return
			}
			d.afterDispatch(sel, requestID, req.Model)
			resp, err := d.Conv.UpstreamToClaude(body, req.Model)
			if err != nil {
				writeClaudeError(w, err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
			return
		}

		upResp, sel, err := d.dispatchStream(r.Context(), requestID, req.Model, build)
		if err != nil {
			writeClaudeError(w, err)
			return
		}
		defer d.Pool.UnlockAccount(sel.Account.ID)
		defer upResp.Body.Close()
		d.afterDispatch(sel, requestID, req.Model)

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeClaudeError(w, errNoFlusher)
			return
		}
		SetSSEHeaders(w)
		enc := d.Conv.NewClaudeStreamEncoder(req.Model)
		err = readSSE(upResp.Body, func(data []byte) error {
			for _, ev := range enc.Encode(mappers.ParseStreamChunk(data)) {
				flushEvent(w, flusher, ev.Event, ev.Data)
			}
			return nil
		})
		if err != nil {
			d.recordStreamFailure(r, requestID, sel, err)
			return
		}
		for _, ev := range enc.Finish() {
			flushEvent(w, flusher, ev.Event, ev.Data)
		}
	}
}

// ClaudeCountTokensHandler serves POST /v1/messages/count_tokens via the
// light capacity-retry strategy.
func ClaudeCountTokensHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mappers.ClaudeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeClaudeError(w, err)
			return
		}
		requestID := logging.NewRequestID()

		result, sel, err := d.Orch.ExecuteWithCapacityRetry(r.Context(), requestID, req.Model, func(ctx context.Context, sel *pool.Selection) (interface{}, error) {
			ur, err := d.Conv.ClaudeToUpstream(&req, sel.MappedModel, sel.Account.ProjectID, requestID, sel.Account.SessionID)
			if err != nil {
				return nil, err
			}
			payload := map[string]interface{}{
				"request": map[string]interface{}{
					"model":    ur.Model,
					"contents": ur.Request.Contents,
				},
			}
			return d.Client.Call(ctx, sel.Account.AccessToken, "countTokens", payload)
		})
		if err != nil {
			writeClaudeError(w, err)
			return
		}
		d.Pool.UnlockAccount(sel.Account.ID)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{
			"input_tokens": claudeInputTokens(result.([]byte)),
		})
	}
}

func claudeInputTokens(body []byte) int {
	if n := gjson.GetBytes(body, "totalTokens").Int(); n > 0 {
		return int(n)
	}
	return int(gjson.GetBytes(body, "response.totalTokens").Int())
}
