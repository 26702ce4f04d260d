package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pysugar/antigravity-relay/internal/logging"
	"github.com/pysugar/antigravity-relay/internal/pool"
	"github.com/pysugar/antigravity-relay/internal/proxy/mappers"
)

// OpenAIChatHandler serves POST /v1/chat/completions.
func OpenAIChatHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mappers.OpenAIChatRequest
		if err := decodeJSON(r, &req); err != nil {
			writeOpenAIError(w, err)
			return
		}
		requestID := logging.NewRequestID()
		logRequest("OpenAI", requestID, req.Model, req.Stream)

		build := func(sel *pool.Selection) (interface{}, error) {
			return d.Conv.OpenAIToUpstream(&req, sel.MappedModel, sel.Account.ProjectID, requestID, sel.Account.SessionID)
		}

		if !req.Stream {
			body, sel, err := d.dispatchUnary(r.Context(), requestID, req.Model, "generateContent", build)
			if err != nil {
				writeOpenAIError(w, err)
				return
			}
			d.afterDispatch(sel, requestID, req.Model)
			resp, err := d.Conv.UpstreamToOpenAI(body, req.Model, requestID)
			if err != nil {
				writeOpenAIError(w, err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
			return
		}

		upResp, sel, err := d.dispatchStream(r.Context(), requestID, req.Model, build)
		if err != nil {
			writeOpenAIError(w, err)
			return
		}
		defer d.Pool.UnlockAccount(sel.Account.ID)
		defer upResp.Body.Close()
		d.afterDispatch(sel, requestID, req.Model)

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeOpenAIError(w, errNoFlusher)
			return
		}
		SetSSEHeaders(w)
		enc := d.Conv.NewOpenAIStreamEncoder(req.Model, requestID)
		err = readSSE(upResp.Body, func(data []byte) error {
			for _, ev := range enc.Encode(mappers.ParseStreamChunk(data)) {
				flushWrite(w, flusher, ev)
			}
			return nil
		})
		if err != nil {
			d.recordStreamFailure(r, requestID, sel, err)
			return
		}
		for _, ev := range enc.Finish() {
			flushWrite(w, flusher, ev)
		}
	}
}
