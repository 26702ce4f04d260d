package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/antigravity-relay/internal/logging"
	"github.com/pysugar/antigravity-relay/internal/pool"
	"github.com/pysugar/antigravity-relay/internal/upstream"
)

// GeminiGenerateHandler serves POST /v1beta/models/{model}:generateContent
// and :streamGenerateContent. The Gemini dialect is near-passthrough; the
// method suffix decides streaming.
func GeminiGenerateHandler(d *Deps, stream bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientModel := chi.URLParam(r, "model")
		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			writeGeminiError(w, &upstream.Error{StatusCode: http.StatusBadRequest, Message: "read body: " + err.Error()})
			return
		}
		requestID := logging.NewRequestID()
		logRequest("Gemini", requestID, clientModel, stream)

		build := func(sel *pool.Selection) (interface{}, error) {
			envelope, err := d.Conv.GeminiToUpstream(body, sel.MappedModel, sel.Account.ProjectID, requestID, sel.Account.SessionID)
			if err != nil {
				return nil, &upstream.Error{StatusCode: http.StatusBadRequest, Message: err.Error()}
			}
			return json.RawMessage(envelope), nil
		}

		if !stream {
			respBody, sel, err := d.dispatchUnary(r.Context(), requestID, clientModel, "generateContent", build)
			if err != nil {
				writeGeminiError(w, err)
				return
			}
			d.afterDispatch(sel, requestID, clientModel)
			w.Header().Set("Content-Type", "application/json")
			w.Write(d.Conv.UpstreamToGemini(respBody))
			return
		}

		upResp, sel, err := d.dispatchStream(r.Context(), requestID, clientModel, build)
		if err != nil {
			writeGeminiError(w, err)
			return
		}
		defer d.Pool.UnlockAccount(sel.Account.ID)
		defer upResp.Body.Close()
		d.afterDispatch(sel, requestID, clientModel)

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeGeminiError(w, errNoFlusher)
			return
		}
		SetSSEHeaders(w)
		err = readSSE(upResp.Body, func(data []byte) error {
			flushWrite(w, flusher, string(d.Conv.UpstreamToGemini(data)))
			return nil
		})
		if err != nil {
			d.recordStreamFailure(r, requestID, sel, err)
		}
	}
}
