package mappers

import (
	"fmt"

	"github.com/pysugar/antigravity-relay/internal/sigcache"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// GeminiToUpstream wraps a native v1beta generateContent body into the
// internal envelope. The body passes through except for two fixes: replayed
// functionCall history gets a thought signature (cached or sentinel), and
// safety settings are filled in when the client sent none.
func (c *Converter) GeminiToUpstream(body []byte, upstreamModel, projectID, requestID, sessionID string) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid request body")
	}
	patched := body
	var err error

	gjson.GetBytes(body, "contents").ForEach(func(ci, content gjson.Result) bool {
		content.Get("parts").ForEach(func(pi, part gjson.Result) bool {
			fc := part.Get("functionCall")
			if !fc.Exists() || part.Get("thoughtSignature").Exists() {
				return true
			}
			sig := c.Sig.ToolSignature(fc.Get("id").String())
			if sig == "" {
				sig = sigcache.GeminiSentinel
			}
			path := fmt.Sprintf("contents.%d.parts.%d.thoughtSignature", ci.Int(), pi.Int())
			patched, err = sjson.SetBytes(patched, path, sig)
			return err == nil
		})
		return err == nil
	})
	if err != nil {
		return nil, fmt.Errorf("patch tool history: %w", err)
	}

	if !gjson.GetBytes(patched, "safetySettings").Exists() {
		patched, err = sjson.SetBytes(patched, "safetySettings", SafetySettingsFor(upstreamModel))
		if err != nil {
			return nil, err
		}
	}
	if sessionID != "" && !gjson.GetBytes(patched, "sessionId").Exists() {
		patched, err = sjson.SetBytes(patched, "sessionId", sessionID)
		if err != nil {
			return nil, err
		}
	}

	envelope := []byte(`{}`)
	for path, value := range map[string]interface{}{
		"project":   projectID,
		"requestId": requestID,
		"model":     upstreamModel,
	} {
		envelope, err = sjson.SetBytes(envelope, path, value)
		if err != nil {
			return nil, err
		}
	}
	envelope, err = sjson.SetRawBytes(envelope, "request", patched)
	if err != nil {
		return nil, err
	}
	return envelope, nil
}

// UpstreamToGemini unwraps the internal response envelope back into the
// public v1beta shape and harvests streamed tool signatures for later
// replay.
func (c *Converter) UpstreamToGemini(body []byte) []byte {
	root := gjson.ParseBytes(body)
	out := body
	if nested := root.Get("response"); nested.Exists() {
		out = []byte(nested.Raw)
		root = nested
	}
	root.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		fc := part.Get("functionCall")
		sig := part.Get("thoughtSignature").String()
		if fc.Exists() && sig != "" {
			c.Sig.SaveToolSignature(fc.Get("id").String(), sig)
		}
		return true
	})
	return out
}
