package mappers

import (
	"testing"

	"github.com/pysugar/antigravity-relay/internal/sigcache"
	"github.com/tidwall/gjson"
)

func TestGeminiToUpstreamEnvelope(t *testing.T) {
	c := testConverter()
	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)
	out, err := c.GeminiToUpstream(body, "gemini-2.5-pro", "proj", "agent/1/x/2", "sess")
	if err != nil {
		t.Fatal(err)
	}
	if gjson.GetBytes(out, "project").String() != "proj" {
		t.Errorf("project missing: %s", out)
	}
	if gjson.GetBytes(out, "model").String() != "gemini-2.5-pro" {
		t.Errorf("model missing: %s", out)
	}
	if gjson.GetBytes(out, "request.contents.0.parts.0.text").String() != "hi" {
		t.Errorf("body not nested under request: %s", out)
	}
	if !gjson.GetBytes(out, "request.safetySettings").IsArray() {
		t.Errorf("safety settings not filled: %s", out)
	}
	if gjson.GetBytes(out, "request.sessionId").String() != "sess" {
		t.Errorf("session id not filled: %s", out)
	}
}

func TestGeminiSentinelInjectedOnReplayedCalls(t *testing.T) {
	c := testConverter()
	body := []byte(`{"contents":[
		{"role":"user","parts":[{"text":"go"}]},
		{"role":"model","parts":[{"functionCall":{"id":"call_1","name":"f","args":{}}}]},
		{"role":"user","parts":[{"functionResponse":{"id":"call_1","name":"f","response":{"output":"ok"}}}]}
	]}`)
	out, err := c.GeminiToUpstream(body, "gemini-2.5-pro", "p", "r", "")
	if err != nil {
		t.Fatal(err)
	}
	sig := gjson.GetBytes(out, "request.contents.1.parts.0.thoughtSignature").String()
	if sig != sigcache.GeminiSentinel {
		t.Errorf("sentinel not injected: %q", sig)
	}
}

func TestGeminiCachedSignaturePreferred(t *testing.T) {
	c := testConverter()
	c.Sig.SaveToolSignature("call_1", "real-sig")
	body := []byte(`{"contents":[{"role":"model","parts":[{"functionCall":{"id":"call_1","name":"f"}}]}]}`)
	out, err := c.GeminiToUpstream(body, "gemini-2.5-pro", "p", "r", "")
	if err != nil {
		t.Fatal(err)
	}
	if sig := gjson.GetBytes(out, "request.contents.0.parts.0.thoughtSignature").String(); sig != "real-sig" {
		t.Errorf("cached signature not used: %q", sig)
	}
}

func TestGeminiClientSignatureUntouched(t *testing.T) {
	c := testConverter()
	body := []byte(`{"contents":[{"role":"model","parts":[{"functionCall":{"id":"call_1","name":"f"},"thoughtSignature":"client-sig"}]}]}`)
	out, err := c.GeminiToUpstream(body, "gemini-2.5-pro", "p", "r", "")
	if err != nil {
		t.Fatal(err)
	}
	if sig := gjson.GetBytes(out, "request.contents.0.parts.0.thoughtSignature").String(); sig != "client-sig" {
		t.Errorf("client signature overwritten: %q", sig)
	}
}

func TestGeminiClientSafetySettingsKept(t *testing.T) {
	c := testConverter()
	body := []byte(`{"contents":[{"parts":[{"text":"x"}]}],"safetySettings":[{"category":"HARM_CATEGORY_HARASSMENT","threshold":"BLOCK_ONLY_HIGH"}]}`)
	out, err := c.GeminiToUpstream(body, "gemini-2.5-pro", "p", "r", "")
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.GetBytes(out, "request.safetySettings.0.threshold").String(); got != "BLOCK_ONLY_HIGH" {
		t.Errorf("client safety settings replaced: %q", got)
	}
}

func TestGeminiInvalidBodyRejected(t *testing.T) {
	c := testConverter()
	if _, err := c.GeminiToUpstream([]byte("{broken"), "gemini-2.5-pro", "p", "r", ""); err == nil {
		t.Error("invalid body accepted")
	}
}

func TestUpstreamToGeminiUnwrapsAndHarvests(t *testing.T) {
	c := testConverter()
	body := []byte(`{"response":{"candidates":[{"content":{"parts":[
		{"functionCall":{"id":"call_7","name":"f","args":{}},"thoughtSignature":"sig-7"}
	]}}]}}`)
	out := c.UpstreamToGemini(body)
	if gjson.GetBytes(out, "response").Exists() {
		t.Errorf("envelope not unwrapped: %s", out)
	}
	if !gjson.GetBytes(out, "candidates.0.content.parts.0.functionCall").Exists() {
		t.Errorf("candidates lost: %s", out)
	}
	if got := c.Sig.ToolSignature("call_7"); got != "sig-7" {
		t.Errorf("signature not harvested: %q", got)
	}
}

func TestUpstreamToGeminiPassthroughWithoutEnvelope(t *testing.T) {
	c := testConverter()
	body := []byte(`{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`)
	out := c.UpstreamToGemini(body)
	if string(out) != string(body) {
		t.Errorf("bare body modified: %s", out)
	}
}
