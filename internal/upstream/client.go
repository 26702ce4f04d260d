package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"

	"github.com/pysugar/antigravity-relay/internal/config"
	"github.com/pysugar/antigravity-relay/internal/util"
	"github.com/pysugar/antigravity-relay/internal/version"
	"github.com/tidwall/gjson"
)

// BaseURL is the internal Cloud Code endpoint the official client talks to.
const BaseURL = "https://daily-cloudcode-pa.googleapis.com/v1internal"

var clientMetadata = map[string]string{
	"ideType":    "IDE_UNSPECIFIED",
	"platform":   "PLATFORM_UNSPECIFIED",
	"pluginType": "GEMINI",
}

// Client is the typed call surface over the v1internal RPC namespace. All
// traffic, camouflage chatter included, goes through the same Transport so
// it shares one TLS fingerprint.
type Client struct {
	cfg       *config.Config
	transport *Transport
}

// NewClient wires the client over a fingerprint transport.
func NewClient(cfg *config.Config, transport *Transport) *Client {
	return &Client{cfg: cfg, transport: transport}
}

// Transport exposes the underlying transport for callers that need raw
// fetches against other hosts (the version fetcher, Unleash).
func (c *Client) Transport() *Transport { return c.transport }

// headerOrder builds the ordered header block. Order is part of the
// fingerprint; do not sort or regroup.
func (c *Client) headerOrder(host, accessToken string, bodyLen int) [][2]string {
	meta, _ := json.Marshal(clientMetadata)
	return [][2]string{
		{"Host", host},
		{"Authorization", "Bearer " + accessToken},
		{"Content-Type", "application/json"},
		{"User-Agent", version.UserAgent()},
		{"X-Goog-Api-Client", "google-cloud-sdk vscode_cloudshelleditor/0.1"},
		{"Client-Metadata", string(meta)},
		{"Accept-Encoding", "gzip"},
		{"Content-Length", fmt.Sprintf("%d", bodyLen)},
		{"Connection", "close"},
	}
}

// Call POSTs one unary v1internal RPC and returns the buffered response.
// Non-2xx responses are converted into *Error.
func (c *Client) Call(ctx context.Context, accessToken, method string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", method, err)
	}
	target := fmt.Sprintf("%s:%s", BaseURL, method)
	if c.cfg.Verbose {
		log.Printf("🔄 [VERBOSE] %s request: %s", method, util.TruncateBytes(body))
	}
	resp, err := c.transport.Fetch(ctx, FetchOptions{
		Method:  "POST",
		URL:     target,
		Headers: c.headerOrder(hostOf(target), accessToken, len(body)),
		Body:    body,
	})
	if err != nil {
		return nil, err
	}
	data, err := resp.ReadAll()
	if err != nil {
		return nil, &Error{Code: CodeNetwork, Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ErrorFromBody(resp.StatusCode, data)
	}
	return data, nil
}

// Stream POSTs a streaming RPC with alt=sse. The caller owns the body.
func (c *Client) Stream(ctx context.Context, accessToken, method string, payload interface{}) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", method, err)
	}
	target := fmt.Sprintf("%s:%s?alt=sse", BaseURL, method)
	resp, err := c.transport.StreamFetch(ctx, FetchOptions{
		Method:  "POST",
		URL:     target,
		Headers: c.headerOrder(hostOf(target), accessToken, len(body)),
		Body:    body,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := resp.ReadAll()
		return nil, ErrorFromBody(resp.StatusCode, data)
	}
	return resp, nil
}

// ErrorFromBody decodes an upstream error envelope into *Error.
func ErrorFromBody(statusCode int, body []byte) *Error {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = util.TruncateBytes(body)
	}
	return &Error{
		StatusCode:   statusCode,
		Status:       gjson.GetBytes(body, "error.status").String(),
		Message:      msg,
		RetryAfterMs: ParseRetryDelay(body).Milliseconds(),
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// LoadCodeAssist fetches the per-account project binding.
func (c *Client) LoadCodeAssist(ctx context.Context, accessToken string) ([]byte, error) {
	return c.Call(ctx, accessToken, "loadCodeAssist", map[string]interface{}{
		"metadata": map[string]string{"ideType": "ANTIGRAVITY"},
	})
}

// OnboardUser starts (or polls) the long-running onboarding operation for a
// tier. The response carries done plus an eventual cloudaicompanionProject.
func (c *Client) OnboardUser(ctx context.Context, accessToken, tier string) ([]byte, error) {
	return c.Call(ctx, accessToken, "onboardUser", map[string]interface{}{
		"tierId":   tier,
		"metadata": map[string]string{"ideType": "ANTIGRAVITY"},
	})
}

// FetchAvailableModels retrieves the model catalog with quota fractions.
func (c *Client) FetchAvailableModels(ctx context.Context, accessToken string) ([]byte, error) {
	return c.Call(ctx, accessToken, "fetchAvailableModels", map[string]interface{}{})
}

// RecordMetrics posts a metrics batch; an empty batch is the official
// client's no-op heartbeat.
func (c *Client) RecordMetrics(ctx context.Context, accessToken string, events []interface{}) ([]byte, error) {
	if events == nil {
		events = []interface{}{}
	}
	return c.Call(ctx, accessToken, "recordCodeAssistMetrics", map[string]interface{}{
		"events": events,
	})
}
