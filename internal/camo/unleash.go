package camo

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/antigravity-relay/internal/upstream"
	"github.com/pysugar/antigravity-relay/internal/version"
)

// Unleash endpoints the official client polls for feature flags.
const (
	unleashBaseURL = "https://unleash.antigravity.google/api/frontend"
	unleashAppName = "antigravity-ide"
)

// unleashState is the per-account poll identity: stable connection ids and
// start timestamp so the account presents one consistent client across
// heartbeats, plus the ETag cache on the features document.
type unleashState struct {
	connectionID string
	sessionID    string
	startedAt    time.Time

	mu   sync.Mutex
	etag string
}

func newUnleashState(accountID int64) *unleashState {
	return &unleashState{
		connectionID: uuid.NewString(),
		sessionID:    fmt.Sprintf("%d-%s", accountID, uuid.NewString()[:8]),
		startedAt:    time.Now(),
	}
}

// unleashLoop registers once, then alternates features and metrics calls on
// a 60 s ± 5 s cadence.
func (r *accountRunner) unleashLoop() {
	r.unleashRegister()
	for {
		jitter := time.Duration(rand.Intn(10_001)-5_000) * time.Millisecond
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(time.Minute + jitter):
		}
		r.unleashFeatures()
		r.unleashMetrics()
	}
}

func (r *accountRunner) unleashHeaders(bodyLen int, extra ...[2]string) [][2]string {
	u, _ := url.Parse(unleashBaseURL)
	headers := [][2]string{
		{"Host", u.Host},
		{"Content-Type", "application/json"},
		{"User-Agent", version.UserAgent()},
		{"unleash-appname", unleashAppName},
		{"unleash-connection-id", r.unleash.connectionID},
		{"unleash-sdk", "unleash-client-js:3.7.0"},
	}
	headers = append(headers, extra...)
	if bodyLen > 0 {
		headers = append(headers, [2]string{"Content-Length", fmt.Sprintf("%d", bodyLen)})
	}
	headers = append(headers, [2]string{"Connection", "close"})
	return headers
}

func (r *accountRunner) unleashRegister() {
	body, _ := json.Marshal(map[string]interface{}{
		"appName":      unleashAppName,
		"instanceId":   r.unleash.connectionID,
		"sessionId":    r.unleash.sessionID,
		"sdkVersion":   "unleash-client-js:3.7.0",
		"strategies":   []string{"default"},
		"started":      r.unleash.startedAt.Format(time.RFC3339Nano),
		"interval":     60_000,
		"platformName": "node",
	})
	ctx, cancel := context.WithTimeout(r.ctx, 15*time.Second)
	defer cancel()
	resp, err := r.sup.client.Transport().Fetch(ctx, upstream.FetchOptions{
		Method:  "POST",
		URL:     unleashBaseURL + "/client/register",
		Headers: r.unleashHeaders(len(body)),
		Body:    body,
	})
	if err == nil {
		resp.ReadAll()
	}
}

// unleashFeatures polls the flag document with an If-None-Match conditional
// once an ETag is cached; a 304 is the common case.
func (r *accountRunner) unleashFeatures() {
	r.unleash.mu.Lock()
	etag := r.unleash.etag
	r.unleash.mu.Unlock()

	var extra [][2]string
	if etag != "" {
		extra = append(extra, [2]string{"If-None-Match", etag})
	}
	ctx, cancel := context.WithTimeout(r.ctx, 15*time.Second)
	defer cancel()
	resp, err := r.sup.client.Transport().Fetch(ctx, upstream.FetchOptions{
		Method:  "GET",
		URL:     unleashBaseURL + "?appName=" + unleashAppName + "&sessionId=" + url.QueryEscape(r.unleash.sessionID),
		Headers: r.unleashHeaders(0, extra...),
	})
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode == 200 {
		if tag := resp.Header.Get("ETag"); tag != "" {
			r.unleash.mu.Lock()
			r.unleash.etag = tag
			r.unleash.mu.Unlock()
		}
	}
	resp.ReadAll()
}

func (r *accountRunner) unleashMetrics() {
	now := time.Now()
	body, _ := json.Marshal(map[string]interface{}{
		"appName":    unleashAppName,
		"instanceId": r.unleash.connectionID,
		"bucket": map[string]interface{}{
			"start":   now.Add(-time.Minute).Format(time.RFC3339Nano),
			"stop":    now.Format(time.RFC3339Nano),
			"toggles": map[string]interface{}{},
		},
	})
	ctx, cancel := context.WithTimeout(r.ctx, 15*time.Second)
	defer cancel()
	resp, err := r.sup.client.Transport().Fetch(ctx, upstream.FetchOptions{
		Method:  "POST",
		URL:     unleashBaseURL + "/client/metrics",
		Headers: r.unleashHeaders(len(body)),
		Body:    body,
	})
	if err == nil {
		resp.ReadAll()
	}
}
