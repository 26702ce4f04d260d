package camo

import (
	"context"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pysugar/antigravity-relay/internal/upstream"
	"github.com/pysugar/antigravity-relay/internal/version"
	"github.com/tidwall/gjson"
)

// updaterURL is the release manifest the official client checks for updates.
const updaterURL = "https://update.antigravity.google/api/version/windows-x64/stable"

// hintDebounce limits reactive re-fetches triggered by upstream complaints.
const hintDebounce = 30 * time.Second

// versionFetcher keeps the in-memory client version current so the
// User-Agent matches what the upstream expects to see.
type versionFetcher struct {
	client *upstream.Client

	mu       sync.Mutex
	lastHint time.Time
}

func newVersionFetcher(client *upstream.Client) *versionFetcher {
	return &versionFetcher{client: client}
}

// Fetch pulls the manifest and swaps the advertised version on change.
func (f *versionFetcher) Fetch(ctx context.Context) {
	u, _ := url.Parse(updaterURL)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resp, err := f.client.Transport().Fetch(ctx, upstream.FetchOptions{
		Method: "GET",
		URL:    updaterURL,
		Headers: [][2]string{
			{"Host", u.Host},
			{"User-Agent", version.UserAgent()},
			{"Accept", "application/json"},
			{"Connection", "close"},
		},
	})
	if err != nil {
		log.Printf("⚠️ Version check failed: %v", err)
		return
	}
	body, err := resp.ReadAll()
	if err != nil || resp.StatusCode != 200 {
		return
	}
	latest := gjson.GetBytes(body, "version").String()
	if latest == "" {
		latest = gjson.GetBytes(body, "name").String()
	}
	if latest != "" && latest != version.ClientVersion() {
		log.Printf("🆕 Client version %s -> %s", version.ClientVersion(), latest)
		version.SetClientVersion(latest)
	}
}

// Hint inspects an upstream error message for a version complaint and
// triggers a debounced re-fetch.
func (f *versionFetcher) Hint(message string) {
	m := strings.ToLower(message)
	if !strings.Contains(m, "version") {
		return
	}
	if !strings.Contains(m, "outdated") && !strings.Contains(m, "update") && !strings.Contains(m, "unsupported") {
		return
	}
	f.mu.Lock()
	if time.Since(f.lastHint) < hintDebounce {
		f.mu.Unlock()
		return
	}
	f.lastHint = time.Now()
	f.mu.Unlock()
	go f.Fetch(context.Background())
}
