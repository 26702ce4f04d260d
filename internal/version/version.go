// Package version tracks build metadata and the impersonated client version.
// The user agent is mutable at runtime: the hourly version fetcher swaps it
// when the official client ships an update so outbound traffic keeps matching.
package version

import (
	"fmt"
	"sync/atomic"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// DefaultClientVersion is the impersonated client version used until the
// version fetcher observes a newer one.
const DefaultClientVersion = "1.11.9"

var clientVersion atomic.Value

func init() {
	clientVersion.Store(DefaultClientVersion)
}

// ClientVersion returns the currently-impersonated client version.
func ClientVersion() string {
	return clientVersion.Load().(string)
}

// SetClientVersion swaps the impersonated client version.
func SetClientVersion(v string) {
	if v != "" {
		clientVersion.Store(v)
	}
}

// UserAgent returns the upstream User-Agent string. The platform suffix is
// fixed because the fingerprint profile is captured from the windows/amd64
// build of the official client.
func UserAgent() string {
	return fmt.Sprintf("antigravity/%s windows/amd64", ClientVersion())
}
