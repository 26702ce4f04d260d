package upstream

import (
	"regexp"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

var resetAfterRe = regexp.MustCompile(`reset after (\d+)s`)

// ParseResetAfter extracts the "reset after Ns" hint the upstream embeds in
// capacity-error messages. Returns 0 when absent.
func ParseResetAfter(message string) time.Duration {
	m := resetAfterRe.FindStringSubmatch(message)
	if len(m) != 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return time.Duration(n) * time.Second
}

// ParseRetryDelay extracts a retry duration from a structured error body.
// Google 429 bodies carry RetryInfo details with a retryDelay like "3.5s";
// the prose message may instead carry "reset after Ns".
func ParseRetryDelay(body []byte) time.Duration {
	if len(body) == 0 {
		return 0
	}
	details := gjson.GetBytes(body, "error.details")
	var delay time.Duration
	details.ForEach(func(_, detail gjson.Result) bool {
		for _, path := range []string{"retryDelay", "metadata.retryDelay"} {
			if raw := detail.Get(path).String(); raw != "" {
				if d, err := time.ParseDuration(raw); err == nil && d > 0 {
					delay = d
					return false
				}
			}
		}
		return true
	})
	if delay > 0 {
		return delay
	}
	return ParseResetAfter(gjson.GetBytes(body, "error.message").String())
}
