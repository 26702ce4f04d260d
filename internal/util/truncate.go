package util

import (
	"fmt"
	"os"
	"strings"
)

// DefaultLogMaxLen is the default maximum length for truncated log output.
const DefaultLogMaxLen = 1024

// IsVerbose reports whether verbose payload logging is enabled.
func IsVerbose() bool {
	v := strings.ToLower(os.Getenv("RELAY_VERBOSE"))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

// TruncateLog truncates long strings for verbose logging.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is a convenience wrapper for TruncateLog that accepts []byte
// and uses DefaultLogMaxLen.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}
