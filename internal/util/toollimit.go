package util

import "fmt"

// ToolResultLimiter caps tool-output text both per call and across a whole
// request. Oversized outputs keep a head slice plus a short tail with an
// elision marker so the model still sees how the output ended.
type ToolResultLimiter struct {
	PerCallMax int
	TotalMax   int
	TailChars  int

	used int
}

// NewToolResultLimiter returns a limiter with the given budgets. Zero or
// negative budgets disable the corresponding cap.
func NewToolResultLimiter(perCall, total, tail int) *ToolResultLimiter {
	return &ToolResultLimiter{PerCallMax: perCall, TotalMax: total, TailChars: tail}
}

// Apply returns text trimmed to the remaining budget for this request.
func (l *ToolResultLimiter) Apply(text string) string {
	limit := l.PerCallMax
	if l.TotalMax > 0 {
		remaining := l.TotalMax - l.used
		if remaining < 0 {
			remaining = 0
		}
		if limit <= 0 || remaining < limit {
			limit = remaining
		}
	}
	out := clipWithTail(text, limit, l.TailChars)
	l.used += len(out)
	return out
}

func clipWithTail(text string, limit, tail int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	if tail < 0 {
		tail = 0
	}
	if tail >= limit {
		tail = limit / 4
	}
	head := limit - tail
	marker := fmt.Sprintf("\n... [tool output truncated, %d of %d chars omitted] ...\n", len(text)-limit, len(text))
	if tail == 0 {
		return text[:head] + marker
	}
	return text[:head] + marker + text[len(text)-tail:]
}
