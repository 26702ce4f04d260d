package util

import (
	"strings"
	"testing"
)

func TestLimiterUnderBudgetPassesThrough(t *testing.T) {
	l := NewToolResultLimiter(100, 0, 10)
	in := "short output"
	if got := l.Apply(in); got != in {
		t.Errorf("got %q, want unchanged", got)
	}
}

func TestLimiterPerCallClipKeepsTail(t *testing.T) {
	l := NewToolResultLimiter(50, 0, 10)
	in := strings.Repeat("a", 40) + strings.Repeat("z", 40)
	out := l.Apply(in)
	if !strings.Contains(out, "truncated") {
		t.Fatalf("expected elision marker in %q", out)
	}
	if !strings.HasSuffix(out, strings.Repeat("z", 10)) {
		t.Errorf("tail not preserved: %q", out)
	}
	if !strings.HasPrefix(out, strings.Repeat("a", 40)) {
		t.Errorf("head not preserved: %q", out)
	}
}

func TestLimiterTotalBudgetShrinksLaterCalls(t *testing.T) {
	l := NewToolResultLimiter(0, 100, 0)
	first := l.Apply(strings.Repeat("x", 90))
	if len(first) != 90 {
		t.Fatalf("first call clipped unexpectedly to %d chars", len(first))
	}
	second := l.Apply(strings.Repeat("y", 90))
	if !strings.Contains(second, "truncated") {
		t.Errorf("second call should hit the shared budget: %q", second)
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := NewToolResultLimiter(0, 0, 0)
	in := strings.Repeat("x", 10_000)
	if got := l.Apply(in); got != in {
		t.Error("zero budgets should disable clipping")
	}
}

func TestTruncateLog(t *testing.T) {
	if got := TruncateLog("abc", 10); got != "abc" {
		t.Errorf("short string changed: %q", got)
	}
	long := strings.Repeat("q", 20)
	got := TruncateLog(long, 10)
	if !strings.HasPrefix(got, "qqqqqqqqqq") || !strings.Contains(got, "20 bytes total") {
		t.Errorf("unexpected truncation: %q", got)
	}
}
