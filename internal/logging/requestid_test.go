package logging

import (
	"context"
	"strconv"
	"strings"
	"testing"
)

func TestNewRequestIDShape(t *testing.T) {
	id := NewRequestID()
	parts := strings.Split(id, "/")
	if len(parts) != 4 {
		t.Fatalf("id %q has %d segments, want 4", id, len(parts))
	}
	if parts[0] != "agent" {
		t.Errorf("prefix = %q, want agent", parts[0])
	}
	if _, err := strconv.ParseInt(parts[1], 10, 64); err != nil {
		t.Errorf("timestamp segment %q not numeric", parts[1])
	}
	if len(parts[2]) != 36 {
		t.Errorf("uuid segment %q has wrong length", parts[2])
	}
	if n, err := strconv.Atoi(parts[3]); err != nil || n < 0 || n > 9 {
		t.Errorf("suffix %q not a single digit", parts[3])
	}
}

func TestTrajectoryID(t *testing.T) {
	if got := TrajectoryID("agent/123/abc-def/4"); got != "abc-def" {
		t.Errorf("TrajectoryID = %q", got)
	}
	if got := TrajectoryID("malformed"); got != "" {
		t.Errorf("malformed id yielded %q", got)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "agent/1/x/2")
	if got := GetRequestID(ctx); got != "agent/1/x/2" {
		t.Errorf("round trip = %q", got)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("empty context yielded %q", got)
	}
}
