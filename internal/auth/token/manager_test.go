package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

func TestIsPermanentRefreshError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New(`oauth2: "invalid_grant" "Bad Request"`), true},
		{errors.New("invalid_client: unauthorized"), true},
		{errors.New("unauthorized_client"), true},
		{errors.New("Token has been expired or revoked."), true},
		{errors.New("access revoked by user"), true},
		{errors.New("connection reset by peer"), false},
		{context.DeadlineExceeded, false},
	}
	for _, tc := range cases {
		if got := isPermanentRefreshError(tc.err); got != tc.want {
			t.Errorf("isPermanentRefreshError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestProjectFromBody(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"flat string", `{"cloudaicompanionProject":"proj-1"}`, "proj-1"},
		{"nested id", `{"cloudaicompanionProject":{"id":"proj-2"}}`, "proj-2"},
		{"response wrapper", `{"response":{"cloudaicompanionProject":"proj-3"}}`, "proj-3"},
		{"response nested id", `{"response":{"cloudaicompanionProject":{"id":"proj-4"}}}`, "proj-4"},
		{"code assist config", `{"codeAssistConfig":{"projectId":"proj-5"}}`, "proj-5"},
		{"number ignored", `{"cloudaicompanionProject":42}`, ""},
		{"empty body", `{}`, ""},
	}
	for _, tc := range cases {
		if got := projectFromBody([]byte(tc.body)); got != tc.want {
			t.Errorf("%s: projectFromBody = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestParseResetTime(t *testing.T) {
	if got := parseResetTime(gjson.Parse(`{"r":1756200000000}`).Get("r")); got == nil || *got != 1756200000000 {
		t.Errorf("millisecond number: got %v", got)
	}

	stamp := "2026-08-26T12:00:00Z"
	got := parseResetTime(gjson.Parse(`{"r":"` + stamp + `"}`).Get("r"))
	want, _ := time.Parse(time.RFC3339, stamp)
	if got == nil || *got != want.UnixMilli() {
		t.Errorf("rfc3339: got %v, want %d", got, want.UnixMilli())
	}

	if got := parseResetTime(gjson.Parse(`{"r":"tomorrow"}`).Get("r")); got != nil {
		t.Errorf("garbage string: got %v, want nil", got)
	}
	if got := parseResetTime(gjson.Parse(`{}`).Get("r")); got != nil {
		t.Errorf("missing field: got %v, want nil", got)
	}
}
