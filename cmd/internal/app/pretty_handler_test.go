package app

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestPrettyHandler_PlainOutput(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	h := newPrettyHandler(&sb, &slog.HandlerOptions{Level: slog.LevelInfo}, false)

	r := slog.NewRecord(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), slog.LevelInfo, "server.start", 0)
	r.AddAttrs(slog.String("addr", "127.0.0.1:8080"), slog.Int("status", 200))

	if err := h.Handle(context.Background(), r); err != nil {
		t.Fatalf("handle: %v", err)
	}

	out := sb.String()
	for _, want := range []string{"msg=server.start", "lvl=[INFO]", "addr=127.0.0.1:8080", "status=200"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q: %s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("color disabled but output has ANSI codes: %q", out)
	}
}

func TestPrettyHandler_Enabled(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	h := newPrettyHandler(&sb, &slog.HandlerOptions{Level: slog.LevelWarn}, false)

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info should be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("error should be enabled at warn level")
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "", want: `""`},
		{in: "plain", want: "plain"},
		{in: "has space", want: `"has space"`},
		{in: `k=v`, want: `"k=v"`},
	}
	for _, tc := range cases {
		if got := quoteIfNeeded(tc.in); got != tc.want {
			t.Fatalf("quoteIfNeeded(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestColorizeStatusCode(t *testing.T) {
	t.Parallel()

	if got := colorizeStatusCode(200, false); got != "200" {
		t.Fatalf("no-color 200=%q", got)
	}
	if got := colorizeStatusCode(503, true); !strings.Contains(got, ansiRed) {
		t.Fatalf("5xx should be red: %q", got)
	}
	if got := colorizeStatusCode(201, true); !strings.Contains(got, ansiGreen) {
		t.Fatalf("2xx should be green: %q", got)
	}
}
