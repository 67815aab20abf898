package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewHandler_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, "info", "json", false))
	log.Debug("hidden")
	log.Info("anchor.append.ok", "anchor_id", "ssi:anchor:d:k", "position", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line (debug filtered), got %d: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if m["msg"] != "anchor.append.ok" || m["anchor_id"] != "ssi:anchor:d:k" {
		t.Fatalf("unexpected record: %v", m)
	}
	if _, ok := m["source"]; !ok {
		t.Fatalf("expected source attribute: %v", m)
	}
}

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, "debug", "pretty", false)).With("component", "api")
	log.Warn("http.request",
		"method", "post",
		"status", 409,
		"duration_ms", int64(12),
		"result", "client_error",
		"note", "has space",
	)

	line := buf.String()
	for _, want := range []string{
		"lvl=[WARN]",
		"msg=http.request",
		"component=api",
		"method=POST",
		"status=409",
		"duration=12ms",
		"result=client_error",
		`note="has space"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("colour disabled but escape codes present: %q", line)
	}
	if !strings.HasSuffix(line, "\n") {
		t.Fatalf("line must end with newline")
	}

	buf.Reset()
	log.WithGroup("chain").Info("anchor.check", "links", 2)
	if !strings.Contains(buf.String(), "chain.links=2") {
		t.Fatalf("group prefix missing in %q", buf.String())
	}
}

func TestPrettyHandler_ColorAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newHandler(&buf, "warn", "pretty", true)
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info must be disabled at warn level")
	}
	slog.New(h).Error("anchor.append.io_error", "outcome", "io_error", "status", 500)

	line := buf.String()
	if !strings.Contains(line, ansiRed+"[ERROR]"+ansiReset) {
		t.Fatalf("expected red level tag in %q", line)
	}
	if !strings.Contains(line, "status="+ansiRed+"500"+ansiReset) {
		t.Fatalf("expected red status in %q", line)
	}
	if !strings.Contains(line, "outcome="+ansiRed+"io_error"+ansiReset) {
		t.Fatalf("expected red outcome in %q", line)
	}
}

func TestPrettyHandler_ChainFields(t *testing.T) {
	t.Parallel()

	const (
		anchorID = "ssi:anchor:example.org:MCowBQYDK2VwAyEAabcdef:v0"
		record   = "ssi:hl:example.org:brick0123456789:1700000000000:c2ln:v0"
		transfer = "ssi:transfer:example.org:MCowBQYDK2VwAyEAzzzz:1700000000500:c2ln:v0"
	)

	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, "info", "pretty", false))
	log.Info("anchor.append.conflict",
		"anchor_id", anchorID,
		"tail", transfer,
		"claimed", record,
		"position", 3,
		"kind", "hl",
		"code", "CONFLICT",
		"store", "file",
		"keyed_names", true,
	)

	line := buf.String()
	for _, want := range []string{
		"anchor=anchor:example.org:MCowBQYD~",
		"tail=transfer:example.org:MCowBQYD~@1700000000500",
		"claimed=hl:example.org:brick012~@1700000000000",
		"pos=3",
		"kind=hl",
		"code=conflict",
		"store=file",
		"keyed=true",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "anchor_id=") || strings.Contains(line, anchorID) {
		t.Fatalf("anchor id should be abbreviated: %q", line)
	}

	buf.Reset()
	log.Info("anchor.append.rejected", "record", "not-an-id")
	if !strings.Contains(buf.String(), "record=not-an-id") {
		t.Fatalf("unparsed record should print as is: %q", buf.String())
	}

	buf.Reset()
	slog.New(newHandler(&buf, "info", "pretty", true)).Warn("anchor.append.rejected", "kind", "transfer", "code", "VERIFICATION_FAILED")
	colored := buf.String()
	if !strings.Contains(colored, "kind="+ansiMagenta+"transfer"+ansiReset) {
		t.Fatalf("expected magenta transfer kind in %q", colored)
	}
	if !strings.Contains(colored, "code="+ansiYellow+"verification_failed"+ansiReset) {
		t.Fatalf("expected yellow code in %q", colored)
	}
}

func TestPrettyHandler_BoundAttrsKeepTheirGroup(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, "info", "pretty", false)).
		With("component", "watch").
		WithGroup("ws").
		With("client", "c1").
		WithGroup("frame")
	log.Info("watch.send", "bytes", 12)

	line := buf.String()
	for _, want := range []string{"component=watch", "ws.client=c1", "ws.frame.bytes=12"} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
}
