package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"":      LevelOff,
		"off":   LevelOff,
		"error": LevelError,
		"INFO":  LevelInfo,
		"debug": LevelDebug,
		"1":     LevelDebug,
		"weird": LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Fatalf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestLogLevel_Overrides(t *testing.T) {
	s := &server{opts: Options{LogLevel: LevelError}}
	r := httptest.NewRequest(http.MethodGet, "/x?log=debug", nil)
	if got := s.requestLogLevel(r); got != LevelDebug {
		t.Fatalf("query override failed: %v", got)
	}
	r = httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("X-Log-Level", "info")
	if got := s.requestLogLevel(r); got != LevelInfo {
		t.Fatalf("header override failed: %v", got)
	}
	r = httptest.NewRequest(http.MethodGet, "/x", nil)
	if got := s.requestLogLevel(r); got != LevelError {
		t.Fatalf("default not used: %v", got)
	}
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	svc := &mockService{ready: true}
	h := NewMux(svc, Options{Logger: zerolog.New(&buf).Level(zerolog.DebugLevel)})

	// default level is off
	do(t, h, http.MethodGet, "/healthz", "")
	if buf.Len() != 0 {
		t.Fatalf("expected no log output, got %q", buf.String())
	}

	do(t, h, http.MethodGet, "/api/v1/system/jobs/j1?log=info", "")
	lines := logLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("lines=%v", lines)
	}
	l := lines[0]
	if l["event"] != "request" || l["path"] != "/api/v1/system/jobs/j1" || l["status"] != float64(200) || l["request_id"] == nil {
		t.Fatalf("line=%v", l)
	}

	// error level skips successful requests
	buf.Reset()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	req.Header.Set("X-Log-Level", "error")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if buf.Len() != 0 {
		t.Fatalf("expected nothing at error level, got %q", buf.String())
	}

	buf.Reset()
	do(t, h, http.MethodGet, "/api/v1/system/jobs?log=debug&limit=2", "")
	lines = logLines(t, &buf)
	if len(lines) != 1 || lines[0]["level"] != "debug" || lines[0]["query"] != "log=debug&limit=2" {
		t.Fatalf("lines=%v", lines)
	}
}
