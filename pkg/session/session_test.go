package session

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func captureDebug(t *testing.T) *[]string {
	t.Helper()
	var lines []string
	DebugLog = func(format string, args ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}
	t.Cleanup(func() { DebugLog = nil })
	return &lines
}

func TestNewWithoutDebugUsesPlainTransport(t *testing.T) {
	DebugLog = nil
	s := New(time.Second)
	if _, ok := s.Client.Transport.(*LoggingTransport); ok {
		t.Fatalf("logging transport installed without debug logging")
	}
	if s.Client.Timeout != time.Second {
		t.Fatalf("timeout not applied")
	}
}

func TestLoggingTransportKeepsErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"mapper_parsing_exception"}`)
	}))
	defer srv.Close()

	lines := captureDebug(t)
	s := New(5 * time.Second)
	if _, ok := s.Client.Transport.(*LoggingTransport); !ok {
		t.Fatalf("expected logging transport in debug mode")
	}

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/idx/_doc/1", nil)
	req.Header.Set("Authorization", "Basic c2VjcmV0")
	resp, err := s.Client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != `{"error":"mapper_parsing_exception"}` {
		t.Fatalf("body consumed by logging: %q", body)
	}

	joined := strings.Join(*lines, "\n")
	if !strings.Contains(joined, "status code 400") || !strings.Contains(joined, "mapper_parsing_exception") {
		t.Fatalf("missing debug output:\n%s", joined)
	}
	if strings.Contains(joined, "c2VjcmV0") {
		t.Fatalf("authorization header leaked into debug output")
	}
}
