package advisor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/telewatch/telewatch/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient("anthropic", "test-key", "")
	c.baseURL = srv.URL
	c.httpClient = srv.Client()
	return c
}

func TestClassifyParsesSuccessfulResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.Write([]byte(`{"content":[{"type":"text","text":"{\"severity\":\"critical\",\"summary\":\"disk full on /var\",\"generated_pattern\":\"disk full\"}"}]}`))
	})

	result, err := c.Classify(context.Background(), model.LogRecord{Raw: "disk full on /var"}, nil)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if result.Severity != model.SeverityCritical {
		t.Errorf("Severity=%q, want critical", result.Severity)
	}
	if result.GeneratedPattern != "disk full" {
		t.Errorf("GeneratedPattern=%q", result.GeneratedPattern)
	}
}

func TestClassifyThrottles429(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	if _, err := c.Classify(context.Background(), model.LogRecord{Raw: "x"}, nil); err == nil {
		t.Fatal("expected an error on 429")
	}
	if c.Quota() != QuotaThrottled {
		t.Fatalf("Quota()=%v, want throttled", c.Quota())
	}
}

func TestClassifyExhaustsOn402(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	})

	if _, err := c.Classify(context.Background(), model.LogRecord{Raw: "x"}, nil); err == nil {
		t.Fatal("expected an error on 402")
	}
	if c.Quota() != QuotaExhausted {
		t.Fatalf("Quota()=%v, want exhausted", c.Quota())
	}
}

func TestStripLeadingTimestampRemovesCommonFormats(t *testing.T) {
	cases := map[string]string{
		"2026-02-12 13:45:32.123 ERROR boom":  "ERROR boom",
		"2026-02-12T13:45:32Z ERROR boom":     "ERROR boom",
		"13:45:32.123 ERROR boom":             "ERROR boom",
		"[2026-02-12 13:45:32] ERROR boom":    "ERROR boom",
		"1738000000 ERROR boom":               "ERROR boom",
		"ERROR boom (no timestamp)":           "ERROR boom (no timestamp)",
	}
	for in, want := range cases {
		if got := stripLeadingTimestamp(in); got != want {
			t.Errorf("stripLeadingTimestamp(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildRequestStripsTimestampsFromContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	req, err := c.buildRequest(context.Background(),
		model.LogRecord{Raw: "2026-02-12 13:45:32.123 ERROR current"},
		[]model.LogRecord{{Raw: "2026-02-12 13:45:30.000 INFO prior"}})
	if err != nil {
		t.Fatalf("buildRequest: %v", err)
	}
	body, _ := io.ReadAll(req.Body)
	if strings.Contains(string(body), "13:45:") {
		t.Fatalf("request body still contains a timestamp: %s", body)
	}
	if !strings.Contains(string(body), "INFO prior") || !strings.Contains(string(body), "ERROR current") {
		t.Fatalf("request body lost message content: %s", body)
	}
}

func TestParseClassificationRejectsUnknownSeverity(t *testing.T) {
	if _, err := parseClassification(`{"severity":"catastrophic","summary":"x"}`); err == nil {
		t.Fatal("expected an error for an unrecognized severity")
	}
}

func TestParseClassificationTruncatesLongSummary(t *testing.T) {
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'a'
	}
	body := `{"severity":"info","summary":"` + string(long) + `"}`
	result, err := parseClassification(body)
	if err != nil {
		t.Fatalf("parseClassification: %v", err)
	}
	if len(result.Summary) != 280 {
		t.Fatalf("len(Summary)=%d, want 280", len(result.Summary))
	}
}
