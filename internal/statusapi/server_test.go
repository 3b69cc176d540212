package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/telewatch/telewatch/internal/dispatch"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStatus struct{}

func (fakeStatus) Status() dispatch.StatusSnapshot {
	return dispatch.StatusSnapshot{ProgressFraction: 0.6, ActiveStage: "compile", LineRatePerMin: 12.5, Uptime: time.Minute, Paused: false, LastEventSummary: "all clear"}
}
func (fakeStatus) RecentLines(n int) []string { return nil }

func newTestServer(t *testing.T) (*Server, *gin.Engine) {
	t.Helper()
	srv := NewServer("", fakeStatus{})
	srv.startTime = time.Now()

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", srv.handleHealth)
	r.GET("/status", srv.handleStatus)
	return srv, r
}

func TestHealthzEndpoint(t *testing.T) {
	_, r := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", body["status"])
	}
}

func TestStatusEndpointReflectsProvider(t *testing.T) {
	_, r := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["active_stage"] != "compile" {
		t.Fatalf("active_stage = %v, want compile", body["active_stage"])
	}
}
