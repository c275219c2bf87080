package recovery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nimburion/mailqueue/pkg/middleware/requestid"
	"github.com/nimburion/mailqueue/pkg/middleware/testutil"
	"github.com/nimburion/mailqueue/pkg/server/router"
	ginadapter "github.com/nimburion/mailqueue/pkg/server/router/gin"
)

func TestRecovery_RespondsWith500(t *testing.T) {
	log := testutil.NewMockLogger()
	r := ginadapter.NewRouter()
	r.Use(requestid.RequestID(), Recovery(log))
	r.GET("/panic", func(router.Context) error { panic("boom") })

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set(requestid.Header, "req-9")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "internal_server_error" || body["request_id"] != "req-9" {
		t.Fatalf("unexpected body %v", body)
	}

	entry, ok := log.Find("panic recovered")
	if !ok {
		t.Fatal("panic was not logged")
	}
	if entry.Level != "error" || entry.Fields["panic"] != "boom" || entry.Fields["request_id"] != "req-9" {
		t.Fatalf("unexpected log entry %+v", entry)
	}
	if stack, _ := entry.Fields["stack"].(string); !strings.Contains(stack, "goroutine") {
		t.Fatalf("stack missing from log entry")
	}
}

func TestRecovery_KeepsStartedResponse(t *testing.T) {
	log := testutil.NewMockLogger()
	r := ginadapter.NewRouter()
	r.Use(Recovery(log))
	r.GET("/partial", func(c router.Context) error {
		_ = c.String(http.StatusAccepted, "partial")
		panic("late")
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/partial", nil))

	if rec.Code != http.StatusAccepted || rec.Body.String() != "partial" {
		t.Fatalf("response = %d %q, want untouched 202", rec.Code, rec.Body.String())
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	r := ginadapter.NewRouter()
	r.Use(Recovery(testutil.NewMockLogger()))
	r.GET("/ok", func(c router.Context) error { return c.String(http.StatusOK, "fine") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "fine" {
		t.Fatalf("response = %d %q", rec.Code, rec.Body.String())
	}
}
