package gin

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nimburion/mailqueue/pkg/server/router"
)

func perform(r http.Handler, method, path, contentType, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	var req *http.Request
	if reader != nil {
		req = httptest.NewRequest(method, path, reader)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRouter_ImplementsInterface(t *testing.T) {
	var _ router.Router = NewRouter()
}

func TestRouter_Methods(t *testing.T) {
	r := NewRouter()
	r.GET("/items", func(c router.Context) error { return c.String(http.StatusOK, "get") })
	r.POST("/items", func(c router.Context) error { return c.String(http.StatusCreated, "post") })

	if rec := perform(r, http.MethodGet, "/items", "", ""); rec.Code != http.StatusOK || rec.Body.String() != "get" {
		t.Fatalf("GET /items = %d %q", rec.Code, rec.Body.String())
	}
	if rec := perform(r, http.MethodPost, "/items", "", ""); rec.Code != http.StatusCreated || rec.Body.String() != "post" {
		t.Fatalf("POST /items = %d %q", rec.Code, rec.Body.String())
	}
	if rec := perform(r, http.MethodGet, "/missing", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("GET /missing = %d, want 404", rec.Code)
	}
	if rec := perform(r, http.MethodPut, "/items", "", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("PUT /items = %d, want 405", rec.Code)
	}
}

func TestRouter_MiddlewareOrderAndGroups(t *testing.T) {
	var order []string
	mark := func(name string) router.MiddlewareFunc {
		return func(next router.HandlerFunc) router.HandlerFunc {
			return func(c router.Context) error {
				order = append(order, name)
				return next(c)
			}
		}
	}

	r := NewRouter()
	r.Use(mark("global"))
	accounts := r.Group("/accounts", mark("group"))
	accounts.POST("/:id/reset", func(c router.Context) error {
		order = append(order, "handler")
		return c.String(http.StatusOK, c.Route()+" "+c.Param("id"))
	}, mark("route"))

	rec := perform(r, http.MethodPost, "/accounts/42/reset", "", "")
	if rec.Body.String() != "/accounts/:id/reset 42" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	want := []string{"global", "group", "route", "handler"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("middleware order = %v, want %v", order, want)
	}
}

func TestRouter_UnwrittenErrorBecomes500(t *testing.T) {
	r := NewRouter()
	r.GET("/boom", func(router.Context) error { return errors.New("boom") })
	r.GET("/written", func(c router.Context) error {
		_ = c.String(http.StatusTeapot, "short")
		return errors.New("after write")
	})

	if rec := perform(r, http.MethodGet, "/boom", "", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("GET /boom = %d, want 500", rec.Code)
	}
	if rec := perform(r, http.MethodGet, "/written", "", ""); rec.Code != http.StatusTeapot {
		t.Fatalf("GET /written = %d, want 418", rec.Code)
	}
}

func TestContext_Bind(t *testing.T) {
	type payload struct {
		Email string `json:"email"`
	}

	tests := []struct {
		name        string
		contentType string
		body        string
		wantErr     error
		wantEmail   string
	}{
		{name: "json", contentType: "application/json", body: `{"email":"a@example.com"}`, wantEmail: "a@example.com"},
		{name: "json with charset", contentType: "application/json; charset=utf-8", body: `{"email":"b@example.com"}`, wantEmail: "b@example.com"},
		{name: "empty body", contentType: "application/json", wantErr: ErrEmptyBody},
		{name: "form body", contentType: "application/x-www-form-urlencoded", body: "email=a", wantErr: ErrUnsupportedContentType},
		{name: "missing content type", body: `{"email":"a@example.com"}`, wantErr: ErrUnsupportedContentType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got payload
			var bindErr error
			r := NewRouter()
			r.POST("/bind", func(c router.Context) error {
				bindErr = c.Bind(&got)
				return c.String(http.StatusOK, "ok")
			})
			perform(r, http.MethodPost, "/bind", tt.contentType, tt.body)

			if tt.wantErr != nil {
				if !errors.Is(bindErr, tt.wantErr) {
					t.Fatalf("Bind() error = %v, want %v", bindErr, tt.wantErr)
				}
				return
			}
			if bindErr != nil {
				t.Fatalf("Bind() error = %v", bindErr)
			}
			if got.Email != tt.wantEmail {
				t.Fatalf("Email = %q, want %q", got.Email, tt.wantEmail)
			}
		})
	}
}

func TestContext_ResponseHelpers(t *testing.T) {
	r := NewRouter()
	r.GET("/json", func(c router.Context) error {
		c.Set("k", "v")
		return c.JSON(http.StatusAccepted, map[string]any{"value": c.Get("k"), "q": c.Query("q")})
	})
	r.GET("/text", func(c router.Context) error { return c.String(http.StatusOK, "plain") })

	rec := perform(r, http.MethodGet, "/json?q=1", "", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"q":"1","value":"v"}` {
		t.Fatalf("body = %q", rec.Body.String())
	}

	rec = perform(r, http.MethodGet, "/text", "", "")
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("Content-Type = %q", ct)
	}
}
