package requestid

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nimburion/mailqueue/pkg/server/router"
	ginadapter "github.com/nimburion/mailqueue/pkg/server/router/gin"
)

var uuidPattern = regexp.MustCompile(`^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`)

type observed struct {
	header  string
	context string
	stored  any
}

func serve(t *testing.T, incoming string) observed {
	t.Helper()
	var got observed
	r := ginadapter.NewRouter()
	r.Use(RequestID())
	r.GET("/ping", func(c router.Context) error {
		got.context = FromContext(c.Request().Context())
		got.stored = c.Get(ContextKey)
		return c.String(http.StatusOK, "pong")
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if incoming != "" {
		req.Header.Set(Header, incoming)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	got.header = rec.Header().Get(Header)
	return got
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "generated when missing"},
		{name: "kept when well formed", incoming: "req-123", keep: true},
		{name: "replaced when it contains spaces", incoming: "req 123"},
		{name: "replaced when oversized", incoming: strings.Repeat("a", maxLength+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serve(t, tt.incoming)
			if tt.keep {
				if got.header != tt.incoming {
					t.Fatalf("response header = %q, want %q", got.header, tt.incoming)
				}
			} else if !uuidPattern.MatchString(got.header) {
				t.Fatalf("response header = %q, want a generated UUID", got.header)
			}
			if got.context != got.header || got.stored != got.header {
				t.Fatalf("context %q / stored %v differ from header %q", got.context, got.stored, got.header)
			}
		})
	}
}

func TestRequestID_PropagatesPrintableIDs(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("alphanumeric ids round-trip", prop.ForAll(
		func(id string) bool {
			got := serve(t, id)
			return got.header == id && got.context == id
		},
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" && len(s) <= maxLength }),
	))

	properties.TestingRun(t)
}
