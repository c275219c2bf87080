// Package gin implements router.Router on top of gin-gonic/gin.
package gin

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"sync"

	ginpkg "github.com/gin-gonic/gin"

	"github.com/nimburion/mailqueue/pkg/server/router"
)

var (
	// ErrEmptyBody is returned by Bind when the request carries no body.
	ErrEmptyBody = errors.New("request body is empty")
	// ErrUnsupportedContentType is returned by Bind for non-JSON bodies.
	ErrUnsupportedContentType = errors.New("unsupported content type")
)

// GinRouter adapts a gin engine, or one of its groups, to router.Router.
type GinRouter struct {
	engine     *ginpkg.Engine
	routes     ginpkg.IRoutes
	mu         *sync.RWMutex
	middleware []router.MiddlewareFunc
}

// NewRouter creates a router backed by a fresh gin engine in release mode.
func NewRouter() *GinRouter {
	ginpkg.SetMode(ginpkg.ReleaseMode)
	engine := ginpkg.New()
	engine.HandleMethodNotAllowed = true
	return &GinRouter{engine: engine, routes: engine, mu: &sync.RWMutex{}}
}

func (r *GinRouter) GET(path string, handler router.HandlerFunc, middleware ...router.MiddlewareFunc) {
	r.handle(http.MethodGet, path, handler, middleware)
}

func (r *GinRouter) POST(path string, handler router.HandlerFunc, middleware ...router.MiddlewareFunc) {
	r.handle(http.MethodPost, path, handler, middleware)
}

// Group creates a child router under prefix that inherits the current middleware.
func (r *GinRouter) Group(prefix string, middleware ...router.MiddlewareFunc) router.Router {
	var group *ginpkg.RouterGroup
	if g, ok := r.routes.(*ginpkg.RouterGroup); ok {
		group = g.Group(prefix)
	} else {
		group = r.engine.Group(prefix)
	}
	return &GinRouter{
		engine:     r.engine,
		routes:     group,
		mu:         r.mu,
		middleware: append(r.snapshot(), middleware...),
	}
}

func (r *GinRouter) Use(middleware ...router.MiddlewareFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, middleware...)
}

func (r *GinRouter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}

func (r *GinRouter) snapshot() []router.MiddlewareFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]router.MiddlewareFunc{}, r.middleware...)
}

func (r *GinRouter) handle(method, path string, h router.HandlerFunc, routeMiddleware []router.MiddlewareFunc) {
	chain := append(r.snapshot(), routeMiddleware...)
	handler := h
	for i := len(chain) - 1; i >= 0; i-- {
		handler = chain[i](handler)
	}

	r.routes.Handle(method, path, func(gc *ginpkg.Context) {
		ctx := newContext(gc)
		if err := handler(ctx); err != nil && !ctx.Response().Written() {
			gc.AbortWithStatus(http.StatusInternalServerError)
		}
	})
}

type ginContext struct {
	ctx      *ginpkg.Context
	response *responseWriter
}

func newContext(c *ginpkg.Context) *ginContext {
	return &ginContext{ctx: c, response: &responseWriter{ResponseWriter: c.Writer}}
}

func (c *ginContext) Request() *http.Request {
	return c.ctx.Request
}

func (c *ginContext) SetRequest(r *http.Request) {
	c.ctx.Request = r
}

func (c *ginContext) Response() router.ResponseWriter {
	return c.response
}

func (c *ginContext) Route() string {
	return c.ctx.FullPath()
}

func (c *ginContext) Param(name string) string {
	return c.ctx.Param(name)
}

func (c *ginContext) Query(name string) string {
	return c.ctx.Query(name)
}

func (c *ginContext) Bind(v any) error {
	body := c.ctx.Request.Body
	if body == nil || body == http.NoBody {
		return ErrEmptyBody
	}
	defer body.Close()

	mediaType, _, err := mime.ParseMediaType(c.ctx.GetHeader("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return fmt.Errorf("%w: %q", ErrUnsupportedContentType, c.ctx.GetHeader("Content-Type"))
	}
	return json.NewDecoder(body).Decode(v)
}

func (c *ginContext) JSON(code int, v any) error {
	c.response.Header().Set("Content-Type", "application/json")
	c.response.WriteHeader(code)
	return json.NewEncoder(c.response).Encode(v)
}

func (c *ginContext) String(code int, s string) error {
	c.response.Header().Set("Content-Type", "text/plain; charset=utf-8")
	c.response.WriteHeader(code)
	_, err := c.response.Write([]byte(s))
	return err
}

func (c *ginContext) Get(key string) any {
	v, _ := c.ctx.Get(key)
	return v
}

func (c *ginContext) Set(key string, value any) {
	c.ctx.Set(key, value)
}

// responseWriter records the first status written through gin's writer.
type responseWriter struct {
	ginpkg.ResponseWriter
	mu      sync.RWMutex
	status  int
	written bool
}

func (w *responseWriter) Status() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *responseWriter) Written() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.written
}

func (w *responseWriter) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.written {
		return
	}
	w.status = code
	w.written = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.Written() {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Flush() {
	w.ResponseWriter.Flush()
}
