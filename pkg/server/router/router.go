// Package router defines the routing contract used by the HTTP servers.
// Handlers and middleware are written against these interfaces so the
// underlying engine stays an implementation detail of the adapter.
package router

import "net/http"

// Router registers routes and middleware and serves requests.
type Router interface {
	GET(path string, handler HandlerFunc, middleware ...MiddlewareFunc)
	POST(path string, handler HandlerFunc, middleware ...MiddlewareFunc)

	// Group creates a child router sharing the parent's middleware under prefix.
	Group(prefix string, middleware ...MiddlewareFunc) Router

	// Use appends middleware applied to routes registered afterwards.
	Use(middleware ...MiddlewareFunc)

	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// HandlerFunc handles a request. A returned error that was not followed by a
// written response becomes a 500.
type HandlerFunc func(Context) error

// MiddlewareFunc wraps a HandlerFunc.
type MiddlewareFunc func(HandlerFunc) HandlerFunc

// Context gives handlers engine-agnostic access to the request and response.
type Context interface {
	Request() *http.Request
	SetRequest(r *http.Request)
	Response() ResponseWriter

	// Route returns the registered path template, e.g. /accounts/:id.
	Route() string
	Param(name string) string
	Query(name string) string

	// Bind decodes a JSON request body into v.
	Bind(v any) error
	JSON(code int, v any) error
	String(code int, s string) error

	Get(key string) any
	Set(key string, value any)
}

// ResponseWriter tracks the status written to the client.
type ResponseWriter interface {
	http.ResponseWriter

	// Status returns the written status code, or 200 when nothing was written.
	Status() int
	Written() bool
}
