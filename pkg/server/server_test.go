package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/nimburion/mailqueue/pkg/observability/logger"
	"github.com/nimburion/mailqueue/pkg/server/router"
	ginadapter "github.com/nimburion/mailqueue/pkg/server/router/gin"
)

func localConfig(name string) Config {
	return Config{
		Name:            name,
		Host:            "127.0.0.1",
		Port:            0,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: 2 * time.Second,
	}
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestServer_StartAndShutdown(t *testing.T) {
	r := ginadapter.NewRouter()
	r.GET("/ping", func(c router.Context) error { return c.String(http.StatusOK, "pong") })
	srv := NewServer(localConfig("test"), r, logger.NewNop())

	if srv.Addr() != "" {
		t.Fatalf("Addr() before Listen = %q, want empty", srv.Addr())
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("second Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	status, body := get(t, "http://"+srv.Addr()+"/ping")
	if status != http.StatusOK || body != "pong" {
		t.Fatalf("GET /ping = %d %q", status, body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancellation")
	}
}

func TestServer_ListenFailsOnBusyPort(t *testing.T) {
	first := NewServer(localConfig("first"), ginadapter.NewRouter(), logger.NewNop())
	if err := first.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(first.closeListener)

	_, rawPort, err := net.SplitHostPort(first.Addr())
	if err != nil {
		t.Fatalf("SplitHostPort() error = %v", err)
	}
	cfg := localConfig("second")
	cfg.Port, _ = strconv.Atoi(rawPort)
	second := NewServer(cfg, ginadapter.NewRouter(), logger.NewNop())
	if err := second.Listen(); err == nil {
		second.closeListener()
		t.Fatal("expected Listen() to fail on a port that is already bound")
	}
}

func TestConfig_Addr(t *testing.T) {
	if got := (Config{Host: "127.0.0.1", Port: 8000}).Addr(); got != "127.0.0.1:8000" {
		t.Fatalf("Addr() = %q", got)
	}
	if got := (Config{Host: "::1", Port: 9090}).Addr(); got != "[::1]:9090" {
		t.Fatalf("Addr() = %q", got)
	}
}
