package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/mailqueue/pkg/accounts"
	"github.com/nimburion/mailqueue/pkg/config"
	"github.com/nimburion/mailqueue/pkg/email"
	"github.com/nimburion/mailqueue/pkg/jobs"
	"github.com/nimburion/mailqueue/pkg/observability/logger"
)

type recordingMailer struct {
	mu     sync.Mutex
	sent   []email.Message
	closed bool
}

func (m *recordingMailer) Send(_ context.Context, message email.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, message)
	return nil
}

func (m *recordingMailer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *recordingMailer) recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.sent {
		out = append(out, msg.To...)
	}
	return out
}

func (m *recordingMailer) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Port = freePort(t)
	cfg.HTTP.ShutdownTimeout = 5 * time.Second
	cfg.Management.Port = freePort(t)
	cfg.Jobs.Store = config.JobsStoreMemory
	cfg.Jobs.PollInterval = 10 * time.Millisecond
	cfg.Jobs.StopTimeout = 5 * time.Second
	cfg.Accounts.ResetURL = "https://example.com/reset"
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestApp_ServeQueuesAndDeliversResetEmail(t *testing.T) {
	cfg := testConfig(t)
	mailer := &recordingMailer{}
	store := jobs.NewMemoryStore(jobs.StoreConfig{MaxAttempts: 3})

	a, err := New(context.Background(), cfg, logger.NewNop(), Options{Store: store, Mailer: mailer})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.Serve(ctx)
	}()

	publicURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.HTTP.Port)
	mgmtURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Management.Port)

	var (
		status int
		body   string
	)
	waitFor(t, 5*time.Second, func() bool {
		resp, err := http.Post(publicURL+"/accounts/forgot-password", "application/json",
			strings.NewReader(`{"email":"user@example.com"}`))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		status, body = resp.StatusCode, string(raw)
		return true
	})
	if status != http.StatusOK {
		t.Fatalf("forgot-password status = %d, body = %q", status, body)
	}
	if body != "ForgottenEmail added to queue" {
		t.Fatalf("forgot-password body = %q", body)
	}

	waitFor(t, 5*time.Second, func() bool {
		return len(mailer.recipients()) == 1
	})
	if got := mailer.recipients()[0]; got != "user@example.com" {
		t.Fatalf("reset email sent to %q", got)
	}

	for _, path := range []string{"/health", "/ready", "/version"} {
		resp, err := http.Get(mgmtURL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, resp.StatusCode)
		}
	}

	cancel()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve() did not return after cancellation")
	}
	if !mailer.isClosed() {
		t.Fatal("mailer should be closed on shutdown")
	}
}

func TestApp_WorkWithoutManagement(t *testing.T) {
	cfg := testConfig(t)
	cfg.Management.Enabled = false
	mailer := &recordingMailer{}
	store := jobs.NewMemoryStore(jobs.StoreConfig{MaxAttempts: 3})

	a, err := New(context.Background(), cfg, logger.NewNop(), Options{Store: store, Mailer: mailer})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := a.Producer().Enqueue(context.Background(), accounts.ForgottenEmail{Email: "worker@example.com"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	workErr := make(chan error, 1)
	go func() {
		workErr <- a.Work(ctx)
	}()

	waitFor(t, 5*time.Second, func() bool {
		return len(mailer.recipients()) == 1
	})
	cancel()
	if err := <-workErr; err != nil {
		t.Fatalf("Work() error = %v", err)
	}
}

func TestNew_UnreachableRedisIsFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Jobs.Store = config.JobsStoreRedis
	cfg.Jobs.Redis.URL = fmt.Sprintf("redis://127.0.0.1:%d/0", freePort(t))
	cfg.Jobs.Redis.OperationTimeout = 200 * time.Millisecond
	mailer := &recordingMailer{}

	_, err := New(context.Background(), cfg, logger.NewNop(), Options{Mailer: mailer})
	if !errors.Is(err, jobs.ErrStoreUnavailable) {
		t.Fatalf("New() error = %v, want ErrStoreUnavailable", err)
	}
	if len(mailer.recipients()) != 0 {
		t.Fatal("nothing should be sent when startup fails")
	}
}

func TestNew_RequiresConfigAndLogger(t *testing.T) {
	if _, err := New(context.Background(), nil, logger.NewNop(), Options{}); err == nil {
		t.Fatal("expected error for nil config")
	}
	if _, err := New(context.Background(), config.DefaultConfig(), nil, Options{}); err == nil {
		t.Fatal("expected error for nil logger")
	}
}

func TestApp_CloseIsIdempotent(t *testing.T) {
	mailer := &recordingMailer{}
	a, err := New(context.Background(), testConfig(t), logger.NewNop(), Options{
		Store:  jobs.NewMemoryStore(jobs.StoreConfig{}),
		Mailer: mailer,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if !mailer.isClosed() {
		t.Fatal("mailer not closed")
	}
}
