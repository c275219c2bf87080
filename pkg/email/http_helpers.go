package email

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOperationTimeout = 10 * time.Second

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func defaultHTTPClient(client *http.Client, timeout time.Duration) *http.Client {
	if client != nil {
		return client
	}
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	return &http.Client{Timeout: timeout}
}

// statusError turns a non-2xx API response into an error carrying a short
// excerpt of the body.
func statusError(provider string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(excerpt))
	if detail == "" {
		return fmt.Errorf("%s send failed with status %d", provider, resp.StatusCode)
	}
	return fmt.Errorf("%s send failed with status %d: %s", provider, resp.StatusCode, detail)
}
