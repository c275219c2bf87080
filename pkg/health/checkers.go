package health

import (
	"context"
	"time"
)

const defaultCheckTimeout = 5 * time.Second

// Checkable is implemented by components that can probe their own backend,
// such as job stores and the worker pool.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker turns a Checkable into a Checker bounded by a timeout. Any
// error, the timeout included, is unhealthy.
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
}

// NewAdapterChecker creates a checker for adapter. A zero timeout means 5s.
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &AdapterChecker{name: name, adapter: adapter, timeout: timeout}
}

func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	return timed(c.name, func() CheckResult {
		checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		if err := c.adapter.HealthCheck(checkCtx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: "OK"}
	})
}

func (c *AdapterChecker) Name() string {
	return c.name
}

// FuncChecker adapts a function returning (status, message, error). An error
// reported with an empty or healthy status counts as unhealthy.
type FuncChecker struct {
	name      string
	checkFunc func(ctx context.Context) (Status, string, error)
}

func NewFuncChecker(name string, checkFunc func(ctx context.Context) (Status, string, error)) *FuncChecker {
	return &FuncChecker{name: name, checkFunc: checkFunc}
}

func (c *FuncChecker) Check(ctx context.Context) CheckResult {
	return timed(c.name, func() CheckResult {
		status, message, err := c.checkFunc(ctx)
		result := CheckResult{Status: status, Message: message}
		if err != nil {
			result.Error = err.Error()
			if status == "" || status == StatusHealthy {
				result.Status = StatusUnhealthy
			}
		}
		return result
	})
}

func (c *FuncChecker) Name() string {
	return c.name
}

func timed(name string, probe func() CheckResult) CheckResult {
	start := time.Now()
	result := probe()
	result.Name = name
	result.Timestamp = time.Now()
	result.Duration = time.Since(start)
	return result
}
