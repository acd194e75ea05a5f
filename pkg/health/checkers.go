package health

import (
	"context"
	"fmt"
	"time"

	"github.com/nimburion/workqueue/pkg/queue"
)

// DefaultCheckTimeout bounds a single check when none is configured.
const DefaultCheckTimeout = 5 * time.Second

// Checkable is an interface for components that support health checks
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// StoreChecker checks a queue store, or any other Checkable, under a timeout.
type StoreChecker struct {
	name    string
	target  Checkable
	timeout time.Duration
}

// NewStoreChecker creates a checker for target.
func NewStoreChecker(name string, target Checkable, timeout time.Duration) *StoreChecker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &StoreChecker{name: name, target: target, timeout: timeout}
}

// Check performs the health check on the target.
func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.target.HealthCheck(checkCtx); err != nil {
		return CheckResult{
			Name:      c.name,
			Status:    StatusUnhealthy,
			Error:     err.Error(),
			Timestamp: time.Now(),
			Duration:  time.Since(start),
		}
	}
	return CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "OK",
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
}

// Name returns the name of the health check
func (c *StoreChecker) Name() string {
	return c.name
}

// PingChecker always reports healthy. It backs liveness checks.
type PingChecker struct {
	name string
}

// NewPingChecker creates a new ping checker
func NewPingChecker(name string) *PingChecker {
	return &PingChecker{name: name}
}

// Check always returns healthy status
func (c *PingChecker) Check(context.Context) CheckResult {
	return CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "Service is alive",
		Timestamp: time.Now(),
	}
}

// Name returns the name of the health check
func (c *PingChecker) Name() string {
	return c.name
}

// BacklogChecker reports a queue as degraded once more than threshold items are waiting to be
// claimed. Count failures make it unhealthy.
type BacklogChecker struct {
	consumer  queue.Consumer
	threshold int64
	timeout   time.Duration
}

// NewBacklogChecker creates a backlog checker for consumer. A threshold <= 0 never degrades.
func NewBacklogChecker(consumer queue.Consumer, threshold int64, timeout time.Duration) *BacklogChecker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &BacklogChecker{consumer: consumer, threshold: threshold, timeout: timeout}
}

// Check counts the claimable items of the queue.
func (c *BacklogChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := CheckResult{Name: c.Name()}
	waiting, err := c.consumer.Count(checkCtx, queue.CountNotRunning)
	result.Timestamp = time.Now()
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		return result
	}

	result.Metadata = map[string]any{"waiting": waiting}
	if c.threshold > 0 && waiting > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d items waiting, threshold %d", waiting, c.threshold)
		return result
	}
	result.Status = StatusHealthy
	result.Message = "OK"
	return result
}

// Name returns "queue:<name>".
func (c *BacklogChecker) Name() string {
	return "queue:" + c.consumer.Name()
}
