package health

import (
	"context"
	"time"
)

// Connectable is implemented by transports that hold a broker connection
type Connectable interface {
	IsConnected() bool
}

// ConnectionChecker reports whether the broker connection is up
type ConnectionChecker struct {
	conn Connectable
}

// NewConnectionChecker creates a checker for conn
func NewConnectionChecker(conn Connectable) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "broker"
}

func (c *ConnectionChecker) Check(context.Context) CheckResult {
	result := CheckResult{Name: c.Name(), Timestamp: time.Now()}
	if c.conn.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "connected"
	} else {
		// the connection manager keeps reconnecting in the background
		result.Status = StatusUnhealthy
		result.Message = "not connected"
	}
	result.Duration = time.Since(result.Timestamp)
	return result
}

// PoolStats is implemented by the handler worker pool
type PoolStats interface {
	Running() int64
	Panics() uint64
}

// PoolChecker reports handler pool activity. Recovered handler panics make the
// pool degraded.
type PoolChecker struct {
	pool PoolStats
}

// NewPoolChecker creates a checker for pool
func NewPoolChecker(pool PoolStats) *PoolChecker {
	return &PoolChecker{pool: pool}
}

func (c *PoolChecker) Name() string {
	return "workers"
}

func (c *PoolChecker) Check(context.Context) CheckResult {
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"running": c.pool.Running(),
			"panics":  c.pool.Panics(),
		},
	}
	if c.pool.Panics() > 0 {
		result.Status = StatusDegraded
		result.Message = "handlers panicked"
	}
	result.Duration = time.Since(result.Timestamp)
	return result
}

// PendingCounter is implemented by the timer wheel
type PendingCounter interface {
	Pending() int
}

// TimerChecker reports the number of armed request timeouts
type TimerChecker struct {
	timers PendingCounter
}

// NewTimerChecker creates a checker for timers
func NewTimerChecker(timers PendingCounter) *TimerChecker {
	return &TimerChecker{timers: timers}
}

func (c *TimerChecker) Name() string {
	return "timers"
}

func (c *TimerChecker) Check(context.Context) CheckResult {
	now := time.Now()
	return CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: now,
		Details:   map[string]interface{}{"pending": c.timers.Pending()},
		Duration:  time.Since(now),
	}
}
