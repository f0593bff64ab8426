// Package workers provides the bounded goroutine pool that runs message handlers.
package workers

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
)

// ErrPoolClosed is returned when submitting to a released pool
var ErrPoolClosed = errors.New("workers: pool closed")

// Invoker runs a task
type Invoker interface {
	Submit(task func()) error
	Shutdown(timeout time.Duration) error
}

// Pool runs tasks on a fixed number of goroutines
type Pool struct {
	pool       *ants.Pool
	logger     *slog.Logger
	running    atomic.Int64
	panicCount atomic.Uint64
}

// Option configures the Pool
type Option func(*poolConfig)

type poolConfig struct {
	nonblocking bool
	expiry      time.Duration
	logger      *slog.Logger
}

// WithNonblocking makes Submit fail instead of waiting when all workers are busy
func WithNonblocking(nonblocking bool) Option {
	return func(c *poolConfig) {
		c.nonblocking = nonblocking
	}
}

// WithExpiry sets how long an idle worker is kept alive
func WithExpiry(expiry time.Duration) Option {
	return func(c *poolConfig) {
		c.expiry = expiry
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *poolConfig) {
		c.logger = logger
	}
}

// NewPool creates a pool with size workers
func NewPool(size int, options ...Option) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("workers: pool size must be positive, got %d", size)
	}

	cfg := &poolConfig{
		expiry: time.Minute,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	p := &Pool{logger: cfg.logger}
	pool, err := ants.NewPool(size,
		ants.WithNonblocking(cfg.nonblocking),
		ants.WithExpiryDuration(cfg.expiry),
		ants.WithPanicHandler(p.handlePanic),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	p.pool = pool

	return p, nil
}

// Submit queues task for execution
func (p *Pool) Submit(task func()) error {
	err := p.pool.Submit(func() {
		p.running.Add(1)
		defer p.running.Add(-1)
		task()
	})
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolClosed
	}
	if err != nil {
		return fmt.Errorf("failed to submit task: %w", err)
	}
	return nil
}

func (p *Pool) handlePanic(r interface{}) {
	p.panicCount.Add(1)
	p.logger.Error("worker task panicked", "panic", r)
}

// Running returns the number of tasks currently executing
func (p *Pool) Running() int64 {
	return p.running.Load()
}

// Panics returns the number of tasks that panicked
func (p *Pool) Panics() uint64 {
	return p.panicCount.Load()
}

// Shutdown stops accepting tasks and waits up to timeout for running ones
func (p *Pool) Shutdown(timeout time.Duration) error {
	if p.pool.IsClosed() {
		return nil
	}
	if err := p.pool.ReleaseTimeout(timeout); err != nil {
		return fmt.Errorf("worker pool did not drain within %v: %w", timeout, err)
	}
	return nil
}

// Direct runs each task on the calling goroutine
type Direct struct {
	logger *slog.Logger
	closed atomic.Bool
}

// NewDirect creates an invoker that runs tasks synchronously
func NewDirect(logger *slog.Logger) *Direct {
	if logger == nil {
		logger = slog.Default()
	}
	return &Direct{logger: logger}
}

// Submit runs task immediately
func (d *Direct) Submit(task func()) error {
	if d.closed.Load() {
		return ErrPoolClosed
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("task panicked", "panic", r)
		}
	}()
	task()
	return nil
}

// Shutdown stops accepting tasks
func (d *Direct) Shutdown(time.Duration) error {
	d.closed.Store(true)
	return nil
}
