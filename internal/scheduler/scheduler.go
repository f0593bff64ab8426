// Package scheduler runs delayed callbacks on a timing wheel and guarantees that
// callbacks still pending at shutdown are executed instead of dropped.
package scheduler

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/RussellLuo/timingwheel"
)

var (
	// ErrShutdown is returned when scheduling on a scheduler that is shutting down
	ErrShutdown = errors.New("scheduler: shut down")

	// ErrNonPositiveDelay is returned for delays that cannot be scheduled
	ErrNonPositiveDelay = errors.New("scheduler: delay must be positive")
)

// Scheduler schedules one-shot callbacks
type Scheduler struct {
	name    string
	wheel   *timingwheel.TimingWheel
	logger  *slog.Logger
	mu      sync.Mutex
	pending map[uint64]*task
	seq     uint64
	closed  bool
	running sync.WaitGroup
}

type task struct {
	seq   uint64
	fn    func()
	timer *timingwheel.Timer
}

// Handle identifies a scheduled callback
type Handle struct {
	scheduler *Scheduler
	seq       uint64
}

// Option configures the Scheduler
type Option func(*config)

type config struct {
	name      string
	tick      time.Duration
	wheelSize int64
	logger    *slog.Logger
}

// WithName sets the name used in log records
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithTick sets the wheel resolution. Values below one millisecond are raised to it.
func WithTick(tick time.Duration) Option {
	return func(c *config) {
		c.tick = tick
	}
}

// WithWheelSize sets the number of buckets of the first wheel level
func WithWheelSize(size int64) Option {
	return func(c *config) {
		c.wheelSize = size
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// New creates and starts a scheduler
func New(options ...Option) *Scheduler {
	cfg := &config{
		name:      "scheduler",
		tick:      time.Millisecond,
		wheelSize: 512,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.tick < time.Millisecond {
		cfg.tick = time.Millisecond
	}
	if cfg.wheelSize < 1 {
		cfg.wheelSize = 512
	}

	s := &Scheduler{
		name:    cfg.name,
		wheel:   timingwheel.NewTimingWheel(cfg.tick, cfg.wheelSize),
		logger:  cfg.logger,
		pending: make(map[uint64]*task),
	}
	s.wheel.Start()

	s.logger.Info("scheduler started", "name", s.name, "tick", cfg.tick, "wheelSize", cfg.wheelSize)
	return s
}

// Schedule runs fn once after delay
func (s *Scheduler) Schedule(delay time.Duration, fn func()) (*Handle, error) {
	if delay <= 0 {
		return nil, ErrNonPositiveDelay
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrShutdown
	}

	s.seq++
	t := &task{seq: s.seq, fn: fn}
	s.pending[t.seq] = t
	t.timer = s.wheel.AfterFunc(delay, func() { s.fire(t.seq) })

	return &Handle{scheduler: s, seq: t.seq}, nil
}

// Cancel prevents the callback from running. It returns false when the callback
// already started, finished or was cancelled before.
func (h *Handle) Cancel() bool {
	if h == nil || h.scheduler == nil {
		return false
	}
	return h.scheduler.cancel(h.seq)
}

func (s *Scheduler) cancel(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.pending[seq]
	if !ok {
		return false
	}
	delete(s.pending, seq)
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}

func (s *Scheduler) fire(seq uint64) {
	s.mu.Lock()
	t, ok := s.pending[seq]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, seq)
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	s.run(t)
}

func (s *Scheduler) run(t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", "name", s.name, "task", t.seq, "panic", r)
		}
	}()
	t.fn()
}

// Pending returns the number of callbacks waiting to fire
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Shutdown stops accepting work, waits for running callbacks and then runs every
// pending callback synchronously in submission order.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	tasks := make([]*task, 0, len(s.pending))
	for seq, t := range s.pending {
		if t.timer != nil {
			t.timer.Stop()
		}
		tasks = append(tasks, t)
		delete(s.pending, seq)
	}
	s.mu.Unlock()

	s.logger.Info("shutting down scheduler", "name", s.name, "pending", len(tasks))

	s.wheel.Stop()
	s.running.Wait()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].seq < tasks[j].seq })
	for _, t := range tasks {
		s.run(t)
	}

	s.logger.Info("scheduler shutdown complete", "name", s.name)
}
