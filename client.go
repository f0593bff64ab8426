// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package msb is the entry point of msb-go. A Client owns one service
// instance's bus: its transport, timer wheel and handler pool.
package msb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/glimte/msb-go/config"
	"github.com/glimte/msb-go/contracts"
	"github.com/glimte/msb-go/health"
	"github.com/glimte/msb-go/internal/logging"
	"github.com/glimte/msb-go/internal/scheduler"
	"github.com/glimte/msb-go/internal/workers"
	"github.com/glimte/msb-go/messaging"
	"github.com/glimte/msb-go/serialization"
	"github.com/glimte/msb-go/transports/mock"
	rabbitmqTransport "github.com/glimte/msb-go/transports/rabbitmq"
	redisTransport "github.com/glimte/msb-go/transports/redis"
)

// Client provides the main entry point for msb-go
type Client struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	bus       *messaging.Bus
	health    *health.Registry

	shutdownOnce sync.Once
	shutdownErr  error
}

type clientConfig struct {
	logger    *slog.Logger
	transport messaging.Transport
	broker    *mock.Broker
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components instead of the configured one
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithTransport uses transport instead of the configured broker
func WithTransport(transport messaging.Transport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = transport
	}
}

// WithMockBroker connects a mock transport to broker, so clients in one
// process can talk to each other
func WithMockBroker(broker *mock.Broker) ClientOption {
	return func(cfg *clientConfig) {
		cfg.broker = broker
	}
}

// NewClientFromFile loads configuration from path and creates a client
func NewClientFromFile(path string, options ...ClientOption) (*Client, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return NewClient(cfg, options...)
}

// NewClient creates a client from cfg and connects its transport
func NewClient(cfg *config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &clientConfig{}
	for _, opt := range options {
		opt(opts)
	}

	logger, logCloser := opts.logger, io.Closer(nil)
	if logger == nil {
		var err error
		logger, logCloser, err = logging.New(logging.Options{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			File:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	c, err := newClient(cfg, opts, logger)
	if err != nil {
		if logCloser != nil {
			logCloser.Close()
		}
		return nil, err
	}
	c.logCloser = logCloser
	return c, nil
}

func newClient(cfg *config.Config, opts *clientConfig, logger *slog.Logger) (*Client, error) {
	codec, err := serialization.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	transport := opts.transport
	if transport == nil {
		transport, err = newTransport(cfg, codec, opts.broker, logger)
		if err != nil {
			return nil, err
		}
	}

	invoker, err := newInvoker(cfg.ConsumerThreadPoolSize, logger)
	if err != nil {
		transport.Close()
		return nil, err
	}

	service := contracts.NewServiceDetails(cfg.ServiceDetails.Name, cfg.ServiceDetails.Version, cfg.ServiceDetails.InstanceID)
	wheel := scheduler.New(
		scheduler.WithName(service.Name),
		scheduler.WithTick(cfg.Timer.Tick),
		scheduler.WithWheelSize(cfg.Timer.WheelSize),
		scheduler.WithLogger(logger),
	)
	timeouts := messaging.NewTimeoutManager(messaging.NewWheelScheduler(wheel), messaging.WithTimeoutLogger(logger))

	bus, err := messaging.NewBus(transport, timeouts, invoker,
		messaging.WithServiceDetails(service),
		messaging.WithBusCodec(codec),
		messaging.WithBusLogger(logger),
		messaging.WithBusGroupID(cfg.Broker.GroupID),
		messaging.WithBusDurable(cfg.Broker.Durable),
		messaging.WithBusPrefetchCount(cfg.Broker.PrefetchCount),
		messaging.WithBusValidateMessage(cfg.ValidateMessage),
	)
	if err != nil {
		timeouts.Shutdown()
		invoker.Shutdown(cfg.ShutdownTimeout)
		transport.Close()
		return nil, err
	}

	logger.Info("msb client started",
		"service", service.Name,
		"instanceId", service.InstanceID,
		"broker", cfg.Broker.Type,
		"codec", codec.Name(),
	)

	checks := health.NewRegistry(health.NewTimerChecker(wheel))
	if conn, ok := transport.(health.Connectable); ok {
		checks.Register(health.NewConnectionChecker(conn))
	}
	if pool, ok := invoker.(health.PoolStats); ok {
		checks.Register(health.NewPoolChecker(pool))
	}

	return &Client{cfg: cfg, logger: logger, bus: bus, health: checks}, nil
}

func newTransport(cfg *config.Config, codec serialization.Codec, broker *mock.Broker, logger *slog.Logger) (messaging.Transport, error) {
	switch cfg.Broker.Type {
	case config.BrokerAMQP:
		t, err := rabbitmqTransport.NewTransport(cfg.Broker.URL,
			rabbitmqTransport.WithLogger(logger),
			rabbitmqTransport.WithContentType(codec.ContentType()),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create amqp transport: %w", err)
		}
		return t, nil
	case config.BrokerRedis:
		t, err := redisTransport.NewTransport(cfg.Broker.URL, redisTransport.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create redis transport: %w", err)
		}
		return t, nil
	case config.BrokerMock:
		if broker == nil {
			broker = mock.NewBroker()
		}
		return mock.NewTransport(broker, mock.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBroker, cfg.Broker.Type)
	}
}

func newInvoker(size int, logger *slog.Logger) (workers.Invoker, error) {
	if size == 0 {
		return workers.NewDirect(logger), nil
	}
	pool, err := workers.NewPool(size, workers.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer pool: %w", err)
	}
	return pool, nil
}

// Bus returns the bus used to build requesters and responder servers
func (c *Client) Bus() *messaging.Bus {
	return c.bus
}

// Config returns the effective configuration
func (c *Client) Config() *config.Config {
	return c.cfg
}

// Logger returns the client logger
func (c *Client) Logger() *slog.Logger {
	return c.logger
}

// Health runs the client health checks
func (c *Client) Health(ctx context.Context) health.OverallHealth {
	return c.health.Check(ctx)
}

// Shutdown fires pending timeouts, waits for running handlers and closes the
// transport. Calls after the first return the first result.
func (c *Client) Shutdown() error {
	c.shutdownOnce.Do(func() {
		var errs []error
		if err := c.bus.Shutdown(c.cfg.ShutdownTimeout); err != nil {
			errs = append(errs, err)
		}
		if c.logCloser != nil {
			if err := c.logCloser.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close log output: %w", err))
			}
		}
		c.shutdownErr = errors.Join(errs...)
	})
	return c.shutdownErr
}
