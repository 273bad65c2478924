// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/absmach/failover/message"
)

// ConnectionFactory creates connections to a broker group. It is the object
// bound in the naming context.
type ConnectionFactory struct {
	transport Transport
	opts      *Options
}

// NewConnectionFactory creates a factory for connections over transport.
func NewConnectionFactory(transport Transport, opts *Options) (*ConnectionFactory, error) {
	if transport == nil {
		return nil, ErrNoTransport
	}
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &ConnectionFactory{transport: transport, opts: opts}, nil
}

// CreateConnection connects to the authoritative broker.
func (f *ConnectionFactory) CreateConnection(ctx context.Context) (*Connection, error) {
	cctx, cancel := f.opts.Clock.WithTimeout(ctx, f.opts.SendTimeout)
	defer cancel()

	b, err := f.transport.Connect(cctx)
	if err != nil {
		return nil, transportErr("connect", err)
	}

	m, err := newMetrics(f.opts.MeterProvider)
	if err != nil {
		return nil, err
	}

	tp := f.opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	id := f.opts.ClientID
	if id == "" {
		id = uuid.NewString()
	}
	logger := f.opts.Logger.With(slog.String("connection", id))

	c := &Connection{
		id:        id,
		opts:      f.opts,
		transport: f.transport,
		state:     newStateManager(),
		metrics:   m,
		tracer:    tp.Tracer(instrumentationName),
		logger:    logger,
		sessions:  make(map[string]*Session),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: 1,
		Timeout:     f.opts.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= f.opts.BreakerFailures
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("transport circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	logger.Info("connected", slog.String("binding", b.String()))
	return c, nil
}

// breakerSuccess reports whether err says nothing about broker health.
// Rejections under the transport contract and caller cancellation are not
// counted as failures.
func breakerSuccess(err error) bool {
	return err == nil ||
		errors.Is(err, ErrStaleBinding) ||
		errors.Is(err, ErrUnknownDelivery) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Connection is a client connection to a broker group. Sessions created from
// it share its transport and circuit breaker.
type Connection struct {
	id        string
	opts      *Options
	transport Transport
	state     *stateManager
	breaker   *gobreaker.CircuitBreaker
	metrics   *metrics
	tracer    trace.Tracer
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// State returns the lifecycle state.
func (c *Connection) State() State {
	return c.state.get()
}

// Binding returns the current authoritative binding.
func (c *Connection) Binding() Binding {
	return c.transport.Binding()
}

// Start enables delivery on every session of the connection, including
// sessions created later.
func (c *Connection) Start() error {
	if c.state.isClosed() {
		return ErrConnectionClosed
	}
	c.state.transition(StateCreated, StateStarted)

	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		if err := s.Start(); err != nil && !errors.Is(err, ErrSessionClosed) {
			return err
		}
	}
	return nil
}

// CreateSession creates a session. A transacted session ignores mode.
func (c *Connection) CreateSession(transacted bool, mode AckMode) (*Session, error) {
	if transacted {
		mode = Transacted
	}
	if !mode.valid() || (!transacted && mode == Transacted) {
		return nil, ErrInvalidAckMode
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.isClosed() {
		return nil, ErrConnectionClosed
	}

	s, err := newSession(c, mode)
	if err != nil {
		return nil, err
	}
	if c.state.isStarted() {
		s.state.transition(StateCreated, StateStarted)
	}
	c.sessions[s.id] = s
	return s, nil
}

// Close closes every session, releasing their unacknowledged deliveries.
// Closing a closed connection is a no-op.
func (c *Connection) Close() error {
	if !c.state.transitionFrom(StateClosed, StateCreated, StateStarted) {
		return nil
	}

	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	var err error
	for _, s := range sessions {
		err = multierr.Append(err, s.Close())
	}
	c.logger.Info("connection closed")
	return err
}

func (c *Connection) removeSession(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

func (c *Connection) execute(op string, fn func() error) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStaleBinding) || errors.Is(err, ErrUnknownDelivery) {
		return err
	}
	return transportErr(op, err)
}

func (c *Connection) send(ctx context.Context, env *message.Envelope) error {
	sctx, cancel := c.opts.Clock.WithTimeout(ctx, c.opts.SendTimeout)
	defer cancel()

	return c.execute("send", func() error {
		return c.transport.Send(sctx, env)
	})
}

func (c *Connection) fetch(ctx context.Context, owner string, dest message.Destination) ([]*message.Envelope, Binding, error) {
	var (
		envs []*message.Envelope
		b    Binding
	)
	err := c.execute("fetch", func() error {
		var err error
		envs, b, err = c.transport.Fetch(ctx, owner, dest, c.opts.Prefetch)
		return err
	})
	return envs, b, err
}

func (c *Connection) acknowledge(ctx context.Context, owner string, b Binding, ids []string) error {
	actx, cancel := c.opts.Clock.WithTimeout(ctx, c.opts.AckTimeout)
	defer cancel()

	return c.execute("acknowledge", func() error {
		return c.transport.Acknowledge(actx, owner, b, ids)
	})
}

func (c *Connection) release(ctx context.Context, owner string, b Binding, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	rctx, cancel := c.opts.Clock.WithTimeout(ctx, c.opts.AckTimeout)
	defer cancel()

	err := c.execute("release", func() error {
		return c.transport.Release(rctx, owner, b, ids)
	})
	if err == nil {
		c.metrics.recordReleased(ctx, len(ids))
	}
	return err
}
