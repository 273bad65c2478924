// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/absmach/failover/message"
)

// AckMode is the acknowledgement mode of a session.
type AckMode int

// Acknowledgement modes.
const (
	// AutoAcknowledge acknowledges every envelope as it is received.
	AutoAcknowledge AckMode = iota + 1
	// ClientAcknowledge leaves acknowledgement to the application. Acknowledging
	// an envelope commits it and every envelope received before it.
	ClientAcknowledge
	// Transacted groups sends and receives into transactions.
	Transacted
)

func (m AckMode) String() string {
	switch m {
	case AutoAcknowledge:
		return "auto"
	case ClientAcknowledge:
		return "client"
	case Transacted:
		return "transacted"
	default:
		return "unknown"
	}
}

func (m AckMode) valid() bool {
	return m >= AutoAcknowledge && m <= Transacted
}

// ParseAckMode parses "auto", "client" or "transacted".
func ParseAckMode(s string) (AckMode, error) {
	switch s {
	case "auto":
		return AutoAcknowledge, nil
	case "client":
		return ClientAcknowledge, nil
	case "transacted":
		return Transacted, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidAckMode, s)
	}
}

// AckReceipt describes a successful acknowledgement.
type AckReceipt struct {
	Committed []string // envelope IDs committed, in delivery order
	Binding   Binding  // binding the acknowledgement was committed under
}

// Session is a single-threaded context for producing and consuming envelopes.
// A session must be used by one goroutine at a time; only Close may be called
// concurrently with other methods.
type Session struct {
	id     string
	conn   *Connection
	mode   AckMode
	state  *stateManager
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	tracker   *tracker
	consumers map[string]*Consumer
	producers map[string]*Producer
	txSends   []*message.Envelope
}

func newSession(c *Connection, mode AckMode) (*Session, error) {
	t, err := newTracker(c.opts.AckHistory)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        id,
		conn:      c,
		mode:      mode,
		state:     newStateManager(),
		logger:    c.logger.With(slog.String("session", id), slog.String("mode", mode.String())),
		ctx:       ctx,
		cancel:    cancel,
		tracker:   t,
		consumers: make(map[string]*Consumer),
		producers: make(map[string]*Producer),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Mode returns the acknowledgement mode.
func (s *Session) Mode() AckMode {
	return s.mode
}

// State returns the lifecycle state.
func (s *Session) State() State {
	return s.state.get()
}

// Pending returns the number of received, unacknowledged envelopes.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.len()
}

// Start enables delivery. Starting a started session is a no-op.
func (s *Session) Start() error {
	if s.state.isClosed() {
		return ErrSessionClosed
	}
	s.state.transition(StateCreated, StateStarted)
	return nil
}

// CreateProducer creates a producer for dest.
func (s *Session) CreateProducer(dest message.Destination) (*Producer, error) {
	if s.state.isClosed() {
		return nil, ErrSessionClosed
	}
	if dest.IsZero() {
		return nil, ErrInvalidDestination
	}
	p := newProducer(s, dest)

	s.mu.Lock()
	s.producers[p.id] = p
	s.mu.Unlock()
	return p, nil
}

// CreateConsumer creates a consumer for dest.
func (s *Session) CreateConsumer(dest message.Destination) (*Consumer, error) {
	if s.state.isClosed() {
		return nil, ErrSessionClosed
	}
	if dest.IsZero() {
		return nil, ErrInvalidDestination
	}
	c := newConsumer(s, dest)

	s.mu.Lock()
	s.consumers[c.id] = c
	s.mu.Unlock()
	return c, nil
}

// Send sends body to dest and returns the envelope ID. In a transacted
// session the envelope is buffered until Commit.
func (s *Session) Send(ctx context.Context, dest message.Destination, body []byte) (string, error) {
	if dest.IsZero() {
		return "", ErrInvalidDestination
	}
	env := message.New(dest, body)
	if err := s.send(ctx, env); err != nil {
		return "", err
	}
	return env.ID(), nil
}

func (s *Session) send(ctx context.Context, env *message.Envelope) error {
	if s.state.isClosed() {
		return ErrSessionClosed
	}

	ctx, span := s.conn.tracer.Start(ctx, "session.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", env.Destination().Name()),
			attribute.String("messaging.message_id", env.ID()),
		))
	defer span.End()

	if s.mode == Transacted {
		s.mu.Lock()
		s.txSends = append(s.txSends, env)
		s.mu.Unlock()
		return nil
	}

	if err := s.conn.send(ctx, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	s.conn.metrics.recordSent(ctx, env.Destination().Name())
	return nil
}

// Acknowledge commits the envelope with the given ID and every envelope the
// session received before it. It is valid only in ClientAcknowledge mode.
//
// If the authoritative broker changed since any of those envelopes was
// delivered, nothing is committed and an *AckFailure is returned. Pending
// deliveries from the old broker are discarded; the new broker delivers them
// again.
func (s *Session) Acknowledge(ctx context.Context, id string) (AckReceipt, error) {
	if s.state.isClosed() {
		return AckReceipt{}, ErrSessionClosed
	}
	if s.mode != ClientAcknowledge {
		return AckReceipt{}, ErrInvalidAckMode
	}

	ctx, span := s.conn.tracer.Start(ctx, "session.acknowledge",
		trace.WithAttributes(attribute.String("messaging.message_id", id)))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		receipt AckReceipt
		err     error
	)
	if i := s.tracker.index(id); i >= 0 {
		receipt, err = s.ackPrefix(ctx, i+1, id)
	} else {
		receipt, err = s.ackDelivered(ctx, id)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return AckReceipt{}, err
	}
	span.SetAttributes(attribute.Int("messaging.batch.message_count", len(receipt.Committed)))
	return receipt, nil
}

// ackDelivered handles an ID that is no longer pending.
func (s *Session) ackDelivered(ctx context.Context, id string) (AckReceipt, error) {
	current := s.conn.Binding()
	b, ok := s.tracker.lastDelivered(id)
	if !ok {
		return AckReceipt{}, fmt.Errorf("%w: %s", ErrUnknownEnvelope, id)
	}
	if b != current {
		return AckReceipt{}, s.fail(ctx, id, b, ErrStaleBinding, 0)
	}
	return AckReceipt{Binding: current}, nil
}

// ackPrefix commits the first n pending deliveries. The caller holds s.mu.
func (s *Session) ackPrefix(ctx context.Context, n int, id string) (AckReceipt, error) {
	current := s.conn.Binding()
	if d, ok := s.tracker.firstStale(n, current); ok {
		return AckReceipt{}, s.fail(ctx, id, d.binding, ErrStaleBinding, 0)
	}

	committed := deliveryIDs(s.tracker.prefix(n))
	err := s.conn.acknowledge(ctx, s.id, current, committed)
	switch {
	case errors.Is(err, ErrStaleBinding), errors.Is(err, ErrUnknownDelivery):
		return AckReceipt{}, s.fail(ctx, id, current, err, n)
	case err != nil:
		return AckReceipt{}, err
	}

	s.tracker.dropFirst(n)
	s.conn.metrics.recordAcknowledged(ctx, s.mode, n)
	s.logger.Debug("acknowledged",
		slog.String("envelope", id),
		slog.Int("count", n),
		slog.String("binding", current.String()))
	return AckReceipt{Committed: committed, Binding: current}, nil
}

// fail discards stale pending deliveries and builds the failure. When the
// broker rejected deliveries that still look current, the first n pending
// deliveries are returned to the broker instead. The caller holds s.mu.
func (s *Session) fail(ctx context.Context, id string, delivered Binding, cause error, n int) *AckFailure {
	current := s.conn.Binding()
	discarded := s.tracker.discardStale(current)
	if discarded == 0 && n > 0 {
		rejected := deliveryIDs(s.tracker.prefix(n))
		s.tracker.dropFirst(n)
		discarded = n
		s.releaseRejected(ctx, current, rejected)
	}

	f := &AckFailure{
		EnvelopeID: id,
		Delivered:  delivered,
		Current:    current,
		Discarded:  discarded,
		Cause:      cause,
	}
	s.conn.metrics.recordAckFailure(ctx, s.mode)
	s.logger.Warn("acknowledgement failed",
		slog.String("envelope", id),
		slog.String("delivered", delivered.String()),
		slog.String("current", current.String()),
		slog.Int("discarded", discarded),
		slog.String("error", cause.Error()))
	if fn := s.conn.opts.OnAckFailure; fn != nil {
		fn(f)
	}
	return f
}

// releaseRejected returns deliveries the broker refused to acknowledge so
// they can be received again. Release is all-or-nothing, so when the broker
// no longer holds some of them the rest are released one by one. The caller
// holds s.mu.
func (s *Session) releaseRejected(ctx context.Context, b Binding, ids []string) {
	err := s.conn.release(ctx, s.id, b, ids)
	if errors.Is(err, ErrUnknownDelivery) {
		err = nil
		for _, id := range ids {
			if rerr := s.conn.release(ctx, s.id, b, []string{id}); rerr != nil && !errors.Is(rerr, ErrUnknownDelivery) {
				err = multierr.Append(err, rerr)
			}
		}
	}
	if err != nil {
		s.logger.Warn("failed to release rejected deliveries",
			slog.Int("count", len(ids)),
			slog.String("error", err.Error()))
	}
}

// Commit acknowledges every envelope received in the transaction, then sends
// the envelopes buffered in it. If the acknowledgement fails the buffered
// sends are discarded and the error matches ErrTransactionRolledBack.
func (s *Session) Commit(ctx context.Context) (AckReceipt, error) {
	if s.state.isClosed() {
		return AckReceipt{}, ErrSessionClosed
	}
	if s.mode != Transacted {
		return AckReceipt{}, ErrInvalidAckMode
	}

	ctx, span := s.conn.tracer.Start(ctx, "session.commit")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	sends := s.txSends
	s.txSends = nil

	receipt := AckReceipt{Binding: s.conn.Binding()}
	if n := s.tracker.len(); n > 0 {
		last := s.tracker.prefix(n)[n-1].env.ID()
		r, err := s.ackPrefix(ctx, n, last)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Warn("transaction rolled back",
				slog.Int("dropped_sends", len(sends)),
				slog.String("error", err.Error()))
			return AckReceipt{}, fmt.Errorf("%w: %w", ErrTransactionRolledBack, err)
		}
		receipt = r
	}

	for i, env := range sends {
		if err := s.conn.send(ctx, env); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return receipt, fmt.Errorf("commit: %d of %d sends not delivered: %w", len(sends)-i, len(sends), err)
		}
		s.conn.metrics.recordSent(ctx, env.Destination().Name())
	}
	return receipt, nil
}

// Rollback discards buffered sends and returns received envelopes to the
// broker for redelivery.
func (s *Session) Rollback(ctx context.Context) error {
	if s.state.isClosed() {
		return ErrSessionClosed
	}
	if s.mode != Transacted {
		return ErrInvalidAckMode
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.txSends = nil
	return s.releasePending(ctx)
}

// Recover returns every unacknowledged and prefetched envelope to the broker
// for redelivery. It is valid only in ClientAcknowledge mode.
func (s *Session) Recover(ctx context.Context) error {
	if s.state.isClosed() {
		return ErrSessionClosed
	}
	if s.mode != ClientAcknowledge {
		return ErrInvalidAckMode
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.conn.Binding()
	ids := s.takePending(current)
	for _, c := range s.consumers {
		ids = append(ids, c.takeBuffer(current)...)
	}
	return s.conn.release(ctx, s.id, current, ids)
}

// releasePending returns pending deliveries of the current binding to the
// broker and drops the rest. The caller holds s.mu.
func (s *Session) releasePending(ctx context.Context) error {
	current := s.conn.Binding()
	return s.conn.release(ctx, s.id, current, s.takePending(current))
}

// takePending drains the tracker and returns the IDs delivered under current.
// The caller holds s.mu.
func (s *Session) takePending(current Binding) []string {
	var ids []string
	for _, d := range s.tracker.drain() {
		if d.binding == current {
			ids = append(ids, d.env.ID())
		}
	}
	return ids
}

// deliver hands a buffered delivery to the application. The caller holds s.mu.
func (s *Session) deliver(ctx context.Context, d delivery) *message.Envelope {
	env := d.env
	s.conn.metrics.recordReceived(ctx, env.Destination().Name(), env.Redelivered())

	if s.mode != AutoAcknowledge {
		s.tracker.add(env, d.binding)
		return env
	}

	if err := s.conn.acknowledge(ctx, s.id, d.binding, []string{env.ID()}); err != nil {
		s.conn.metrics.recordAckFailure(ctx, s.mode)
		s.logger.Warn("automatic acknowledgement failed",
			slog.String("envelope", env.ID()),
			slog.String("binding", d.binding.String()),
			slog.String("error", err.Error()))
		return env
	}
	s.conn.metrics.recordAcknowledged(ctx, s.mode, 1)
	return env
}

// Close closes the session's producers and consumers and returns
// unacknowledged deliveries to the broker. Closing a closed session is a
// no-op.
func (s *Session) Close() error {
	if !s.state.transitionFrom(StateClosed, StateCreated, StateStarted) {
		return nil
	}
	s.cancel()

	ctx := context.Background()

	s.mu.Lock()
	s.txSends = nil
	current := s.conn.Binding()
	ids := s.takePending(current)
	for id, c := range s.consumers {
		c.markClosed()
		ids = append(ids, c.takeBuffer(current)...)
		delete(s.consumers, id)
	}
	err := s.conn.release(ctx, s.id, current, ids)
	for id, p := range s.producers {
		p.closeLocked()
		delete(s.producers, id)
	}
	s.mu.Unlock()

	s.conn.removeSession(s.id)
	if err != nil {
		s.logger.Warn("session closed with errors", slog.String("error", err.Error()))
		return err
	}
	s.logger.Debug("session closed")
	return nil
}
