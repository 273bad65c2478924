// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/failover/message"
)

// Consumer receives envelopes from a queue. Envelopes are fetched in batches of
// up to Options.Prefetch and buffered until received.
type Consumer struct {
	id      string
	session *Session
	dest    message.Destination
	state   *stateManager

	ctx    context.Context
	cancel context.CancelFunc

	// guarded by session.mu
	buffer []delivery
}

func newConsumer(s *Session, dest message.Destination) *Consumer {
	ctx, cancel := context.WithCancel(s.ctx)
	return &Consumer{
		id:      uuid.NewString(),
		session: s,
		dest:    dest,
		state:   newStateManager(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Destination returns the queue the consumer receives from.
func (c *Consumer) Destination() message.Destination {
	return c.dest
}

// Receive returns the next envelope, waiting up to timeout for one to arrive.
// It returns nil and no error when the timeout expires. A timeout of zero or
// less polls without waiting.
func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (*message.Envelope, error) {
	s := c.session
	if err := c.check(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	env := c.next(ctx)
	s.mu.Unlock()
	if env != nil {
		return env, nil
	}

	var (
		fctx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		fctx, cancel = s.conn.opts.Clock.WithTimeout(ctx, timeout)
	} else {
		fctx, cancel = context.WithCancel(ctx)
		cancel()
	}
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	envs, b, err := s.conn.fetch(fctx, s.id, c.dest)
	if err != nil {
		if cerr := c.check(); cerr != nil {
			return nil, cerr
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if fctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
	return c.accept(ctx, envs, b)
}

// ReceiveNoWait returns the next envelope if one is immediately available.
func (c *Consumer) ReceiveNoWait(ctx context.Context) (*message.Envelope, error) {
	return c.Receive(ctx, 0)
}

func (c *Consumer) check() error {
	switch {
	case c.state.isClosed():
		return ErrConsumerClosed
	case c.session.state.isClosed():
		return ErrSessionClosed
	case !c.session.state.isStarted():
		return ErrNotStarted
	}
	return nil
}

func (c *Consumer) accept(ctx context.Context, envs []*message.Envelope, b Binding) (*message.Envelope, error) {
	s := c.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.check(); err != nil {
		ids := make([]string, len(envs))
		for i, env := range envs {
			ids[i] = env.ID()
		}
		if rerr := s.conn.release(context.Background(), s.id, b, ids); rerr != nil {
			s.logger.Warn("failed to release fetched envelopes",
				slog.Int("count", len(ids)),
				slog.String("error", rerr.Error()))
		}
		return nil, err
	}

	for _, env := range envs {
		c.buffer = append(c.buffer, delivery{env: env, binding: b})
	}
	return c.next(ctx), nil
}

// next delivers the first buffered envelope of the current binding. Buffered
// envelopes from a previous binding are dropped; the new broker delivers them
// again. The caller holds session.mu.
func (c *Consumer) next(ctx context.Context) *message.Envelope {
	current := c.session.conn.Binding()
	kept := c.buffer[:0]
	for _, d := range c.buffer {
		if d.binding == current {
			kept = append(kept, d)
		}
	}
	if dropped := len(c.buffer) - len(kept); dropped > 0 {
		clear(c.buffer[len(kept):])
		c.session.logger.Debug("dropped prefetched envelopes from previous binding",
			slog.Int("count", dropped),
			slog.String("binding", current.String()))
	}
	c.buffer = kept

	if len(c.buffer) == 0 {
		return nil
	}
	d := c.buffer[0]
	c.buffer[0] = delivery{}
	c.buffer = c.buffer[1:]
	return c.session.deliver(ctx, d)
}

// takeBuffer empties the buffer and returns the IDs delivered under current.
// The caller holds session.mu.
func (c *Consumer) takeBuffer(current Binding) []string {
	var ids []string
	for _, d := range c.buffer {
		if d.binding == current {
			ids = append(ids, d.env.ID())
		}
	}
	c.buffer = nil
	return ids
}

func (c *Consumer) markClosed() bool {
	if !c.state.transitionFrom(StateClosed, StateCreated, StateStarted) {
		return false
	}
	c.cancel()
	return true
}

// Close stops the consumer and returns its prefetched envelopes to the broker.
// Envelopes already received stay pending in the session.
func (c *Consumer) Close() error {
	if !c.markClosed() {
		return nil
	}
	s := c.session
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.consumers, c.id)
	current := s.conn.Binding()
	return s.conn.release(context.Background(), s.id, current, c.takeBuffer(current))
}
