// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/absmach/failover/message"
)

// Producer sends envelopes to a queue, optionally rate limited by
// Options.SendRate.
type Producer struct {
	id      string
	session *Session
	dest    message.Destination
	limiter *rate.Limiter
	state   *stateManager
}

func newProducer(s *Session, dest message.Destination) *Producer {
	p := &Producer{
		id:      uuid.NewString(),
		session: s,
		dest:    dest,
		state:   newStateManager(),
	}
	if r := s.conn.opts.SendRate; r > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(r), s.conn.opts.SendBurst)
	}
	return p
}

// Destination returns the queue the producer sends to.
func (p *Producer) Destination() message.Destination {
	return p.dest
}

// Send sends body and returns the envelope ID.
func (p *Producer) Send(ctx context.Context, body []byte) (string, error) {
	return p.SendWithProperties(ctx, body, nil)
}

// SendWithProperties sends body with application properties.
func (p *Producer) SendWithProperties(ctx context.Context, body []byte, props map[string]string) (string, error) {
	if p.state.isClosed() {
		return "", ErrProducerClosed
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	env := message.NewWithProperties(p.dest, body, props)
	if err := p.session.send(ctx, env); err != nil {
		return "", err
	}
	return env.ID(), nil
}

// Close closes the producer. Closing a closed producer is a no-op.
func (p *Producer) Close() error {
	s := p.session
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.producers, p.id)
	p.closeLocked()
	return nil
}

func (p *Producer) closeLocked() {
	p.state.transitionFrom(StateClosed, StateCreated, StateStarted)
}
