// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/absmach/failover/message"
)

// delivery is an envelope handed to the session together with the binding of
// the broker that delivered it.
type delivery struct {
	env     *message.Envelope
	binding Binding
}

// tracker holds the pending deliveries of a session in delivery order. It is
// not safe for concurrent use; the session serializes access.
type tracker struct {
	pending []delivery
	history *lru.Cache[string, Binding]
}

func newTracker(historySize int) (*tracker, error) {
	h, err := lru.New[string, Binding](historySize)
	if err != nil {
		return nil, fmt.Errorf("failed to create ack history: %w", err)
	}
	return &tracker{history: h}, nil
}

// add appends a delivery and records it in the history.
func (t *tracker) add(env *message.Envelope, b Binding) {
	t.pending = append(t.pending, delivery{env: env, binding: b})
	t.history.Add(env.ID(), b)
}

func (t *tracker) len() int {
	return len(t.pending)
}

// index returns the position of id among pending deliveries, or -1.
func (t *tracker) index(id string) int {
	for i, d := range t.pending {
		if d.env.ID() == id {
			return i
		}
	}
	return -1
}

// prefix returns the first n pending deliveries.
func (t *tracker) prefix(n int) []delivery {
	return t.pending[:n]
}

// firstStale returns the first of the first n deliveries not bound to current.
func (t *tracker) firstStale(n int, current Binding) (delivery, bool) {
	for _, d := range t.pending[:n] {
		if d.binding != current {
			return d, true
		}
	}
	return delivery{}, false
}

// dropFirst removes the first n pending deliveries.
func (t *tracker) dropFirst(n int) {
	rest := make([]delivery, len(t.pending)-n)
	copy(rest, t.pending[n:])
	t.pending = rest
}

// discardStale drops every pending delivery not bound to current and returns
// how many were dropped.
func (t *tracker) discardStale(current Binding) int {
	kept := t.pending[:0]
	for _, d := range t.pending {
		if d.binding == current {
			kept = append(kept, d)
		}
	}
	n := len(t.pending) - len(kept)
	clear(t.pending[len(kept):])
	t.pending = kept
	return n
}

// lastDelivered returns the binding id was last delivered under.
func (t *tracker) lastDelivered(id string) (Binding, bool) {
	return t.history.Peek(id)
}

// drain removes and returns all pending deliveries.
func (t *tracker) drain() []delivery {
	out := t.pending
	t.pending = nil
	return out
}

func deliveryIDs(ds []delivery) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.env.ID()
	}
	return out
}
