// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"

	"github.com/absmach/failover/message"
)

// Binding identifies the broker instance that is authoritative for a
// connection. Epoch increases every time the failover coordinator rebinds the
// connection to another broker.
type Binding struct {
	Node  string
	Epoch uint64
}

func (b Binding) String() string {
	return fmt.Sprintf("%s#%d", b.Node, b.Epoch)
}

// Transport is the client's view of the broker side: the authoritative broker
// plus whatever failover coordination rebinds it. Implementations must be safe
// for concurrent use.
//
// Acknowledge and Release must fail with ErrStaleBinding when b is not the
// current binding, and Acknowledge must fail with ErrUnknownDelivery when any
// id is not in flight to owner. Both are all-or-nothing.
type Transport interface {
	// Connect verifies that an authoritative broker is reachable.
	Connect(ctx context.Context) (Binding, error)

	// Binding returns the current authoritative binding.
	Binding() Binding

	// Send enqueues an envelope on the authoritative broker.
	Send(ctx context.Context, env *message.Envelope) error

	// Fetch blocks until at least one envelope is available on dest or ctx is
	// done, then delivers up to max envelopes to owner. It returns the binding
	// the envelopes were delivered under.
	Fetch(ctx context.Context, owner string, dest message.Destination, max int) ([]*message.Envelope, Binding, error)

	// Acknowledge commits envelopes delivered to owner under b.
	Acknowledge(ctx context.Context, owner string, b Binding, ids []string) error

	// Release returns envelopes delivered to owner under b to their queues for
	// redelivery.
	Release(ctx context.Context, owner string, b Binding, ids []string) error
}
