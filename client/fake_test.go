// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"sync"

	"github.com/absmach/failover/message"
)

var errBrokerDown = errors.New("broker down")

type inflight struct {
	owner   string
	env     *message.Envelope
	binding Binding
}

// fakeTransport is a single-queue-per-destination broker whose binding can be
// bumped to simulate a failover. Deliveries in flight at failover are returned
// to their queue with an unchanged redelivery count.
type fakeTransport struct {
	mu         sync.Mutex
	binding    Binding
	queues     map[string][]*message.Envelope
	inflight   map[string]inflight
	acked      []string
	released   []string
	sendErr    error
	rejectAcks error
	notify     chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		binding:  Binding{Node: "live", Epoch: 0},
		queues:   make(map[string][]*message.Envelope),
		inflight: make(map[string]inflight),
		notify:   make(chan struct{}),
	}
}

func (f *fakeTransport) wake() {
	close(f.notify)
	f.notify = make(chan struct{})
}

func (f *fakeTransport) failover(node string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.binding = Binding{Node: node, Epoch: f.binding.Epoch + 1}
	back := make(map[string][]*message.Envelope)
	for id, in := range f.inflight {
		back[in.env.Destination().Name()] = append(back[in.env.Destination().Name()], in.env)
		delete(f.inflight, id)
	}
	for q, envs := range back {
		f.queues[q] = append(sortByBody(envs), f.queues[q]...)
	}
	f.wake()
}

func sortByBody(envs []*message.Envelope) []*message.Envelope {
	for i := 1; i < len(envs); i++ {
		for j := i; j > 0 && envs[j].Text() < envs[j-1].Text(); j-- {
			envs[j], envs[j-1] = envs[j-1], envs[j]
		}
	}
	return envs
}

func (f *fakeTransport) Connect(ctx context.Context) (Binding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return Binding{}, f.sendErr
	}
	return f.binding, nil
}

func (f *fakeTransport) Binding() Binding {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.binding
}

func (f *fakeTransport) Send(ctx context.Context, env *message.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	q := env.Destination().Name()
	f.queues[q] = append(f.queues[q], env)
	f.wake()
	return nil
}

func (f *fakeTransport) Fetch(ctx context.Context, owner string, dest message.Destination, max int) ([]*message.Envelope, Binding, error) {
	for {
		f.mu.Lock()
		q := f.queues[dest.Name()]
		if len(q) > 0 {
			n := min(max, len(q))
			out := q[:n:n]
			f.queues[dest.Name()] = q[n:]
			for _, env := range out {
				f.inflight[env.ID()] = inflight{owner: owner, env: env, binding: f.binding}
			}
			b := f.binding
			f.mu.Unlock()
			return out, b, nil
		}
		wait := f.notify
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, Binding{}, ctx.Err()
		case <-wait:
		}
	}
}

func (f *fakeTransport) Acknowledge(ctx context.Context, owner string, b Binding, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectAcks != nil {
		return f.rejectAcks
	}
	if b != f.binding {
		return ErrStaleBinding
	}
	for _, id := range ids {
		in, ok := f.inflight[id]
		if !ok || in.owner != owner || in.binding != b {
			return ErrUnknownDelivery
		}
	}
	for _, id := range ids {
		delete(f.inflight, id)
		f.acked = append(f.acked, id)
	}
	return nil
}

func (f *fakeTransport) Release(ctx context.Context, owner string, b Binding, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b != f.binding {
		return ErrStaleBinding
	}
	for _, id := range ids {
		if in, ok := f.inflight[id]; !ok || in.owner != owner {
			return ErrUnknownDelivery
		}
	}
	back := make(map[string][]*message.Envelope)
	for _, id := range ids {
		in := f.inflight[id]
		delete(f.inflight, id)
		env := in.env.WithRedeliveryCount(in.env.RedeliveryCount() + 1)
		back[env.Destination().Name()] = append(back[env.Destination().Name()], env)
		f.released = append(f.released, id)
	}
	for q, envs := range back {
		f.queues[q] = append(envs, f.queues[q]...)
	}
	f.wake()
	return nil
}

func (f *fakeTransport) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

func (f *fakeTransport) releasedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) setRejectAcks(err error) {
	f.mu.Lock()
	f.rejectAcks = err
	f.mu.Unlock()
}
