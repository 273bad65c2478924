// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ha simulates a live/backup broker group in process. The first node
// is live and replicates every enqueue and acknowledgement synchronously to
// the backups. Killing the live node promotes the next alive backup and moves
// the group to a new binding epoch.
package ha

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"

	"github.com/absmach/failover/client"
	"github.com/absmach/failover/message"
	"github.com/absmach/failover/storage"
	"github.com/absmach/failover/storage/memory"
)

// Member describes one node of the group.
type Member struct {
	Name    string
	Journal storage.Journal // nil = in-memory journal
}

// Config holds the group configuration.
type Config struct {
	Members             []Member
	DeliveryReplication DeliveryReplication
	Logger              *slog.Logger
}

// NodeStatus is a snapshot of one node.
type NodeStatus struct {
	Name     string
	Alive    bool
	Live     bool
	Promoted bool
}

// Group is a live/backup broker group. It implements client.Transport and is
// safe for concurrent use.
type Group struct {
	mu     sync.Mutex
	nodes  []*node
	live   int // index of the live node, -1 when none is left
	epoch  uint64
	policy DeliveryReplication
	notify chan struct{}
	closed bool
	logger *slog.Logger
}

var _ client.Transport = (*Group)(nil)

// New creates a group from cfg. Each node rebuilds its queues from its journal.
func New(cfg Config) (*Group, error) {
	if len(cfg.Members) == 0 {
		return nil, ErrNoNodes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &Group{
		policy: normalizeDeliveryReplication(cfg.DeliveryReplication),
		notify: make(chan struct{}),
		logger: logger,
	}

	seen := make(map[string]bool, len(cfg.Members))
	for i, m := range cfg.Members {
		if m.Name == "" || seen[m.Name] {
			err := fmt.Errorf("%w: %q", ErrDuplicateNode, m.Name)
			return nil, g.abort(err, cfg.Members[i:])
		}
		seen[m.Name] = true

		j := m.Journal
		if j == nil {
			j = memory.New()
		}
		n, err := newNode(m.Name, j)
		if err != nil {
			if m.Journal == nil {
				err = multierr.Append(err, j.Close())
			}
			return nil, g.abort(err, cfg.Members[i:])
		}
		g.nodes = append(g.nodes, n)
	}

	logger.Info("broker group started",
		slog.String("live", g.nodes[0].name),
		slog.Int("backups", len(g.nodes)-1),
		slog.String("delivery_replication", string(g.policy)))
	return g, nil
}

// wake releases fetchers waiting for new records or a binding change. The
// caller holds g.mu.
func (g *Group) wake() {
	close(g.notify)
	g.notify = make(chan struct{})
}

// liveNode returns the live node. The caller holds g.mu.
func (g *Group) liveNode() (*node, error) {
	if g.closed {
		return nil, ErrGroupClosed
	}
	if g.live < 0 {
		return nil, ErrNoLiveNode
	}
	return g.nodes[g.live], nil
}

// binding returns the current binding. The caller holds g.mu.
func (g *Group) binding() client.Binding {
	b := client.Binding{Epoch: g.epoch}
	if g.live >= 0 {
		b.Node = g.nodes[g.live].name
	}
	return b
}

// backups returns the alive nodes other than the live one. The caller holds
// g.mu.
func (g *Group) backups() []*node {
	var out []*node
	for i, n := range g.nodes {
		if i != g.live && n.alive {
			out = append(out, n)
		}
	}
	return out
}

// Connect returns the binding of the live node.
func (g *Group) Connect(ctx context.Context) (client.Binding, error) {
	if err := ctx.Err(); err != nil {
		return client.Binding{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.liveNode(); err != nil {
		return client.Binding{}, err
	}
	return g.binding(), nil
}

// Binding returns the current binding. With no live node left the binding
// carries an empty node name.
func (g *Group) Binding() client.Binding {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.binding()
}

// Send enqueues env on the live node and every alive backup.
func (g *Group) Send(ctx context.Context, env *message.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if env.Destination().IsZero() {
		return ErrInvalidQueue
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	live, err := g.liveNode()
	if err != nil {
		return err
	}

	rec := &storage.Record{
		ID:            env.ID(),
		Queue:         env.Destination().Name(),
		Sequence:      live.nextSeq(),
		Body:          env.Body(),
		Properties:    env.Properties(),
		Timestamp:     env.Timestamp(),
		DeliveryCount: env.RedeliveryCount(),
	}
	if err := live.enqueue(rec); err != nil {
		return err
	}
	for _, b := range g.backups() {
		if err := b.enqueue(rec.Copy()); err != nil {
			g.logger.Error("replication of enqueue failed",
				slog.String("node", b.name),
				slog.String("envelope", rec.ID),
				slog.String("error", err.Error()))
		}
	}
	g.wake()
	return nil
}

// Fetch waits until dest has ready records on the live node, then delivers up
// to max of them to owner. Records available when ctx is already done are
// still delivered. A failover while waiting rebinds the fetch to the new live
// node.
func (g *Group) Fetch(ctx context.Context, owner string, dest message.Destination, max int) ([]*message.Envelope, client.Binding, error) {
	if dest.IsZero() {
		return nil, client.Binding{}, ErrInvalidQueue
	}
	for {
		g.mu.Lock()
		envs, b, err := g.fetchLocked(owner, dest, max)
		if err != nil || len(envs) > 0 {
			g.mu.Unlock()
			return envs, b, err
		}
		wait := g.notify
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, client.Binding{}, ctx.Err()
		case <-wait:
		}
	}
}

func (g *Group) fetchLocked(owner string, dest message.Destination, max int) ([]*message.Envelope, client.Binding, error) {
	live, err := g.liveNode()
	if err != nil {
		return nil, client.Binding{}, err
	}

	recs, err := live.take(owner, dest.Name(), max)
	if len(recs) == 0 {
		return nil, client.Binding{}, err
	}
	if err != nil {
		g.logger.Warn("partial delivery", slog.String("node", live.name), slog.String("error", err.Error()))
	}

	replicate := g.policy.replicates(live.promoted)
	envs := make([]*message.Envelope, len(recs))
	for i, rec := range recs {
		envs[i] = message.Restore(rec.ID, dest, rec.Body, rec.DeliveryCount, rec.Timestamp, rec.Properties)
		if !replicate {
			continue
		}
		for _, b := range g.backups() {
			if err := b.setDeliveryCount(rec.ID, rec.DeliveryCount+1); err != nil {
				g.logger.Error("replication of delivery failed",
					slog.String("node", b.name),
					slog.String("envelope", rec.ID),
					slog.String("error", err.Error()))
			}
		}
	}
	return envs, g.binding(), nil
}

// Acknowledge removes records delivered to owner under b from the live node
// and every alive backup.
func (g *Group) Acknowledge(ctx context.Context, owner string, b client.Binding, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	live, err := g.liveNode()
	if err != nil {
		return err
	}
	if b != g.binding() {
		return fmt.Errorf("%w: %s, current %s", client.ErrStaleBinding, b, g.binding())
	}
	if err := live.acknowledge(owner, ids); err != nil {
		return err
	}
	for _, n := range g.backups() {
		if err := n.remove(ids); err != nil {
			g.logger.Error("replication of acknowledgement failed",
				slog.String("node", n.name),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// Release returns records delivered to owner under b to their queues.
func (g *Group) Release(ctx context.Context, owner string, b client.Binding, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	live, err := g.liveNode()
	if err != nil {
		return err
	}
	if b != g.binding() {
		return fmt.Errorf("%w: %s, current %s", client.ErrStaleBinding, b, g.binding())
	}
	if err := live.release(owner, ids); err != nil {
		return err
	}
	g.wake()
	return nil
}

// Kill stops the live node, promotes the next alive backup and returns the new
// binding. Records in flight on the killed node are lost to their consumers;
// the promoted node still holds them as ready.
func (g *Group) Kill() (client.Binding, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	old, err := g.liveNode()
	if err != nil {
		return client.Binding{}, err
	}
	old.alive = false
	g.epoch++
	g.live = -1
	for i := range g.nodes {
		if n := g.nodes[i]; n.alive {
			n.promote()
			g.live = i
			break
		}
	}
	g.wake()

	b := g.binding()
	if g.live < 0 {
		g.logger.Error("live node killed, no backup left", slog.String("node", old.name))
		return b, ErrNoLiveNode
	}
	g.logger.Warn("live node killed, backup promoted",
		slog.String("killed", old.name),
		slog.String("live", b.Node),
		slog.Uint64("epoch", b.Epoch))
	return b, nil
}

// Depth returns the ready and in-flight record counts of queue on the live
// node.
func (g *Group) Depth(queue string) (ready, inflight int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	live, err := g.liveNode()
	if err != nil {
		return 0, 0, err
	}
	ready, inflight = live.depth(queue)
	return ready, inflight, nil
}

// Status returns a snapshot of every node.
func (g *Group) Status() []NodeStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]NodeStatus, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = NodeStatus{
			Name:     n.name,
			Alive:    n.alive,
			Live:     i == g.live,
			Promoted: n.promoted,
		}
	}
	return out
}

// Close closes every node journal. Closing a closed group is a no-op.
func (g *Group) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true
	g.wake()
	return g.closeJournals()
}

// abort closes the journals of the nodes built so far and of the members
// that never became nodes.
func (g *Group) abort(err error, rest []Member) error {
	err = multierr.Append(err, g.closeJournals())
	for _, m := range rest {
		if m.Journal != nil {
			err = multierr.Append(err, m.Journal.Close())
		}
	}
	return err
}

func (g *Group) closeJournals() error {
	var err error
	for _, n := range g.nodes {
		err = multierr.Append(err, n.journal.Close())
	}
	return err
}
