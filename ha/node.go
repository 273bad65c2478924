// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ha

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/absmach/failover/client"
	"github.com/absmach/failover/storage"
)

// queueState is the in-memory view of one queue on a node.
type queueState struct {
	records  map[string]*storage.Record
	ready    []*storage.Record // ordered by sequence
	inflight map[string]string // record ID -> owner
}

func newQueueState() *queueState {
	return &queueState{
		records:  make(map[string]*storage.Record),
		inflight: make(map[string]string),
	}
}

func (q *queueState) push(rec *storage.Record) {
	i, _ := slices.BinarySearchFunc(q.ready, rec.Sequence, func(r *storage.Record, seq uint64) int {
		return cmp.Compare(r.Sequence, seq)
	})
	q.ready = slices.Insert(q.ready, i, rec)
}

// node is a single broker of the group. Its state is a cache of its journal.
// Nodes are not safe for concurrent use; the group serializes access.
type node struct {
	name     string
	journal  storage.Journal
	alive    bool
	promoted bool
	seq      uint64
	queues   map[string]*queueState
	index    map[string]string // record ID -> queue
}

func newNode(name string, j storage.Journal) (*node, error) {
	n := &node{
		name:    name,
		journal: j,
		alive:   true,
		queues:  make(map[string]*queueState),
		index:   make(map[string]string),
	}

	recs, err := j.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load journal of %s: %w", name, err)
	}
	for _, rec := range recs {
		n.track(rec)
	}
	return n, nil
}

func (n *node) queue(name string) *queueState {
	q, ok := n.queues[name]
	if !ok {
		q = newQueueState()
		n.queues[name] = q
	}
	return q
}

func (n *node) track(rec *storage.Record) {
	q := n.queue(rec.Queue)
	q.records[rec.ID] = rec
	q.push(rec)
	n.index[rec.ID] = rec.Queue
	n.seq = max(n.seq, rec.Sequence)
}

func (n *node) nextSeq() uint64 {
	return n.seq + 1
}

// enqueue journals and queues a record.
func (n *node) enqueue(rec *storage.Record) error {
	if _, ok := n.index[rec.ID]; ok {
		return nil
	}
	if err := n.journal.Append(rec); err != nil {
		return fmt.Errorf("%s: append %s: %w", n.name, rec.ID, err)
	}
	n.track(rec)
	return nil
}

// take delivers up to max ready records of queue to owner and bumps their
// delivery counts. The returned copies carry the count before this delivery.
func (n *node) take(owner, queue string, max int) ([]*storage.Record, error) {
	q, ok := n.queues[queue]
	if !ok || len(q.ready) == 0 {
		return nil, nil
	}

	count := min(max, len(q.ready))
	out := make([]*storage.Record, 0, count)
	for _, rec := range q.ready[:count] {
		if err := n.journal.SetDeliveryCount(rec.ID, rec.DeliveryCount+1); err != nil {
			// Records taken so far stay in flight.
			q.ready = q.ready[len(out):]
			return out, fmt.Errorf("%s: deliver %s: %w", n.name, rec.ID, err)
		}
		out = append(out, rec.Copy())
		rec.DeliveryCount++
		q.inflight[rec.ID] = owner
	}
	clear(q.ready[:count])
	q.ready = q.ready[count:]
	return out, nil
}

// inflightTo checks that every id is in flight to owner.
func (n *node) inflightTo(owner string, ids []string) error {
	for _, id := range ids {
		q, ok := n.queues[n.index[id]]
		if !ok || q.inflight[id] != owner {
			return fmt.Errorf("%w: %s on %s", client.ErrUnknownDelivery, id, n.name)
		}
	}
	return nil
}

// acknowledge removes records in flight to owner. It is all-or-nothing.
func (n *node) acknowledge(owner string, ids []string) error {
	if err := n.inflightTo(owner, ids); err != nil {
		return err
	}
	return n.remove(ids)
}

// remove drops records wherever they are, ignoring unknown IDs.
func (n *node) remove(ids []string) error {
	if err := n.journal.Delete(ids...); err != nil {
		return fmt.Errorf("%s: delete: %w", n.name, err)
	}
	for _, id := range ids {
		name, ok := n.index[id]
		if !ok {
			continue
		}
		q := n.queues[name]
		delete(n.index, id)
		delete(q.records, id)
		if _, ok := q.inflight[id]; ok {
			delete(q.inflight, id)
			continue
		}
		q.ready = slices.DeleteFunc(q.ready, func(r *storage.Record) bool { return r.ID == id })
	}
	return nil
}

// release returns records in flight to owner to their queues.
func (n *node) release(owner string, ids []string) error {
	if err := n.inflightTo(owner, ids); err != nil {
		return err
	}
	for _, id := range ids {
		q := n.queues[n.index[id]]
		delete(q.inflight, id)
		q.push(q.records[id])
	}
	return nil
}

// setDeliveryCount applies a replicated delivery count.
func (n *node) setDeliveryCount(id string, count int) error {
	name, ok := n.index[id]
	if !ok {
		return nil
	}
	if err := n.journal.SetDeliveryCount(id, count); err != nil {
		return fmt.Errorf("%s: replicate delivery of %s: %w", n.name, id, err)
	}
	n.queues[name].records[id].DeliveryCount = count
	return nil
}

// promote makes the node live. Nothing is in flight on a former backup.
func (n *node) promote() {
	n.promoted = true
}

func (n *node) depth(queue string) (ready, inflight int) {
	q, ok := n.queues[queue]
	if !ok {
		return 0, 0
	}
	return len(q.ready), len(q.inflight)
}
