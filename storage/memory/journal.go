// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"cmp"
	"slices"
	"sync"

	"github.com/absmach/failover/storage"
)

var _ storage.Journal = (*Journal)(nil)

// Journal is an in-memory implementation of storage.Journal.
type Journal struct {
	mu      sync.RWMutex
	records map[string]*storage.Record
	closed  bool
}

// New creates a new in-memory journal.
func New() *Journal {
	return &Journal{
		records: make(map[string]*storage.Record),
	}
}

func (j *Journal) Append(rec *storage.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return storage.ErrClosed
	}
	j.records[rec.ID] = rec.Copy()
	return nil
}

func (j *Journal) SetDeliveryCount(id string, count int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return storage.ErrClosed
	}
	rec, ok := j.records[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.DeliveryCount = count
	return nil
}

func (j *Journal) Delete(ids ...string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return storage.ErrClosed
	}
	for _, id := range ids {
		delete(j.records, id)
	}
	return nil
}

func (j *Journal) Load() ([]*storage.Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, storage.ErrClosed
	}

	recs := make([]*storage.Record, 0, len(j.records))
	for _, rec := range j.records {
		recs = append(recs, rec.Copy())
	}
	slices.SortFunc(recs, func(a, b *storage.Record) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})
	return recs, nil
}

// Close drops all records. Closing twice is a no-op.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	j.records = make(map[string]*storage.Record)
	return nil
}
