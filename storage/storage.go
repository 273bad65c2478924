// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"maps"
	"time"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("journal closed")
)

// Journal persists the queue records of a single broker node. A record lives
// in the journal from the moment it is enqueued until it is acknowledged.
type Journal interface {
	// Append stores a new record.
	Append(rec *Record) error

	// SetDeliveryCount updates the delivery bookkeeping of a stored record.
	SetDeliveryCount(id string, count int) error

	// Delete removes acknowledged records. Unknown IDs are ignored.
	Delete(ids ...string) error

	// Load returns every stored record ordered by sequence number.
	Load() ([]*Record, error)

	// Close releases the journal.
	Close() error
}

// Record is the journal representation of a queued envelope.
type Record struct {
	ID            string            `json:"id"`
	Queue         string            `json:"queue"`
	Sequence      uint64            `json:"seq"`
	Body          []byte            `json:"body,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
	Timestamp     time.Time         `json:"ts"`
	DeliveryCount int               `json:"delivery_count"`
}

// Copy creates a deep copy of the record.
func (r *Record) Copy() *Record {
	if r == nil {
		return nil
	}

	cp := *r
	if r.Body != nil {
		cp.Body = make([]byte, len(r.Body))
		copy(cp.Body, r.Body)
	}
	cp.Properties = maps.Clone(r.Properties)
	return &cp
}
