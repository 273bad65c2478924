// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message defines the immutable envelope exchanged between producers,
// brokers and consumers, and the destination handles envelopes are sent to.
package message

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Destination is a named queue inside the broker.
type Destination struct {
	name string
}

// Queue returns the destination handle for the named queue.
func Queue(name string) Destination {
	return Destination{name: name}
}

// Name returns the queue name.
func (d Destination) Name() string {
	return d.name
}

// IsZero reports whether the destination is unset.
func (d Destination) IsZero() bool {
	return d.name == ""
}

func (d Destination) String() string {
	return "queue://" + d.name
}

// Envelope is a single message. It is immutable once created: accessors
// return copies, and broker-side metadata changes produce new envelopes.
type Envelope struct {
	id              string
	dest            Destination
	body            []byte
	redeliveryCount int
	timestamp       time.Time
	properties      map[string]string
}

// New creates an envelope with a fresh unique ID.
func New(dest Destination, body []byte) *Envelope {
	return NewWithProperties(dest, body, nil)
}

// NewWithProperties creates an envelope with a fresh unique ID and the given
// user properties.
func NewWithProperties(dest Destination, body []byte, props map[string]string) *Envelope {
	return &Envelope{
		id:         uuid.NewString(),
		dest:       dest,
		body:       clone(body),
		timestamp:  time.Now().UTC(),
		properties: maps.Clone(props),
	}
}

// Restore rebuilds an envelope from stored fields. Brokers use it to turn a
// journal record back into a deliverable envelope.
func Restore(id string, dest Destination, body []byte, redeliveryCount int, ts time.Time, props map[string]string) *Envelope {
	if redeliveryCount < 0 {
		redeliveryCount = 0
	}
	return &Envelope{
		id:              id,
		dest:            dest,
		body:            clone(body),
		redeliveryCount: redeliveryCount,
		timestamp:       ts,
		properties:      maps.Clone(props),
	}
}

// ID returns the envelope's unique identifier.
func (e *Envelope) ID() string {
	return e.id
}

// Destination returns the queue the envelope was sent to.
func (e *Envelope) Destination() Destination {
	return e.dest
}

// Body returns a copy of the payload.
func (e *Envelope) Body() []byte {
	return clone(e.body)
}

// Text returns the payload as a string.
func (e *Envelope) Text() string {
	return string(e.body)
}

// Size returns the payload length in bytes.
func (e *Envelope) Size() int {
	return len(e.body)
}

// RedeliveryCount returns how many times the broker delivered this envelope
// before the current delivery.
func (e *Envelope) RedeliveryCount() int {
	return e.redeliveryCount
}

// Redelivered reports whether the broker flagged this delivery as a redelivery.
func (e *Envelope) Redelivered() bool {
	return e.redeliveryCount > 0
}

// Timestamp returns the time the producer created the envelope.
func (e *Envelope) Timestamp() time.Time {
	return e.timestamp
}

// Property returns a user property.
func (e *Envelope) Property(key string) (string, bool) {
	v, ok := e.properties[key]
	return v, ok
}

// Properties returns a copy of the user properties.
func (e *Envelope) Properties() map[string]string {
	return maps.Clone(e.properties)
}

// WithRedeliveryCount returns a copy of the envelope carrying the given
// redelivery count. The receiver is left untouched.
func (e *Envelope) WithRedeliveryCount(n int) *Envelope {
	return Restore(e.id, e.dest, e.body, n, e.timestamp, e.properties)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
