// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"
)

// Client errors.
var (
	// Configuration errors.
	ErrNoTransport        = errors.New("no transport configured")
	ErrInvalidPrefetch    = errors.New("prefetch must be at least 1")
	ErrInvalidTimeout     = errors.New("timeouts must be positive")
	ErrInvalidAckMode     = errors.New("operation not supported in this acknowledgement mode")
	ErrInvalidSendRate    = errors.New("send rate cannot be negative")
	ErrInvalidDestination = errors.New("invalid destination")

	// Lifecycle errors.
	ErrNotStarted       = errors.New("session not started")
	ErrSessionClosed    = errors.New("session has been closed")
	ErrConnectionClosed = errors.New("connection has been closed")
	ErrConsumerClosed   = errors.New("consumer has been closed")
	ErrProducerClosed   = errors.New("producer has been closed")

	// Operation errors.
	ErrTransport             = errors.New("transport error")
	ErrAckFailed             = errors.New("acknowledgement failed")
	ErrUnknownEnvelope       = errors.New("envelope was not delivered to this session")
	ErrTransactionRolledBack = errors.New("transaction rolled back")

	// Transport contract errors.
	ErrStaleBinding    = errors.New("binding is no longer authoritative")
	ErrUnknownDelivery = errors.New("delivery not in flight")
)

// AckFailure reports an acknowledgement rejected because the authoritative
// broker changed after the referenced envelopes were delivered. Nothing was
// committed. Pending deliveries from the old broker were discarded and will be
// delivered again by the new one.
type AckFailure struct {
	EnvelopeID string
	Delivered  Binding // binding of the first stale delivery
	Current    Binding // binding at the time of the acknowledgement
	Discarded  int     // pending deliveries dropped from the session
	Cause      error
}

func (f *AckFailure) Error() string {
	msg := fmt.Sprintf("acknowledgement of %s failed: delivered by %s, authoritative broker is %s",
		f.EnvelopeID, f.Delivered, f.Current)
	if f.Cause != nil {
		msg += ": " + f.Cause.Error()
	}
	return msg
}

// Unwrap makes the failure match ErrAckFailed and its cause.
func (f *AckFailure) Unwrap() []error {
	if f.Cause == nil {
		return []error{ErrAckFailed}
	}
	return []error{ErrAckFailed, f.Cause}
}

// AsAckFailure extracts an *AckFailure from err.
func AsAckFailure(err error) (*AckFailure, bool) {
	var f *AckFailure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

func transportErr(op string, err error) error {
	if errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}
