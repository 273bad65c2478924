// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package scenario

import "errors"

// Scenario errors.
var (
	ErrTooFewMessages     = errors.New("scenario needs at least three messages")
	ErrReceiveTimeout     = errors.New("no envelope received before the timeout")
	ErrNoInjector         = errors.New("no fault injector configured")
	ErrUnexpectedEnvelope = errors.New("received an envelope out of order")
)
