// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package naming

import "errors"

// Naming errors.
var (
	ErrNameNotFound  = errors.New("name not found")
	ErrAlreadyBound  = errors.New("name already bound")
	ErrWrongType     = errors.New("bound object has a different type")
	ErrInvalidName   = errors.New("invalid name")
	ErrContextClosed = errors.New("naming context closed")
)
