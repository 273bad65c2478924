// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ha

import "errors"

// Group errors.
var (
	ErrNoNodes       = errors.New("group needs at least one node")
	ErrDuplicateNode = errors.New("duplicate node name")
	ErrNoLiveNode    = errors.New("no live node left in the group")
	ErrInvalidPolicy = errors.New("invalid delivery replication policy")
	ErrInvalidQueue  = errors.New("invalid queue")
	ErrGroupClosed   = errors.New("group closed")
)
