// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ha

import (
	"fmt"
	"strings"
)

// DeliveryReplication controls whether delivery bookkeeping (the per-record
// delivery count) is copied from the live node to its backups.
type DeliveryReplication string

const (
	ReplicateNone     DeliveryReplication = "none"     // Never replicate delivery counts
	ReplicateAlways   DeliveryReplication = "always"   // Replicate on every delivery
	ReplicatePromoted DeliveryReplication = "promoted" // Replicate only from a node promoted by failover
)

// ParseDeliveryReplication parses a policy name. The empty string selects
// ReplicatePromoted.
func ParseDeliveryReplication(s string) (DeliveryReplication, error) {
	switch p := DeliveryReplication(strings.ToLower(strings.TrimSpace(s))); p {
	case ReplicateNone, ReplicateAlways, ReplicatePromoted:
		return p, nil
	case "":
		return ReplicatePromoted, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
	}
}

func normalizeDeliveryReplication(p DeliveryReplication) DeliveryReplication {
	if parsed, err := ParseDeliveryReplication(string(p)); err == nil {
		return parsed
	}
	return ReplicatePromoted
}

// replicates reports whether a live node replicates its deliveries.
func (p DeliveryReplication) replicates(promoted bool) bool {
	switch p {
	case ReplicateAlways:
		return true
	case ReplicatePromoted:
		return promoted
	default:
		return false
	}
}
