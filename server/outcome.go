/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"stash.kopano.io/kgol/mailrouter/server/message"
)

// OutcomeKind tags the result of processing one raw message.
type OutcomeKind int

// Outcome kinds.
const (
	Delivered OutcomeKind = iota
	RoutingFailed
	DeliveryFailed
)

func (kind OutcomeKind) String() string {
	switch kind {
	case Delivered:
		return "delivered"
	case RoutingFailed:
		return "routing-failed"
	case DeliveryFailed:
		return "delivery-failed"
	default:
		return "unknown"
	}
}

// Outcome is produced exactly once per raw message. Unless Kind is
// Delivered, the message was handed to the failure store: FailurePath names
// the written file, or PersistErr tells why writing failed.
type Outcome struct {
	Message *message.RawMessage

	Kind        OutcomeKind
	Recipient   string
	Environment string
	Reason      string
	Err         error

	FailurePath string
	PersistErr  error
}

// Safe reports whether the message is either delivered or on disk.
func (outcome *Outcome) Safe() bool {
	return outcome.Kind == Delivered || outcome.PersistErr == nil
}
