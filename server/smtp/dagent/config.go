/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dagent

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/mailrouter/server/message"
)

// Config bundles dagent configuration settings.
type Config struct {
	Logger logrus.FieldLogger
	Router Router

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int
	MaxRecipients   int

	LMTP bool
}

// Router accepts messages received by the dagent.
type Router interface {
	AcceptRecipient(rcptTo string) error
	Deliver(ctx context.Context, m *message.RawMessage) error
}
