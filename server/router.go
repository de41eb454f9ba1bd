/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"strings"

	"stash.kopano.io/kgol/mailrouter/server/message"
	"stash.kopano.io/kgol/mailrouter/server/routing"
	"stash.kopano.io/kgol/mailrouter/server/smtp/dagent"
)

var _ dagent.Router = (*Server)(nil) // Verify that *Server implements dagent.Router.

// AcceptRecipient reports routing.ErrUnknownDomain when no environment would
// take mail for rcptTo.
func (server *Server) AcceptRecipient(rcptTo string) error {
	_, err := server.router.Route(strings.ToLower(rcptTo))
	return err
}

// Deliver runs m through the pipeline worker. It returns nil when the
// message is delivered or safely stored in the failure directory.
func (server *Server) Deliver(ctx context.Context, m *message.RawMessage) error {
	outcome, err := server.Submit(ctx, m)
	if err != nil {
		return err
	}
	if !outcome.Safe() {
		return outcome.PersistErr
	}
	return nil
}

// Route exposes the routing decision for address.
func (server *Server) Route(address string) (*routing.Environment, error) {
	return server.router.Route(address)
}
