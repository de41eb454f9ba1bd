/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dagent

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/lithammer/shortuuid/v3"
	cmap "github.com/orcaman/concurrent-map"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/mailrouter/utils"
)

const sessionDrainInterval = 100 * time.Millisecond

// DAgent is an SMTP (or LMTP) delivery agent which feeds received mail into
// the same pipeline as the pipe. Only anonymous sessions are accepted.
type DAgent struct {
	logger logrus.FieldLogger
	router Router

	// Cancelled on shutdown, pending deliveries of all sessions see it.
	deliveries       context.Context
	cancelDeliveries context.CancelFunc
	closing          utils.AtomicBool

	smtp     *smtp.Server
	sessions cmap.ConcurrentMap
}

var _ smtp.Backend = (*DAgent)(nil)

// New creates a DAgent from config.
func New(config *Config) (*DAgent, error) {
	if config.Router == nil {
		return nil, errors.New("dagent requires a router")
	}

	da := &DAgent{
		logger: config.Logger.WithField("scope", "dagent"),
		router: config.Router,

		sessions: cmap.New(),
	}
	da.deliveries, da.cancelDeliveries = context.WithCancel(context.Background())
	da.smtp = newSMTPServer(da, config)

	return da, nil
}

func newSMTPServer(da *DAgent, config *Config) *smtp.Server {
	s := smtp.NewServer(da)
	s.LMTP = config.LMTP
	s.AuthDisabled = true

	s.ReadTimeout = config.ReadTimeout
	s.WriteTimeout = config.WriteTimeout
	s.MaxMessageBytes = config.MaxMessageBytes
	s.MaxRecipients = config.MaxRecipients

	s.ErrorLog = da.logger
	return s
}

// Login refuses authenticated sessions.
func (da *DAgent) Login(state *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	return nil, smtp.ErrAuthUnsupported
}

// AnonymousLogin opens a session unless the agent is shutting down.
func (da *DAgent) AnonymousLogin(state *smtp.ConnectionState) (smtp.Session, error) {
	if da.closing.IsSet() {
		return nil, ErrServiceNotAvailable
	}

	id := shortuuid.New()
	session, err := NewSession(da.deliveries, id, da.router, da.logger, func(s *Session) {
		da.sessions.Remove(s.id)
	})
	if err != nil {
		da.logger.WithError(err).WithField("session_id", id).Errorln("failed to create SMTP session")
		return nil, ErrLocalErrorInProcessingError
	}
	da.sessions.Set(id, session)

	return session, nil
}

// Serve accepts incoming connections on the Listener l.
func (da *DAgent) Serve(l net.Listener) error {
	return da.smtp.Serve(l)
}

// Sessions returns the number of open sessions.
func (da *DAgent) Sessions() int {
	return da.sessions.Count()
}

// Shutdown stops accepting sessions, cancels pending deliveries and waits
// for open sessions to log out until ctx is done. Then the listener and all
// remaining connections are closed.
func (da *DAgent) Shutdown(ctx context.Context) error {
	if da.closing.CompareFalseAndSetTrue() {
		da.cancelDeliveries()
	}

	if remaining := da.drain(ctx); remaining > 0 {
		da.logger.WithField("sessions", remaining).Warnln("closing open SMTP sessions")
	}
	return da.smtp.Close()
}

// drain waits until there are no sessions or ctx is done and returns the
// number of sessions still open.
func (da *DAgent) drain(ctx context.Context) int {
	ticker := time.NewTicker(sessionDrainInterval)
	defer ticker.Stop()

	for {
		count := da.sessions.Count()
		if count == 0 {
			return 0
		}
		select {
		case <-ctx.Done():
			return count
		case <-ticker.C:
		}
	}
}
