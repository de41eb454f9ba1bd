/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dagent

import (
	"context"
	"io"
	"io/ioutil"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/mailrouter/server/message"
	"stash.kopano.io/kgol/mailrouter/utils"
)

type Session struct {
	ctx context.Context
	id  string

	router   Router
	logger   logrus.FieldLogger
	onLogout SessionCb

	from   string
	rcptTo []string
}

type SessionCb func(session *Session)

func NewSession(ctx context.Context, sessionID string, router Router, logger logrus.FieldLogger, onLogout SessionCb) (*Session, error) {
	return &Session{
		ctx:    ctx,
		id:     sessionID,
		router: router,
		logger: logger.WithFields(logrus.Fields{
			"scope":      "dagent-session",
			"session_id": sessionID,
		}),
		onLogout: onLogout,
	}, nil
}

var _ smtp.Session = (*Session)(nil)     // Verify that *Session implements smtp.Session.
var _ smtp.LMTPSession = (*Session)(nil) // Verify that *Session implements smtp.LMTPSession.

func (s *Session) Mail(from string, opts smtp.MailOptions) error {
	s.logger.WithField("from", from).Debugln("mail from")

	s.from = from

	return nil
}

func (s *Session) Rcpt(rcptTo string) error {
	s.logger.WithField("rcptTo", rcptTo).Debugln("mail rcptTo")
	if _, err := utils.GetDomainFromEmail(rcptTo); err != nil {
		s.logger.WithError(err).Debugln("invalid rcpt to value")
		return ErrRequestedActioNotTaken
	}
	if err := s.router.AcceptRecipient(rcptTo); err != nil {
		s.logger.WithError(err).WithField("rcptTo", rcptTo).Infoln("rcpt to rejected")
		return ErrRelayDenied
	}

	s.rcptTo = append(s.rcptTo, rcptTo)

	return nil
}

func (s *Session) deliver(r io.Reader) error {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		s.logger.WithError(err).Errorln("smtp data failed to read")
		return ErrTransactionFailed
	}

	m := message.New(message.SourceDAgent, data)
	s.logger.WithFields(logrus.Fields{
		"id":   m.ID,
		"from": s.from,
		"size": m.Size(),
	}).Debugln("smtp mail data received")

	if err = s.router.Deliver(s.ctx, m); err != nil {
		s.logger.WithError(err).WithField("id", m.ID).Errorln("smtp mail data could not be handled")
		if s.ctx.Err() != nil {
			return ErrServiceNotAvailable
		}
		return ErrLocalErrorInProcessingError
	}

	return nil
}

func (s *Session) Data(r io.Reader) error {
	return s.deliver(r)
}

func (s *Session) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	result := s.deliver(r)
	for _, rcptTo := range s.rcptTo {
		status.SetStatus(rcptTo, result)
	}
	s.logger.Debugln("lmtp data done")

	return nil
}

func (s *Session) Reset() {
	s.logger.Debugln("mail reset")

	s.from = ""
	s.rcptTo = nil
}

func (s *Session) Logout() error {
	s.logger.Debugln("mail logout")
	if s.onLogout != nil {
		s.onLogout(s)
	}
	return nil
}
