/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dagent

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus/hooks/test"

	"stash.kopano.io/kgol/mailrouter/server/message"
)

type fakeRouter struct {
	mutex     sync.Mutex
	delivered []*message.RawMessage
	err       error
}

func (r *fakeRouter) AcceptRecipient(rcptTo string) error {
	if strings.HasSuffix(rcptTo, "@mockmail.dev") {
		return nil
	}
	return errors.New("unknown domain")
}

func (r *fakeRouter) Deliver(ctx context.Context, m *message.RawMessage) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.delivered = append(r.delivered, m)
	return r.err
}

type statusCollector map[string]error

func (c statusCollector) SetStatus(rcptTo string, err error) {
	c[rcptTo] = err
}

func newTestSession(t *testing.T, router Router) *Session {
	logger, _ := test.NewNullLogger()
	session, err := NewSession(context.Background(), "test", router, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	return session
}

func TestSessionRcpt(t *testing.T) {
	session := newTestSession(t, &fakeRouter{})

	if err := session.Rcpt("user@mockmail.dev"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := session.Rcpt("user@unknown.test"); err != ErrRelayDenied {
		t.Errorf("expected relay denied, got %v", err)
	}
	if err := session.Rcpt("nodomain"); err != ErrRequestedActioNotTaken {
		t.Errorf("expected action not taken, got %v", err)
	}
	if len(session.rcptTo) != 1 {
		t.Errorf("expected one accepted recipient, got %v", session.rcptTo)
	}
}

func TestSessionData(t *testing.T) {
	router := &fakeRouter{}
	session := newTestSession(t, router)

	data := "To: user@mockmail.dev\r\n\r\nhello\r\n"
	if err := session.Data(strings.NewReader(data)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(router.delivered) != 1 {
		t.Fatalf("expected one delivery, got %d", len(router.delivered))
	}
	if m := router.delivered[0]; string(m.Data) != data || m.Source != message.SourceDAgent {
		t.Errorf("unexpected message: %+v", m)
	}

	router.err = errors.New("disk full")
	if err := session.Data(strings.NewReader(data)); err != ErrLocalErrorInProcessingError {
		t.Errorf("expected local error, got %v", err)
	}
}

func TestSessionLMTPData(t *testing.T) {
	router := &fakeRouter{}
	session := newTestSession(t, router)

	for _, rcptTo := range []string{"a@mockmail.dev", "b@mockmail.dev"} {
		if err := session.Rcpt(rcptTo); err != nil {
			t.Fatal(err)
		}
	}

	status := statusCollector{}
	if err := session.LMTPData(strings.NewReader("To: a@mockmail.dev\n\nx"), status); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(router.delivered) != 1 {
		t.Errorf("message must be delivered once, got %d", len(router.delivered))
	}
	if len(status) != 2 || status["a@mockmail.dev"] != nil || status["b@mockmail.dev"] != nil {
		t.Errorf("unexpected status: %v", status)
	}

	session.Reset()
	if session.rcptTo != nil || session.from != "" {
		t.Errorf("reset did not clear session")
	}
}

func TestDAgentServe(t *testing.T) {
	logger, _ := test.NewNullLogger()
	router := &fakeRouter{}
	da, err := New(&Config{
		Logger: logger,
		Router: router,

		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageBytes: 1024 * 1024,
		MaxRecipients:   10,
	})
	if err != nil {
		t.Fatal(err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go da.Serve(l)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		da.Shutdown(ctx)
	}()

	c, err := smtp.Dial(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err = c.Mail("sender@example.org", nil); err != nil {
		t.Fatalf("mail failed: %v", err)
	}
	if err = c.Rcpt("nobody@unknown.test"); err == nil {
		t.Errorf("expected unknown domain to be rejected")
	} else {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			if smtpErr.Code != 550 {
				t.Errorf("expected 550, got %d", smtpErr.Code)
			}
		} else if !strings.Contains(err.Error(), "550") {
			t.Errorf("expected 550, got %v", err)
		}
	}
	if err = c.Rcpt("user@mockmail.dev"); err != nil {
		t.Fatalf("rcpt failed: %v", err)
	}
	w, err := c.Data()
	if err != nil {
		t.Fatal(err)
	}
	if _, err = w.Write([]byte("To: user@mockmail.dev\r\nSubject: test\r\n\r\nhello\r\n")); err != nil {
		t.Fatal(err)
	}
	if err = w.Close(); err != nil {
		t.Fatalf("data failed: %v", err)
	}
	if err = c.Quit(); err != nil {
		t.Errorf("quit failed: %v", err)
	}

	router.mutex.Lock()
	defer router.mutex.Unlock()
	if len(router.delivered) != 1 {
		t.Fatalf("expected one delivery, got %d", len(router.delivered))
	}
	if !strings.Contains(string(router.delivered[0].Data), "Subject: test") {
		t.Errorf("unexpected data: %q", router.delivered[0].Data)
	}
}

func TestShutdownRefusesSessionsAndClosesOpenOnes(t *testing.T) {
	logger, hook := test.NewNullLogger()
	da, err := New(&Config{
		Logger:          logger,
		Router:          &fakeRouter{},
		MaxMessageBytes: 1024,
		MaxRecipients:   10,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err = da.AnonymousLogin(nil); err != nil {
		t.Fatal(err)
	}
	if da.Sessions() != 1 {
		t.Fatalf("expected one session, got %d", da.Sessions())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	da.Shutdown(ctx)

	if da.deliveries.Err() == nil {
		t.Errorf("expected pending deliveries to be cancelled")
	}
	if _, err = da.AnonymousLogin(nil); err != ErrServiceNotAvailable {
		t.Errorf("expected service not available, got %v", err)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Message != "closing open SMTP sessions" || entry.Data["sessions"] != 1 {
		t.Errorf("expected log about the open session, got %+v", entry)
	}

	// A second Shutdown must not panic.
	da.Shutdown(ctx)
}
