/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package forward

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"stash.kopano.io/kgol/mailrouter/server/routing"
)

func newTestBackend(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *routing.Environment) {
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	_, portString, err := net.SplitHostPort(ts.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portString)

	return ts, &routing.Environment{
		Name:    "homologacao",
		Port:    port,
		Domains: []string{"hml.example.com"},
		Enabled: true,
	}
}

func newTestForwarder(c *Config) *Forwarder {
	logger, _ := test.NewNullLogger()
	c.Logger = logger
	c.Host = "127.0.0.1"
	return New(c)
}

func TestForwardDelivered(t *testing.T) {
	raw := "To: Jane <jane@hml.example.com>\n\nSubject: hi\n\nbody"

	_, env := newTestBackend(t, func(rw http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", req.Method)
		}
		if req.URL.Path != ProcessEmailPath {
			t.Errorf("unexpected path: %s", req.URL.Path)
		}
		if v := req.Header.Get("Content-Type"); v != "application/json" {
			t.Errorf("unexpected content type: %s", v)
		}
		if v := req.Header.Get(InternalTokenHeader); v != "s3cret" {
			t.Errorf("unexpected token: %q", v)
		}
		var payload map[string]string
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		if payload["rawEmail"] != raw {
			t.Errorf("unexpected rawEmail: %q", payload["rawEmail"])
		}
		rw.WriteHeader(http.StatusOK)
	})

	f := newTestForwarder(&Config{InternalToken: "s3cret"})
	if err := f.Forward(context.Background(), env, []byte(raw)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestForwardNon200IsFailure(t *testing.T) {
	for _, status := range []int{http.StatusCreated, http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError} {
		_, env := newTestBackend(t, func(rw http.ResponseWriter, req *http.Request) {
			rw.WriteHeader(status)
		})

		f := newTestForwarder(&Config{})
		err := f.Forward(context.Background(), env, []byte("x"))
		var deliveryErr *DeliveryError
		if !errors.As(err, &deliveryErr) {
			t.Fatalf("%d: expected DeliveryError, got %v", status, err)
		}
		if deliveryErr.StatusCode != status {
			t.Errorf("unexpected status: %d", deliveryErr.StatusCode)
		}
		if deliveryErr.Kind() != KindStatus {
			t.Errorf("unexpected kind: %s", deliveryErr.Kind())
		}
		if deliveryErr.Environment != "homologacao" {
			t.Errorf("unexpected environment: %s", deliveryErr.Environment)
		}
	}
}

func TestForwardTimeout(t *testing.T) {
	release := make(chan struct{})
	_, env := newTestBackend(t, func(rw http.ResponseWriter, req *http.Request) {
		select {
		case <-release:
		case <-req.Context().Done():
		}
	})
	defer close(release)

	f := newTestForwarder(&Config{Timeout: 50 * time.Millisecond})
	err := f.Forward(context.Background(), env, []byte("x"))
	var deliveryErr *DeliveryError
	if !errors.As(err, &deliveryErr) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if deliveryErr.Kind() != KindTimeout {
		t.Errorf("unexpected kind: %s (%v)", deliveryErr.Kind(), deliveryErr)
	}
}

func TestForwardConnectionError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	f := newTestForwarder(&Config{})
	err = f.Forward(context.Background(), &routing.Environment{Name: "producao", Port: port, Enabled: true}, []byte("x"))
	var deliveryErr *DeliveryError
	if !errors.As(err, &deliveryErr) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if deliveryErr.Kind() != KindConnection {
		t.Errorf("unexpected kind: %s", deliveryErr.Kind())
	}
}

func TestForwardCircuitBreakerOpens(t *testing.T) {
	var calls int32
	_, env := newTestBackend(t, func(rw http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&calls, 1)
		rw.WriteHeader(http.StatusServiceUnavailable)
	})

	f := newTestForwarder(&Config{
		CircuitBreaker:         true,
		CircuitBreakerFailures: 2,
		CircuitBreakerTimeout:  time.Minute,
	})

	for i := 0; i < 2; i++ {
		if err := f.Forward(context.Background(), env, []byte("x")); err == nil {
			t.Fatal("expected error")
		}
	}

	err := f.Forward(context.Background(), env, []byte("x"))
	var deliveryErr *DeliveryError
	if !errors.As(err, &deliveryErr) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if deliveryErr.Kind() != KindCircuitOpen {
		t.Errorf("unexpected kind: %s", deliveryErr.Kind())
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("backend called %d times, want 2", n)
	}
}

func TestEndpointURL(t *testing.T) {
	f := New(&Config{Logger: nil})
	u := f.EndpointURL(&routing.Environment{Name: "producao", Port: 3000})
	if u != "http://localhost:3000/api/internal/process-email" {
		t.Errorf("unexpected url: %s", u)
	}
}
