/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"stash.kopano.io/kgol/mailrouter/server/forward"
	"stash.kopano.io/kgol/mailrouter/server/routing"
)

const testToken = "secret-token"

// backend is a fake environment ingestion endpoint.
type backend struct {
	*httptest.Server

	mutex    sync.Mutex
	received []string
	tokens   []string
	status   int
	delay    time.Duration
}

func newBackend(t *testing.T, status int) *backend {
	b := &backend{
		status: status,
	}
	b.Server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if req.URL.Path != forward.ProcessEmailPath || req.Method != http.MethodPost {
			rw.WriteHeader(http.StatusNotFound)
			return
		}
		var payload struct {
			RawEmail string `json:"rawEmail"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}

		b.mutex.Lock()
		b.received = append(b.received, payload.RawEmail)
		b.tokens = append(b.tokens, req.Header.Get(forward.InternalTokenHeader))
		delay := b.delay
		status := b.status
		b.mutex.Unlock()

		if delay > 0 {
			select {
			case <-req.Context().Done():
				return
			case <-time.After(delay):
			}
		}
		rw.WriteHeader(status)
	}))
	t.Cleanup(b.Server.Close)

	return b
}

func (b *backend) port(t *testing.T) int {
	u, err := url.Parse(b.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return port
}

func (b *backend) messages() []string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]string(nil), b.received...)
}

func (b *backend) receivedTokens() []string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]string(nil), b.tokens...)
}

// testEnvironments returns homologacao and producao environments served by
// the two backends.
func testEnvironments(t *testing.T, hml, prod *backend) routing.Environments {
	return routing.Environments{
		{Name: "homologacao", Port: hml.port(t), Domains: []string{"homologacao.mockmail.dev"}, Enabled: true},
		{Name: "producao", Port: prod.port(t), Domains: []string{"mockmail.dev"}, Enabled: true},
	}
}

func testConfig(t *testing.T, envs routing.Environments) (*Config, *test.Hook) {
	logger, hook := test.NewNullLogger()
	return &Config{
		Logger: logger,

		PipePath: filepath.Join(t.TempDir(), "email-processor"),

		ReopenDelay: 10 * time.Millisecond,
		ErrorDelay:  10 * time.Millisecond,

		Environments:        envs,
		RootDomain:          "mockmail.dev",
		FallbackEnvironment: "producao",

		BackendHost:    "127.0.0.1",
		InternalToken:  testToken,
		ForwardTimeout: 2 * time.Second,

		FailedPath: filepath.Join(t.TempDir(), "failed"),
	}, hook
}

func failureFiles(t *testing.T, dir string) []string {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatal(err)
	}
	var names []string
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), ".") {
			names = append(names, entry.Name())
		}
	}
	return names
}

// onceSource hands out data on the first Open and empty streams afterwards,
// like a pipe without writers.
type onceSource struct {
	mutex  sync.Mutex
	data   []byte
	opened int
}

func (s *onceSource) Open(ctx context.Context) (io.ReadCloser, error) {
	s.mutex.Lock()
	s.opened++
	first := s.opened == 1
	s.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if first {
		return ioutil.NopCloser(bytes.NewReader(s.data)), nil
	}
	return ioutil.NopCloser(bytes.NewReader(nil)), nil
}
