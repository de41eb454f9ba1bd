/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"stash.kopano.io/kgol/mailrouter/server/message"
	"stash.kopano.io/kgol/mailrouter/server/pipe"
)

func TestMetricsHandler(t *testing.T) {
	hml := newBackend(t, http.StatusOK)
	prod := newBackend(t, http.StatusOK)
	c, _ := testConfig(t, testEnvironments(t, hml, prod))
	srv := newTestServer(t, c)

	srv.Process(context.Background(), message.New(message.SourcePipe, []byte("To: a@mockmail.dev\n\nx")))
	srv.Process(context.Background(), message.New(message.SourcePipe, []byte("no header")))

	rec := httptest.NewRecorder()
	srv.metrics.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := ioutil.ReadAll(rec.Body)

	for _, expected := range []string{
		`mailrouterd_messages_received_total{source="pipe"} 2`,
		`mailrouterd_messages_delivered_total{environment="producao"} 1`,
		`mailrouterd_messages_failed_total{reason="no-to-address"} 1`,
		`mailrouterd_forward_duration_seconds_count{environment="producao"} 1`,
	} {
		if !strings.Contains(string(body), expected) {
			t.Errorf("metrics do not contain %q", expected)
		}
	}
}

func TestPipeIdlePollsAreNotReopens(t *testing.T) {
	hml := newBackend(t, http.StatusOK)
	prod := newBackend(t, http.StatusOK)
	c, _ := testConfig(t, testEnvironments(t, hml, prod))
	srv := newTestServer(t, c)

	srv.onPipeState(pipe.StateReopening, pipe.CauseIdle)
	srv.onPipeState(pipe.StateReading, "")
	srv.onPipeState(pipe.StateReopening, pipe.CauseIdle)
	srv.onPipeState(pipe.StateReading, "")
	srv.onPipeState(pipe.StateReopening, pipe.CauseEOF)

	status, err := srv.Status()
	if err != nil {
		t.Fatal(err)
	}
	if status.PipeReopens != 1 {
		t.Errorf("expected 1 reopen, got %d", status.PipeReopens)
	}

	rec := httptest.NewRecorder()
	srv.metrics.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := ioutil.ReadAll(rec.Body)

	if !strings.Contains(string(body), `mailrouterd_pipe_reopens_total{cause="eof"} 1`) {
		t.Errorf("metrics do not count the eof reopen")
	}
	if strings.Contains(string(body), `cause="idle"`) {
		t.Errorf("metrics count idle polls")
	}
}
