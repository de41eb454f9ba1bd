/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package status

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/muesli/termenv"

	"stash.kopano.io/kgol/mailrouter/server"
	"stash.kopano.io/kgol/mailrouter/server/routing"
)

func testStatus() *server.Status {
	return &server.Status{
		Version:   "1.0.0",
		PipePath:  "/var/spool/email-processor",
		PipeState: "reading",
		Received:  5,
		Delivered: 2,
		Failed: map[string]uint64{
			"unknown-domain":     1,
			"api-error-producao": 2,
		},
		FailedPath: "/var/spool/mockmail/failed",
		Environments: []*routing.Environment{
			{Name: "homologacao", Port: 3010, Domains: []string{"homologacao.mockmail.dev"}, Enabled: false},
			{Name: "producao", Port: 3000, Domains: []string{"mockmail.dev"}, Enabled: true},
		},
	}
}

func TestRenderPretty(t *testing.T) {
	var buf bytes.Buffer
	if err := renderPretty(&buf, termenv.Ascii, testStatus()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()

	for _, expected := range []string{
		"pipe: /var/spool/email-processor",
		"state: reading",
		"received: 5",
		"failed: 3",
		"- api-error-producao: 2\n    - unknown-domain: 1",
		"homologacao (disabled) :3010",
		"- producao :3000",
		"last: never",
	} {
		if !strings.Contains(out, expected) {
			t.Errorf("output does not contain %q:\n%s", expected, out)
		}
	}
}

func TestOutputJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := outputJSON(&buf, testStatus()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded server.Status
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Failed["api-error-producao"] != 2 || decoded.PipeState != "reading" {
		t.Errorf("unexpected decoded status: %+v", &decoded)
	}
}
