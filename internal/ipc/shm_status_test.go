/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package ipc

import (
	"strings"
	"testing"

	"stash.kopano.io/kgol/mailrouter/server"
)

func TestSegmentNameIsStable(t *testing.T) {
	a := segmentName("/var/lib/mailrouterd", "")
	b := segmentName("/var/lib/mailrouterd", defaultProjectID)
	if a != b {
		t.Errorf("expected default project id, got %q and %q", a, b)
	}
	if !strings.HasPrefix(a, "mailrouterd-status.") {
		t.Errorf("unexpected segment name %q", a)
	}
	if a == segmentName("/run/mailrouterd", "") {
		t.Errorf("expected different names for different state paths")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	payload, sum, err := encodeSnapshot(&server.Status{
		PipePath:  "/tmp/email-processor",
		Received:  3,
		Delivered: 2,
		Failed:    map[string]uint64{"unknown-domain": 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	body := append(append([]byte(nil), payload...), sum[:]...)
	status, err := decodeSnapshot(snapshotHeader{Version: snapshotVersion1, Length: uint32(len(payload))}, body)
	if err != nil {
		t.Fatal(err)
	}
	if status.Received != 3 || status.Delivered != 2 || status.Failed["unknown-domain"] != 1 {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestSnapshotRejectsIncompleteWrite(t *testing.T) {
	payload, sum, err := encodeSnapshot(&server.Status{Received: 1})
	if err != nil {
		t.Fatal(err)
	}
	header := snapshotHeader{Version: snapshotVersion1, Length: uint32(len(payload))}

	stale := append(append([]byte(nil), payload...), make([]byte, len(sum))...)
	if _, err := decodeSnapshot(header, stale); err == nil {
		t.Errorf("expected signature mismatch")
	}

	body := append(append([]byte(nil), payload...), sum[:]...)
	if _, err := decodeSnapshot(snapshotHeader{Version: 2, Length: header.Length}, body); err == nil {
		t.Errorf("expected unknown version error")
	}
	if _, err := decodeSnapshot(snapshotHeader{Version: snapshotVersion1, Length: segmentSize}, body); err == nil {
		t.Errorf("expected size error")
	}
}
