/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package ipc

import (
	"stash.kopano.io/kgol/mailrouter/server"
)

// statusSegment is shared by serve, which writes, and status, which reads.
var statusSegment *shmSegment

// MustInitializeStatusSHM selects the shared memory segment for the state
// path. It panics when called twice or without state path.
func MustInitializeStatusSHM(statePath, projectID string) {
	if statusSegment != nil {
		panic("ipc status already initialized")
	}
	if statePath == "" {
		panic("state path must not be empty")
	}

	statusSegment = &shmSegment{
		name: segmentName(statePath, projectID),
	}
}

// ClearStatus removes the status segment.
func ClearStatus() error {
	return statusSegment.destroy()
}

// SetStatus publishes a status snapshot.
func SetStatus(status *server.Status) error {
	return statusSegment.write(status)
}

// GetStatus reads the last published status snapshot.
func GetStatus() (*server.Status, error) {
	return statusSegment.read()
}
