/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"sync"
	"time"

	"github.com/jinzhu/copier"

	"stash.kopano.io/kgol/mailrouter/server/routing"
)

// Status is a snapshot of the router's runtime state.
type Status struct {
	mutex sync.RWMutex

	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`

	PipePath    string `json:"pipe_path"`
	PipeState   string `json:"pipe_state"`
	PipeReopens uint64 `json:"pipe_reopens"`

	FailedPath string `json:"failed_path"`

	Environments []*routing.Environment `json:"environments"`

	Received      uint64            `json:"received"`
	Delivered     uint64            `json:"delivered"`
	Failed        map[string]uint64 `json:"failed"`
	PersistErrors uint64            `json:"persist_errors"`

	LastMessage *time.Time `json:"last_message,omitempty"`
}

// Copy returns a deep copy of status.
func (status *Status) Copy() (*Status, error) {
	status.mutex.RLock()
	defer status.mutex.RUnlock()

	s := &Status{}
	err := copier.CopyWithOption(s, status, copier.Option{
		IgnoreEmpty: true,
		DeepCopy:    true,
	})

	return s, err
}

// TotalFailed returns the sum of all failure counters.
func (status *Status) TotalFailed() uint64 {
	status.mutex.RLock()
	defer status.mutex.RUnlock()

	var total uint64
	for _, count := range status.Failed {
		total += count
	}
	return total
}

func (status *Status) setPipeState(state string, reopened bool) {
	status.mutex.Lock()
	status.PipeState = state
	if reopened {
		status.PipeReopens++
	}
	status.mutex.Unlock()
}

func (status *Status) recordOutcome(outcome *Outcome) {
	status.mutex.Lock()
	defer status.mutex.Unlock()

	now := time.Now()
	status.LastMessage = &now
	status.Received++

	switch outcome.Kind {
	case Delivered:
		status.Delivered++
	default:
		if status.Failed == nil {
			status.Failed = make(map[string]uint64)
		}
		status.Failed[outcome.Reason]++
		if outcome.PersistErr != nil {
			status.PersistErrors++
		}
	}
}

// Status returns a snapshot of the server's current status.
func (server *Server) Status() (*Status, error) {
	return server.status.Copy()
}
