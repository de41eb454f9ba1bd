/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package message

import (
	"time"

	"github.com/lithammer/shortuuid/v3"
)

// Known message sources.
const (
	SourcePipe   = "pipe"
	SourceDAgent = "dagent"
)

// RawMessage is one unparsed email as delimited on its input. It is consumed
// exactly once, either forwarded or persisted.
type RawMessage struct {
	ID         string
	Source     string
	Data       []byte
	ReceivedAt time.Time
}

// New wraps data into a RawMessage with a fresh correlation ID.
func New(source string, data []byte) *RawMessage {
	return &RawMessage{
		ID:         shortuuid.New(),
		Source:     source,
		Data:       data,
		ReceivedAt: time.Now(),
	}
}

// Size returns the number of raw bytes.
func (m *RawMessage) Size() int {
	return len(m.Data)
}
