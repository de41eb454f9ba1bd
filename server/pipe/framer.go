/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package pipe

import (
	"bytes"
)

// Delimiter separates messages on the pipe.
var Delimiter = []byte("\n\n\n")

// Framer splits a byte stream into messages. It is not safe for concurrent
// use.
type Framer struct {
	buf []byte

	// scanned is the offset up to which buf is known to hold no delimiter.
	scanned int

	maxMessageBytes int
}

// NewFramer creates a Framer. A maxMessageBytes > 0 bounds the buffered
// remainder, a remainder that grows beyond it is emitted as is.
func NewFramer(maxMessageBytes int) *Framer {
	return &Framer{
		maxMessageBytes: maxMessageBytes,
	}
}

// Write appends p and returns all messages completed by it. Returned slices
// are owned by the caller.
func (f *Framer) Write(p []byte) [][]byte {
	f.buf = append(f.buf, p...)

	var messages [][]byte
	for {
		idx := bytes.Index(f.buf[f.scanned:], Delimiter)
		if idx < 0 {
			break
		}
		end := f.scanned + idx
		if segment := f.buf[:end]; !isBlank(segment) {
			messages = append(messages, copyBytes(segment))
		}
		f.buf = f.buf[end+len(Delimiter):]
		f.scanned = 0
	}

	if f.maxMessageBytes > 0 && len(f.buf) > f.maxMessageBytes {
		if !isBlank(f.buf) {
			messages = append(messages, copyBytes(f.buf))
		}
		f.reset()
		return messages
	}

	// A delimiter may start in the last len(Delimiter)-1 bytes.
	if f.scanned = len(f.buf) - len(Delimiter) + 1; f.scanned < 0 {
		f.scanned = 0
	}
	if len(f.buf) == 0 {
		f.reset()
	}

	return messages
}

// Flush returns the buffered remainder and resets the Framer. It returns nil
// when the remainder is empty or blank.
func (f *Framer) Flush() []byte {
	remainder := f.buf
	f.reset()
	if isBlank(remainder) {
		return nil
	}
	return copyBytes(remainder)
}

// Buffered returns the number of bytes waiting for a delimiter.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

func (f *Framer) reset() {
	f.buf = nil
	f.scanned = 0
}

func isBlank(b []byte) bool {
	return len(bytes.TrimSpace(b)) == 0
}

func copyBytes(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
