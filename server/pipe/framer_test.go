/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package pipe

import (
	"strings"
	"testing"
)

func collect(f *Framer, chunks ...string) []string {
	var result []string
	for _, chunk := range chunks {
		for _, m := range f.Write([]byte(chunk)) {
			result = append(result, string(m))
		}
	}
	return result
}

func TestFramerSplitsOnDelimiter(t *testing.T) {
	f := NewFramer(0)
	got := collect(f, "To: a@x\n\nbody a\n\n\nTo: b@x\n\nbody b\n\n\nTo: c@x")
	if len(got) != 2 || got[0] != "To: a@x\n\nbody a" || got[1] != "To: b@x\n\nbody b" {
		t.Fatalf("unexpected messages: %q", got)
	}
	if f.Buffered() != len("To: c@x") {
		t.Errorf("unexpected buffered size: %d", f.Buffered())
	}
	if remainder := f.Flush(); string(remainder) != "To: c@x" {
		t.Errorf("unexpected remainder: %q", remainder)
	}
	if f.Buffered() != 0 || f.Flush() != nil {
		t.Error("framer not reset after flush")
	}
}

func TestFramerPartialReads(t *testing.T) {
	input := "To: a@x\n\nbody a\n\n\nTo: b@x\n\nbody b\n\n\n"

	// Feed the input one byte at a time, the delimiter spans many writes.
	f := NewFramer(0)
	var chunks []string
	for _, c := range input {
		chunks = append(chunks, string(c))
	}
	got := collect(f, chunks...)
	if len(got) != 2 || got[0] != "To: a@x\n\nbody a" || got[1] != "To: b@x\n\nbody b" {
		t.Fatalf("unexpected messages: %q", got)
	}
	if f.Flush() != nil {
		t.Error("unexpected remainder")
	}

	// Delimiter split across two writes.
	f = NewFramer(0)
	got = collect(f, "one\n", "\n", "\ntwo")
	if len(got) != 1 || got[0] != "one" {
		t.Fatalf("unexpected messages: %q", got)
	}
	if string(f.Flush()) != "two" {
		t.Error("unexpected remainder")
	}
}

func TestFramerSkipsBlankSegments(t *testing.T) {
	f := NewFramer(0)
	got := collect(f, "\n\n\n\n\n\none\n\n\n  \n\n\n\n\n\ntwo\n\n\n")
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("unexpected messages: %q", got)
	}
	f.Write([]byte(" \n\t"))
	if f.Flush() != nil {
		t.Error("blank remainder must not be flushed")
	}
}

func TestFramerOversizedRemainder(t *testing.T) {
	f := NewFramer(16)
	big := strings.Repeat("x", 20)
	got := collect(f, "small\n\n\n", big)
	if len(got) != 2 || got[0] != "small" || got[1] != big {
		t.Fatalf("unexpected messages: %q", got)
	}
	if f.Buffered() != 0 {
		t.Errorf("unexpected buffered size: %d", f.Buffered())
	}
}

func TestFramerReturnsCopies(t *testing.T) {
	f := NewFramer(0)
	input := []byte("abc\n\n\ndef")
	messages := f.Write(input)
	input[0] = 'X'
	if string(messages[0]) != "abc" {
		t.Errorf("message aliases input: %q", messages[0])
	}
}
