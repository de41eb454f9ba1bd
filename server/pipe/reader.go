/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package pipe

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

// State of the Reader.
type State int

// Reader states.
const (
	StateReading State = iota
	StateReopening
)

func (s State) String() string {
	switch s {
	case StateReading:
		return "reading"
	case StateReopening:
		return "reopening"
	default:
		return "unknown"
	}
}

// Reopen causes reported with OnState. CauseIdle is an end of stream which
// carried no data, the reader polls the pipe that way while no writer is
// connected.
const (
	CauseEOF   = "eof"
	CauseError = "error"
	CauseIdle  = "idle"
)

// Default values used when the Config does not provide them.
const (
	DefaultReopenDelay     = 1 * time.Second
	DefaultErrorDelay      = 2 * time.Second
	DefaultReadBufferSize  = 32 * 1024
	DefaultMaxMessageBytes = 32 * 1024 * 1024
)

// Config bundles Reader configuration settings.
type Config struct {
	Logger logrus.FieldLogger
	Source Source

	// ReopenDelay is waited after the writer closed the pipe.
	ReopenDelay time.Duration
	// ErrorDelay and MaxErrorDelay bound the backoff after open or read
	// errors. They are equal by default, which gives a fixed delay.
	ErrorDelay    time.Duration
	MaxErrorDelay time.Duration

	ReadBufferSize  int
	MaxMessageBytes int

	// Wait blocks for d or until ctx is done. It defaults to a timer and is
	// replaceable for tests.
	Wait func(ctx context.Context, d time.Duration) error

	// OnState is called on every state change with the reopen cause, if any.
	OnState func(state State, cause string)
}

// Reader turns a reopenable byte stream into raw messages. It alternates
// between StateReading and StateReopening until its context is done.
type Reader struct {
	config *Config
	logger logrus.FieldLogger

	framer       *Framer
	errorBackoff *backoff.Backoff
}

// NewReader creates a Reader.
func NewReader(c *Config) *Reader {
	if c.ReopenDelay <= 0 {
		c.ReopenDelay = DefaultReopenDelay
	}
	if c.ErrorDelay <= 0 {
		c.ErrorDelay = DefaultErrorDelay
	}
	if c.MaxErrorDelay < c.ErrorDelay {
		c.MaxErrorDelay = c.ErrorDelay
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.Wait == nil {
		c.Wait = wait
	}

	return &Reader{
		config: c,
		logger: c.Logger,

		framer: NewFramer(c.MaxMessageBytes),
		errorBackoff: &backoff.Backoff{
			Min:    c.ErrorDelay,
			Max:    c.MaxErrorDelay,
			Factor: 2,
		},
	}
}

// Run reads until ctx is done and calls emit for every complete message, in
// stream order. emit runs on the caller's goroutine. Run returns nil when ctx
// is done, or the error returned by emit.
//
// At end of stream the next stream is opened before the finished one is
// closed, so there is a reader on the pipe at all times and data of writers
// which connect in between stays in the pipe.
func (r *Reader) Run(ctx context.Context, emit func([]byte) error) error {
	var stream io.ReadCloser
	defer func() {
		if stream != nil {
			stream.Close()
		}
	}()

	state := StateReading
	cause := ""
	for {
		r.setState(state, cause)

		switch state {
		case StateReading:
			var n int64
			var readErr error
			if stream == nil {
				stream, readErr = r.config.Source.Open(ctx)
				if readErr != nil {
					stream = nil
				}
			}
			if stream != nil {
				n, readErr = r.read(ctx, stream, emit)
				var emitErr *emitError
				if errors.As(readErr, &emitErr) {
					return emitErr.err
				}
				stream = r.handover(ctx, stream, readErr == nil)
			}

			if err := r.flush(ctx, emit); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}

			switch {
			case readErr != nil:
				r.logger.WithError(readErr).Errorln("pipe read error")
				cause = CauseError
			case n == 0:
				cause = CauseIdle
				r.errorBackoff.Reset()
			default:
				r.logger.WithField("size", n).Debugln("pipe writer closed")
				cause = CauseEOF
				r.errorBackoff.Reset()
			}
			state = StateReopening

		case StateReopening:
			delay := r.config.ReopenDelay
			if cause == CauseError {
				delay = r.errorBackoff.Duration()
			}
			if cause != CauseIdle {
				r.logger.WithField("delay", delay).Debugln("pipe reopen scheduled")
			}
			if err := r.config.Wait(ctx, delay); err != nil {
				return nil
			}
			state = StateReading
			cause = ""
		}
	}
}

// handover closes the finished stream. After a clean end of stream it first
// opens its successor and returns it. A failed successor open is left to the
// next reading state, which opens again.
func (r *Reader) handover(ctx context.Context, stream io.ReadCloser, eof bool) io.ReadCloser {
	var next io.ReadCloser
	if eof && ctx.Err() == nil {
		var err error
		next, err = r.config.Source.Open(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.WithError(err).Warnln("failed to open pipe ahead of reopen")
			}
			next = nil
		}
	}
	stream.Close()
	return next
}

// flush emits the buffered remainder as final message. The remainder is
// dropped when ctx is done.
func (r *Reader) flush(ctx context.Context, emit func([]byte) error) error {
	remainder := r.framer.Flush()
	if remainder == nil {
		return nil
	}
	if ctx.Err() != nil {
		r.logger.WithField("size", len(remainder)).Warnln("pipe remainder discarded on shutdown")
		return nil
	}
	return emit(remainder)
}

type emitError struct {
	err error
}

func (e *emitError) Error() string {
	return e.err.Error()
}

// read consumes stream until end of stream or error and returns the number
// of bytes read. It does not close stream, except to interrupt a pending
// read when ctx is done.
func (r *Reader) read(ctx context.Context, stream io.ReadCloser, emit func([]byte) error) (int64, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// Unblocks a pending Read.
			stream.Close()
		case <-done:
		}
	}()

	var total int64
	buf := make([]byte, r.config.ReadBufferSize)
	for {
		n, readErr := stream.Read(buf)
		if n > 0 {
			total += int64(n)
			for _, message := range r.framer.Write(buf[:n]) {
				if emitErr := emit(message); emitErr != nil {
					return total, &emitError{emitErr}
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF || ctx.Err() != nil {
				return total, nil
			}
			return total, readErr
		}
	}
}

func (r *Reader) setState(state State, cause string) {
	if r.config.OnState != nil {
		r.config.OnState(state, cause)
	}
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
