/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

var (
	// ErrPipeMissing is returned when the configured pipe does not exist.
	ErrPipeMissing = errors.New("pipe does not exist")
	// ErrNotAPipe is returned when the configured path is not a named pipe.
	ErrNotAPipe = errors.New("path is not a named pipe")
)

// Source opens the byte stream the Reader consumes. Each Open starts a new
// stream, the Reader closes it on end of stream or error.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// FIFOSource reads from a named pipe on the file system.
type FIFOSource struct {
	Path string
}

// Check verifies that Path exists and is a named pipe.
func (s *FIFOSource) Check() error {
	info, err := os.Stat(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrPipeMissing, s.Path)
		}
		return fmt.Errorf("failed to stat pipe: %w", err)
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		return fmt.Errorf("%w: %s", ErrNotAPipe, s.Path)
	}
	return nil
}

// Open opens the pipe for reading without blocking for a writer. The returned
// file uses the runtime poller, so reads block until data arrives and closing
// the file interrupts a pending read.
func (s *FIFOSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := s.Check(); err != nil {
		return nil, err
	}

	fd, err := unix.Open(s.Path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open pipe: %w", err)
	}

	return os.NewFile(uintptr(fd), s.Path), nil
}
