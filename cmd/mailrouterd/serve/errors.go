/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package serve

import (
	"errors"

	"stash.kopano.io/kgol/mailrouter/server/pipe"
)

// Exit codes used by the serve command.
const (
	ExitCodeFatal   = 1
	ExitCodeStartup = 64
)

// ErrorWithExitCode is an error carrying the process exit code to use.
type ErrorWithExitCode struct {
	Err  error
	Code int
}

func (e *ErrorWithExitCode) Error() string {
	return e.Err.Error()
}

func (e *ErrorWithExitCode) Unwrap() error {
	return e.Err
}

// StartupError wraps err so the process exits with ExitCodeStartup.
func StartupError(err error) error {
	return &ErrorWithExitCode{
		Err:  err,
		Code: ExitCodeStartup,
	}
}

// isStartupFailure reports errors from Serve which mean the router never got
// to process anything because of its configuration.
func isStartupFailure(err error) bool {
	return errors.Is(err, pipe.ErrPipeMissing) || errors.Is(err, pipe.ErrNotAPipe)
}
