/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package forward

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sony/gobreaker"
)

// Failure kinds reported by DeliveryError.Kind.
const (
	KindTimeout     = "timeout"
	KindConnection  = "connection"
	KindStatus      = "status"
	KindCircuitOpen = "circuit-open"
)

// DeliveryError describes a failed delivery to an environment.
type DeliveryError struct {
	Environment string
	StatusCode  int
	Err         error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery to %s failed with unexpected response status: %d", e.Environment, e.StatusCode)
	}
	return fmt.Sprintf("delivery to %s failed: %v", e.Environment, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Kind classifies the failure.
func (e *DeliveryError) Kind() string {
	switch {
	case e.StatusCode != 0:
		return KindStatus
	case errors.Is(e.Err, gobreaker.ErrOpenState), errors.Is(e.Err, gobreaker.ErrTooManyRequests):
		return KindCircuitOpen
	case errors.Is(e.Err, context.DeadlineExceeded):
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(e.Err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindConnection
}
