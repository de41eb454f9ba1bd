/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/mailrouter/server/pipe"
	"stash.kopano.io/kgol/mailrouter/server/routing"
)

// Config bundles configuration settings.
type Config struct {
	Logger logrus.FieldLogger

	OnReady    func(*Server)
	OnStatus   func(*Server)
	OnStopping func(*Server)

	// PipePath is the named pipe fed by the MTA. Source replaces it when set.
	PipePath string
	Source   pipe.Source

	ReopenDelay     time.Duration
	ErrorDelay      time.Duration
	MaxErrorDelay   time.Duration
	MaxMessageBytes int

	Environments        routing.Environments
	RootDomain          string
	FallbackEnvironment string

	BackendHost    string
	InternalToken  string
	ForwardTimeout time.Duration
	Transport      http.RoundTripper

	CircuitBreaker         bool
	CircuitBreakerFailures uint32
	CircuitBreakerTimeout  time.Duration

	FailedPath string

	DAgentListenAddress string
	DAgentLMTP          bool

	MetricsListenAddress string
}
