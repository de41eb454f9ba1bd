/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"stash.kopano.io/kgol/mailrouter/server/routing"
	"stash.kopano.io/kgol/mailrouter/version"
)

// ProcessEmailPath is the ingestion endpoint of the backend API.
const ProcessEmailPath = "/api/internal/process-email"

// InternalTokenHeader carries the shared secret between router and backend.
const InternalTokenHeader = "X-Internal-Token"

// DefaultTimeout bounds each delivery request.
const DefaultTimeout = 30 * time.Second

var defaultUserAgent = "mailrouterd/" + version.Version

// Config bundles forwarder configuration settings.
type Config struct {
	Logger logrus.FieldLogger

	// Host is the backend host, the environment provides the port.
	Host          string
	InternalToken string
	Timeout       time.Duration

	// Transport is used for requests when set, mainly useful for tests.
	Transport http.RoundTripper

	// CircuitBreaker enables a breaker per environment which fails deliveries
	// fast while a backend keeps failing.
	CircuitBreaker         bool
	CircuitBreakerFailures uint32
	CircuitBreakerTimeout  time.Duration
}

type processEmailRequest struct {
	RawEmail string `json:"rawEmail"`
}

// Forwarder delivers raw messages to the HTTP ingestion endpoint of an
// environment.
type Forwarder struct {
	config *Config
	logger logrus.FieldLogger

	httpClient *http.Client

	breakersMutex sync.Mutex
	breakers      map[string]*gobreaker.CircuitBreaker
}

// New creates a Forwarder.
func New(c *Config) *Forwarder {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.CircuitBreakerFailures == 0 {
		c.CircuitBreakerFailures = 5
	}
	if c.CircuitBreakerTimeout <= 0 {
		c.CircuitBreakerTimeout = 30 * time.Second
	}

	return &Forwarder{
		config: c,
		logger: c.Logger,

		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: c.Transport,
		},

		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// EndpointURL returns the ingestion URL for env.
func (f *Forwarder) EndpointURL(env *routing.Environment) string {
	u := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(f.config.Host, strconv.Itoa(env.Port)),
		Path:   ProcessEmailPath,
	}
	return u.String()
}

// Forward posts raw to env. A nil return means the backend answered with 200
// and owns the message now. Any other outcome is a *DeliveryError.
func (f *Forwarder) Forward(ctx context.Context, env *routing.Environment, raw []byte) error {
	var err error
	if f.config.CircuitBreaker {
		_, err = f.breaker(env.Name).Execute(func() (interface{}, error) {
			return nil, f.post(ctx, env, raw)
		})
	} else {
		err = f.post(ctx, env, raw)
	}
	if err == nil {
		return nil
	}
	if deliveryErr, ok := err.(*DeliveryError); ok {
		return deliveryErr
	}
	return &DeliveryError{
		Environment: env.Name,
		Err:         err,
	}
}

func (f *Forwarder) post(ctx context.Context, env *routing.Environment, raw []byte) error {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(&processEmailRequest{RawEmail: string(raw)}); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, f.EndpointURL(env), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", defaultUserAgent)
	request.Header.Set(InternalTokenHeader, f.config.InternalToken)

	response, requestErr := f.httpClient.Do(request)
	if requestErr != nil {
		return &DeliveryError{
			Environment: env.Name,
			Err:         requestErr,
		}
	}
	defer response.Body.Close()
	// Drain to allow connection reuse.
	_, _ = io.Copy(ioutil.Discard, io.LimitReader(response.Body, 64*1024))

	if response.StatusCode != http.StatusOK {
		return &DeliveryError{
			Environment: env.Name,
			StatusCode:  response.StatusCode,
		}
	}

	return nil
}

func (f *Forwarder) breaker(name string) *gobreaker.CircuitBreaker {
	f.breakersMutex.Lock()
	defer f.breakersMutex.Unlock()

	cb, ok := f.breakers[name]
	if !ok {
		failures := f.config.CircuitBreakerFailures
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     f.config.CircuitBreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				f.logger.WithFields(logrus.Fields{
					"environment": name,
					"from":        from.String(),
					"to":          to.String(),
				}).Warnln("forward circuit breaker state changed")
			},
		})
		f.breakers[name] = cb
	}
	return cb
}
