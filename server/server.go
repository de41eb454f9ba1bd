/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/mailrouter/server/failure"
	"stash.kopano.io/kgol/mailrouter/server/forward"
	"stash.kopano.io/kgol/mailrouter/server/message"
	"stash.kopano.io/kgol/mailrouter/server/pipe"
	"stash.kopano.io/kgol/mailrouter/server/routing"
	"stash.kopano.io/kgol/mailrouter/server/smtp/dagent"
	"stash.kopano.io/kgol/mailrouter/utils"
	"stash.kopano.io/kgol/mailrouter/version"
)

// Server is the mail distribution router. It reads raw messages from the pipe
// and hands them one at a time to the routing pipeline.
type Server struct {
	config *Config

	logger logrus.FieldLogger

	source    pipe.Source
	router    *routing.Router
	forwarder *forward.Forwarder
	failures  *failure.Store

	DAgent *dagent.DAgent

	jobCh    chan *job
	outcomes *utils.Broadcaster

	metrics *metrics
	status  *Status
}

// NewServer constructs a server from the provided parameters. It fails when
// the configuration can never deliver mail.
func NewServer(c *Config) (*Server, error) {
	if err := c.Environments.Validate(); err != nil {
		return nil, fmt.Errorf("invalid environments: %w", err)
	}
	if c.FailedPath == "" {
		return nil, errors.New("failed path must not be empty")
	}

	s := &Server{
		config: c,
		logger: c.Logger,

		source: c.Source,
		router: routing.NewRouter(c.Environments, c.RootDomain, c.FallbackEnvironment),
		forwarder: forward.New(&forward.Config{
			Logger: c.Logger,

			Host:          c.BackendHost,
			InternalToken: c.InternalToken,
			Timeout:       c.ForwardTimeout,
			Transport:     c.Transport,

			CircuitBreaker:         c.CircuitBreaker,
			CircuitBreakerFailures: c.CircuitBreakerFailures,
			CircuitBreakerTimeout:  c.CircuitBreakerTimeout,
		}),
		failures: failure.NewStore(c.FailedPath),

		jobCh:    make(chan *job),
		outcomes: utils.NewBroadcaster(),

		metrics: newMetrics(),
		status: &Status{
			Version:      version.Version,
			PipePath:     c.PipePath,
			FailedPath:   c.FailedPath,
			Environments: c.Environments,
		},
	}

	if s.source == nil {
		if c.PipePath == "" {
			return nil, errors.New("pipe path must not be empty")
		}
		s.source = &pipe.FIFOSource{Path: c.PipePath}
	}

	if c.DAgentListenAddress != "" {
		dagentConfig := &dagent.Config{
			Logger: s.logger,
			Router: s,
			LMTP:   c.DAgentLMTP,

			ReadTimeout:  10 * time.Minute,
			WriteTimeout: 10 * time.Minute,

			MaxMessageBytes: c.MaxMessageBytes,
			MaxRecipients:   100,
		}
		if dagentConfig.MaxMessageBytes <= 0 {
			dagentConfig.MaxMessageBytes = pipe.DefaultMaxMessageBytes
		}

		var err error
		s.DAgent, err = dagent.New(dagentConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create dagent server: %w", err)
		}
	}

	return s, nil
}

// Logger returns the server's logger.
func (server *Server) Logger() logrus.FieldLogger {
	return server.logger
}

// Serve starts all the accociated resources and listeners and blocks until a
// termination signal, cancellation of ctx or a fatal error occurs. A fatal
// error is returned, termination returns nil.
func (server *Server) Serve(ctx context.Context) error {
	var err error

	logger := server.logger

	if checker, ok := server.source.(interface{ Check() error }); ok {
		if checkErr := checker.Check(); checkErr != nil {
			return checkErr
		}
	}

	errCh := make(chan error, 4)
	exitCh := make(chan struct{}, 1)
	signalCh := make(chan os.Signal, 1)
	readyCh := make(chan struct{}, 1)

	serveCtx, serveCtxCancel := context.WithCancel(ctx)
	defer serveCtxCancel()

	// Signals are handled from here on, before anyone is told about readiness.
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signalCh)

	server.status.mutex.Lock()
	server.status.StartedAt = time.Now()
	server.status.mutex.Unlock()

	server.logStartup()

	go func() {
		select {
		case <-serveCtx.Done():
			return
		case <-readyCh:
		}
		logger.WithFields(logrus.Fields{}).Infoln("ready")
		if server.config.OnReady != nil {
			server.config.OnReady(server)
		}
	}()

	var serversWg sync.WaitGroup

	// Open all listeners before starting anything, so a failing one leaves
	// nothing running.
	var dagentListener net.Listener
	var metricsListener net.Listener
	if server.DAgent != nil {
		var listenErr error
		dagentListener, listenErr = net.Listen("tcp", server.config.DAgentListenAddress)
		if listenErr != nil {
			return fmt.Errorf("failed to create dagent listener: %w", listenErr)
		}
	}
	if server.config.MetricsListenAddress != "" {
		var listenErr error
		metricsListener, listenErr = net.Listen("tcp", server.config.MetricsListenAddress)
		if listenErr != nil {
			if dagentListener != nil {
				dagentListener.Close()
			}
			return fmt.Errorf("failed to create metrics listener: %w", listenErr)
		}
	}

	go server.outcomes.Start(serveCtx)
	outcomesCh := server.outcomes.Subscribe()
	serversWg.Add(1)
	// Publish status for every outcome
	go func() {
		defer serversWg.Done()
		server.publishOutcomes(outcomesCh)
	}()

	// Start DAgent
	if dagentListener != nil {
		serversWg.Add(1)
		go func() {
			defer serversWg.Done()
			logger.WithField("listen_addr", dagentListener.Addr()).Infoln("dagent listener started")
			serveErr := server.DAgent.Serve(dagentListener)
			if serveErr != nil && serveCtx.Err() == nil {
				errCh <- serveErr
			}
		}()
	}

	// Start metrics
	var metricsServer *http.Server
	if metricsListener != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", server.metrics.handler())
		metricsServer = &http.Server{
			Handler: mux,
		}
		serversWg.Add(1)
		go func() {
			defer serversWg.Done()
			logger.WithField("listen_addr", metricsListener.Addr()).Infoln("metrics listener started")
			serveErr := metricsServer.Serve(metricsListener)
			if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				errCh <- serveErr
			}
		}()
	}

	serversWg.Add(1)
	// Single pipeline worker
	go func() {
		defer serversWg.Done()
		pipelineErr := server.runPipeline(serveCtx)
		if pipelineErr != nil {
			errCh <- pipelineErr
		}
	}()

	serversWg.Add(1)
	// Read the pipe and feed the pipeline
	go func() {
		defer serversWg.Done()
		reader := pipe.NewReader(&pipe.Config{
			Logger: logger,
			Source: server.source,

			ReopenDelay:     server.config.ReopenDelay,
			ErrorDelay:      server.config.ErrorDelay,
			MaxErrorDelay:   server.config.MaxErrorDelay,
			MaxMessageBytes: server.config.MaxMessageBytes,

			OnState: server.onPipeState,
		})
		readErr := reader.Run(serveCtx, func(data []byte) error {
			_, submitErr := server.Submit(serveCtx, message.New(message.SourcePipe, data))
			if submitErr != nil && serveCtx.Err() != nil {
				// Shutting down.
				return nil
			}
			return submitErr
		})
		if readErr != nil {
			errCh <- readErr
		}
	}()

	// Wait for all services to stop before closing the exit channel
	go func() {
		serversWg.Wait()
		close(exitCh)
	}()

	// Set ready
	go func() {
		close(readyCh)
	}()

	// Wait for error or signal, with support for HUP to log status.
	err = func() error {
		for {
			select {
			case errFromChannel := <-errCh:
				logger.WithError(errFromChannel).Errorln("fatal error")
				return errFromChannel
			case <-ctx.Done():
				return nil
			case reason := <-signalCh:
				if reason == syscall.SIGHUP {
					server.logStatus()
					if server.config.OnStatus != nil {
						server.config.OnStatus(server)
					}
					continue
				}
				logger.WithField("signal", reason).Warnln("received signal")
				return nil
			}
		}
	}()

	logger.Infoln("clean server shutdown start")
	if server.config.OnStopping != nil {
		server.config.OnStopping(server)
	}

	shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCtxCancel()

	if server.DAgent != nil {
		go func() {
			if shutdownErr := server.DAgent.Shutdown(shutdownCtx); shutdownErr != nil {
				logger.WithError(shutdownErr).Warn("clean dagent shutdown failed")
			} else {
				logger.Info("clean dagent shutdown complete")
			}
		}()
	}
	if metricsServer != nil {
		go func() {
			if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
				logger.WithError(shutdownErr).Warn("clean metrics shutdown failed")
			}
		}()
	}

	// Cancel our own context and wait for all services to shutdown.
	serveCtxCancel()
	func() {
		for {
			select {
			case <-exitCh:
				logger.Infoln("clean server shutdown complete, exiting")
				return
			default:
				// Some services still running
				logger.Debugln("waiting services to exit")
			}
			select {
			case reason := <-signalCh:
				logger.WithField("signal", reason).Warn("received signal")
				return
			case <-shutdownCtx.Done():
				logger.Warnln("services did not exit in time")
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()

	return err
}

// onPipeState counts reopens after streams which carried data or failed. Idle
// polls while no writer is connected are not counted.
func (server *Server) onPipeState(state pipe.State, cause string) {
	reopened := state == pipe.StateReopening && cause != pipe.CauseIdle
	if reopened {
		server.metrics.pipeReopens.WithLabelValues(cause).Inc()
	}
	server.status.setPipeState(state.String(), reopened)
}

// publishOutcomes calls OnStatus for every outcome until the broadcaster
// stops. Outcomes dropped for a full channel are covered by the snapshot
// published for a later one.
func (server *Server) publishOutcomes(outcomes chan interface{}) {
	for range outcomes {
		if server.config.OnStatus != nil {
			server.config.OnStatus(server)
		}
	}
}

func (server *Server) logStartup() {
	fields := logrus.Fields{
		"version":     version.Version,
		"pipe":        server.config.PipePath,
		"failed_path": server.failures.Dir(),
	}
	if server.config.RootDomain != "" && server.config.FallbackEnvironment != "" {
		fields["fallback"] = server.config.FallbackEnvironment + " (" + server.config.RootDomain + ")"
	}
	server.logger.WithFields(fields).Infoln("mail router starting")

	for _, env := range server.config.Environments {
		server.logger.WithFields(logrus.Fields{
			"environment": env.Name,
			"enabled":     env.Enabled,
			"endpoint":    server.forwarder.EndpointURL(env),
			"domains":     strings.Join(env.Domains, ","),
		}).Infoln("environment configured")
	}

	records, err := server.failures.List()
	if err != nil {
		server.logger.WithError(err).Warnln("failed to list failure directory")
	} else if len(records) > 0 {
		server.logger.WithField("count", len(records)).Warnln("failed messages are waiting for reprocessing")
	}
}

func (server *Server) logStatus() {
	status, err := server.Status()
	if err != nil {
		server.logger.WithError(err).Errorln("failed to get server status")
		return
	}
	fields := logrus.Fields{
		"pipe_state":     status.PipeState,
		"pipe_reopens":   status.PipeReopens,
		"received":       status.Received,
		"delivered":      status.Delivered,
		"failed":         status.TotalFailed(),
		"persist_errors": status.PersistErrors,
	}
	if server.DAgent != nil {
		fields["dagent_sessions"] = server.DAgent.Sessions()
	}
	server.logger.WithFields(fields).Infoln("status")
}
