/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/mailrouter/server/failure"
	"stash.kopano.io/kgol/mailrouter/server/forward"
	"stash.kopano.io/kgol/mailrouter/server/message"
)

// ErrPipelinePanic is returned by Serve when processing a message panicked.
var ErrPipelinePanic = errors.New("pipeline panic")

type job struct {
	message  *message.RawMessage
	resultCh chan *Outcome
}

// Process runs one raw message through parse, route and forward. Messages
// which fail at any stage are written to the failure store. Process never
// retries.
func (server *Server) Process(ctx context.Context, m *message.RawMessage) *Outcome {
	logger := server.logger.WithFields(logrus.Fields{
		"id":     m.ID,
		"source": m.Source,
		"size":   m.Size(),
	})
	server.metrics.received.WithLabelValues(m.Source).Inc()

	outcome := &Outcome{
		Message: m,
	}

	recipient, parseErr := message.Recipient(m)
	if parseErr != nil {
		outcome.Kind = RoutingFailed
		outcome.Reason = failure.ReasonNoToAddress
		outcome.Err = parseErr
		logger.Warnln("no recipient found in message")
		return server.fail(logger, outcome)
	}
	outcome.Recipient = recipient
	logger = logger.WithField("recipient", recipient)

	env, routeErr := server.router.Route(recipient)
	if routeErr != nil {
		outcome.Kind = RoutingFailed
		outcome.Reason = failure.ReasonUnknownDomain
		outcome.Err = routeErr
		logger.Warnln("no environment for recipient domain")
		return server.fail(logger, outcome)
	}
	outcome.Environment = env.Name
	logger = logger.WithField("environment", env.Name)

	started := time.Now()
	forwardErr := server.forwarder.Forward(ctx, env, m.Data)
	server.metrics.forwardDuration.WithLabelValues(env.Name).Observe(time.Since(started).Seconds())
	if forwardErr != nil {
		outcome.Kind = DeliveryFailed
		outcome.Reason = failure.APIErrorReason(env.Name)
		outcome.Err = forwardErr

		errLogger := logger.WithError(forwardErr)
		var deliveryErr *forward.DeliveryError
		if errors.As(forwardErr, &deliveryErr) {
			errLogger = errLogger.WithField("kind", deliveryErr.Kind())
			if deliveryErr.StatusCode != 0 {
				errLogger = errLogger.WithField("status", deliveryErr.StatusCode)
			}
		}
		errLogger.Errorln("message delivery failed")
		return server.fail(logger, outcome)
	}

	outcome.Kind = Delivered
	server.metrics.delivered.WithLabelValues(env.Name).Inc()
	logger.WithField("duration", time.Since(started)).Infoln("message delivered")
	server.status.recordOutcome(outcome)

	return outcome
}

// fail hands the message to the failure store. A store error is logged and
// recorded, it never stops the pipeline.
func (server *Server) fail(logger logrus.FieldLogger, outcome *Outcome) *Outcome {
	server.metrics.failed.WithLabelValues(outcome.Reason).Inc()

	fn, persistErr := server.failures.Persist(outcome.Message.Data, outcome.Reason)
	if persistErr != nil {
		outcome.PersistErr = persistErr
		server.metrics.persistErrors.Inc()
		logger.WithError(persistErr).WithField("reason", outcome.Reason).Errorln("failed to persist undeliverable message")
	} else {
		outcome.FailurePath = fn
		logger.WithFields(logrus.Fields{
			"reason": outcome.Reason,
			"path":   fn,
		}).Infoln("undeliverable message stored for reprocessing")
	}

	server.status.recordOutcome(outcome)
	return outcome
}

// processSafe is Process with panics turned into an error.
func (server *Server) processSafe(ctx context.Context, m *message.RawMessage) (outcome *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			server.logger.WithFields(logrus.Fields{
				"id":    m.ID,
				"panic": r,
				"stack": string(debug.Stack()),
			}).Errorln("panic while processing message")
			err = fmt.Errorf("%w: %v", ErrPipelinePanic, r)
		}
	}()

	return server.Process(ctx, m), nil
}

// runPipeline is the single worker. It processes jobs one at a time in the
// order they were submitted until ctx is done.
func (server *Server) runPipeline(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-server.jobCh:
			outcome, err := server.processSafe(ctx, j.message)
			if err != nil {
				close(j.resultCh)
				return err
			}
			j.resultCh <- outcome
			server.outcomes.Broadcast(outcome)
		}
	}
}

// Submit queues m for the pipeline worker and waits for its outcome.
func (server *Server) Submit(ctx context.Context, m *message.RawMessage) (*Outcome, error) {
	j := &job{
		message:  m,
		resultCh: make(chan *Outcome, 1),
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case server.jobCh <- j:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case outcome, ok := <-j.resultCh:
		if !ok {
			return nil, ErrPipelinePanic
		}
		return outcome, nil
	}
}
