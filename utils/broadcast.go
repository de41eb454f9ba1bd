/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package utils

import (
	"context"
)

// A Broadcaster is a implementation of channels where clients can subscribe
// and unsubscribe to messages. Messages published to the Broadcaster are sent
// to all subcribers.
type Broadcaster struct {
	bufferSize int
	stopped    AtomicBool

	publishCh     chan interface{}
	subscribeCh   chan chan interface{}
	unsubscribeCh chan chan interface{}
	stopCh        chan struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		bufferSize: 10,

		publishCh:     make(chan interface{}, 1),
		subscribeCh:   make(chan chan interface{}, 1),
		unsubscribeCh: make(chan chan interface{}, 1),
		stopCh:        make(chan struct{}),
	}
}

func (b *Broadcaster) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	subscribers := make(map[chan interface{}]struct{})

	// Single Go routine pumping messages, subscriptions and unsubscriptions.
	for {
		select {

		case messageCh := <-b.subscribeCh:
			// Register subscriber.
			subscribers[messageCh] = struct{}{}

		case messageCh := <-b.unsubscribeCh:
			// Remove subscriber.
			if _, ok := subscribers[messageCh]; ok {
				delete(subscribers, messageCh)
				close(messageCh)
			}

		case msg := <-b.publishCh:
			// Subscriptions made before the message was published come first.
			b.register(subscribers)
			for messageCh := range subscribers {
				// Non blocking send to all subscribers.
				select {
				case messageCh <- msg:
				default:
				}
			}

		case <-b.stopCh:
			// We are done, close all subscribers.
			for messageCh := range subscribers {
				close(messageCh)
			}
			for {
				select {
				case messageCh := <-b.subscribeCh:
					close(messageCh)
				default:
					return
				}
			}

		case <-ctx.Done():
			b.Stop()
		}
	}
}

func (b *Broadcaster) register(subscribers map[chan interface{}]struct{}) {
	for {
		select {
		case messageCh := <-b.subscribeCh:
			subscribers[messageCh] = struct{}{}
		default:
			return
		}
	}
}

func (b *Broadcaster) Stop() {
	if b.stopped.CompareFalseAndSetTrue() {
		close(b.stopCh)
	}
}

// Subscribe returns a new channel receiving all messages. The channel is
// closed when the Broadcaster stops. Subscribing to a stopped Broadcaster
// returns a closed channel.
func (b *Broadcaster) Subscribe() chan interface{} {
	messageCh := make(chan interface{}, b.bufferSize)
	if b.stopped.IsSet() {
		close(messageCh)
		return messageCh
	}
	select {
	case b.subscribeCh <- messageCh:
	case <-b.stopCh:
		close(messageCh)
	}
	return messageCh
}

// Unsubscribe removes the subscription and closes messageCh.
func (b *Broadcaster) Unsubscribe(messageCh chan interface{}) {
	select {
	case b.unsubscribeCh <- messageCh:
	case <-b.stopCh:
	}
}

// Broadcast publishes msg to all subscribers. It never blocks once the
// Broadcaster is stopped.
func (b *Broadcaster) Broadcast(msg interface{}) {
	select {
	case b.publishCh <- msg:
	case <-b.stopCh:
	}
}
