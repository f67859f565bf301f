// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package gsm

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsalarm/at"
	"github.com/warthog618/smsalarm/pdu"
)

// InboundMessage is an SMS received from the modem.
type InboundMessage struct {
	// From is the originating address, as received.
	From string

	Text string
}

// InboundHandler receives messages decoded by the Dispatcher.
type InboundHandler func(InboundMessage)

// Acker acknowledges new message indications to the modem.
type Acker interface {
	AckMessage(ctx context.Context) error
}

// Dispatcher drains unsolicited responses from the modem, acknowledging and
// decoding new message indications and forwarding the decoded messages to
// the handler.
//
// The Dispatcher processes responses one at a time, in the order received,
// on its own goroutine.
type Dispatcher struct {
	log     logrus.FieldLogger
	handler InboundHandler
	events  chan at.Response
	timeout time.Duration

	mu      sync.Mutex
	started bool
	stopped bool
	quit    chan struct{}
	done    chan struct{}
}

// DispatcherOption is a construction option for a Dispatcher.
type DispatcherOption func(*Dispatcher)

const dispatchQueueSize = 64

// NewDispatcher creates a Dispatcher that forwards received messages to
// the handler.
//
// The Dispatcher queues responses passed to Enqueue but does not process them
// until started.
func NewDispatcher(handler InboundHandler, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		log:     logrus.StandardLogger(),
		handler: handler,
		events:  make(chan at.Response, dispatchQueueSize),
		timeout: 10 * time.Second,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, option := range options {
		option(d)
	}
	return d
}

// WithDispatchLogger sets the logger for the Dispatcher.
func WithDispatchLogger(l logrus.FieldLogger) DispatcherOption {
	return func(d *Dispatcher) {
		d.log = l
	}
}

// WithAckTimeout limits the time spent acknowledging each indication.
func WithAckTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.timeout = t
	}
}

// Enqueue queues an unsolicited response for processing.
//
// Enqueue never blocks, so it may be used directly as the AT unsolicited
// handler.  If the queue is full the response is dropped.
func (d *Dispatcher) Enqueue(rsp at.Response) {
	select {
	case d.events <- rsp:
	default:
		d.log.WithField("response", rsp.Text).Error("dispatch queue full, dropping indication")
	}
}

// Start starts processing queued responses, acknowledging new messages
// through the acker.
//
// Start has no effect if the Dispatcher has already been started or stopped.
func (d *Dispatcher) Start(a Acker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	go d.run(a)
}

// Stop stops the Dispatcher and waits for it to finish processing the
// current response, if any.  Responses still queued are discarded.
//
// Stop is idempotent.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.quit)
	started := d.started
	d.mu.Unlock()
	if started {
		<-d.done
	}
}

func (d *Dispatcher) run(a Acker) {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			return
		case rsp := <-d.events:
			d.dispatch(a, rsp)
		}
	}
}

func (d *Dispatcher) dispatch(a Acker, rsp at.Response) {
	if rsp.Pattern != at.PatternNewSMS {
		d.log.WithField("response", rsp.Text).Info("ignoring unsolicited response")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	if err := a.AckMessage(ctx); err != nil {
		d.log.WithError(err).Warn("indication not acknowledged")
	}
	cancel()
	m := at.PatternNewSMS.Submatch(rsp.Text)
	if m == nil {
		d.log.WithField("response", rsp.Text).Error("malformed +CMT indication")
		return
	}
	length, err := strconv.Atoi(m[0])
	if err != nil {
		d.log.WithField("response", rsp.Text).Error("malformed +CMT length")
		return
	}
	msg, err := pdu.Decode(length, m[1])
	if err != nil {
		d.log.WithError(err).WithField("pdu", m[1]).Error("decode received message")
		return
	}
	d.log.WithField("from", msg.From).Debug("message received")
	d.forward(InboundMessage{From: msg.From, Text: msg.Text})
}

func (d *Dispatcher) forward(msg InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("panic", r).Error("inbound message handler panicked")
		}
	}()
	if d.handler != nil {
		d.handler(msg)
	}
}
