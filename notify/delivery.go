// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsalarm/alarm"
	"github.com/warthog618/smsalarm/at"
	"github.com/warthog618/smsalarm/phone"
	"go.uber.org/atomic"
)

// Reasons passed to alarm.Result.NotificationFailed.
const (
	ReasonNoSMSContact  = "no SMS contact info"
	ReasonInvalidNumber = "invalid phone number"
	ReasonNoMessage     = "no message to send"
	ReasonNotConnected  = "not connected to modem"
	ReasonNoNetwork     = "modem not connected to GSM network"
	ReasonStopped       = "notification profile stopped"
	ReasonSendFailed    = "send failed"
)

// delivery is one notification working its way to the modem.
//
// The delivery runs as a task on the session queue, rescheduling itself
// while attempts remain.
type delivery struct {
	s   *Session
	n   alarm.Notification
	log logrus.FieldLogger

	// fields below are only accessed from the session queue
	initialised bool
	phone       string
	text        string
	attempts    int
	lastErr     error

	once sync.Once
	done *atomic.Bool
}

// Send queues the notification for delivery.
//
// The outcome is reported through the notification's Result, once the
// notification is sent or all attempts to send it have failed.
func (s *Session) Send(n alarm.Notification) {
	d := &delivery{
		s:    s,
		n:    n,
		log:  s.log.WithFields(logrus.Fields{"notification": n.ID, "user": n.User.Name}),
		done: atomic.NewBool(false),
	}
	if s.stopped.Load() || s.shutdown.Load() {
		d.fail(ReasonStopped)
		return
	}
	s.track(d)
	if !s.queue.Submit(d.run) {
		d.fail(ReasonStopped)
	}
}

// Pending returns the number of notifications not yet delivered.
func (s *Session) Pending() int {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	return len(s.deliveries)
}

func (s *Session) track(d *delivery) {
	s.dmu.Lock()
	s.deliveries[d] = struct{}{}
	s.dmu.Unlock()
}

func (s *Session) untrack(d *delivery) {
	s.dmu.Lock()
	delete(s.deliveries, d)
	s.dmu.Unlock()
}

// failPending fails all notifications not yet delivered.
func (s *Session) failPending(reason string) {
	s.dmu.Lock()
	pending := make([]*delivery, 0, len(s.deliveries))
	for d := range s.deliveries {
		pending = append(pending, d)
	}
	s.dmu.Unlock()
	for _, d := range pending {
		d.fail(reason)
	}
}

func (d *delivery) run() {
	if d.done.Load() {
		return
	}
	if !d.initialised {
		if !d.init() {
			return
		}
		d.initialised = true
	}
	if d.n.Properties.TestMode {
		d.log.WithFields(logrus.Fields{"phone": d.phone, "text": d.text}).
			Info("test mode, the SMS would have been sent")
		d.succeed()
		return
	}
	s := d.s
	if s.stopped.Load() || s.shutdown.Load() {
		d.fail(ReasonStopped)
		return
	}
	d.attempts++
	if s.connected.Load() && s.network.Load() {
		err := d.send()
		if err == nil {
			d.succeed()
			return
		}
		d.lastErr = err
		if d.attempts < s.maxRetries {
			d.log.WithError(err).WithField("attempt", d.attempts).Info("send failed, will retry")
			d.schedule(s.retryInterval)
			return
		}
		d.fail(fmt.Sprintf("%s: %v (%d)", ReasonSendFailed, err, at.ErrorCode(err)))
		return
	}
	if d.attempts < s.maxRetries {
		if s.connected.Load() {
			d.log.Debug("modem not connected to GSM network, will retry")
		} else {
			d.log.Debug("not connected to modem, will retry")
		}
		d.schedule(s.pendingDelay())
		return
	}
	if s.connected.Load() {
		d.fail(ReasonNoNetwork)
	} else {
		d.fail(ReasonNotConnected)
	}
}

// init resolves the recipient number and the message text.
func (d *delivery) init() bool {
	s := d.s
	raw, ok := d.n.User.SMS()
	if !ok {
		d.log.Error("no SMS contact info for user")
		d.fail(ReasonNoSMSContact)
		return false
	}
	number, err := phone.Normalize(raw, s.countryCode)
	if err != nil {
		d.log.WithError(err).WithField("phone", raw).Error("invalid phone number for user")
		d.fail(ReasonInvalidNumber)
		return false
	}
	text := renderMessage(d.n)
	if text == "" {
		d.log.Error("no message to send")
		d.fail(ReasonNoMessage)
		return false
	}
	if s.registry != nil {
		text = s.registry.Register(number, d.n.User.Name, d.n.Conditions, text)
	}
	d.phone = number
	d.text = text
	d.log = d.log.WithField("phone", number)
	return true
}

func (d *delivery) send() error {
	s := d.s
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.modem
	if g == nil {
		return at.ErrNotConnected
	}
	d.log.WithField("text", d.text).Debug("sending notification")
	mrs, err := g.SendMessage(s.ctx, d.phone, d.text)
	if err != nil {
		return err
	}
	d.log.WithField("mr", mrs).Debug("message sent")
	return nil
}

func (d *delivery) schedule(delay time.Duration) {
	d.s.queue.Schedule(delay, d.run)
}

func (d *delivery) succeed() {
	d.finish(true, "")
}

func (d *delivery) fail(reason string) {
	d.finish(false, reason)
}

// finish reports the outcome of the delivery.  Only the first outcome is
// reported.
func (d *delivery) finish(success bool, reason string) {
	d.once.Do(func() {
		d.done.Store(true)
		d.s.untrack(d)
		if success {
			d.log.Info("notification sent")
		} else {
			d.log.WithField("reason", reason).Warn("notification failed")
		}
		if r := d.n.Result; r != nil {
			if success {
				r.NotificationDone()
			} else {
				r.NotificationFailed(reason)
			}
		}
		d.s.audit(d.n.User.Name, alarm.ActionSend, d.n.Conditions, success)
	})
}
