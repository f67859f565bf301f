// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package ack correlates SMS replies with the notifications that prompted
// them, so recipients can acknowledge alarms by replying with a short code.
package ack

import (
	"fmt"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsalarm/alarm"
)

const (
	// DefaultStaleTimeout is the age after which unacknowledged entries are
	// discarded.
	DefaultStaleTimeout = 120 * time.Minute

	// DefaultTemplate appends the code to the message.
	DefaultTemplate = "%s\nAck code: %s"

	// maxPending limits the codes pending for one recipient.
	maxPending = 9990

	numCodes = 10000
)

var codePattern = regexp.MustCompile(`(?s)^.*(\d{4}).*$`)

// Registry holds the acknowledgment codes pending for each recipient.
//
// The Registry is safe for concurrent use.
type Registry struct {
	acker      alarm.Acknowledger
	log        logrus.FieldLogger
	now        func() time.Time
	intn       func(n int) int
	staleAfter time.Duration
	template   string

	mu         sync.Mutex
	recipients map[string]*recipient
}

// recipient is the ack state for one phone number.
type recipient struct {
	user    string
	next    int
	entries map[string]*entry
}

type entry struct {
	conditions []alarm.Condition
	created    time.Time
}

// Result is the outcome of a successful acknowledgment.
type Result struct {
	Code       string
	User       string
	Conditions []alarm.Condition
}

// Option is a construction option for a Registry.
type Option func(*Registry)

// WithLogger sets the logger for the Registry.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Registry) {
		r.log = l
	}
}

// WithClock sets the time source used to timestamp and expire entries.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithRandom sets the source of the initial code for each recipient.
//
// The function returns a value in [0,n).
func WithRandom(intn func(n int) int) Option {
	return func(r *Registry) {
		r.intn = intn
	}
}

// WithStaleTimeout sets the age after which entries are discarded by
// RemoveStale.
func WithStaleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.staleAfter = d
	}
}

// WithTemplate sets the format used to append the code to the message.
//
// The format receives the message and the code, in that order.
func WithTemplate(t string) Option {
	return func(r *Registry) {
		r.template = t
	}
}

// New creates a Registry that acknowledges conditions using acker.
func New(acker alarm.Acknowledger, options ...Option) *Registry {
	r := &Registry{
		acker:      acker,
		log:        logrus.StandardLogger(),
		now:        time.Now,
		intn:       rand.Intn,
		staleAfter: DefaultStaleTimeout,
		template:   DefaultTemplate,
		recipients: make(map[string]*recipient),
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Register records the manually acknowledged conditions sent to the phone
// number, and returns the message with the allocated code appended.
//
// If none of the conditions require manual acknowledgment, or the recipient
// has too many codes pending, nothing is registered and the message is
// returned unchanged.
func (r *Registry) Register(phone, user string, conds []alarm.Condition, message string) string {
	var manual []alarm.Condition
	for _, c := range conds {
		if c.AckMode == alarm.AckManual {
			manual = append(manual, c)
		}
	}
	log := r.log.WithFields(logrus.Fields{"phone": phone, "user": user})
	if len(manual) == 0 {
		log.Debug("no acknowledgeable conditions")
		return message
	}
	r.mu.Lock()
	rcp := r.recipients[phone]
	if rcp == nil {
		rcp = &recipient{
			next:    1 + r.intn(numCodes-2),
			entries: make(map[string]*entry),
		}
		r.recipients[phone] = rcp
	}
	if len(rcp.entries) >= maxPending {
		r.mu.Unlock()
		log.WithField("pending", maxPending).Error("too many notifications awaiting acknowledgment")
		return message
	}
	rcp.user = user
	code := rcp.allocate()
	rcp.entries[code] = &entry{conditions: manual, created: r.now()}
	r.mu.Unlock()
	log.WithField("code", code).Debug("registered notification")
	return fmt.Sprintf(r.template, message, code)
}

// allocate returns the next code not pending for the recipient.
//
// The caller must ensure at least one code is free.
func (rcp *recipient) allocate() string {
	for {
		code := fmt.Sprintf("%04d", rcp.next)
		rcp.next = (rcp.next + 1) % numCodes
		if _, ok := rcp.entries[code]; !ok {
			return code
		}
	}
}

// Received processes a reply from the phone number, acknowledging the
// conditions registered against the code contained in the text.
//
// Returns nil if the text does not acknowledge any pending notification.
func (r *Registry) Received(phone, text string) *Result {
	log := r.log.WithField("phone", phone)
	r.mu.Lock()
	rcp := r.recipients[phone]
	if rcp == nil {
		r.mu.Unlock()
		log.Warn("received SMS but no notifications are pending for the number")
		return nil
	}
	m := codePattern.FindStringSubmatch(text)
	if m == nil {
		r.mu.Unlock()
		log.WithField("text", text).Warn("received SMS without an ack code")
		return nil
	}
	code := m[1]
	e := rcp.entries[code]
	if e == nil {
		r.mu.Unlock()
		log.WithField("code", code).Warn("received SMS with unknown ack code")
		return nil
	}
	delete(rcp.entries, code)
	if len(rcp.entries) == 0 {
		delete(r.recipients, phone)
	}
	res := &Result{Code: code, User: rcp.user, Conditions: e.conditions}
	r.mu.Unlock()

	if err := r.acker.Acknowledge(alarm.IDs(res.Conditions), res.User); err != nil {
		log.WithError(err).WithField("code", code).Error("acknowledge failed")
	} else {
		log.WithFields(logrus.Fields{"code": code, "user": res.User}).Info("acknowledged by SMS")
	}
	return res
}

// RemoveStale discards entries older than the stale timeout, and any
// recipients left without entries.
//
// Returns the number of entries removed.
func (r *Registry) RemoveStale() int {
	now := r.now()
	removed := 0
	r.mu.Lock()
	for phone, rcp := range r.recipients {
		for code, e := range rcp.entries {
			if now.Sub(e.created) > r.staleAfter {
				delete(rcp.entries, code)
				removed++
			}
		}
		if len(rcp.entries) == 0 {
			delete(r.recipients, phone)
		}
	}
	r.mu.Unlock()
	if removed > 0 {
		r.log.WithField("removed", removed).Info("removed stale notifications")
	}
	return removed
}

// Pending returns the codes currently pending for the phone number.
func (r *Registry) Pending(phone string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rcp := r.recipients[phone]
	if rcp == nil {
		return nil
	}
	codes := make([]string, 0, len(rcp.entries))
	for code := range rcp.entries {
		codes = append(codes, code)
	}
	return codes
}

// Recipients returns the number of phone numbers with pending codes.
func (r *Registry) Recipients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recipients)
}
