// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package alarm defines the alarm notification model shared between the
// notification engine and its host.
package alarm

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// AckMode determines how an alarm condition is acknowledged.
type AckMode int

const (
	// AckUnused conditions need no acknowledgment.
	AckUnused AckMode = iota

	// AckAuto conditions are acknowledged automatically when they clear.
	AckAuto

	// AckManual conditions must be acknowledged by an operator, such as by
	// replying to the notification SMS.
	AckManual
)

var ackModeNames = map[AckMode]string{
	AckUnused: "unused",
	AckAuto:   "auto",
	AckManual: "manual",
}

func (m AckMode) String() string {
	if n, ok := ackModeNames[m]; ok {
		return n
	}
	return "unknown"
}

// ParseAckMode converts the name of an AckMode back to the AckMode.
//
// An empty name is AckUnused.
func ParseAckMode(s string) (AckMode, error) {
	if s == "" {
		return AckUnused, nil
	}
	for m, n := range ackModeNames {
		if strings.EqualFold(n, s) {
			return m, nil
		}
	}
	return AckUnused, errors.Errorf("unknown ack mode %q", s)
}

// Condition is one active alarm condition included in a notification.
type Condition struct {
	ID      uuid.UUID
	Source  string
	Name    string
	AckMode AckMode

	// Message is the custom message for this condition, if any.
	Message string

	// Data is substituted into the message text.
	Data map[string]string
}

// ContactSMS is the contact type for SMS capable phone numbers.
const ContactSMS = "sms"

// Contact is one way of reaching a user.
type Contact struct {
	Type  string
	Value string
}

// User is the recipient of a notification.
type User struct {
	Name     string
	Contacts []Contact
}

// SMS returns the first SMS contact of the user.
func (u User) SMS() (string, bool) {
	for _, c := range u.Contacts {
		if c.Type == ContactSMS && strings.TrimSpace(c.Value) != "" {
			return strings.TrimSpace(c.Value), true
		}
	}
	return "", false
}

// Properties are the per notification message settings.
type Properties struct {
	// Message is the default message template.
	Message string

	// ConsolidatedMessage is the template used when more than one condition
	// is included in the notification.
	ConsolidatedMessage string

	// TestMode notifications are logged but not sent.
	TestMode bool
}

// Result receives the outcome of a notification.
//
// Exactly one of the methods is called for each notification.
type Result interface {
	NotificationDone()
	NotificationFailed(reason string)
}

// Notification is a request to notify a user of alarm conditions.
type Notification struct {
	ID         uuid.UUID
	User       User
	Conditions []Condition
	Properties Properties
	Result     Result
}

// Acknowledger acknowledges alarm conditions on behalf of a user.
type Acknowledger interface {
	Acknowledge(ids []uuid.UUID, user string) error
}

// Audit actions.
const (
	ActionSend = "send sms"
	ActionAck  = "ack by sms"
)

// AuditRecord records an action taken by the notification engine.
type AuditRecord struct {
	Time    time.Time
	Profile string
	Actor   string
	Action  string
	Target  string
	Success bool
}

// Auditor writes audit records.
type Auditor interface {
	Audit(AuditRecord)
}

// IDs returns the identifiers of the conditions.
func IDs(conds []Condition) []uuid.UUID {
	ids := make([]uuid.UUID, len(conds))
	for i, c := range conds {
		ids[i] = c.ID
	}
	return ids
}
