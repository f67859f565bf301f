// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package alarm_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/warthog618/smsalarm/alarm"
)

func TestParseAckMode(t *testing.T) {
	patterns := []struct {
		in   string
		mode alarm.AckMode
		ok   bool
	}{
		{"", alarm.AckUnused, true},
		{"manual", alarm.AckManual, true},
		{"Auto", alarm.AckAuto, true},
		{"unused", alarm.AckUnused, true},
		{"never", alarm.AckUnused, false},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			m, err := alarm.ParseAckMode(p.in)
			assert.Equal(t, p.mode, m)
			assert.Equal(t, p.ok, err == nil)
		}
		t.Run(p.in, f)
	}
	assert.Equal(t, "manual", alarm.AckManual.String())
	assert.Equal(t, "unknown", alarm.AckMode(42).String())
}

func TestUserSMS(t *testing.T) {
	u := alarm.User{
		Name: "op",
		Contacts: []alarm.Contact{
			{Type: "email", Value: "op@example.com"},
			{Type: alarm.ContactSMS, Value: "  "},
			{Type: alarm.ContactSMS, Value: " 0412 345 678 "},
		},
	}
	n, ok := u.SMS()
	assert.True(t, ok)
	assert.Equal(t, "0412 345 678", n)

	_, ok = alarm.User{Name: "none"}.SMS()
	assert.False(t, ok)
}

func TestIDs(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	ids := alarm.IDs([]alarm.Condition{{ID: a}, {ID: b}})
	assert.Equal(t, []uuid.UUID{a, b}, ids)
	assert.Empty(t, alarm.IDs(nil))
}
