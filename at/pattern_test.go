// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package at_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warthog618/smsalarm/at"
)

func TestClassify(t *testing.T) {
	patterns := []struct {
		name    string
		text    string
		pattern *at.Pattern
	}{
		{"ok", "OK\n", at.PatternOK},
		{"partial ok", "OK", nil},
		{"info ok", "+CPIN: READY\nOK\n", at.PatternAnyOK},
		{"cme", "+CME ERROR: 11\n", at.PatternErrorWithCode},
		{"cms after info", "junk\n+CMS ERROR: 330\n", at.PatternErrorWithCode},
		{"error", "ERROR\n", at.PatternErrorPlain},
		{"no carrier", "NO CARRIER\n", at.PatternErrorPlain},
		{"no dialtone", "NO DIALTONE\n", at.PatternErrorPlain},
		{"cmt header only", "+CMT: ,24\n", nil},
		{"cmt", "+CMT: ,24\n0791\n", at.PatternNewSMS},
		{"cmt with alpha", "+CMT: \"+61412345678\",24\n0791ABCDEF\n", at.PatternNewSMS},
		{"csq without ok", "+CSQ: 20,99\n", nil},
		{"unknown", "RING\n", nil},
		{"empty", "", nil},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			assert.Equal(t, p.pattern, at.Classify(p.text))
		}
		t.Run(p.name, f)
	}
}

func TestPatternUnsolicited(t *testing.T) {
	assert.True(t, at.PatternNewSMS.Unsolicited)
	for _, p := range []*at.Pattern{
		at.PatternOK,
		at.PatternAnyOK,
		at.PatternErrorWithCode,
		at.PatternErrorPlain,
		at.PatternCNMI,
		at.PatternCSQ,
		at.PatternCREG,
		at.PatternCMGS,
	} {
		assert.False(t, p.Unsolicited, p.Name)
	}
}

func TestPatternSubmatch(t *testing.T) {
	patterns := []struct {
		name    string
		pattern *at.Pattern
		text    string
		groups  []string
	}{
		{
			"cme",
			at.PatternErrorWithCode,
			"+CME ERROR: 11\n",
			[]string{"CME", "11"},
		},
		{
			"cmt",
			at.PatternNewSMS,
			"+CMT: ,24\n07911326\n",
			[]string{"24", "07911326"},
		},
		{
			"cnmi",
			at.PatternCNMI,
			"+CNMI: (0-2),(0-3),(0,2),(0-2),(0,1)\nOK\n",
			[]string{"0-2", "0-3", "0,2", "0-2", "0,1"},
		},
		{
			"csq",
			at.PatternCSQ,
			"+CSQ: 31,99\nOK\n",
			[]string{"31", "99"},
		},
		{
			"creg",
			at.PatternCREG,
			"+CREG: 0,5\nOK\n",
			[]string{"0", "5"},
		},
		{
			"creg with location",
			at.PatternCREG,
			"+CREG: 2,1,\"00C3\",\"0010\"\nOK\n",
			[]string{"2", "1"},
		},
		{
			"cmgs",
			at.PatternCMGS,
			"+CMGS: 42\nOK\n",
			[]string{"42"},
		},
		{
			"mismatch",
			at.PatternCMGS,
			"+CMGS: \nOK\n",
			nil,
		},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			assert.Equal(t, p.groups, p.pattern.Submatch(p.text))
		}
		t.Run(p.name, f)
	}
}
