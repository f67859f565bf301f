// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package notify

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/warthog618/smsalarm/alarm"
)

// Default message templates.
const (
	DefaultMessage             = "Alarm {name} at {source}"
	DefaultConsolidatedMessage = "{count} alarm events have occurred"
)

var placeholder = regexp.MustCompile(`\{([A-Za-z0-9_.\-]+)\}`)

// renderMessage returns the text to send for the notification.
//
// The consolidated template is used when the notification bundles more than
// one condition.  Otherwise the custom message of the condition is used,
// falling back to the default template of the notification.
func renderMessage(n alarm.Notification) string {
	var tmpl string
	var first alarm.Condition
	if len(n.Conditions) > 0 {
		first = n.Conditions[0]
	}
	switch {
	case len(n.Conditions) > 1:
		tmpl = n.Properties.ConsolidatedMessage
	case strings.TrimSpace(first.Message) != "":
		tmpl = first.Message
	default:
		tmpl = n.Properties.Message
	}
	if strings.TrimSpace(tmpl) == "" {
		return ""
	}
	vars := map[string]string{
		"count":  strconv.Itoa(len(n.Conditions)),
		"name":   first.Name,
		"source": first.Source,
	}
	for k, v := range first.Data {
		vars[k] = v
	}
	return Substitute(tmpl, vars)
}

// Substitute replaces each {key} in the template with the corresponding
// value.  Placeholders without a value are left unchanged.
func Substitute(tmpl string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		if v, ok := vars[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}
