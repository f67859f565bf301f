// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package info provides utility functions for manipulating info lines returned
// by the modem in response to AT commands.
package info

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// HasPrefix returns true if the line begins with the info prefix for the command.
func HasPrefix(line, cmd string) bool {
	return strings.HasPrefix(line, cmd+":")
}

// TrimPrefix removes the command prefix, if any, and any intervening space
// from the info line.
func TrimPrefix(line, cmd string) string {
	return strings.TrimLeft(strings.TrimPrefix(line, cmd+":"), " ")
}

// Lines splits a response into its info lines, dropping blank lines and the
// trailing OK status.
func Lines(text string) []string {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimSpace(l)
		if l == "" || l == "OK" {
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

// Quoted returns the text between the first and last double quote in the
// line.
//
// Returns false if the line does not contain a quoted field.
func Quoted(line string) (string, bool) {
	start := strings.IndexByte(line, '"')
	end := strings.LastIndexByte(line, '"')
	if start < 0 || end <= start {
		return "", false
	}
	return line[start+1 : end], true
}

// ErrMalformedRange indicates a capability range could not be parsed.
var ErrMalformedRange = errors.New("malformed range")

// ExpandRange expands a capability range, as returned by a test command,
// into the list of values it covers.
//
// The range is a comma separated list of values and hyphenated spans, such as
// "0,4-6,9", which expands to [0 4 5 6 9].  Surrounding parentheses are
// ignored.
func ExpandRange(r string) ([]int, error) {
	r = strings.TrimSpace(r)
	r = strings.TrimSuffix(strings.TrimPrefix(r, "("), ")")
	if r == "" {
		return nil, nil
	}
	var vals []int
	for _, field := range strings.Split(r, ",") {
		span := strings.SplitN(field, "-", 2)
		lo, err := strconv.Atoi(strings.TrimSpace(span[0]))
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedRange, "%q", r)
		}
		hi := lo
		if len(span) == 2 {
			hi, err = strconv.Atoi(strings.TrimSpace(span[1]))
			if err != nil || hi < lo {
				return nil, errors.Wrapf(ErrMalformedRange, "%q", r)
			}
		}
		for v := lo; v <= hi; v++ {
			vals = append(vals, v)
		}
	}
	return vals, nil
}

// Contains returns true if v is in vals.
func Contains(vals []int, v int) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}
