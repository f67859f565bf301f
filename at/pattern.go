// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package at

import "regexp"

// Pattern recognises one shape of modem response.
//
// A pattern must match the whole of the accumulated response, not just a
// part of it, so a partially received response is never mistaken for a
// complete one.
type Pattern struct {
	// Name identifies the pattern in logs.
	Name string

	// Unsolicited patterns are not replies to a command and are routed to
	// the unsolicited handler rather than the pending command.
	Unsolicited bool

	re *regexp.Regexp
}

func newPattern(name string, unsolicited bool, expr string) *Pattern {
	return &Pattern{
		Name:        name,
		Unsolicited: unsolicited,
		re:          regexp.MustCompile(`^(?:` + expr + `)$`),
	}
}

// Match returns true if the pattern matches the whole of text.
func (p *Pattern) Match(text string) bool {
	return p.re.MatchString(text)
}

// Submatch returns the capture groups of the pattern in text, or nil if the
// pattern does not match.
func (p *Pattern) Submatch(text string) []string {
	m := p.re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	return m[1:]
}

func (p *Pattern) String() string {
	return p.Name
}

// The response patterns, in classification order.
var (
	PatternOK            = newPattern("OK", false, `OK\s`)
	PatternAnyOK         = newPattern("AnyOK", false, `[\S\s]*OK\s+`)
	PatternErrorWithCode = newPattern("ErrorWithCode", false, `\s*[\x00-\x7F]*\s*\+(CM[ES])\s+ERROR:\s*(\d+)\s+`)
	PatternErrorPlain    = newPattern("ErrorPlain", false, `\s*[\x00-\x7F]*\s*(ERROR|NO CARRIER|NO DIALTONE)\s`)
	PatternNewSMS        = newPattern("NewSMS", true, `\+CMT:\s*[\x00-\x7F]*\s*[[:punct:]]\s*(\d+)\s*\n\s*([[:xdigit:]]+)\n`)
	PatternCNMI          = newPattern("CNMI", false, `\s*\+CNMI:\s*\(([\d,-]*)\)\s*,\s*\(([\d,-]*)\)\s*,\s*\(([\d,-]*)\)\s*,\s*\(([\d,-]*)\)\s*,\s*\(([\d,-]*)\)\s+OK\s*`)
	PatternCSQ           = newPattern("CSQ", false, `\s*\+CSQ:\s*(\d*)\s*[[:punct:]]\s*(\d*)\s*\s+OK\s*`)
	PatternCREG          = newPattern("CREG", false, `\s*\+CREG:\s*(\d+)\s*[[:punct:]]\s*(\d+).*\s+OK\s*`)
	PatternCMGS          = newPattern("CMGS", false, `\s*\+CMGS:\s*(\d+)\s+OK\s*`)
)

var patterns = []*Pattern{
	PatternOK,
	PatternAnyOK,
	PatternErrorWithCode,
	PatternErrorPlain,
	PatternNewSMS,
	PatternCNMI,
	PatternCSQ,
	PatternCREG,
	PatternCMGS,
}

// Classify returns the first pattern that matches the whole of text, or nil
// if text is not yet a recognised response.
func Classify(text string) *Pattern {
	for _, p := range patterns {
		if p.Match(text) {
			return p
		}
	}
	return nil
}
