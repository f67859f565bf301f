// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package phone normalises phone numbers to E.164 form.
package phone

import (
	"github.com/nyaruka/phonenumbers"
	"github.com/pkg/errors"
)

// ErrInvalidNumber indicates a number could not be parsed.
var ErrInvalidNumber = errors.New("invalid phone number")

// Normalize parses the raw number and returns it in E.164 form.
//
// Numbers without an international prefix are assumed to belong to the
// country with the given calling code.
func Normalize(raw string, countryCode int) (string, error) {
	region := phonenumbers.GetRegionCodeForCountryCode(countryCode)
	n, err := phonenumbers.Parse(raw, region)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidNumber, "%q: %v", raw, err)
	}
	return phonenumbers.Format(n, phonenumbers.E164), nil
}
