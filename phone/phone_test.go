// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package phone_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warthog618/smsalarm/phone"
)

func TestNormalize(t *testing.T) {
	patterns := []struct {
		name string
		raw  string
		cc   int
		out  string
		err  error
	}{
		{"national", "0412 345 678", 61, "+61412345678", nil},
		{"international", "+49 170 1234567", 61, "+491701234567", nil},
		{"already e164", "+61412345678", 49, "+61412345678", nil},
		{"german national", "0170 1234567", 49, "+491701234567", nil},
		{"empty", "", 61, "", phone.ErrInvalidNumber},
		{"junk", "not a number", 61, "", phone.ErrInvalidNumber},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			out, err := phone.Normalize(p.raw, p.cc)
			assert.Equal(t, p.out, out)
			if p.err == nil {
				assert.Nil(t, err)
			} else {
				assert.True(t, errors.Is(err, p.err))
			}
		}
		t.Run(p.name, f)
	}
}
