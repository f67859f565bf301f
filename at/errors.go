// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package at

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CMEError indicates a CME Error was returned by the modem.
//
// The value is the numeric error reported by the modem, so the modem must be
// configured for numeric errors (+CMEE=1).
type CMEError int

// CMSError indicates a CMS Error was returned by the modem.
type CMSError int

// ConnectError indicates the modem returned a NO CARRIER or NO DIALTONE
// result in place of OK.
//
// The value of the error is the result returned by the modem.
type ConnectError string

func (e CMEError) Error() string {
	return "CME Error: " + strconv.Itoa(int(e))
}

func (e CMSError) Error() string {
	return "CMS Error: " + strconv.Itoa(int(e))
}

func (e ConnectError) Error() string {
	return "Connect: " + string(e)
}

var (
	// ErrClosed indicates the connection to the modem was lost while a
	// command was outstanding.
	ErrClosed = errors.New("closed")

	// ErrError indicates the modem returned a generic AT ERROR in response to
	// an operation.
	ErrError = errors.New("ERROR")

	// ErrNotConnected indicates a command was issued while there is no
	// connection to the modem.
	ErrNotConnected = errors.New("not connected")

	// ErrTimeout indicates the modem did not respond to a command within the
	// allotted time.
	ErrTimeout = errors.New("timeout")

	// ErrUnknownResponse indicates the modem returned a response that is
	// neither OK nor a recognised error.
	ErrUnknownResponse = errors.New("unknown response")
)

// Numeric error codes, as returned by ErrorCode.
const (
	CodeOK           = 0
	CodeCMEBase      = 5000
	CodeCMSBase      = 6000
	CodeError        = 9000
	CodeUnknown      = 10000
	CodeTimeout      = 10001
	CodeIO           = 10002
	CodeNotConnected = 10003
)

// ErrorCode maps an error returned by Command or SMSCommand onto a single
// numeric code.
//
// CME and CMS errors are namespaced by adding them to CodeCMEBase and
// CodeCMSBase respectively. Errors not originating from the modem protocol
// are assumed to be transport errors and map to CodeIO.
func ErrorCode(err error) int {
	if err == nil {
		return CodeOK
	}
	var cme CMEError
	if errors.As(err, &cme) {
		return CodeCMEBase + int(cme)
	}
	var cms CMSError
	if errors.As(err, &cms) {
		return CodeCMSBase + int(cms)
	}
	var ce ConnectError
	if errors.As(err, &ce) {
		return CodeError
	}
	switch {
	case errors.Is(err, ErrError):
		return CodeError
	case errors.Is(err, ErrUnknownResponse):
		return CodeUnknown
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrNotConnected):
		return CodeNotConnected
	}
	return CodeIO
}

// checkResponse determines the error, if any, conveyed by a response to a
// command.
func checkResponse(rsp Response) error {
	if m := PatternErrorWithCode.Submatch(rsp.Text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return errors.Wrapf(ErrUnknownResponse, "bad error code %q", m[1])
		}
		if m[0] == "CME" {
			return CMEError(n)
		}
		return CMSError(n)
	}
	if m := PatternErrorPlain.Submatch(rsp.Text); m != nil {
		if m[0] == "ERROR" {
			return ErrError
		}
		return ConnectError(m[0])
	}
	if !strings.Contains(rsp.Text, "OK") {
		return errors.Wrapf(ErrUnknownResponse, "%q", rsp.Text)
	}
	return nil
}
