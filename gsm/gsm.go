// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package gsm provides the GSM command set used to configure a modem and
// exchange SMS with it in PDU mode.
package gsm

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsalarm/at"
	"github.com/warthog618/smsalarm/info"
	"github.com/warthog618/smsalarm/pdu"
)

// GSM modem decorates the AT modem with GSM specific functionality.
type GSM struct {
	*at.AT
	log logrus.FieldLogger

	// service centre address used when encoding PDUs
	sca string

	// pause between the steps of a reset
	resetWait time.Duration

	// time allowed for the modem to recover after ATZ
	resetDelay time.Duration

	atOptions []at.Option
}

// Option is a construction option for a GSM.
type Option func(*GSM)

// SIMState is the condition of the SIM as reported by +CPIN?.
type SIMState int

const (
	// SIMUnknown indicates a response that could not be interpreted.
	SIMUnknown SIMState = iota

	// SIMReady indicates the SIM is unlocked.
	SIMReady

	// SIMPIN indicates the SIM is awaiting the PIN.
	SIMPIN

	// SIMPIN2 indicates the SIM is awaiting PIN2, which is not supported.
	SIMPIN2

	// SIMBusy indicates the SIM is not yet able to report its state.
	SIMBusy
)

// UnknownOperator is returned by Operator when the modem does not identify
// the network operator.
const UnknownOperator = "?"

var (
	// ErrIndicationsUnsupported indicates the modem cannot forward new
	// messages directly, so received SMS will not be reported.
	ErrIndicationsUnsupported = errors.New("modem does not support direct message indications")

	// ErrMalformedResponse indicates the modem returned a response that does
	// not match the form expected for the command.
	ErrMalformedResponse = errors.New("modem returned malformed response")
)

// New creates a new GSM modem.
func New(modem io.ReadWriter, options ...Option) *GSM {
	g := &GSM{
		log:        logrus.StandardLogger(),
		resetWait:  200 * time.Millisecond,
		resetDelay: 2 * time.Second,
	}
	for _, option := range options {
		option(g)
	}
	g.AT = at.New(modem, g.atOptions...)
	return g
}

// WithATOptions passes options through to the underlying AT.
func WithATOptions(options ...at.Option) Option {
	return func(g *GSM) {
		g.atOptions = append(g.atOptions, options...)
	}
}

// WithLogger sets the logger for the GSM.
func WithLogger(l logrus.FieldLogger) Option {
	return func(g *GSM) {
		g.log = l
	}
}

// WithSCA sets the service centre address encoded into submitted PDUs.
//
// By default the PDUs leave the choice of service centre to the modem.
func WithSCA(sca string) Option {
	return func(g *GSM) {
		g.sca = sca
	}
}

// WithResetTiming overrides the pauses within the reset sequence.
func WithResetTiming(wait, delay time.Duration) Option {
	return func(g *GSM) {
		g.resetWait = wait
		g.resetDelay = delay
	}
}

// Reset returns the modem to a known state.
//
// Any partially entered SMS is aborted with an escape, the modem is forced
// into command mode with +++, and then reset with ATZ.  The modem may not
// respond to any of these so failures are ignored.  Only cancellation of the
// context is returned.
func (g *GSM) Reset(ctx context.Context) error {
	if err := g.Escape(); err != nil {
		g.log.WithError(err).Debug("reset escape")
	}
	if err := sleep(ctx, g.resetWait); err != nil {
		return err
	}
	if err := g.Write([]byte("+++")); err != nil {
		g.log.WithError(err).Debug("reset +++")
	}
	if err := sleep(ctx, g.resetWait); err != nil {
		return err
	}
	if _, err := g.Command(ctx, "Z"); err != nil {
		g.log.WithError(err).Debug("ATZ")
	}
	if err := sleep(ctx, g.resetDelay); err != nil {
		return err
	}
	g.ClearBuffer()
	return nil
}

// EchoOff disables command echo.  Failure is ignored.
func (g *GSM) EchoOff(ctx context.Context) {
	if _, err := g.Command(ctx, "E0"); err != nil {
		g.log.WithError(err).Debug("ATE0")
	}
}

// VerboseErrors enables numeric +CME errors.
func (g *GSM) VerboseErrors(ctx context.Context) error {
	_, err := g.Command(ctx, "+CMEE=1")
	return err
}

// SIMStatus returns the raw response to +CPIN?.
//
// The response is returned even when accompanied by an error so the caller
// can interpret it with ParseSIMState.
func (g *GSM) SIMStatus(ctx context.Context) (at.Response, error) {
	return g.Command(ctx, "+CPIN?")
}

// ParseSIMState interprets the text of a +CPIN? response.
func ParseSIMState(text string) SIMState {
	switch {
	case strings.Contains(text, "BUSY"):
		return SIMBusy
	case strings.Contains(text, "SIM PIN2"):
		return SIMPIN2
	case strings.Contains(text, "SIM PIN"):
		return SIMPIN
	case strings.Contains(text, "READY"):
		return SIMReady
	}
	return SIMUnknown
}

func (s SIMState) String() string {
	switch s {
	case SIMReady:
		return "READY"
	case SIMPIN:
		return "SIM PIN"
	case SIMPIN2:
		return "SIM PIN2"
	case SIMBusy:
		return "BUSY"
	}
	return "unknown"
}

// EnterPIN submits the SIM PIN.  It succeeds if the modem accepts the PIN.
func (g *GSM) EnterPIN(ctx context.Context, pin string) error {
	_, err := g.Command(ctx, "+CPIN=\""+pin+"\"")
	return err
}

// Registration returns the network registration status reported by +CREG?.
//
// Device errors and malformed responses are logged and reported as status 0,
// not registered.  Only transport failures are returned as errors.
func (g *GSM) Registration(ctx context.Context) (int, error) {
	rsp, err := g.Command(ctx, "+CREG?")
	if err != nil {
		if transportError(err) {
			return 0, err
		}
		g.log.WithError(err).Warn("invalid response to +CREG?")
		return 0, nil
	}
	m := at.PatternCREG.Submatch(strings.TrimLeft(rsp.Text, "\n"))
	if m == nil {
		g.log.WithField("response", rsp.Text).Debug("invalid +CREG response")
		return 0, nil
	}
	stat, _ := strconv.Atoi(m[1])
	return stat, nil
}

// Registered returns true if the modem is registered on its home network, or
// roaming.
func (g *GSM) Registered(ctx context.Context) (bool, error) {
	stat, err := g.Registration(ctx)
	if err != nil {
		return false, err
	}
	return stat == 1 || stat == 5, nil
}

// SignalLevel returns the received signal strength in dBm.
//
// A malformed response yields 0.
func (g *GSM) SignalLevel(ctx context.Context) (int, error) {
	rsp, err := g.Command(ctx, "+CSQ")
	if err != nil {
		if transportError(err) {
			return 0, err
		}
		g.log.WithError(err).Warn("invalid response to +CSQ")
		return 0, nil
	}
	m := at.PatternCSQ.Submatch(strings.TrimLeft(rsp.Text, "\n"))
	if m == nil {
		g.log.WithField("response", rsp.Text).Debug("invalid +CSQ response")
		return 0, nil
	}
	rssi, err := strconv.Atoi(m[0])
	if err != nil {
		return 0, nil
	}
	return -113 + 2*rssi, nil
}

// Operator returns the name of the network operator, or UnknownOperator if
// the modem does not report one.
func (g *GSM) Operator(ctx context.Context) (string, error) {
	rsp, err := g.Command(ctx, "+COPS?")
	if err != nil {
		if transportError(err) {
			return UnknownOperator, err
		}
		return UnknownOperator, nil
	}
	for _, l := range info.Lines(rsp.Text) {
		if !info.HasPrefix(l, "+COPS") {
			continue
		}
		if name, ok := info.Quoted(l); ok {
			return name, nil
		}
	}
	return UnknownOperator, nil
}

// SetIndications configures the modem to forward new messages directly to
// the terminal with +CMT.
//
// The most capable supported mode is selected.  Cell broadcast and status
// report indications are disabled.
func (g *GSM) SetIndications(ctx context.Context) error {
	rsp, err := g.Command(ctx, "+CNMI=?")
	if err != nil {
		return err
	}
	m := at.PatternCNMI.Submatch(strings.TrimLeft(rsp.Text, "\n"))
	if m == nil {
		return errors.Wrapf(ErrMalformedResponse, "%q", rsp.Text)
	}
	modes, err := info.ExpandRange(m[0])
	if err != nil {
		return err
	}
	mts, err := info.ExpandRange(m[1])
	if err != nil {
		return err
	}
	var mode int
	switch {
	case info.Contains(modes, 3):
		mode = 3
	case info.Contains(modes, 2):
		mode = 2
	default:
		return errors.Wrapf(ErrIndicationsUnsupported, "modes %q", m[0])
	}
	if !info.Contains(mts, 2) {
		return errors.Wrapf(ErrIndicationsUnsupported, "mt %q", m[1])
	}
	_, err = g.Command(ctx, fmt.Sprintf("+CNMI=%d,2,0,0,0", mode))
	return err
}

// SetPDUMode switches the modem message format to PDU mode.
func (g *GSM) SetPDUMode(ctx context.Context) error {
	_, err := g.Command(ctx, "+CMGF=0")
	return err
}

// SetSCA configures the service centre address in the modem.
func (g *GSM) SetSCA(ctx context.Context, sca string) error {
	_, err := g.Command(ctx, "+CSCA=\""+sca+"\"")
	return err
}

// SubmitPDU submits an encoded SMS-SUBMIT to the modem and returns the
// message reference assigned by the network.
//
// A reference of 0 is returned if the modem accepts the PDU but the reference
// cannot be parsed.
func (g *GSM) SubmitPDU(ctx context.Context, seg pdu.Segment) (int, error) {
	rsp, err := g.SMSCommand(ctx, "+CMGS="+strconv.Itoa(seg.Size), seg.Hex)
	if err != nil {
		return 0, err
	}
	m := at.PatternCMGS.Submatch(strings.TrimLeft(rsp.Text, "\n"))
	if m == nil {
		g.log.WithField("response", rsp.Text).Error("invalid +CMGS response")
		return 0, nil
	}
	mr, _ := strconv.Atoi(m[0])
	g.log.WithField("mr", mr).Debug("message submitted")
	return mr, nil
}

// SendMessage encodes the text and submits it to number, returning the
// message reference of each submitted segment.
//
// Multi-part messages share a single, randomly chosen, concatenation
// reference.  Submission stops at the first failed segment.
func (g *GSM) SendMessage(ctx context.Context, number, text string) ([]int, error) {
	segs, err := pdu.Encode(number, text, pdu.WithSCA(g.sca))
	if err != nil {
		return nil, err
	}
	mrs := make([]int, 0, len(segs))
	for _, seg := range segs {
		mr, err := g.SubmitPDU(ctx, seg)
		if err != nil {
			return mrs, err
		}
		mrs = append(mrs, mr)
	}
	return mrs, nil
}

// AckMessage acknowledges a +CMT indication.
//
// If the modem rejects the acknowledgment the indications are configured
// again, as some modems drop them after a missed acknowledgment.
func (g *GSM) AckMessage(ctx context.Context) error {
	_, err := g.Command(ctx, "+CNMA")
	if err == nil {
		return nil
	}
	g.log.WithError(err).Error("message acknowledgment failed")
	if transportError(err) {
		return err
	}
	if ierr := g.SetIndications(ctx); ierr != nil {
		g.log.WithError(ierr).Error("re-enabling indications failed")
	}
	return err
}

// transportError returns true if the error indicates the modem could not be
// reached, rather than it rejecting the command.
func transportError(err error) bool {
	return at.ErrorCode(err) > at.CodeUnknown
}

func sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
