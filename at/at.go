// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package at provides a low level driver for AT modems.
package at

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// AT represents a modem that can be managed using AT commands.
//
// Commands can be issued to the modem using the Command and SMSCommand methods.
// Only one command is outstanding at any time.
//
// The AT closes the closed channel when the connection to the underlying
// modem is broken (Read returns an error).
//
// When closed, all outstanding commands return ErrClosed, subsequent commands
// return ErrNotConnected, and the state of the underlying modem becomes
// unknown.
//
// Once closed the AT cannot be re-opened - it must be recreated.
type AT struct {
	// the underlying modem
	modem io.ReadWriter

	log logrus.FieldLogger

	// the time allowed for the modem to respond to a command
	timeout time.Duration

	// the time allowed for the modem to prompt for, and accept, a PDU
	pduTimeout time.Duration

	// the minimum time between an escape and the subsequent write
	escTime time.Duration

	// handler for unsolicited responses
	unsolicited UnsolicitedHandler

	// closed when modem is closed
	closed chan struct{}

	connected *atomic.Bool

	// serialises commands
	cmdMu sync.Mutex

	// solicited responses from the reader to the pending command
	rsp chan Response

	// covers escGuard
	escGuardMu sync.Mutex

	// if not-nil, the time the subsequent write must wait
	escGuard <-chan time.Time

	// covers the line buffer shared by the reader and ClearBuffer
	bufMu    sync.Mutex
	buf      []byte
	newline  bool
	prompted bool
}

// Response is one complete, classified, unit of modem output.
type Response struct {
	// Text is the response with each run of line terminators replaced by a
	// single LF.
	Text string

	// Pattern is the pattern that recognised the response.
	// It is nil for a prompt.
	Pattern *Pattern

	// Prompt indicates the modem is awaiting input, such as the PDU
	// following a +CMGS command.
	Prompt bool
}

// UnsolicitedHandler receives unsolicited responses from the modem.
//
// The handler is called from the reader and must not block.
type UnsolicitedHandler func(Response)

// Option is a construction option for an AT.
type Option func(*AT)

const (
	sub = 0x1a
	esc = 0x1b

	maxBufferSize = 4096
)

// New creates a new AT modem.
//
// The AT starts reading from the modem immediately.
func New(modem io.ReadWriter, options ...Option) *AT {
	a := &AT{
		modem:      modem,
		log:        logrus.StandardLogger(),
		timeout:    time.Second,
		pduTimeout: 10 * time.Second,
		escTime:    20 * time.Millisecond,
		closed:     make(chan struct{}),
		connected:  atomic.NewBool(true),
		rsp:        make(chan Response, 1),
		newline:    true,
	}
	for _, option := range options {
		option(a)
	}
	go a.readLoop()
	return a
}

// WithTimeout sets the time allowed for the modem to respond to a command.
//
// The default timeout is 1 second.
func WithTimeout(d time.Duration) Option {
	return func(a *AT) {
		a.timeout = d
	}
}

// WithPDUTimeout sets the time allowed for each step of an SMS command.
//
// The default timeout is 10 seconds.
func WithPDUTimeout(d time.Duration) Option {
	return func(a *AT) {
		a.pduTimeout = d
	}
}

// WithEscTime sets the guard time for the modem.
//
// The escape time is the minimum time between an escape being sent to
// the modem and any subsequent writes.
//
// The default guard time is 20msec.
func WithEscTime(d time.Duration) Option {
	return func(a *AT) {
		a.escTime = d
	}
}

// WithLogger sets the logger for the AT.
//
// By default the logrus standard logger is used.
func WithLogger(l logrus.FieldLogger) Option {
	return func(a *AT) {
		a.log = l
	}
}

// WithUnsolicitedHandler sets the handler for unsolicited responses.
//
// Without a handler unsolicited responses are logged and discarded.
func WithUnsolicitedHandler(h UnsolicitedHandler) Option {
	return func(a *AT) {
		a.unsolicited = h
	}
}

// Closed returns a channel which will block while the modem is not closed.
func (a *AT) Closed() <-chan struct{} {
	return a.closed
}

// Connected returns true while the connection to the modem is intact.
func (a *AT) Connected() bool {
	return a.connected.Load()
}

// Command issues the command to the modem and returns the result.
//
// The command should NOT include the AT prefix, nor <CR> suffix which is
// automatically added.
//
// The returned response is the complete response from the modem.
// If the modem reports an error the response is returned along with the
// corresponding error, one of CMEError, CMSError, ConnectError, ErrError or
// ErrUnknownResponse.
func (a *AT) Command(ctx context.Context, cmd string) (Response, error) {
	if !a.Connected() {
		return Response{}, ErrNotConnected
	}
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	a.discardPending()
	if err := a.write([]byte("AT" + cmd + "\r")); err != nil {
		return Response{}, err
	}
	rsp, err := a.wait(ctx, a.timeout)
	if err != nil {
		return rsp, err
	}
	return rsp, checkResponse(rsp)
}

// SMSCommand issues an SMS command to the modem, and returns the result.
//
// An SMS command is issued in two steps; first the command line:
//
//	AT<command><CR>
//
// which the modem responds to with a ">" prompt, after which the SMS PDU is
// sent to the modem:
//
//	<sms><Ctrl-Z>
//
// The modem then completes the command as per other commands, such as those
// issued by Command.
func (a *AT) SMSCommand(ctx context.Context, cmd string, sms string) (Response, error) {
	if !a.Connected() {
		return Response{}, ErrNotConnected
	}
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	a.discardPending()
	if err := a.write([]byte("AT" + cmd + "\r")); err != nil {
		return Response{}, err
	}
	rsp, err := a.wait(ctx, a.pduTimeout)
	if err != nil {
		return rsp, err
	}
	if rsp.Prompt {
		if err = a.write(append([]byte(sms), sub)); err != nil {
			return Response{}, err
		}
		rsp, err = a.wait(ctx, a.pduTimeout)
		if err != nil {
			// cancel outstanding SMS request
			a.escape()
			return rsp, err
		}
	}
	return rsp, checkResponse(rsp)
}

// Escape writes an escape to the modem, followed by any bytes in b.
//
// The escape aborts any partially entered SMS and is not a command, so no
// response is expected.
func (a *AT) Escape(b ...byte) error {
	if !a.Connected() {
		return ErrNotConnected
	}
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	return a.escape(b...)
}

// Write writes raw bytes to the modem without waiting for a response.
//
// This is intended for out of band sequences, such as the +++ escape to
// command mode, that the modem does not acknowledge.
func (a *AT) Write(b []byte) error {
	if !a.Connected() {
		return ErrNotConnected
	}
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	return a.write(b)
}

// ClearBuffer discards any partially accumulated response.
func (a *AT) ClearBuffer() {
	a.bufMu.Lock()
	a.resetBuffer()
	a.bufMu.Unlock()
}

func (a *AT) escape(b ...byte) error {
	err := a.write(append([]byte{esc}, b...))
	a.startEscGuard()
	return err
}

func (a *AT) write(b []byte) error {
	a.waitEscGuard()
	if _, err := a.modem.Write(b); err != nil {
		return errors.Wrap(err, "write")
	}
	return nil
}

// wait waits for the reader to deliver the response to the current command.
func (a *AT) wait(ctx context.Context, d time.Duration) (Response, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case rsp := <-a.rsp:
		return rsp, nil
	case <-timer.C:
		return Response{}, ErrTimeout
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-a.closed:
		return Response{}, ErrClosed
	}
}

// discardPending drops any stale response left over from a previous command.
//
// Partial input is left in the line buffer as it may be the start of an
// unsolicited response, such as a +CMT awaiting its PDU.
func (a *AT) discardPending() {
	select {
	case rsp := <-a.rsp:
		a.log.WithField("response", rsp.Text).Debug("discarding stale response")
	default:
	}
}

// startEscGuard starts a write guard that prevents a subsequent write within
// a short period of time (default 20ms).
func (a *AT) startEscGuard() {
	a.escGuardMu.Lock()
	a.escGuard = time.After(a.escTime)
	a.escGuardMu.Unlock()
}

// waitEscGuard waits for a write guard to allow a write to the modem.
func (a *AT) waitEscGuard() {
	a.escGuardMu.Lock()
	defer a.escGuardMu.Unlock()
	if a.escGuard == nil {
		return
	}
	select {
	case <-a.closed:
	case <-a.escGuard:
	}
	a.escGuard = nil
}

// readLoop reads the modem byte by byte, accumulating responses and
// delivering them as they complete.
//
// readLoop exits, and closes the AT, when the modem read fails.
func (a *AT) readLoop() {
	r := bufio.NewReader(a.modem)
	for {
		c, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				a.log.Info("modem closed connection")
			} else {
				a.log.WithError(err).Warn("modem read failed")
			}
			a.connected.Store(false)
			close(a.closed)
			return
		}
		a.bufMu.Lock()
		rsp, ok := a.accept(c)
		a.bufMu.Unlock()
		if ok {
			a.deliver(rsp)
		}
	}
}

// accept adds c to the line buffer and returns the response, if any, that it
// completes.
//
// Runs of CR and LF are collapsed into a single LF, and the buffer is only
// classified at the end of a line.  A '>' at the start of a line is a prompt
// and completes immediately.
func (a *AT) accept(c byte) (Response, bool) {
	if c == '>' && a.newline {
		a.resetBuffer()
		a.prompted = true
		return Response{Text: ">", Prompt: true}, true
	}
	if a.prompted && c == ' ' {
		// swallow space trailing the prompt
		return Response{}, false
	}
	a.prompted = false
	if c == '\r' || c == '\n' {
		if a.newline {
			return Response{}, false
		}
		a.buf = append(a.buf, '\n')
		a.newline = true
		text := string(a.buf)
		p := Classify(text)
		if p == nil {
			return Response{}, false
		}
		a.resetBuffer()
		return Response{Text: text, Pattern: p}, true
	}
	a.newline = false
	if len(a.buf) >= maxBufferSize {
		a.log.WithField("size", len(a.buf)).Warn("response buffer overflow")
		a.buf = a.buf[:0]
	}
	a.buf = append(a.buf, c)
	return Response{}, false
}

func (a *AT) resetBuffer() {
	a.buf = a.buf[:0]
	a.newline = true
	a.prompted = false
}

// deliver routes a completed response to the unsolicited handler or to the
// pending command.
func (a *AT) deliver(rsp Response) {
	if rsp.Pattern != nil && rsp.Pattern.Unsolicited {
		if a.unsolicited == nil {
			a.log.WithField("response", rsp.Text).Info("discarding unsolicited response")
			return
		}
		a.unsolicited(rsp)
		return
	}
	select {
	case a.rsp <- rsp:
	default:
		a.log.WithField("response", rsp.Text).Warn("discarding unexpected response")
	}
}
