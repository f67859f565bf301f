// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package telnet provides a byte stream to a modem behind a Telnet to serial
// bridge.
//
// Option negotiation is limited to what such bridges expect; the terminal
// type, suppress go ahead, echo and, optionally, binary transmission.
package telnet

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Mode determines whether binary transmission is negotiated.
type Mode int

const (
	// ModeBinary negotiates binary transmission in both directions.
	ModeBinary Mode = iota

	// ModeText uses the network virtual terminal, so CR is sent as CR NUL.
	ModeText
)

func (m Mode) String() string {
	if m == ModeText {
		return "text"
	}
	return "binary"
}

// ParseMode converts "binary" or "text" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "binary", "Binary":
		return ModeBinary, nil
	case "text", "Text":
		return ModeText, nil
	}
	return ModeBinary, errors.Errorf("unknown telnet mode %q", s)
}

// Telnet commands and options.
const (
	cmdSE   = 240
	cmdSB   = 250
	cmdWill = 251
	cmdWont = 252
	cmdDo   = 253
	cmdDont = 254
	cmdIAC  = 255

	optBinary = 0
	optEcho   = 1
	optSGA    = 3
	optTType  = 24

	ttypeIs   = 0
	ttypeSend = 1
)

// Dialer connects to a Telnet to serial bridge.
type Dialer struct {
	Host string
	Port int
	Mode Mode

	// TerminalType reported to the server.  Defaults to VT100.
	TerminalType string

	// Timeout for establishing the connection.  Defaults to 10 seconds.
	Timeout time.Duration

	Log logrus.FieldLogger
}

// Dial connects to the bridge and starts option negotiation.
//
// The returned stream is a *Conn.
func (d Dialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	nd := net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	c, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	options := []Option{WithMode(d.Mode)}
	if d.TerminalType != "" {
		options = append(options, WithTerminalType(d.TerminalType))
	}
	if d.Log != nil {
		options = append(options, WithLogger(d.Log))
	}
	tc, err := NewConn(c, options...)
	if err != nil {
		c.Close()
		return nil, err
	}
	return tc, nil
}

// Conn is a Telnet connection carrying a modem byte stream.
//
// Reads return only the data stream, with Telnet commands removed and
// answered.  Writes escape the data as required by Telnet.
type Conn struct {
	conn  net.Conn
	r     *bufio.Reader
	log   logrus.FieldLogger
	mode  Mode
	ttype string

	// covers writes to conn
	wmu sync.Mutex

	// receive state, only accessed by Read
	state  rxState
	verb   byte
	sub    []byte
	local  map[byte]bool
	remote map[byte]bool
}

type rxState int

const (
	rxData rxState = iota
	rxCR
	rxIAC
	rxOption
	rxSub
	rxSubIAC
)

// Option is a construction option for a Conn.
type Option func(*Conn)

// WithMode sets the transmission mode.
func WithMode(m Mode) Option {
	return func(c *Conn) {
		c.mode = m
	}
}

// WithTerminalType sets the terminal type reported to the server.
func WithTerminalType(t string) Option {
	return func(c *Conn) {
		c.ttype = t
	}
}

// WithLogger sets the logger for negotiation traces.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Conn) {
		c.log = l
	}
}

// NewConn wraps an established connection and requests the initial options.
func NewConn(nc net.Conn, options ...Option) (*Conn, error) {
	c := &Conn{
		conn:   nc,
		r:      bufio.NewReader(nc),
		log:    logrus.StandardLogger(),
		ttype:  "VT100",
		local:  make(map[byte]bool),
		remote: make(map[byte]bool),
	}
	for _, option := range options {
		option(c)
	}
	req := []byte{
		cmdIAC, cmdWill, optSGA,
		cmdIAC, cmdDo, optSGA,
	}
	c.local[optSGA] = true
	c.remote[optSGA] = true
	if c.mode == ModeBinary {
		req = append(req,
			cmdIAC, cmdWill, optBinary,
			cmdIAC, cmdDo, optBinary)
		c.local[optBinary] = true
		c.remote[optBinary] = true
	}
	if err := c.writeRaw(req); err != nil {
		return nil, err
	}
	return c, nil
}

// Read reads data from the connection, processing any embedded Telnet
// commands.
//
// Read blocks until at least one data byte is available.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n := 0
	for n == 0 {
		b, err := c.r.ReadByte()
		if err != nil {
			return 0, err
		}
		if d, ok := c.receive(b); ok {
			p[n] = d
			n++
		}
		for n < len(p) && c.r.Buffered() > 0 {
			b, _ = c.r.ReadByte()
			if d, ok := c.receive(b); ok {
				p[n] = d
				n++
			}
		}
	}
	return n, nil
}

// Write writes data to the connection, escaping IAC, and in text mode
// following each bare CR with a NUL.
func (c *Conn) Write(p []byte) (int, error) {
	buf := make([]byte, 0, len(p)+8)
	for i, b := range p {
		buf = append(buf, b)
		switch {
		case b == cmdIAC:
			buf = append(buf, cmdIAC)
		case b == '\r' && c.mode == ModeText:
			if i+1 >= len(p) || p[i+1] != '\n' {
				buf = append(buf, 0)
			}
		}
	}
	if err := c.writeRaw(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) writeRaw(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write(b); err != nil {
		return errors.Wrap(err, "telnet write")
	}
	return nil
}

// receive advances the receive state machine and returns the data byte, if
// any, conveyed by b.
func (c *Conn) receive(b byte) (byte, bool) {
	switch c.state {
	case rxCR:
		c.state = rxData
		if b == 0 {
			return 0, false
		}
		return c.receive(b)
	case rxIAC:
		switch b {
		case cmdIAC:
			c.state = rxData
			return cmdIAC, true
		case cmdDo, cmdDont, cmdWill, cmdWont:
			c.verb = b
			c.state = rxOption
		case cmdSB:
			c.sub = c.sub[:0]
			c.state = rxSub
		default:
			// NOP, GA and friends
			c.state = rxData
		}
		return 0, false
	case rxOption:
		c.state = rxData
		c.negotiate(c.verb, b)
		return 0, false
	case rxSub:
		if b == cmdIAC {
			c.state = rxSubIAC
		} else {
			c.sub = append(c.sub, b)
		}
		return 0, false
	case rxSubIAC:
		switch b {
		case cmdSE:
			c.state = rxData
			c.subnegotiate()
		case cmdIAC:
			c.sub = append(c.sub, cmdIAC)
			c.state = rxSub
		default:
			c.state = rxSub
		}
		return 0, false
	}
	switch {
	case b == cmdIAC:
		c.state = rxIAC
		return 0, false
	case b == '\r' && c.mode == ModeText:
		c.state = rxCR
	}
	return b, true
}

// accepted returns true for options supported in each direction.
func (c *Conn) accepted(opt byte, local bool) bool {
	switch opt {
	case optSGA:
		return true
	case optBinary:
		return c.mode == ModeBinary
	case optTType:
		return local
	case optEcho:
		return !local
	}
	return false
}

func (c *Conn) negotiate(verb, opt byte) {
	var reply byte
	switch verb {
	case cmdDo:
		if c.local[opt] {
			return
		}
		if c.accepted(opt, true) {
			c.local[opt] = true
			reply = cmdWill
		} else {
			reply = cmdWont
		}
	case cmdDont:
		if !c.local[opt] {
			return
		}
		c.local[opt] = false
		reply = cmdWont
	case cmdWill:
		if c.remote[opt] {
			return
		}
		if c.accepted(opt, false) {
			c.remote[opt] = true
			reply = cmdDo
		} else {
			reply = cmdDont
		}
	case cmdWont:
		if !c.remote[opt] {
			return
		}
		c.remote[opt] = false
		reply = cmdDont
	}
	c.log.WithFields(logrus.Fields{"verb": verb, "option": opt, "reply": reply}).Debug("telnet negotiation")
	if err := c.writeRaw([]byte{cmdIAC, reply, opt}); err != nil {
		c.log.WithError(err).Warn("telnet negotiation failed")
	}
}

func (c *Conn) subnegotiate() {
	if len(c.sub) < 2 || c.sub[0] != optTType || c.sub[1] != ttypeSend {
		return
	}
	rsp := []byte{cmdIAC, cmdSB, optTType, ttypeIs}
	rsp = append(rsp, c.ttype...)
	rsp = append(rsp, cmdIAC, cmdSE)
	if err := c.writeRaw(rsp); err != nil {
		c.log.WithError(err).Warn("telnet terminal type failed")
	}
}
