// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package trace provides a decorator for io.ReadWriter that logs all reads
// and writes.
package trace

import (
	"bytes"
	"io"

	"github.com/sirupsen/logrus"
)

const redacted = "****"

// Trace is a trace log on an io.ReadWriter.
//
// All reads and writes are written to the logger.
type Trace struct {
	rw      io.ReadWriter
	l       Logger
	wfmt    string
	rfmt    string
	secrets [][]byte
}

// Logger defines the interface used to log trace messages.
//
// Both the logrus Logger and the standard library log.Logger satisfy it.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Option modifies a Trace object created by New.
type Option func(*Trace)

// New creates a new trace on the io.ReadWriter.
func New(rw io.ReadWriter, options ...Option) *Trace {
	t := &Trace{
		rw:   rw,
		wfmt: "w: %q",
		rfmt: "r: %q",
	}
	for _, option := range options {
		option(t)
	}
	if t.l == nil {
		t.l = Debug(logrus.StandardLogger().WithField("component", "trace"))
	}
	return t
}

// WithReadFormat sets the format used for read logs.
func WithReadFormat(format string) Option {
	return func(t *Trace) {
		t.rfmt = format
	}
}

// WithWriteFormat sets the format used for write logs.
func WithWriteFormat(format string) Option {
	return func(t *Trace) {
		t.wfmt = format
	}
}

// WithLogger specifies the logger to be used to log trace messages.
//
// By default traces are logged to the logrus standard logger at debug level.
func WithLogger(l Logger) Option {
	return func(t *Trace) {
		t.l = l
	}
}

// WithRedact hides the secret, such as a SIM PIN, in logged writes.
//
// Empty secrets are ignored.
func WithRedact(secret string) Option {
	return func(t *Trace) {
		if secret != "" {
			t.secrets = append(t.secrets, []byte(secret))
		}
	}
}

func (t *Trace) Read(p []byte) (n int, err error) {
	n, err = t.rw.Read(p)
	if n > 0 {
		t.l.Printf(t.rfmt, p[:n])
	}
	return n, err
}

func (t *Trace) Write(p []byte) (n int, err error) {
	n, err = t.rw.Write(p)
	if n > 0 {
		t.l.Printf(t.wfmt, t.redact(p[:n]))
	}
	return n, err
}

// Close closes the underlying io.ReadWriter, if it is closable.
func (t *Trace) Close() error {
	if c, ok := t.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (t *Trace) redact(p []byte) []byte {
	for _, s := range t.secrets {
		if bytes.Contains(p, s) {
			p = bytes.ReplaceAll(p, s, []byte(redacted))
		}
	}
	return p
}

// Debug returns a Logger that logs traces to l at debug level.
func Debug(l logrus.FieldLogger) Logger {
	return debugLogger{l}
}

type debugLogger struct {
	l logrus.FieldLogger
}

func (d debugLogger) Printf(format string, v ...interface{}) {
	d.l.Debugf(format, v...)
}
