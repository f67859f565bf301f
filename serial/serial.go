// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package serial provides a serial port, which provides the io.ReadWriter
// interface, that provides the connection between the at or gsm packages and
// the physical modem.
package serial

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// Config is the configuration of the serial port.
type Config struct {
	port string
	baud int
}

// Option modifies the serial port configuration.
type Option func(*Config)

// WithPort sets the device path of the serial port.
//
// The default port is platform dependent.
func WithPort(port string) Option {
	return func(c *Config) {
		c.port = port
	}
}

// WithBaud sets the baud rate of the serial port.
//
// The default rate is 115200.
func WithBaud(baud int) Option {
	return func(c *Config) {
		c.baud = baud
	}
}

// New creates a serial port.
//
// This is currently a simple wrapper around tarm serial.
func New(options ...Option) (*serial.Port, error) {
	cfg := defaultConfig
	for _, option := range options {
		option(&cfg)
	}
	if cfg.baud <= 0 {
		return nil, errors.Errorf("invalid baud rate %d", cfg.baud)
	}
	p, err := serial.OpenPort(&serial.Config{Name: cfg.port, Baud: cfg.baud})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", cfg.port)
	}
	return p, nil
}

// Dialer opens the serial port each time a connection to the modem is
// required.
type Dialer struct {
	options []Option
}

// NewDialer creates a Dialer for the port described by the options.
func NewDialer(options ...Option) Dialer {
	return Dialer{options: options}
}

// Dial opens the serial port.
func (d Dialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := New(d.options...)
	if err != nil {
		return nil, err
	}
	return p, nil
}
