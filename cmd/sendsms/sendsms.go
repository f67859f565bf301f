// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// sendsms sends a single SMS through the modem, splitting it into as many
// segments as required.
package main

import (
	"context"
	"flag"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsalarm/at"
	"github.com/warthog618/smsalarm/gsm"
	"github.com/warthog618/smsalarm/phone"
	"github.com/warthog618/smsalarm/serial"
	"github.com/warthog618/smsalarm/telnet"
	"github.com/warthog618/smsalarm/trace"
)

func main() {
	addr := flag.String("a", "", "address of telnet bridge, host:port, instead of a serial device")
	dev := flag.String("d", "/dev/ttyUSB0", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	num := flag.String("n", "+12345", "number to send to")
	cc := flag.Int("c", 1, "country code assumed for numbers without one")
	msg := flag.String("m", "Zoot Zoot", "the message to send")
	sca := flag.String("s", "", "service centre address")
	timeout := flag.Duration("t", 20*time.Second, "overall timeout period")
	verbose := flag.Bool("v", false, "log modem interactions")
	flag.Parse()
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	number, err := phone.Normalize(*num, *cc)
	if err != nil {
		logrus.WithError(err).Fatal("invalid number")
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	m, err := dial(ctx, *addr, *dev, *baud)
	if err != nil {
		logrus.WithError(err).Fatal("unable to connect to modem")
	}
	defer m.Close()
	var mio io.ReadWriter = m
	if *verbose {
		mio = trace.New(m)
	}
	g := gsm.New(mio, gsm.WithSCA(*sca))
	if err := g.Reset(ctx); err != nil {
		logrus.WithError(err).Fatal("unable to reset modem")
	}
	g.EchoOff(ctx)
	g.VerboseErrors(ctx)
	if *sca != "" {
		if err := g.SetSCA(ctx, *sca); err != nil {
			logrus.WithError(err).Warn("unable to set service centre address")
		}
	}
	if err := g.SetPDUMode(ctx); err != nil {
		logrus.WithError(err).Fatal("unable to select PDU mode")
	}
	mrs, err := g.SendMessage(ctx, number, *msg)
	if err != nil {
		logrus.WithError(err).WithField("code", at.ErrorCode(err)).Error("send failed")
		return
	}
	logrus.WithFields(logrus.Fields{"number": number, "mr": mrs}).Info("sent")
}

func dial(ctx context.Context, addr, dev string, baud int) (io.ReadWriteCloser, error) {
	if addr == "" {
		return serial.NewDialer(serial.WithPort(dev), serial.WithBaud(baud)).Dial(ctx)
	}
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return nil, err
	}
	return telnet.Dialer{Host: host, Port: port}.Dial(ctx)
}
