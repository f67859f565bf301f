// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// waitsms waits for SMSs to be received by the modem, and dumps them to stdout.
//
// This provides an example of using indications, as well as a test
// that the library works with the modem.
//
// The modem must support routing new messages directly to the terminal, or
// no SMSs will be seen.
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
	"github.com/warthog618/smsalarm/serial"
	"github.com/warthog618/smsalarm/telnet"
	"github.com/warthog618/smsalarm/trace"
)

func main() {
	addr := flag.String("a", "", "address of telnet bridge, host:port, instead of a serial device")
	dev := flag.String("d", "/dev/ttyUSB2", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	period := flag.Duration("p", 10*time.Minute, "period to wait")
	timeout := flag.Duration("t", 5*time.Second, "command timeout period")
	verbose := flag.Bool("v", false, "log modem interactions")
	hex := flag.Bool("x", false, "hex dump modem responses")
	flag.Parse()
	if *verbose || *hex {
		logrus.SetLevel(logrus.DebugLevel)
	}
	ctx, cancel := context.WithTimeout(context.Background(), *period)
	defer cancel()
	m, err := dial(ctx, *addr, *dev, *baud)
	if err != nil {
		logrus.WithError(err).Fatal("unable to connect to modem")
	}
	defer m.Close()
	var mio io.ReadWriter = m
	if *hex {
		mio = trace.New(m, trace.WithReadFormat("r: %x"))
	} else if *verbose {
		mio = trace.New(m)
	}
	d := gsm.NewDispatcher(func(msg gsm.InboundMessage) {
		logrus.WithField("from", msg.From).Info(msg.Text)
	})
	defer d.Stop()
	g := gsm.New(mio, gsm.WithATOptions(
		at.WithTimeout(*timeout),
		at.WithUnsolicitedHandler(d.Enqueue)))
	d.Start(g)
	if err := g.Reset(ctx); err != nil {
		logrus.WithError(err).Fatal("unable to reset modem")
	}
	g.EchoOff(ctx)
	g.VerboseErrors(ctx)
	if err := g.SetPDUMode(ctx); err != nil {
		logrus.WithError(err).Fatal("unable to select PDU mode")
	}
	// tell the modem to forward SMSs to us.
	if err := g.SetIndications(ctx); err != nil {
		logrus.WithError(err).Fatal("unable to enable new message indications")
	}
	pollSignalQuality(ctx, g)
}

// pollSignalQuality polls the modem to read signal quality every minute.
// This runs in parallel with the dispatcher to demonstrate separate
// goroutines interacting with the modem.
func pollSignalQuality(ctx context.Context, g *gsm.GSM) {
	for {
		select {
		case <-time.After(time.Minute):
			level, err := g.SignalLevel(ctx)
			if err != nil {
				logrus.WithError(err).Warn("signal quality")
				continue
			}
			operator, _ := g.Operator(ctx)
			logrus.WithFields(logrus.Fields{"signal": level, "operator": operator}).Info("signal quality")
		case <-g.Closed():
			logrus.Fatal("modem closed, exiting...")
		case <-ctx.Done():
			logrus.Info("exiting...")
			return
		}
	}
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
