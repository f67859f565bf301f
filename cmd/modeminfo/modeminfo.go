// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// modeminfo collects and displays information related to the modem and its
// current configuration.
//
// This serves as an example of how to interact with a modem, as well as
// providing information which may be useful for debugging.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsalarm/at"
	"github.com/warthog618/smsalarm/gsm"
	"github.com/warthog618/smsalarm/info"
	"github.com/warthog618/smsalarm/serial"
	"github.com/warthog618/smsalarm/telnet"
	"github.com/warthog618/smsalarm/trace"
)

var version = "undefined"

func main() {
	addr := flag.String("a", "", "address of telnet bridge, host:port, instead of a serial device")
	dev := flag.String("d", "/dev/ttyUSB0", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	timeout := flag.Duration("t", 5*time.Second, "command timeout period")
	verbose := flag.Bool("v", false, "log modem interactions")
	vsn := flag.Bool("version", false, "report version and exit")
	flag.Parse()
	if *vsn {
		fmt.Printf("%s %s\n", os.Args[0], version)
		os.Exit(0)
	}
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	ctx := context.Background()
	m, err := dial(ctx, *addr, *dev, *baud)
	if err != nil {
		logrus.WithError(err).Fatal("unable to connect to modem")
	}
	defer m.Close()
	var mio io.ReadWriter = m
	if *verbose {
		mio = trace.New(m)
	}
	g := gsm.New(mio, gsm.WithATOptions(at.WithTimeout(*timeout)))
	if err := g.Reset(ctx); err != nil {
		logrus.WithError(err).Fatal("unable to reset modem")
	}
	g.EchoOff(ctx)
	cmds := []string{
		"I",
		"+GCAP",
		"+CMEE=2",
		"+CGMI",
		"+CGMM",
		"+CGMR",
		"+CGSN",
		"+CSQ",
		"+CIMI",
		"+CREG?",
		"+COPS?",
		"+CNUM",
		"+CPIN?",
		"+CEER",
		"+CSCA?",
		"+CSMS?",
		"+CSMS=?",
		"+CPMS=?",
		"+CNMI?",
		"+CNMI=?",
		"+CNMA=?",
		"+CMGF?",
		"+CMGF=?",
	}
	for _, cmd := range cmds {
		rsp, err := g.Command(ctx, cmd)
		fmt.Println("AT" + cmd)
		if err != nil {
			fmt.Printf(" %s (%d)\n", err, at.ErrorCode(err))
			continue
		}
		for _, l := range info.Lines(rsp.Text) {
			fmt.Printf(" %s\n", l)
		}
	}
	if level, err := g.SignalLevel(ctx); err == nil {
		fmt.Printf("signal: %d dBm\n", level)
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
