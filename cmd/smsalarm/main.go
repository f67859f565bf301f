// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// smsalarm delivers alarm notifications by SMS through a GSM modem, and
// accepts acknowledgments by SMS reply.
//
// Notifications are submitted through the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsalarm/ack"
	"github.com/warthog618/smsalarm/alarm"
	"github.com/warthog618/smsalarm/api"
	"github.com/warthog618/smsalarm/at"
	"github.com/warthog618/smsalarm/config"
	"github.com/warthog618/smsalarm/gsm"
	"github.com/warthog618/smsalarm/notify"
	"github.com/warthog618/smsalarm/serial"
	"github.com/warthog618/smsalarm/telnet"
)

var version = "undefined"

func main() {
	path := flag.String("config", "", "path to config file")
	vsn := flag.Bool("version", false, "report version and exit")
	flag.Parse()
	if *vsn {
		fmt.Printf("%s %s\n", os.Args[0], version)
		os.Exit(0)
	}
	cfg, err := config.Load(*path)
	if err != nil {
		logrus.WithError(err).Fatal("unable to load config")
	}
	log := newLogger(cfg.Log)
	log.WithField("version", version).Info("starting")

	var registry *ack.Registry
	options := []notify.Option{
		notify.WithLogger(log.WithField("component", "session")),
		notify.WithName(cfg.Name),
		notify.WithPIN(cfg.Modem.PIN),
		notify.WithSCA(cfg.Modem.SCA),
		notify.WithCountryCode(cfg.Modem.CountryCode),
		notify.WithAuditor(logAuditor{log.WithField("component", "audit")}),
		notify.WithStatusHandler(func(st notify.Status) {
			log.WithFields(logrus.Fields{
				"state":    st.State,
				"operator": st.Operator,
				"signal":   st.Signal,
			}).Info(st.Message)
		}),
		notify.WithReconnectInterval(cfg.Session.ReconnectInterval),
		notify.WithHeartbeatInterval(cfg.Session.HeartbeatInterval),
		notify.WithRetry(cfg.Session.RetryInterval, cfg.Session.MaxRetries),
		notify.WithRetryBuffer(cfg.Session.RetryBuffer),
		notify.WithGSMOptions(gsm.WithATOptions(
			at.WithTimeout(cfg.Modem.CommandTimeout),
			at.WithPDUTimeout(cfg.Modem.PDUTimeout))),
	}
	if cfg.Modem.Trace {
		options = append(options, notify.WithTrace())
	}
	if cfg.Ack.Enabled {
		registry = ack.New(logAcknowledger{log.WithField("component", "ack")},
			ack.WithLogger(log.WithField("component", "ack")),
			ack.WithStaleTimeout(cfg.Ack.StaleTimeout),
			ack.WithTemplate(cfg.Ack.Template))
		options = append(options,
			notify.WithAckRegistry(registry),
			notify.WithStaleSweepInterval(cfg.Ack.SweepInterval))
	}
	session := notify.New(newDialer(cfg.Modem, log), options...)
	session.Start()

	gin.SetMode(cfg.API.Mode)
	apiOptions := []api.Option{
		api.WithLogger(log.WithField("component", "api")),
		api.WithCountryCode(cfg.Modem.CountryCode),
	}
	if registry != nil {
		apiOptions = append(apiOptions, api.WithAckLister(registry))
	}
	srv := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           api.New(session, apiOptions...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server failed")
		}
	}()
	log.WithField("listen", cfg.API.Listen).Info("api started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit
	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("http server shutdown")
	}
	session.Shutdown()
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.StandardLogger()
	level, err := logrus.ParseLevel(cfg.Level)
	if err == nil {
		log.SetLevel(level)
	}
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(os.Stdout)
	return log
}

func newDialer(cfg config.ModemConfig, log logrus.FieldLogger) notify.Dialer {
	if cfg.Transport == "serial" {
		return serial.NewDialer(serial.WithPort(cfg.Device), serial.WithBaud(cfg.Baud))
	}
	return telnet.Dialer{
		Host:    cfg.Host,
		Port:    cfg.Port,
		Mode:    cfg.Mode(),
		Timeout: cfg.DialTimeout,
		Log:     log.WithField("component", "telnet"),
	}
}

// logAcknowledger records acknowledgments in the log, as the alarm system
// is not local.
type logAcknowledger struct {
	log logrus.FieldLogger
}

func (a logAcknowledger) Acknowledge(ids []uuid.UUID, user string) error {
	a.log.WithFields(logrus.Fields{"user": user, "events": ids}).Info("alarm events acknowledged")
	return nil
}

type logAuditor struct {
	log logrus.FieldLogger
}

func (a logAuditor) Audit(r alarm.AuditRecord) {
	a.log.WithFields(logrus.Fields{
		"profile": r.Profile,
		"actor":   r.Actor,
		"action":  r.Action,
		"target":  r.Target,
		"success": r.Success,
	}).Info("audit")
}
