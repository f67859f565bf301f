// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package notify delivers alarm notifications by SMS through a GSM modem,
// managing the connection to the modem for the lifetime of the session.
package notify

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsalarm/ack"
	"github.com/warthog618/smsalarm/alarm"
	"github.com/warthog618/smsalarm/at"
	"github.com/warthog618/smsalarm/gsm"
	"github.com/warthog618/smsalarm/phone"
	"github.com/warthog618/smsalarm/sched"
	"github.com/warthog618/smsalarm/trace"
	"go.uber.org/atomic"
)

// Dialer opens the byte stream to the modem.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// AckRegistry tracks notifications awaiting acknowledgment by SMS.
type AckRegistry interface {
	Register(phone, user string, conds []alarm.Condition, message string) string
	Received(phone, text string) *ack.Result
	RemoveStale() int
}

// State is the overall condition of the session.
type State int

const (
	// StateUnknown is the state before the session is started.
	StateUnknown State = iota

	// StateDisconnected indicates the modem is not connected and a reconnect
	// is pending.
	StateDisconnected

	// StateConnecting indicates the modem is being connected and initialised.
	StateConnecting

	// StateWaitingForNetwork indicates the modem is connected but not
	// registered to a network.
	StateWaitingForNetwork

	// StateGood indicates the modem is connected and registered, so
	// notifications can be sent.
	StateGood

	// StateStopped indicates the session has stopped, either due to a fatal
	// configuration error or being shutdown.
	StateStopped
)

var stateNames = map[State]string{
	StateUnknown:           "unknown",
	StateDisconnected:      "disconnected",
	StateConnecting:        "connecting",
	StateWaitingForNetwork: "waiting for network",
	StateGood:              "good",
	StateStopped:           "stopped",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is the externally visible condition of the session.
type Status struct {
	// Connected indicates the modem is connected and initialised.
	Connected bool `json:"connected"`

	// Network indicates the modem is registered to a network.
	Network bool `json:"network"`

	Operator string `json:"operator"`

	// Signal is the received signal level in dBm.
	Signal int `json:"signal"`

	State State `json:"state"`

	// Message describes the state, such as the error that stopped the
	// session.
	Message string `json:"message"`
}

// StatusHandler is called whenever the status of the session changes.
type StatusHandler func(Status)

// fsm states and events
const (
	fsmDisconnected = "disconnected"
	fsmConnecting   = "connecting"
	fsmWaiting      = "waiting"
	fsmGood         = "good"
	fsmStopped      = "stopped"

	evConnect      = "connect"
	evConnected    = "connected"
	evRegistered   = "registered"
	evUnregistered = "unregistered"
	evLost         = "lost"
	evFail         = "fail"
	evStop         = "stop"
)

var fsmStates = map[string]State{
	fsmDisconnected: StateDisconnected,
	fsmConnecting:   StateConnecting,
	fsmWaiting:      StateWaitingForNetwork,
	fsmGood:         StateGood,
	fsmStopped:      StateStopped,
}

var (
	// ErrPINRequired indicates the SIM requires a PIN and none is configured.
	ErrPINRequired = errors.New("SIM PIN required")

	// ErrPINRejected indicates the SIM did not accept the configured PIN.
	ErrPINRejected = errors.New("SIM PIN not accepted")

	// ErrPIN2Required indicates the SIM requires PIN2, which is not supported.
	ErrPIN2Required = errors.New("SIM PIN2 not supported")

	// ErrNoPDUMode indicates the modem does not support PDU mode.
	ErrNoPDUMode = errors.New("modem does not support PDU mode")

	// ErrSIMNotReady indicates the SIM did not become ready while connecting.
	ErrSIMNotReady = errors.New("SIM not ready")
)

// ConfigError indicates the modem cannot be used with the current
// configuration.  A ConfigError stops the session.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return e.Err.Error()
}

// Cause returns the underlying error.
func (e *ConfigError) Cause() error {
	return e.Err
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Session manages the connection to a modem and delivers notifications
// through it.
//
// All interaction with the modem occurs on a single sequential task queue,
// so commands from connection management and delivery never interleave.
type Session struct {
	log           logrus.FieldLogger
	name          string
	dialer        Dialer
	pin           string
	sca           string
	countryCode   int
	registry      AckRegistry
	auditor       alarm.Auditor
	statusHandler StatusHandler
	trace         bool
	gsmOptions    []gsm.Option

	connectDelay      time.Duration
	reconnectInterval time.Duration
	heartbeatInterval time.Duration
	retryInterval     time.Duration
	retryBuffer       time.Duration
	maxRetries        int
	staleInterval     time.Duration
	simPollWait       time.Duration
	simPollLimit      int

	queue *sched.Queue
	fsm   *fsm.FSM

	// cancelled on shutdown to abort blocking commands
	ctx    context.Context
	cancel context.CancelFunc

	stopped   *atomic.Bool
	shutdown  *atomic.Bool
	connected *atomic.Bool
	network   *atomic.Bool

	// covers the transport and the timers
	mu         sync.Mutex
	conn       io.ReadWriteCloser
	modem      *gsm.GSM
	dispatcher *gsm.Dispatcher
	heartbeat  *sched.Timer
	reconnect  *sched.Timer
	sweep      *sched.Timer

	statusMu sync.Mutex
	status   Status

	dmu        sync.Mutex
	deliveries map[*delivery]struct{}
}

// Option is a construction option for a Session.
type Option func(*Session)

// New creates a session that connects to the modem using the dialer.
//
// The session does not connect until started.
func New(d Dialer, options ...Option) *Session {
	s := &Session{
		log:               logrus.StandardLogger(),
		name:              "smsalarm",
		dialer:            d,
		countryCode:       1,
		connectDelay:      20 * time.Millisecond,
		reconnectInterval: 10 * time.Second,
		heartbeatInterval: 10 * time.Second,
		retryInterval:     5 * time.Second,
		retryBuffer:       2 * time.Second,
		maxRetries:        3,
		staleInterval:     2 * time.Minute,
		simPollWait:       200 * time.Millisecond,
		simPollLimit:      50,
		stopped:           atomic.NewBool(false),
		shutdown:          atomic.NewBool(false),
		connected:         atomic.NewBool(false),
		network:           atomic.NewBool(false),
		deliveries:        make(map[*delivery]struct{}),
	}
	for _, option := range options {
		option(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.queue = sched.New(sched.WithLogger(s.log))
	s.fsm = fsm.NewFSM(
		fsmDisconnected,
		fsm.Events{
			{Name: evConnect, Src: []string{fsmDisconnected}, Dst: fsmConnecting},
			{Name: evConnected, Src: []string{fsmConnecting}, Dst: fsmWaiting},
			{Name: evRegistered, Src: []string{fsmWaiting}, Dst: fsmGood},
			{Name: evUnregistered, Src: []string{fsmGood}, Dst: fsmWaiting},
			{Name: evLost, Src: []string{fsmConnecting, fsmWaiting, fsmGood}, Dst: fsmDisconnected},
			{Name: evFail, Src: []string{fsmDisconnected, fsmConnecting, fsmWaiting, fsmGood}, Dst: fsmStopped},
			{Name: evStop, Src: []string{fsmDisconnected, fsmConnecting, fsmWaiting, fsmGood}, Dst: fsmStopped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.WithFields(logrus.Fields{"from": e.Src, "to": e.Dst}).Debug("state transition")
			},
		},
	)
	return s
}

// WithLogger sets the logger for the session.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// WithName sets the profile name recorded in audit records.
func WithName(name string) Option {
	return func(s *Session) {
		s.name = name
	}
}

// WithPIN sets the SIM PIN, entered if the SIM requests it.
func WithPIN(pin string) Option {
	return func(s *Session) {
		s.pin = pin
	}
}

// WithSCA sets the service centre address used to send messages.
func WithSCA(sca string) Option {
	return func(s *Session) {
		s.sca = sca
	}
}

// WithCountryCode sets the country code assumed for phone numbers without
// one.
func WithCountryCode(cc int) Option {
	return func(s *Session) {
		s.countryCode = cc
	}
}

// WithAckRegistry enables two-way mode, allowing recipients to acknowledge
// notifications by replying with the code registered in the registry.
func WithAckRegistry(r AckRegistry) Option {
	return func(s *Session) {
		s.registry = r
	}
}

// WithAuditor sets the auditor that records sends and acknowledgments.
func WithAuditor(a alarm.Auditor) Option {
	return func(s *Session) {
		s.auditor = a
	}
}

// WithStatusHandler sets the handler called when the status changes.
func WithStatusHandler(h StatusHandler) Option {
	return func(s *Session) {
		s.statusHandler = h
	}
}

// WithTrace logs all traffic to and from the modem.
func WithTrace() Option {
	return func(s *Session) {
		s.trace = true
	}
}

// WithGSMOptions passes options through to the GSM modem created for each
// connection.
func WithGSMOptions(options ...gsm.Option) Option {
	return func(s *Session) {
		s.gsmOptions = append(s.gsmOptions, options...)
	}
}

// WithReconnectInterval sets the delay before reconnecting after the
// connection fails.
func WithReconnectInterval(d time.Duration) Option {
	return func(s *Session) {
		s.reconnectInterval = d
	}
}

// WithHeartbeatInterval sets the period between checks of the modem.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Session) {
		s.heartbeatInterval = d
	}
}

// WithRetry sets the delay between attempts to send a notification, and the
// number of attempts made.
func WithRetry(interval time.Duration, attempts int) Option {
	return func(s *Session) {
		s.retryInterval = interval
		s.maxRetries = attempts
	}
}

// WithRetryBuffer sets the time added to the pending heartbeat or reconnect
// when a notification is delayed waiting for the modem.
func WithRetryBuffer(d time.Duration) Option {
	return func(s *Session) {
		s.retryBuffer = d
	}
}

// WithStaleSweepInterval sets the period between sweeps of the registry for
// stale notifications.
func WithStaleSweepInterval(d time.Duration) Option {
	return func(s *Session) {
		s.staleInterval = d
	}
}

// WithSIMPoll sets the delay between polls of the SIM status, and the number
// of polls made, while connecting.
func WithSIMPoll(wait time.Duration, limit int) Option {
	return func(s *Session) {
		s.simPollWait = wait
		s.simPollLimit = limit
	}
}

// Start starts connecting to the modem.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registry != nil && s.sweep == nil && !s.shutdown.Load() {
		s.sweep = s.queue.Every(s.staleInterval, s.removeStale)
	}
	s.scheduleConnect(true)
}

// Status returns the current status of the session.
func (s *Session) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

// TwoWay returns true if notifications may be acknowledged by SMS.
func (s *Session) TwoWay() bool {
	return s.registry != nil
}

// Shutdown stops the session, disconnecting from the modem and failing any
// notifications not yet delivered.
//
// Shutdown blocks until the session has stopped.  Calling Shutdown more than
// once is harmless.
func (s *Session) Shutdown() {
	if !s.shutdown.CompareAndSwap(false, true) {
		return
	}
	s.log.Debug("shutdown")
	s.cancel()
	s.mu.Lock()
	s.cancelTimers()
	s.mu.Unlock()
	s.queue.Close()
	s.mu.Lock()
	s.disconnect()
	s.event(evStop)
	s.publish(func(st *Status) {
		*st = Status{Message: "shutdown"}
	})
	s.mu.Unlock()
	s.failPending(ReasonStopped)
}

// Receive processes an SMS received from the phone number.
//
// In two-way mode the text is checked for an acknowledgment code.
func (s *Session) Receive(from, text string) {
	number, err := phone.Normalize(from, s.countryCode)
	if err != nil {
		s.log.WithError(err).WithField("from", from).Error("invalid originating address for inbound message")
		return
	}
	log := s.log.WithField("from", number)
	log.WithField("text", text).Debug("inbound message received")
	if s.registry == nil {
		log.Warn("received a message, but two-way mode is not enabled")
		return
	}
	res := s.registry.Received(number, text)
	if res == nil {
		return
	}
	s.audit(res.User, alarm.ActionAck, res.Conditions, true)
}

func (s *Session) messageReceived(msg gsm.InboundMessage) {
	s.Receive(msg.From, msg.Text)
}

func (s *Session) removeStale() {
	if n := s.registry.RemoveStale(); n > 0 {
		s.log.WithField("count", n).Debug("removed stale notifications")
	}
}

// scheduleConnect schedules a connection attempt, unless one is already
// pending.
//
// The caller must hold s.mu.
func (s *Session) scheduleConnect(immediate bool) {
	if s.shutdown.Load() {
		return
	}
	if s.reconnect.Pending() {
		s.log.Debug("connection already scheduled")
		return
	}
	d := s.reconnectInterval
	if immediate {
		d = s.connectDelay
	}
	s.reconnect = s.queue.Schedule(d, s.connectTask)
}

// scheduleHeartbeat schedules the next check of the modem.
//
// The caller must hold s.mu.
func (s *Session) scheduleHeartbeat() {
	if s.shutdown.Load() {
		return
	}
	s.heartbeat.Cancel()
	s.heartbeat = s.queue.Schedule(s.heartbeatInterval, s.heartbeatTask)
}

// The caller must hold s.mu.
func (s *Session) cancelTimers() {
	s.heartbeat.Cancel()
	s.heartbeat = nil
	s.reconnect.Cancel()
	s.reconnect = nil
	s.sweep.Cancel()
	s.sweep = nil
}

// pendingDelay returns the time until the modem is next checked, plus a
// margin to allow the check to complete.
func (s *Session) pendingDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected.Load() {
		if s.heartbeat.Pending() {
			return s.heartbeat.Remaining() + s.retryBuffer
		}
		return s.heartbeatInterval
	}
	if s.reconnect.Pending() {
		return s.reconnect.Remaining() + s.retryBuffer
	}
	return s.reconnectInterval
}

func (s *Session) connectTask() {
	if s.shutdown.Load() || s.stopped.Load() {
		return
	}
	if s.connect() {
		s.failPending(ReasonStopped)
	}
}

// connect connects to and initialises the modem.
//
// Returns true if the session was stopped by a fatal error.
func (s *Session) connect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnect = nil
	s.event(evConnect)
	s.publish(func(st *Status) {
		st.Message = "connecting"
	})
	err := s.open()
	if err == nil {
		s.connected.Store(true)
		s.event(evConnected)
		s.publish(func(st *Status) {
			st.Connected = true
			st.Message = "waiting for network"
		})
		s.scheduleHeartbeat()
		go s.watch(s.modem)
		return false
	}
	var cerr *ConfigError
	if errors.As(err, &cerr) {
		s.fail(err)
		return true
	}
	if s.shutdown.Load() {
		return false
	}
	s.log.WithError(err).Info("unable to connect to modem")
	s.disconnect()
	s.event(evLost)
	s.publish(func(st *Status) {
		*st = Status{Message: "no modem"}
	})
	s.scheduleConnect(false)
	return false
}

// open dials the modem and initialises it for sending and receiving SMS.
//
// The caller must hold s.mu.
func (s *Session) open() error {
	conn, err := s.dialer.Dial(s.ctx)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	if s.trace {
		conn = trace.New(conn,
			trace.WithLogger(trace.Debug(s.log.WithField("component", "trace"))),
			trace.WithRedact(s.pin))
	}
	d := gsm.NewDispatcher(s.messageReceived, gsm.WithDispatchLogger(s.log))
	options := append([]gsm.Option{
		gsm.WithLogger(s.log),
		gsm.WithSCA(s.sca),
	}, s.gsmOptions...)
	options = append(options, gsm.WithATOptions(
		at.WithLogger(s.log),
		at.WithUnsolicitedHandler(d.Enqueue)))
	g := gsm.New(conn, options...)
	d.Start(g)
	s.conn = conn
	s.modem = g
	s.dispatcher = d

	ctx := s.ctx
	g.ClearBuffer()
	if err := g.Reset(ctx); err != nil {
		return err
	}
	g.EchoOff(ctx)
	if err := g.VerboseErrors(ctx); err != nil {
		s.log.WithError(err).Warn("unable to enable verbose errors")
	}
	if err := s.unlockSIM(ctx, g); err != nil {
		return err
	}
	if s.registry != nil {
		if err := g.SetIndications(ctx); err != nil {
			s.log.WithError(err).Error("message indications not enabled, acknowledgment by SMS will not be possible")
		}
	}
	if s.sca != "" {
		if err := g.SetSCA(ctx, s.sca); err != nil {
			s.log.WithError(err).WithField("sca", s.sca).Warn("unable to set service centre address")
		}
	}
	if err := g.SetPDUMode(ctx); err != nil {
		if at.ErrorCode(err) > at.CodeUnknown {
			return err
		}
		return &ConfigError{errors.Wrap(ErrNoPDUMode, err.Error())}
	}
	return nil
}

// unlockSIM polls the SIM status until the SIM is ready, entering the PIN if
// requested.
func (s *Session) unlockSIM(ctx context.Context, g *gsm.GSM) error {
	for polls := 1; ; polls++ {
		rsp, err := g.SIMStatus(ctx)
		state := gsm.ParseSIMState(rsp.Text)
		log := s.log.WithField("response", rsp.Text)
		switch state {
		case gsm.SIMReady:
			return nil
		case gsm.SIMBusy:
			log.Debug("SIM is busy, waiting")
		case gsm.SIMPIN2:
			log.Error("SIM requesting PIN2")
			return &ConfigError{ErrPIN2Required}
		case gsm.SIMPIN:
			log.Debug("SIM requesting PIN")
			if s.pin == "" {
				return &ConfigError{ErrPINRequired}
			}
			if err := g.EnterPIN(ctx, s.pin); err != nil {
				if at.ErrorCode(err) > at.CodeUnknown {
					return err
				}
				return &ConfigError{errors.Wrap(ErrPINRejected, err.Error())}
			}
		default:
			if err != nil {
				return errors.Wrap(err, "SIM status")
			}
			log.Warn("cannot understand SIM status, waiting")
		}
		if polls >= s.simPollLimit {
			return ErrSIMNotReady
		}
		if err := sleep(ctx, s.simPollWait); err != nil {
			return err
		}
	}
}

func (s *Session) heartbeatTask() {
	if s.shutdown.Load() || s.stopped.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeat = nil
	if err := s.updateModemStatus(); err != nil {
		if s.shutdown.Load() {
			return
		}
		s.lost(err)
		return
	}
	s.scheduleHeartbeat()
}

// watch waits for the connection to the modem to close, and disconnects
// the session if the modem is still the active one.
func (s *Session) watch(g *gsm.GSM) {
	<-g.Closed()
	s.queue.Submit(func() {
		if s.shutdown.Load() || s.stopped.Load() {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.modem != g {
			return
		}
		s.lost(at.ErrClosed)
	})
}

// lost disconnects from a faulted modem and schedules a reconnect.
//
// The caller must hold s.mu.
func (s *Session) lost(err error) {
	s.log.WithError(err).Error("modem connection faulted")
	s.heartbeat.Cancel()
	s.heartbeat = nil
	s.disconnect()
	s.event(evLost)
	s.publish(func(st *Status) {
		*st = Status{Message: "no modem"}
	})
	s.scheduleConnect(false)
}

// updateModemStatus checks the network registration of the modem, and the
// signal and operator when registered.
//
// The caller must hold s.mu.
func (s *Session) updateModemStatus() error {
	g := s.modem
	if g == nil || !g.Connected() {
		return at.ErrNotConnected
	}
	registered, err := g.Registered(s.ctx)
	if err != nil {
		return err
	}
	if !registered {
		s.network.Store(false)
		s.event(evUnregistered)
		s.publish(func(st *Status) {
			st.Network = false
			st.Operator = ""
			st.Signal = 0
			st.Message = "waiting for network"
		})
		return nil
	}
	signal, err := g.SignalLevel(s.ctx)
	if err != nil {
		return err
	}
	operator, err := g.Operator(s.ctx)
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"signal": signal, "operator": operator}).Debug("modem connection ok")
	s.network.Store(true)
	s.event(evRegistered)
	s.publish(func(st *Status) {
		st.Network = true
		st.Operator = operator
		st.Signal = signal
		st.Message = fmt.Sprintf("connected to %s, signal %d dBm", operator, signal)
	})
	return nil
}

// fail stops the session due to a fatal error.
//
// The caller must hold s.mu.
func (s *Session) fail(err error) {
	s.log.WithError(err).Error("unable to initialise modem, session stopped")
	s.stopped.Store(true)
	s.cancelTimers()
	s.disconnect()
	s.event(evFail)
	s.publish(func(st *Status) {
		*st = Status{Message: err.Error()}
	})
}

// disconnect closes the connection to the modem, if any.
//
// The caller must hold s.mu.
func (s *Session) disconnect() {
	s.connected.Store(false)
	s.network.Store(false)
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.WithError(err).Warn("error disconnecting from modem")
		}
		s.conn = nil
	}
	if s.dispatcher != nil {
		s.dispatcher.Stop()
		s.dispatcher = nil
	}
	s.modem = nil
}

// event fires the state machine event, if it applies to the current state.
func (s *Session) event(name string) {
	if !s.fsm.Can(name) {
		return
	}
	if err := s.fsm.Event(context.Background(), name); err != nil {
		s.log.WithError(err).WithField("event", name).Debug("state transition")
	}
}

// publish applies the update to the status, and notifies the status handler
// if the status changed.
func (s *Session) publish(update func(*Status)) {
	s.statusMu.Lock()
	st := s.status
	update(&st)
	st.State = fsmStates[s.fsm.Current()]
	changed := st != s.status
	s.status = st
	s.statusMu.Unlock()
	if changed && s.statusHandler != nil {
		s.statusHandler(st)
	}
}

func (s *Session) audit(actor, action string, conds []alarm.Condition, success bool) {
	if s.auditor == nil {
		return
	}
	now := time.Now()
	for _, c := range conds {
		s.auditor.Audit(alarm.AuditRecord{
			Time:    now,
			Profile: s.name,
			Actor:   actor,
			Action:  action,
			Target:  c.Source + "/evt:" + c.ID.String(),
			Success: success,
		})
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
