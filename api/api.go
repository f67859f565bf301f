// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package api provides the HTTP interface to the notification session.
//
// Notifications are submitted asynchronously and their outcome polled, as
// the outcome may not be known for some time if the modem is unavailable.
package api

import (
	"net/http"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsalarm/alarm"
	"github.com/warthog618/smsalarm/notify"
	"github.com/warthog618/smsalarm/phone"
)

// Notifier delivers notifications.  It is satisfied by *notify.Session.
type Notifier interface {
	Send(n alarm.Notification)
	Status() notify.Status
	Pending() int
	TwoWay() bool
	Receive(from, text string)
}

// AckLister lists the acknowledgment codes pending for a phone number.
type AckLister interface {
	Pending(phone string) []string
}

// Notification outcome states.
const (
	StatePending = "pending"
	StateDone    = "done"
	StateFailed  = "failed"
)

// Server handles the HTTP API.
type Server struct {
	log         logrus.FieldLogger
	notifier    Notifier
	acks        AckLister
	countryCode int
	maxOutcomes int

	mu       sync.Mutex
	outcomes map[uuid.UUID]*outcome
	// ids in order of submission, for eviction
	order []uuid.UUID
}

// Option is a construction option for a Server.
type Option func(*Server)

// New creates a Server that submits notifications to the notifier.
func New(n Notifier, options ...Option) *Server {
	s := &Server{
		log:         logrus.StandardLogger(),
		notifier:    n,
		countryCode: 1,
		maxOutcomes: 1000,
		outcomes:    make(map[uuid.UUID]*outcome),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// WithLogger sets the logger used for request logs.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithAckLister enables listing of pending acknowledgment codes.
func WithAckLister(a AckLister) Option {
	return func(s *Server) {
		s.acks = a
	}
}

// WithCountryCode sets the country code assumed for phone numbers in
// requests.
func WithCountryCode(cc int) Option {
	return func(s *Server) {
		s.countryCode = cc
	}
}

// WithMaxOutcomes sets the number of notification outcomes retained.
//
// Once the limit is reached the oldest outcome is discarded.
func WithMaxOutcomes(n int) Option {
	return func(s *Server) {
		s.maxOutcomes = n
	}
}

// Handler returns the router serving the API.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(Logger(s.log))
	v1 := r.Group("/api/v1")
	{
		v1.POST("/notifications", s.createNotification)
		v1.GET("/notifications/:id", s.getNotification)
		v1.GET("/status", s.getStatus)
		v1.POST("/inbound", s.inbound)
		v1.GET("/acks/:phone", s.getAcks)
	}
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

// ConditionRequest is one alarm condition in a NotificationRequest.
type ConditionRequest struct {
	// ID is generated if not provided.
	ID      uuid.UUID         `json:"id"`
	Source  string            `json:"source" binding:"required"`
	Name    string            `json:"name"`
	AckMode string            `json:"ack_mode"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data"`
}

// NotificationRequest is the body of a notification submission.
type NotificationRequest struct {
	User                string             `json:"user" binding:"required"`
	Phone               string             `json:"phone" binding:"required"`
	Message             string             `json:"message"`
	ConsolidatedMessage string             `json:"consolidated_message"`
	TestMode            bool               `json:"test_mode"`
	Conditions          []ConditionRequest `json:"conditions" binding:"required,min=1,dive"`
}

// NotificationResponse reports the outcome of a notification.
type NotificationResponse struct {
	ID     uuid.UUID `json:"id"`
	State  string    `json:"state"`
	Reason string    `json:"reason,omitempty"`
}

// InboundRequest is the body of an injected inbound SMS.
type InboundRequest struct {
	From string `json:"from" binding:"required"`
	Text string `json:"text"`
}

// StatusResponse is the status of the session.
type StatusResponse struct {
	notify.Status
	TwoWay  bool `json:"two_way"`
	Pending int  `json:"pending"`
}

// AcksResponse lists the codes pending for a phone number.
type AcksResponse struct {
	Phone string   `json:"phone"`
	Codes []string `json:"codes"`
}

func (s *Server) createNotification(c *gin.Context) {
	var req NotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conds := make([]alarm.Condition, 0, len(req.Conditions))
	for _, cr := range req.Conditions {
		mode, err := alarm.ParseAckMode(cr.AckMode)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id := cr.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		conds = append(conds, alarm.Condition{
			ID:      id,
			Source:  cr.Source,
			Name:    cr.Name,
			AckMode: mode,
			Message: cr.Message,
			Data:    cr.Data,
		})
	}
	props := alarm.Properties{
		Message:             req.Message,
		ConsolidatedMessage: req.ConsolidatedMessage,
		TestMode:            req.TestMode,
	}
	if props.Message == "" {
		props.Message = notify.DefaultMessage
	}
	if props.ConsolidatedMessage == "" {
		props.ConsolidatedMessage = notify.DefaultConsolidatedMessage
	}
	id := uuid.New()
	o := s.track(id)
	s.notifier.Send(alarm.Notification{
		ID: id,
		User: alarm.User{
			Name:     req.User,
			Contacts: []alarm.Contact{{Type: alarm.ContactSMS, Value: req.Phone}},
		},
		Conditions: conds,
		Properties: props,
		Result:     o,
	})
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (s *Server) getNotification(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
		return
	}
	s.mu.Lock()
	o := s.outcomes[id]
	s.mu.Unlock()
	if o == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	c.JSON(http.StatusOK, o.response())
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status:  s.notifier.Status(),
		TwoWay:  s.notifier.TwoWay(),
		Pending: s.notifier.Pending(),
	})
}

func (s *Server) inbound(c *gin.Context) {
	var req InboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.notifier.TwoWay() {
		c.JSON(http.StatusConflict, gin.H{"error": "two-way mode is not enabled"})
		return
	}
	s.notifier.Receive(req.From, req.Text)
	c.JSON(http.StatusAccepted, gin.H{"status": "received"})
}

func (s *Server) getAcks(c *gin.Context) {
	if s.acks == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "two-way mode is not enabled"})
		return
	}
	number, err := phone.Normalize(c.Param("phone"), s.countryCode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	codes := append([]string{}, s.acks.Pending(number)...)
	sort.Strings(codes)
	c.JSON(http.StatusOK, AcksResponse{Phone: number, Codes: codes})
}

func (s *Server) track(id uuid.UUID) *outcome {
	o := &outcome{id: id, state: StatePending, log: s.log.WithField("notification", id)}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[id] = o
	s.order = append(s.order, id)
	for len(s.order) > s.maxOutcomes {
		delete(s.outcomes, s.order[0])
		s.order = s.order[1:]
	}
	return o
}

// outcome records the result of a submitted notification.
type outcome struct {
	id  uuid.UUID
	log logrus.FieldLogger

	mu     sync.Mutex
	state  string
	reason string
}

func (o *outcome) NotificationDone() {
	o.set(StateDone, "")
}

func (o *outcome) NotificationFailed(reason string) {
	o.set(StateFailed, reason)
}

func (o *outcome) set(state, reason string) {
	o.mu.Lock()
	o.state = state
	o.reason = reason
	o.mu.Unlock()
	o.log.WithFields(logrus.Fields{"state": state, "reason": reason}).Info("notification complete")
}

func (o *outcome) response() NotificationResponse {
	o.mu.Lock()
	defer o.mu.Unlock()
	return NotificationResponse{ID: o.id, State: o.state, Reason: o.reason}
}
