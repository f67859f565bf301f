// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package sched provides a sequential task queue with support for delayed and
// periodic tasks.
package sched

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Queue executes submitted tasks one at a time, in submission order, on a
// single worker goroutine.
//
// Delayed and periodic tasks are submitted to the queue when their timer
// fires, so they too never run concurrently with other tasks.
type Queue struct {
	log logrus.FieldLogger

	mu      sync.Mutex
	pending []func()
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// Option is a construction option for a Queue.
type Option func(*Queue)

// WithLogger sets the logger used to report task panics.
func WithLogger(l logrus.FieldLogger) Option {
	return func(q *Queue) {
		q.log = l
	}
}

// New creates a Queue and starts its worker.
func New(options ...Option) *Queue {
	q := &Queue{
		log:  logrus.StandardLogger(),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	for _, option := range options {
		option(q)
	}
	go q.run()
	return q
}

// Submit adds the task to the end of the queue.
//
// Returns false if the queue has been closed, in which case the task is
// discarded.
func (q *Queue) Submit(task func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, task)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Schedule submits the task to the queue after the delay.
func (q *Queue) Schedule(d time.Duration, task func()) *Timer {
	return q.start(d, 0, task)
}

// Every submits the task to the queue at a fixed rate, the first time after
// one period.
func (q *Queue) Every(period time.Duration, task func()) *Timer {
	return q.start(period, period, task)
}

// Close discards any pending tasks, and waits for the running task, if any,
// to complete.
//
// Close must not be called from a task.  Calling Close more than once is
// harmless.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.pending = nil
	}
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}

// Closed returns true once the queue has been closed.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			<-q.wake
			continue
		}
		task := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()
		q.execute(task)
	}
}

func (q *Queue) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.WithField("panic", r).Error("task panicked")
		}
	}()
	task()
}

func (q *Queue) start(d, period time.Duration, task func()) *Timer {
	t := &Timer{
		due:    time.Now().Add(d),
		period: period,
	}
	t.mu.Lock()
	t.timer = time.AfterFunc(d, func() {
		if t.fire() {
			q.Submit(task)
		}
	})
	t.mu.Unlock()
	return t
}

// Timer is a delayed or periodic task that has not yet been submitted to the
// queue.
type Timer struct {
	mu     sync.Mutex
	timer  *time.Timer
	due    time.Time
	period time.Duration
	done   bool
}

// fire updates the timer state when the underlying timer expires, and
// returns true if the task should be submitted.
func (t *Timer) fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	if t.period == 0 {
		t.done = true
		return true
	}
	t.due = t.due.Add(t.period)
	t.timer.Reset(time.Until(t.due))
	return true
}

// Cancel prevents any further submissions of the task.
//
// Returns true if the cancel prevented a submission.  Cancelling a timer that
// has already fired, or already been cancelled, has no effect.
func (t *Timer) Cancel() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.timer.Stop()
	return true
}

// Pending returns true if the task is yet to be submitted.
func (t *Timer) Pending() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.done
}

// Remaining returns the time until the task is next submitted, or zero if it
// will not be.
func (t *Timer) Remaining() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return 0
	}
	if r := time.Until(t.due); r > 0 {
		return r
	}
	return 0
}
