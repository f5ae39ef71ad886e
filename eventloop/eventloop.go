// Copyright 2017-2018 Virtkit, Inc.
// This software is released under an MIT/X11 open source license.

// Package eventloop provides the shared readiness/timeout primitive
// the virtrpc server blocks in.  Callers register handle watches
// (something readable, typically a pipe) and recurring timeouts, then
// drive the loop one iteration at a time with RunOnce.  Exactly one
// callback is dispatched per iteration, on the goroutine that called
// RunOnce, so callbacks never race each other.
package eventloop

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrClosed is returned by RunOnce once the loop has been closed.
var ErrClosed = errors.New("event loop is closed")

// HandleFunc is called when a registered handle becomes readable.
// data holds the bytes read from the handle (owned by the callback);
// err is non-nil if the underlying read failed, in which case data
// may be short or empty and no further events will arrive for this
// watch unless the error was transient for the reader.
type HandleFunc func(watch int, data []byte, err error)

// TimeoutFunc is called when a registered timeout fires.
type TimeoutFunc func(timer int)

type event struct {
	fn func()
}

type handle struct {
	id      int
	fn      HandleFunc
	removed bool
}

type timer struct {
	id     int
	fn     TimeoutFunc
	cancel chan struct{}
}

// Loop multiplexes handle readiness and timer expiry into single
// callback dispatches.
type Loop struct {
	clk clock.Clock

	mu      sync.Mutex
	handles map[int]*handle
	timers  map[int]*timer
	nextID  int
	closed  bool

	events chan event
	done   chan struct{}
}

// New creates an event loop.  clk may be nil, in which case wall-clock
// time is used; tests inject a mock clock to drive timeouts
// deterministically.
func New(clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	return &Loop{
		clk:     clk,
		handles: make(map[int]*handle),
		timers:  make(map[int]*timer),
		events:  make(chan event, 64),
		done:    make(chan struct{}),
	}
}

// post delivers an event unless the loop has been closed.
func (l *Loop) post(fn func()) {
	select {
	case l.events <- event{fn: fn}:
	case <-l.done:
	}
}

// AddHandle registers a reader with the loop and returns a watch
// identifier.  A goroutine reads records of up to bufSize bytes from
// r; each read (or read error) is dispatched to fn from RunOnce.  The
// reader goroutine exits after delivering the first read error, so
// closing the underlying descriptor tears the watch down.
func (l *Loop) AddHandle(r io.Reader, bufSize int, fn HandleFunc) int {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	h := &handle{id: id, fn: fn}
	l.handles[id] = h
	l.mu.Unlock()

	go func() {
		for {
			buf := make([]byte, bufSize)
			n, err := r.Read(buf)
			data := buf[:n]
			l.post(func() {
				l.mu.Lock()
				removed := h.removed
				l.mu.Unlock()
				if !removed {
					fn(id, data, err)
				}
			})
			if err != nil {
				return
			}
		}
	}()
	return id
}

// RemoveHandle deregisters a watch.  Events already queued for the
// watch are discarded at dispatch time.  The reader goroutine keeps
// draining the descriptor until it is closed.
func (l *Loop) RemoveHandle(watch int) {
	l.mu.Lock()
	if h, ok := l.handles[watch]; ok {
		h.removed = true
		delete(l.handles, watch)
	}
	l.mu.Unlock()
}

// AddTimeout registers a recurring timeout and returns a timer
// identifier.  A negative duration registers the timer in a disarmed
// state; use UpdateTimeout to arm it.  Once armed, the timer fires
// every d until disarmed or the loop is closed.
func (l *Loop) AddTimeout(d time.Duration, fn TimeoutFunc) int {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	t := &timer{id: id, fn: fn}
	l.timers[id] = t
	l.mu.Unlock()

	if d >= 0 {
		l.armTimer(t, d)
	}
	return id
}

// UpdateTimeout re-arms a timer with a new interval, or disarms it if
// d is negative.
func (l *Loop) UpdateTimeout(id int, d time.Duration) {
	l.mu.Lock()
	t, ok := l.timers[id]
	if ok && t.cancel != nil {
		close(t.cancel)
		t.cancel = nil
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	if d >= 0 {
		l.armTimer(t, d)
	}
}

// RemoveTimeout disarms and deregisters a timer.
func (l *Loop) RemoveTimeout(id int) {
	l.mu.Lock()
	if t, ok := l.timers[id]; ok {
		if t.cancel != nil {
			close(t.cancel)
			t.cancel = nil
		}
		delete(l.timers, id)
	}
	l.mu.Unlock()
}

func (l *Loop) armTimer(t *timer, d time.Duration) {
	l.mu.Lock()
	cancel := make(chan struct{})
	t.cancel = cancel
	l.mu.Unlock()

	go func() {
		for {
			tick := l.clk.Timer(d)
			select {
			case <-tick.C:
				l.post(func() {
					l.mu.Lock()
					_, live := l.timers[t.id]
					armed := t.cancel == cancel
					l.mu.Unlock()
					if live && armed {
						t.fn(t.id)
					}
				})
			case <-cancel:
				tick.Stop()
				return
			case <-l.done:
				tick.Stop()
				return
			}
		}
	}()
}

// Wakeup forces the next (or current) RunOnce call to return without
// waiting for a handle or timer event.
func (l *Loop) Wakeup() {
	l.post(func() {})
}

// RunOnce blocks until one event has been dispatched and returns nil,
// or returns ErrClosed if the loop has been closed.
func (l *Loop) RunOnce() error {
	select {
	case ev := <-l.events:
		ev.fn()
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// Close shuts the loop down.  Subsequent RunOnce calls return
// ErrClosed and pending or future events are dropped.
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	l.mu.Unlock()
}
