// Copyright 2017-2018 Virtkit, Inc.
// This software is released under an MIT/X11 open source license.

package eventloop

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runOne drives a single loop iteration, failing the test if nothing
// is dispatched in a generous deadline.
func runOne(t *testing.T, l *Loop) {
	errs := make(chan error, 1)
	go func() { errs <- l.RunOnce() }()
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunOnce never returned")
	}
}

func TestHandleDelivery(t *testing.T) {
	l := New(nil)
	defer l.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	var gotWatch int
	var gotData []byte
	var gotErr error
	watch := l.AddHandle(r, 16, func(watch int, data []byte, err error) {
		gotWatch = watch
		gotData = data
		gotErr = err
	})

	_, err = w.Write([]byte("ping"))
	require.NoError(t, err)

	runOne(t, l)
	assert.Equal(t, watch, gotWatch)
	assert.Equal(t, []byte("ping"), gotData)
	assert.NoError(t, gotErr)
}

func TestHandleReadError(t *testing.T) {
	l := New(nil)
	defer l.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	var gotErr error
	l.AddHandle(r, 16, func(watch int, data []byte, err error) {
		gotErr = err
	})

	w.Close()
	runOne(t, l)
	assert.Equal(t, io.EOF, gotErr)
}

func TestRemoveHandleDiscardsQueuedEvents(t *testing.T) {
	l := New(nil)
	defer l.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	called := false
	watch := l.AddHandle(r, 16, func(int, []byte, error) {
		called = true
	})

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	l.RemoveHandle(watch)

	runOne(t, l)
	assert.False(t, called)
}

func TestTimerRecurs(t *testing.T) {
	clk := clock.NewMock()
	l := New(clk)
	defer l.Close()

	fired := 0
	var timerID int
	timerID = l.AddTimeout(time.Second, func(timer int) {
		assert.Equal(t, timerID, timer)
		fired++
	})

	// Let the timer goroutine arm itself against the mock clock.
	time.Sleep(10 * time.Millisecond)
	clk.Add(time.Second)
	runOne(t, l)
	assert.Equal(t, 1, fired)

	time.Sleep(10 * time.Millisecond)
	clk.Add(time.Second)
	runOne(t, l)
	assert.Equal(t, 2, fired)
}

func TestTimerDisarmedAndRearmed(t *testing.T) {
	clk := clock.NewMock()
	l := New(clk)
	defer l.Close()

	fired := 0
	timerID := l.AddTimeout(-1, func(int) { fired++ })

	time.Sleep(10 * time.Millisecond)
	clk.Add(time.Hour)
	l.Wakeup()
	runOne(t, l)
	assert.Equal(t, 0, fired)

	l.UpdateTimeout(timerID, time.Second)
	time.Sleep(10 * time.Millisecond)
	clk.Add(time.Second)
	runOne(t, l)
	assert.Equal(t, 1, fired)

	l.UpdateTimeout(timerID, -1)
	time.Sleep(10 * time.Millisecond)
	clk.Add(time.Hour)
	l.Wakeup()
	runOne(t, l)
	assert.Equal(t, 1, fired)
}

func TestRemoveTimeout(t *testing.T) {
	clk := clock.NewMock()
	l := New(clk)
	defer l.Close()

	fired := 0
	timerID := l.AddTimeout(time.Second, func(int) { fired++ })
	time.Sleep(10 * time.Millisecond)
	l.RemoveTimeout(timerID)

	clk.Add(time.Hour)
	l.Wakeup()
	runOne(t, l)
	assert.Equal(t, 0, fired)
}

func TestWakeup(t *testing.T) {
	l := New(nil)
	defer l.Close()

	l.Wakeup()
	runOne(t, l)
}

func TestClose(t *testing.T) {
	l := New(nil)
	l.Close()
	assert.Equal(t, ErrClosed, l.RunOnce())
	// Close is idempotent.
	l.Close()
}
