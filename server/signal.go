// Copyright 2017-2018 Virtkit, Inc.
// This software is released under an MIT/X11 open source license.

package server

import (
	"encoding/binary"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
)

// The signal relay converts asynchronous OS signal delivery into
// synchronous event-loop callbacks through a self-pipe: the OS side
// writes a fixed-size record (the signal number) to the pipe, and the
// event loop reads one record per iteration and invokes the matching
// registered handler with the server lock released.
//
// Write failures cannot be reported through the normal error path
// from the delivery side, so they are recorded in process-wide
// counters for a diagnostic surface to pick up.

// sigRecordSize is the size of one relay record: a little-endian
// uint32 signal number.
const sigRecordSize = 4

var (
	sigWriteErrors uint64
	sigLastErrno   int64
)

// SignalWriteErrors returns the number of relay records that could
// not be written to the self-pipe since process start.
func SignalWriteErrors() uint64 {
	return atomic.LoadUint64(&sigWriteErrors)
}

// SignalLastErrno returns the errno of the most recent relay write
// failure, or zero.
func SignalLastErrno() int64 {
	return atomic.LoadInt64(&sigLastErrno)
}

// SignalFunc is a registered signal callback.  It runs on the
// event-loop goroutine with the server lock released, so it may call
// back into the server freely.
type SignalFunc func(s *Server, sig os.Signal)

type signalHandler struct {
	signum syscall.Signal
	fn     SignalFunc
}

// AddSignalHandler registers fn to run when signum is delivered to
// the process.  The first registration lazily arms the relay:
// a non-blocking self-pipe is created and its read end watched by the
// event loop.  Handlers live until the server is freed, when the
// default signal dispositions are restored.
func (s *Server) AddSignalHandler(signum syscall.Signal, fn SignalFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.setupSignalRelay(); err != nil {
		return err
	}

	s.signals = append(s.signals, &signalHandler{signum: signum, fn: fn})
	signal.Notify(s.sigChan, signum)
	return nil
}

// setupSignalRelay arms the self-pipe on first use.  Caller holds the
// server lock.
func (s *Server) setupSignalRelay() error {
	if s.sigPipeW != nil {
		return nil
	}

	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	if err := syscall.SetNonblock(int(w.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return err
	}

	s.sigPipeR = r
	s.sigPipeW = w
	s.sigChan = make(chan os.Signal, 16)
	s.sigWatch = s.loop.AddHandle(r, sigRecordSize, s.signalEvent)

	go relaySignals(s.sigChan, w)
	return nil
}

// relaySignals forwards OS signal deliveries into the self-pipe.  It
// runs until the channel is closed at teardown.  A failed or short
// write bumps the process-wide error counters and drops the record;
// it never escalates.
func relaySignals(ch <-chan os.Signal, w *os.File) {
	for sig := range ch {
		signum, ok := sig.(syscall.Signal)
		if !ok {
			continue
		}
		var record [sigRecordSize]byte
		binary.LittleEndian.PutUint32(record[:], uint32(signum))
		n, err := w.Write(record[:])
		if err != nil || n != sigRecordSize {
			atomic.AddUint64(&sigWriteErrors, 1)
			if errno, isErrno := underlyingErrno(err); isErrno {
				atomic.StoreInt64(&sigLastErrno, int64(errno))
			}
		}
	}
}

func underlyingErrno(err error) (syscall.Errno, bool) {
	for err != nil {
		if errno, ok := err.(syscall.Errno); ok {
			return errno, true
		}
		pe, ok := err.(*os.PathError)
		if !ok {
			return 0, false
		}
		err = pe.Err
	}
	return 0, false
}

// signalEvent is the event-loop callback for the self-pipe.  A short
// or failed read permanently disables the relay watch; this is a
// protocol-level failure, not fatal to the process.  A good read is
// matched against the handler table under the server lock, and the
// handler is invoked after the lock is released so it can touch the
// server without deadlocking.
func (s *Server) signalEvent(watch int, data []byte, err error) {
	s.mu.Lock()

	if err != nil || len(data) != sigRecordSize {
		s.log.WithError(err).Error("Failed to read from signal pipe")
		s.loop.RemoveHandle(watch)
		s.sigWatch = -1
		s.mu.Unlock()
		return
	}

	signum := syscall.Signal(binary.LittleEndian.Uint32(data))
	for _, h := range s.signals {
		if h.signum == signum {
			fn := h.fn
			s.mu.Unlock()
			fn(s, signum)
			return
		}
	}

	s.log.WithField("signal", int(signum)).Error("Unexpected signal received")
	s.mu.Unlock()
}

// teardownSignals restores the dispositions of every registered
// signal and dismantles the relay.  Called from Free.
func (s *Server) teardownSignals() {
	s.mu.Lock()
	ch := s.sigChan
	r, w := s.sigPipeR, s.sigPipeW
	watch := s.sigWatch
	handlers := s.signals
	s.sigChan = nil
	s.sigPipeR = nil
	s.sigPipeW = nil
	s.sigWatch = -1
	s.signals = nil
	s.mu.Unlock()

	if ch == nil {
		return
	}

	signal.Stop(ch)
	for _, h := range handlers {
		signal.Reset(h.signum)
	}
	close(ch)

	if watch >= 0 {
		s.loop.RemoveHandle(watch)
	}
	w.Close()
	r.Close()
}

// processSignals holds the process-wide dispositions a server
// installs at construction: SIGPIPE ignored, and a diagnostic
// dump handler for SIGABRT, SIGQUIT, and SIGUSR2.  The synchronous
// fault signals (SIGSEGV, SIGFPE, SIGILL, SIGBUS) belong to the Go
// runtime, which already produces a crash dump and terminates.
type processSignals struct {
	log *logrus.Logger
	ch  chan os.Signal
}

var dumpSignals = []os.Signal{syscall.SIGABRT, syscall.SIGQUIT, syscall.SIGUSR2}

func installProcessSignals(log *logrus.Logger) *processSignals {
	signal.Ignore(syscall.SIGPIPE)

	ps := &processSignals{
		log: log,
		ch:  make(chan os.Signal, 1),
	}
	signal.Notify(ps.ch, dumpSignals...)
	go ps.run()
	return ps
}

// run dumps all goroutine stacks on each diagnostic signal.  SIGUSR2
// only dumps; the others re-raise with the default disposition after
// dumping, so the process still terminates.
func (ps *processSignals) run() {
	for sig := range ps.ch {
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		ps.log.WithField("signal", sig).Errorf("Diagnostic state dump:\n%s", buf[:n])

		if sig != syscall.SIGUSR2 {
			if signum, ok := sig.(syscall.Signal); ok {
				signal.Reset(signum)
				syscall.Kill(os.Getpid(), signum)
			}
		}
	}
}

// restore puts the process-wide dispositions back to their defaults.
func (ps *processSignals) restore() {
	signal.Stop(ps.ch)
	close(ps.ch)
	signal.Reset(syscall.SIGPIPE)
	for _, sig := range dumpSignals {
		if signum, ok := sig.(syscall.Signal); ok {
			signal.Reset(signum)
		}
	}
}
