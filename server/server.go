// Copyright 2017-2018 Virtkit, Inc.
// This software is released under an MIT/X11 open source license.

// Package server implements the generic network RPC server at the
// heart of the virtrpc daemon.  The server tracks a bounded set of
// client connections, routes each received message to the first
// registered program matching its header, and runs dispatches on a
// bounded priority worker pool (or inline, when configured without
// workers).  It also owns process signal routing, idle auto-shutdown,
// and the exec-restart snapshot protocol used for live binary
// upgrades.
//
// Only one Server may exist per process: construction installs
// process-wide signal dispositions that are restored when the server
// is freed.
package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/virtkit/go-virtrpc/eventloop"
	"github.com/virtkit/go-virtrpc/message"
	"github.com/virtkit/go-virtrpc/pool"
)

// ErrTooManyClients is returned by AddClient when the configured
// client ceiling has been reached.  The rejected connection is not
// admitted; the caller must close it.
type ErrTooManyClients struct {
	Max        int
	RemoteAddr string
}

func (e ErrTooManyClients) Error() string {
	return fmt.Sprintf("too many active clients (%d), dropping connection from %s",
		e.Max, e.RemoteAddr)
}

// Config collects the construction parameters for a Server.
type Config struct {
	// MinWorkers and MaxWorkers bound the general worker count.
	// MaxWorkers == 0 disables the pool entirely: messages are then
	// processed synchronously on the event-loop goroutine.
	MinWorkers int
	MaxWorkers int
	// PriorityWorkers is the number of dedicated workers reserved
	// for priority jobs.
	PriorityWorkers int

	// MaxClients bounds the number of concurrently tracked clients.
	MaxClients int

	// Keepalive defaults applied to every admitted client.
	// KeepaliveInterval is in seconds; zero disables keepalive.
	KeepaliveInterval int
	KeepaliveCount    int
	KeepaliveRequired bool

	// MDNSGroupName is the advertised mDNS group, or empty.  It is
	// carried through exec-restart even when no publisher is set.
	MDNSGroupName string

	// NewClient wraps accepted connections; required if any
	// service will be registered.
	NewClient NewClientFunc

	// Inhibit, if set, is invoked when the shutdown inhibition
	// counter transitions between zero and non-zero.
	Inhibit InhibitHook

	// MDNS, if set, advertises registered services.
	MDNS MDNSPublisher

	// Logger defaults to the logrus standard logger.
	Logger *logrus.Logger

	// Clock defaults to wall-clock time; tests inject a mock.
	Clock clock.Clock

	// Loop is the event loop the server blocks in.  If nil the
	// server creates and owns one.
	Loop *eventloop.Loop
}

// job pairs one received message with its originating client and the
// matched program (nil when no program matched).  A job is consumed
// exactly once, by a pool worker or inline by the dispatcher.
type job struct {
	client Client
	msg    *message.Message
	prog   Program
}

// Server is the root object of the RPC core.
type Server struct {
	log *logrus.Logger
	clk clock.Clock

	loop     *eventloop.Loop
	ownsLoop bool

	workers    *pool.Pool
	privileged bool

	newClient NewClientFunc
	inhibit   InhibitHook

	mdnsGroupName string
	mdns          MDNSPublisher

	mu sync.Mutex

	clients    []Client
	maxClients int

	services []Service
	programs []Program

	signals   []*signalHandler
	sigChan   chan os.Signal
	sigPipeR  *os.File
	sigPipeW  *os.File
	sigWatch  int
	procSigs  *processSignals

	keepaliveInterval int // seconds
	keepaliveCount    int
	keepaliveRequired bool

	tlsConfig *tls.Config // shared with services that want one

	autoShutdownTimeout     int // seconds, 0 = disabled
	autoShutdownInhibitions int

	quit  bool
	freed bool

	// Monotonic counters, updated with sync/atomic so the worker
	// goroutines never contend on the server lock for accounting.
	jobsDispatched uint64
	dispatchErrors uint64
	droppedOneWay  uint64
}

// Stats is a point-in-time snapshot of server activity counters,
// suitable for export as metrics.
type Stats struct {
	Clients           int
	JobsDispatched    uint64
	DispatchErrors    uint64
	DroppedOneWay     uint64
	SignalWriteErrors uint64
}

// New constructs a Server.  With cfg.MaxWorkers greater than zero a
// worker pool is created and dispatch is asynchronous; with zero
// workers every message is processed inline on the event-loop
// goroutine, which keeps single-threaded harnesses deterministic.
// Construction installs process-wide signal dispositions (SIGPIPE
// ignored, diagnostic dump handlers); they are restored by Free.
func New(cfg Config) (*Server, error) {
	if cfg.MaxClients <= 0 {
		return nil, fmt.Errorf("server: MaxClients must be positive, not %d", cfg.MaxClients)
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	s := &Server{
		log:               log,
		clk:               clk,
		privileged:        os.Geteuid() == 0,
		newClient:         cfg.NewClient,
		inhibit:           cfg.Inhibit,
		mdnsGroupName:     cfg.MDNSGroupName,
		mdns:              cfg.MDNS,
		maxClients:        cfg.MaxClients,
		keepaliveInterval: cfg.KeepaliveInterval,
		keepaliveCount:    cfg.KeepaliveCount,
		keepaliveRequired: cfg.KeepaliveRequired,
		sigWatch:          -1,
	}

	if cfg.Loop != nil {
		s.loop = cfg.Loop
	} else {
		s.loop = eventloop.New(clk)
		s.ownsLoop = true
	}

	if cfg.MaxWorkers > 0 {
		workers, err := pool.New(cfg.MinWorkers, cfg.MaxWorkers, cfg.PriorityWorkers, s.handleJob)
		if err != nil {
			if s.ownsLoop {
				s.loop.Close()
			}
			return nil, err
		}
		s.workers = workers
	}

	s.procSigs = installProcessSignals(log)
	return s, nil
}

// IsPrivileged reports whether the server was constructed with an
// effective uid of 0.
func (s *Server) IsPrivileged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.privileged
}

// KeepAliveRequired reports whether clients must negotiate keepalive
// support to issue long-running procedures.
func (s *Server) KeepAliveRequired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepaliveRequired
}

// Stats returns a snapshot of activity counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	clients := len(s.clients)
	s.mu.Unlock()
	return Stats{
		Clients:           clients,
		JobsDispatched:    atomic.LoadUint64(&s.jobsDispatched),
		DispatchErrors:    atomic.LoadUint64(&s.dispatchErrors),
		DroppedOneWay:     atomic.LoadUint64(&s.droppedOneWay),
		SignalWriteErrors: SignalWriteErrors(),
	}
}

// AddService registers a listening service.  When mdnsEntryName is
// non-empty and an mDNS publisher is configured, the service is also
// advertised under that name.
func (s *Server) AddService(svc Service, mdnsEntryName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mdnsEntryName != "" && s.mdns != nil {
		if err := s.mdns.AddEntry(mdnsEntryName, svc.Port()); err != nil {
			return err
		}
	}
	s.services = append(s.services, svc)
	svc.SetDispatcher(s.DispatchNewClient)
	return nil
}

// AddProgram registers a program.  Programs are matched against
// incoming messages in registration order and the first match wins,
// so order is part of the dispatch contract.
func (s *Server) AddProgram(prog Program) {
	s.mu.Lock()
	s.programs = append(s.programs, prog)
	s.mu.Unlock()
}

// SetTLSConfig stores a TLS configuration shared with services that
// want one.
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	s.mu.Lock()
	s.tlsConfig = cfg
	s.mu.Unlock()
}

// DispatchNewClient wraps an accepted connection with the service's
// parameters and admits it.  On any failure the connection is closed
// and an error returned; the service's accept loop is not otherwise
// disturbed.
func (s *Server) DispatchNewClient(svc Service, conn net.Conn) error {
	if s.newClient == nil {
		conn.Close()
		return fmt.Errorf("no client constructor configured")
	}
	client, err := s.newClient(conn, svc.AuthScheme(), svc.IsReadOnly(), svc.MaxRequests(), svc.TLSConfig())
	if err != nil {
		return err
	}
	if err := s.AddClient(client); err != nil {
		client.Close()
		return err
	}
	return nil
}

// AddClient admits a client, enforcing the configured ceiling.  This
// is the single choke point for the client bound: under the server
// lock the count is checked, the dispatcher installed, the client
// initialized, and the keepalive defaults applied, so concurrent
// admissions can never exceed the ceiling.  The dispatcher goes in
// before Init starts the read path, so no message can arrive with
// nowhere to go.
func (s *Server) AddClient(client Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.clients) >= s.maxClients {
		err := ErrTooManyClients{Max: s.maxClients, RemoteAddr: client.RemoteAddrString()}
		s.log.WithFields(logrus.Fields{
			"max":    s.maxClients,
			"remote": client.RemoteAddrString(),
		}).Error("Too many active clients, dropping connection")
		return err
	}

	client.SetDispatcher(s.dispatchNewMessage)
	if err := client.Init(); err != nil {
		return err
	}

	s.clients = append(s.clients, client)
	client.InitKeepAlive(time.Duration(s.keepaliveInterval)*time.Second, s.keepaliveCount)
	return nil
}

// dispatchNewMessage routes one received message.  The first
// registered program whose (id, version) matches the header wins.
// With a worker pool the message becomes a queued job keyed by the
// program's procedure priority; without one it is processed inline,
// which keeps both modes behaviorally identical apart from latency
// and ordering.  An error return tells the client to fail its read
// path; the server does not retry failed submissions.
func (s *Server) dispatchNewMessage(client Client, msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prog Program
	for _, p := range s.programs {
		if p.Matches(msg) {
			prog = p
			break
		}
	}

	if s.workers != nil {
		priority := 0
		if prog != nil {
			priority = prog.Priority(msg.Header.Procedure)
		}
		if err := s.workers.SendJob(priority, &job{client: client, msg: msg, prog: prog}); err != nil {
			atomic.AddUint64(&s.dispatchErrors, 1)
			return err
		}
		atomic.AddUint64(&s.jobsDispatched, 1)
		return nil
	}

	atomic.AddUint64(&s.jobsDispatched, 1)
	return s.processMsg(client, prog, msg)
}

// handleJob is the worker pool entry point.  A processing failure is
// fatal to the client connection: the client is closed so the run
// loop reaps it, while the rest of the server keeps serving.
func (s *Server) handleJob(jobv interface{}) {
	j := jobv.(*job)
	if err := s.processMsg(j.client, j.prog, j.msg); err != nil {
		atomic.AddUint64(&s.dispatchErrors, 1)
		s.log.WithFields(logrus.Fields{
			"remote": j.client.RemoteAddrString(),
		}).WithError(err).Debug("Message processing failed, closing client")
		j.client.Close()
	}
}

// processMsg performs one dispatch.  When no program matched: calls
// get a synthesized "unknown program" error reply; one-way messages
// are logged and dropped, but a minimal empty reply is still sent,
// because the client-side flow control frees one request slot per
// reply-shaped message even when the server discards the payload.
func (s *Server) processMsg(client Client, prog Program, msg *message.Message) error {
	if prog == nil {
		if msg.ExpectsReply() {
			reply := message.ErrorReply(msg, message.UnknownProgramError(msg.Header))
			return client.SendMessage(reply)
		}
		s.log.WithFields(logrus.Fields{
			"program":   msg.Header.Program,
			"version":   msg.Header.Version,
			"type":      msg.Header.Type,
			"procedure": msg.Header.Procedure,
		}).Info("Dropping client message, unknown program")
		atomic.AddUint64(&s.droppedOneWay, 1)
		msg.Clear()
		msg.Header.Type = message.TypeReply
		return client.SendMessage(msg)
	}
	return prog.Dispatch(s, client, msg)
}

// AutoShutdown arranges for the server to quit after the given number
// of idle seconds with no connected clients and no inhibitions.  Zero
// disables the feature.
func (s *Server) AutoShutdown(timeout int) {
	s.mu.Lock()
	s.autoShutdownTimeout = timeout
	s.mu.Unlock()
}

// AddShutdownInhibition increments the inhibition counter.  On the
// 0 to 1 transition the configured inhibition hook is invoked;
// failures there are logged, never fatal.
func (s *Server) AddShutdownInhibition() {
	s.mu.Lock()
	s.autoShutdownInhibitions++
	n := s.autoShutdownInhibitions
	hook := s.inhibit
	s.mu.Unlock()

	s.log.WithField("inhibitions", n).Debug("Added shutdown inhibition")
	if n == 1 && hook != nil {
		if err := hook.Inhibit(); err != nil {
			s.log.WithError(err).Warn("Could not register shutdown inhibition")
		}
	}
}

// RemoveShutdownInhibition decrements the inhibition counter and
// releases the external inhibition when it reaches zero.
func (s *Server) RemoveShutdownInhibition() {
	s.mu.Lock()
	s.autoShutdownInhibitions--
	n := s.autoShutdownInhibitions
	hook := s.inhibit
	s.mu.Unlock()

	s.log.WithField("inhibitions", n).Debug("Removed shutdown inhibition")
	if n == 0 && hook != nil {
		hook.Release()
	}
}

// autoShutdownFired is the timer callback; it quits the server only
// if nothing is inhibiting shutdown.
func (s *Server) autoShutdownFired(int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoShutdownInhibitions == 0 {
		s.log.Debug("Automatic shutdown triggered")
		s.quit = true
	}
}

// UpdateServices toggles accepting on every registered service.
func (s *Server) UpdateServices(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		svc.Toggle(enabled)
	}
}

// Run drives the server until Quit is called, the auto-shutdown
// timer fires, or the event loop fails.  Each iteration arms or
// disarms the auto-shutdown timer based on whether any client is
// connected, blocks in the event loop with the server lock released,
// then reaps closed clients.  The reap scan restarts from the top
// after every removal because compaction invalidates indices.
func (s *Server) Run() error {
	s.mu.Lock()

	if s.mdns != nil {
		if err := s.mdns.Start(); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	s.quit = false

	timerID := -1
	timerActive := false
	if s.autoShutdownTimeout > 0 {
		timerID = s.loop.AddTimeout(-1, s.autoShutdownFired)
	}

	for !s.quit {
		if timerID >= 0 {
			if timerActive {
				if len(s.clients) > 0 {
					s.log.Debug("Deactivating shutdown timer")
					s.loop.UpdateTimeout(timerID, -1)
					timerActive = false
				}
			} else {
				if len(s.clients) == 0 {
					s.log.Debug("Activating shutdown timer")
					s.loop.UpdateTimeout(timerID, time.Duration(s.autoShutdownTimeout)*time.Second)
					timerActive = true
				}
			}
		}

		s.mu.Unlock()
		err := s.loop.RunOnce()
		s.mu.Lock()
		if err != nil {
			s.log.WithError(err).Debug("Event loop iteration failed, exiting")
			break
		}

	reprocess:
		for i := 0; i < len(s.clients); i++ {
			client := s.clients[i]
			if client.WantClose() {
				client.Close()
			}
			if client.IsClosed() {
				s.clients = append(s.clients[:i], s.clients[i+1:]...)
				goto reprocess
			}
		}
	}

	if timerID >= 0 {
		s.loop.RemoveTimeout(timerID)
	}
	s.mu.Unlock()
	return nil
}

// Quit asks the run loop to exit after its current iteration.
func (s *Server) Quit() {
	s.mu.Lock()
	s.log.Debug("Quit requested")
	s.quit = true
	s.mu.Unlock()
	s.loop.Wakeup()
}

// Close shuts down all listening services, leaving established
// clients connected.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		svc.Close()
	}
}

// Free releases everything the server owns: worker pool, signal
// relay and process signal dispositions, services, clients, and (if
// owned) the event loop.  The server must not be used afterwards.
func (s *Server) Free() {
	s.mu.Lock()
	if s.freed {
		s.mu.Unlock()
		return
	}
	s.freed = true

	services := append([]Service(nil), s.services...)
	clients := append([]Client(nil), s.clients...)
	s.services = nil
	s.clients = nil
	s.mu.Unlock()

	for _, svc := range services {
		svc.Toggle(false)
	}

	if s.workers != nil {
		s.workers.Free()
	}

	s.teardownSignals()

	for _, svc := range services {
		svc.Close()
	}
	for _, client := range clients {
		client.Close()
	}

	if s.mdns != nil {
		s.mdns.Stop()
	}

	if s.procSigs != nil {
		s.procSigs.restore()
		s.procSigs = nil
	}

	if s.ownsLoop {
		s.loop.Close()
	}
}

// Loop exposes the event loop so the embedding daemon can register
// additional watches (and so client implementations can wake the
// reaper after marking themselves for closure).
func (s *Server) Loop() *eventloop.Loop {
	return s.loop
}
