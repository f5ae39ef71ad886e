// Copyright 2017-2018 Virtkit, Inc.
// This software is released under an MIT/X11 open source license.

package socket

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/virtkit/go-virtrpc/server"
)

// Service is one listening endpoint.  A dedicated goroutine accepts
// connections and hands each to the dispatcher installed by the
// server; accepting pauses while the service is toggled off or no
// dispatcher is installed yet.
type Service struct {
	ln          net.Listener
	auth        server.AuthScheme
	readOnly    bool
	maxRequests int
	tlsConfig   *tls.Config
	log         *logrus.Entry

	mu         sync.Mutex
	cond       *sync.Cond
	dispatcher server.ServiceDispatchFunc
	enabled    bool
	closed     bool
	execFile   *os.File
}

var _ server.Service = (*Service)(nil)

// NewService listens on the given network and address.  network is
// anything net.Listen accepts; in practice "tcp" and "unix".
func NewService(network, address string, auth server.AuthScheme, readOnly bool, maxRequests int, tlsConfig *tls.Config) (*Service, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s %s: %v", network, address, err)
	}
	return NewServiceFromListener(ln, auth, readOnly, maxRequests, tlsConfig), nil
}

// NewServiceFromListener wraps an existing listener, for example one
// handed over by systemd socket activation or an exec-restart.
func NewServiceFromListener(ln net.Listener, auth server.AuthScheme, readOnly bool, maxRequests int, tlsConfig *tls.Config) *Service {
	s := &Service{
		ln:          ln,
		auth:        auth,
		readOnly:    readOnly,
		maxRequests: maxRequests,
		tlsConfig:   tlsConfig,
		enabled:     true,
	}
	s.cond = sync.NewCond(&s.mu)
	s.log = logrus.WithField("service", ln.Addr().String())
	go s.acceptLoop()
	return s
}

// AuthScheme returns the auth policy applied to new clients.
func (s *Service) AuthScheme() server.AuthScheme { return s.auth }

// IsReadOnly reports whether clients of this service are read-only.
func (s *Service) IsReadOnly() bool { return s.readOnly }

// MaxRequests bounds in-flight requests per client of this service.
func (s *Service) MaxRequests() int { return s.maxRequests }

// TLSConfig returns the TLS configuration, or nil for plaintext.
func (s *Service) TLSConfig() *tls.Config { return s.tlsConfig }

// Port returns the listening TCP port, or 0 for non-TCP listeners.
func (s *Service) Port() int {
	if addr, ok := s.ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// SetDispatcher installs the new-connection callback and unblocks the
// accept loop.
func (s *Service) SetDispatcher(fn server.ServiceDispatchFunc) {
	s.mu.Lock()
	s.dispatcher = fn
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Toggle pauses (false) or resumes (true) accepting connections.  A
// connection already being accepted when the service is paused is
// still delivered.
func (s *Service) Toggle(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Close shuts the listener down and stops the accept loop.  It is
// idempotent.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	s.ln.Close()
}

func (s *Service) acceptLoop() {
	for {
		s.mu.Lock()
		for !s.closed && (!s.enabled || s.dispatcher == nil) {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		dispatch := s.dispatcher
		s.mu.Unlock()

		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.log.WithError(err).Error("Error accepting connection")
			}
			return
		}
		if err := dispatch(s, conn); err != nil {
			s.log.WithFields(logrus.Fields{
				"remote":        conn.RemoteAddr().String(),
				logrus.ErrorKey: err,
			}).Info("Rejected incoming connection")
		}
	}
}

// serviceSnapshot is the exec-restart wire form of a service.
type serviceSnapshot struct {
	Auth        int    `mapstructure:"auth"`
	ReadOnly    bool   `mapstructure:"readOnly"`
	MaxRequests int    `mapstructure:"maxRequests"`
	Network     string `mapstructure:"network"`
	Address     string `mapstructure:"address"`
	FD          int    `mapstructure:"fd"`
}

// Serialize captures the service for exec-restart.  The listener's
// descriptor is duplicated with close-on-exec cleared; TLS parameters
// do not cross the exec and must be reapplied from configuration on
// the other side.
func (s *Service) Serialize() (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("service %s is closed", s.ln.Addr())
	}
	f, ok := s.ln.(filer)
	if !ok {
		return nil, fmt.Errorf("listener type %T cannot be passed across exec", s.ln)
	}
	file, err := f.File()
	if err != nil {
		return nil, fmt.Errorf("duplicating listener descriptor: %v", err)
	}
	if err := clearCloseOnExec(file.Fd()); err != nil {
		file.Close()
		return nil, fmt.Errorf("clearing close-on-exec on listener descriptor: %v", err)
	}
	s.execFile = file
	return map[string]interface{}{
		"auth":        int(s.auth),
		"readOnly":    s.readOnly,
		"maxRequests": s.maxRequests,
		"network":     s.ln.Addr().Network(),
		"address":     s.ln.Addr().String(),
		"fd":          int(file.Fd()),
	}, nil
}

// NewServiceFromSnapshot adopts a listener descriptor inherited from
// the previous process.
func NewServiceFromSnapshot(node map[string]interface{}) (*Service, error) {
	var snap serviceSnapshot
	for _, key := range []string{"auth", "readOnly", "maxRequests", "network", "address", "fd"} {
		if _, present := node[key]; !present {
			return nil, fmt.Errorf("missing %s data in service snapshot", key)
		}
	}
	if err := decodeSnapshot(node, &snap); err != nil {
		return nil, fmt.Errorf("decoding service snapshot: %v", err)
	}
	file := os.NewFile(uintptr(snap.FD), "service")
	ln, err := net.FileListener(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("adopting listener descriptor %d: %v", snap.FD, err)
	}
	return NewServiceFromListener(ln, server.AuthScheme(snap.Auth), snap.ReadOnly, snap.MaxRequests, nil), nil
}
