// Copyright 2017-2018 Virtkit, Inc.
// This software is released under an MIT/X11 open source license.

package server

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/virtkit/go-virtrpc/message"
)

// AuthScheme tags the authentication policy a service demands from
// its clients.  The server core only transports the tag; performing
// the handshake is the client implementation's business.
type AuthScheme int

const (
	// AuthNone admits clients without any handshake.
	AuthNone AuthScheme = iota
	// AuthSASL requires a SASL exchange before dispatch.
	AuthSASL
	// AuthPolkit requires a PolicyKit check before dispatch.
	AuthPolkit
	// AuthTLS relies on the TLS client certificate.
	AuthTLS
)

// ClientDispatchFunc is installed on every admitted client; the
// client invokes it once per complete received message, in receipt
// order.  A non-nil error tells the client to fail its read path and
// shut the connection down.
type ClientDispatchFunc func(client Client, msg *message.Message) error

// Client is one tracked connection.  Implementations live outside
// the server core (see the socket package); the core relies only on
// this contract.
type Client interface {
	// Init finishes connection setup (handshake state, read
	// buffers) and starts message reception.
	Init() error
	// Close tears the connection down.  It must be idempotent.
	Close()
	// WantClose reports whether the client has requested closure
	// (IO failure, keepalive expiry) and is waiting to be reaped.
	WantClose() bool
	// IsClosed reports whether Close has completed.
	IsClosed() bool
	// SetDispatcher installs the server's message callback.
	SetDispatcher(fn ClientDispatchFunc)
	// InitKeepAlive applies the server's keepalive defaults.  A
	// non-positive interval disables keepalive for this client.
	InitKeepAlive(interval time.Duration, count int)
	// SendMessage queues one message for transmission.
	SendMessage(msg *message.Message) error
	// RemoteAddrString names the peer for diagnostics.
	RemoteAddrString() string
	// Serialize captures the client state for exec-restart.
	Serialize() (map[string]interface{}, error)
}

// ServiceDispatchFunc is installed on every registered service; the
// service invokes it once per accepted connection.  A non-nil error
// means the connection was rejected and has already been closed.
type ServiceDispatchFunc func(svc Service, conn net.Conn) error

// Service is one listening endpoint with its auth policy.
type Service interface {
	// AuthScheme returns the auth policy applied to new clients.
	AuthScheme() AuthScheme
	// IsReadOnly reports whether clients of this service may only
	// invoke read-only procedures.
	IsReadOnly() bool
	// MaxRequests bounds the in-flight requests per client.
	MaxRequests() int
	// TLSConfig returns the TLS configuration for client
	// connections, or nil for plaintext services.
	TLSConfig() *tls.Config
	// SetDispatcher installs the server's new-connection callback.
	SetDispatcher(fn ServiceDispatchFunc)
	// Port returns the listening port, or 0 when not applicable.
	Port() int
	// Toggle pauses (false) or resumes (true) accepting.
	Toggle(enabled bool)
	// Close shuts the listener down.
	Close()
	// Serialize captures the service state for exec-restart.
	Serialize() (map[string]interface{}, error)
}

// Program is a registered table of remote procedures identified by
// (program id, version).
type Program interface {
	// Matches reports whether this program handles the message,
	// judged on the header's program id and version.
	Matches(msg *message.Message) bool
	// Priority returns the dispatch priority configured for a
	// procedure; zero is normal.
	Priority(procedure uint32) int
	// Dispatch runs the procedure and sends the reply through the
	// client.  A non-nil error is fatal to the client connection.
	Dispatch(srv *Server, client Client, msg *message.Message) error
}

// NewClientFunc wraps a freshly accepted connection in a Client using
// the originating service's parameters.  The constructor owns conn:
// on error the connection must not be left open.
type NewClientFunc func(conn net.Conn, auth AuthScheme, readOnly bool, maxRequests int, tlsConfig *tls.Config) (Client, error)

// RestoreFuncs reconstructs collaborators from exec-restart snapshot
// nodes.
type RestoreFuncs struct {
	// Service rebuilds a listening service from its serialized
	// form, typically adopting an inherited file descriptor.
	Service func(node map[string]interface{}) (Service, error)
	// Client rebuilds a connected client from its serialized form,
	// including any private data the embedding daemon recorded.
	Client func(node map[string]interface{}) (Client, error)
}

// InhibitHook lets the embedding daemon register an external
// shutdown inhibition (for example a logind inhibitor) while the
// inhibition counter is above zero.  Both calls are best-effort:
// failures are logged, never fatal.
type InhibitHook interface {
	Inhibit() error
	Release()
}

// MDNSPublisher advertises registered services.  The group name is
// fixed when the publisher is built; the server adds one entry per
// service registered with an mDNS entry name, and starts the
// publisher when the run loop begins.
type MDNSPublisher interface {
	AddEntry(name string, port int) error
	Start() error
	Stop()
}
