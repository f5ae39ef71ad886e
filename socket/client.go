// Copyright 2017-2018 Virtkit, Inc.
// This software is released under an MIT/X11 open source license.

// Package socket provides the concrete network collaborators for the
// server core: a listening Service that accepts connections and a
// Client that frames CBOR messages over a stream socket.  Both can
// serialize themselves around an exec-restart by handing their file
// descriptors to the replacement process.
package socket

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"

	"github.com/virtkit/go-virtrpc/message"
	"github.com/virtkit/go-virtrpc/server"
)

// PrivateSerializeFunc converts daemon-private client state into a
// plain map for the exec-restart snapshot.
type PrivateSerializeFunc func(data interface{}) (map[string]interface{}, error)

// Client is one framed CBOR connection.  Incoming messages are read
// by a dedicated goroutine and handed to the dispatcher installed by
// the server; in-flight requests are bounded by a slot pool sized to
// the originating service's MaxRequests, and a slot is only returned
// when a reply-typed message goes back out.
type Client struct {
	id          uuid.UUID
	conn        net.Conn
	auth        server.AuthScheme
	readOnly    bool
	maxRequests int
	log         *logrus.Entry
	clk         clock.Clock
	handle      *codec.CborHandle

	// slots holds one token per in-flight request.
	slots chan struct{}
	done  chan struct{}

	mu               sync.Mutex
	dispatcher       server.ClientDispatchFunc
	initialized      bool
	wantClose        bool
	closed           bool
	lastRx           time.Time
	notify           func()
	private          interface{}
	privateSerialize PrivateSerializeFunc
	execFile         *os.File

	wmu sync.Mutex
	bw  *bufio.Writer
	enc *codec.Encoder
}

var _ server.Client = (*Client)(nil)

// NewClient wraps an accepted connection.  When tlsConfig is non-nil
// the connection is promoted to a server-side TLS session before any
// message framing happens.  maxRequests below one is treated as one.
func NewClient(conn net.Conn, auth server.AuthScheme, readOnly bool, maxRequests int, tlsConfig *tls.Config) (*Client, error) {
	if tlsConfig != nil {
		conn = tls.Server(conn, tlsConfig)
	}
	if maxRequests < 1 {
		maxRequests = 1
	}
	c := &Client{
		id:          uuid.NewV4(),
		conn:        conn,
		auth:        auth,
		readOnly:    readOnly,
		maxRequests: maxRequests,
		clk:         clock.New(),
		handle:      message.NewHandle(),
		slots:       make(chan struct{}, maxRequests),
		done:        make(chan struct{}),
	}
	c.log = logrus.WithFields(logrus.Fields{
		"client": c.id.String(),
		"remote": conn.RemoteAddr().String(),
	})
	c.bw = bufio.NewWriter(conn)
	c.enc = codec.NewEncoder(c.bw, c.handle)
	c.lastRx = c.clk.Now()
	return c, nil
}

// SetClock replaces the wall clock.  Call it before Init; keepalive
// timing and reception timestamps come from this clock.
func (c *Client) SetClock(clk clock.Clock) {
	c.mu.Lock()
	c.clk = clk
	c.lastRx = clk.Now()
	c.mu.Unlock()
}

// SetCloseNotifier installs a callback invoked whenever the client
// transitions into the want-close state, so the owning server can wake
// its run loop and reap the connection promptly.
func (c *Client) SetCloseNotifier(fn func()) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

// SetPrivateData attaches daemon-private state and the function that
// serializes it into exec-restart snapshots.
func (c *Client) SetPrivateData(data interface{}, serialize PrivateSerializeFunc) {
	c.mu.Lock()
	c.private = data
	c.privateSerialize = serialize
	c.mu.Unlock()
}

// PrivateData returns the state attached with SetPrivateData.
func (c *Client) PrivateData() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.private
}

// ID returns the client's stable identifier.
func (c *Client) ID() string { return c.id.String() }

// Init starts message reception.  It is a no-op after the first call.
func (c *Client) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client %s is closed", c.id)
	}
	if c.initialized {
		return nil
	}
	c.initialized = true
	go c.reader()
	return nil
}

// SetDispatcher installs the per-message callback.
func (c *Client) SetDispatcher(fn server.ClientDispatchFunc) {
	c.mu.Lock()
	c.dispatcher = fn
	c.mu.Unlock()
}

// WantClose reports whether the connection has failed or timed out
// and is waiting to be reaped.
func (c *Client) WantClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wantClose
}

// IsClosed reports whether Close has run.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close shuts the connection down.  It is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.wantClose = true
	c.mu.Unlock()

	close(c.done)
	c.conn.Close()
}

// RemoteAddrString names the peer for diagnostics.
func (c *Client) RemoteAddrString() string {
	return c.conn.RemoteAddr().String()
}

// SendMessage encodes one message onto the wire.  Sending a
// reply-typed message releases one in-flight request slot, which is
// what lets the reader accept the next request; this holds even for
// the empty replies generated for dropped one-way messages.
func (c *Client) SendMessage(msg *message.Message) error {
	c.wmu.Lock()
	err := c.enc.Encode(msg)
	if err == nil {
		err = c.bw.Flush()
	}
	c.wmu.Unlock()
	if err != nil {
		c.markWantClose()
		return err
	}
	if msg.Header.Type == message.TypeReply || msg.Header.Type == message.TypeReplyWithFDs {
		c.releaseSlot()
	}
	return nil
}

// InitKeepAlive starts the keepalive prober.  Every interval without
// received traffic a ping is sent; after count consecutive misses the
// client is marked for closure.  A non-positive interval disables
// keepalive.
func (c *Client) InitKeepAlive(interval time.Duration, count int) {
	if interval <= 0 {
		return
	}
	go c.keepalive(interval, count)
}

func (c *Client) keepalive(interval time.Duration, count int) {
	c.mu.Lock()
	clk := c.clk
	c.mu.Unlock()
	ticker := clk.Ticker(interval)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-ticker.C:
		case <-c.done:
			return
		}
		c.mu.Lock()
		idle := clk.Now().Sub(c.lastRx)
		c.mu.Unlock()
		if idle < interval {
			missed = 0
			continue
		}
		missed++
		if missed >= count {
			c.log.WithField("missed", missed).Info("Keepalive expired, marking client for closure")
			c.markWantClose()
			return
		}
		ping := &message.Message{Header: message.Header{
			Program:   message.KeepaliveProgram,
			Version:   message.KeepaliveVersion,
			Procedure: message.KeepaliveProcPing,
			Type:      message.TypeMessage,
		}}
		if err := c.SendMessage(ping); err != nil {
			return
		}
	}
}

// reader decodes messages from the connection until it fails, pacing
// itself through the in-flight slot pool.
func (c *Client) reader() {
	br := bufio.NewReader(c.conn)
	dec := codec.NewDecoder(br, c.handle)
	for {
		msg := new(message.Message)
		if err := dec.Decode(msg); err != nil {
			if err != io.EOF {
				c.log.WithError(err).Debug("Error reading message")
			}
			c.markWantClose()
			return
		}
		c.mu.Lock()
		c.lastRx = c.clk.Now()
		dispatch := c.dispatcher
		c.mu.Unlock()
		if c.handleKeepalive(msg) {
			continue
		}
		if !c.acquireSlot() {
			return
		}
		if dispatch == nil {
			c.log.Warn("Dropping message received before dispatcher installed")
			c.releaseSlot()
			continue
		}
		if err := dispatch(c, msg); err != nil {
			c.log.WithError(err).Debug("Dispatch failed, marking client for closure")
			c.markWantClose()
			return
		}
	}
}

// handleKeepalive answers keepalive pings inside the connection layer
// so they never consume a request slot or reach program dispatch.
func (c *Client) handleKeepalive(msg *message.Message) bool {
	if msg.Header.Program != message.KeepaliveProgram {
		return false
	}
	if msg.Header.Procedure == message.KeepaliveProcPing {
		pong := &message.Message{Header: message.Header{
			Program:   message.KeepaliveProgram,
			Version:   message.KeepaliveVersion,
			Procedure: message.KeepaliveProcPong,
			Type:      message.TypeMessage,
		}}
		if err := c.SendMessage(pong); err != nil {
			c.log.WithError(err).Debug("Error sending keepalive response")
		}
	}
	return true
}

func (c *Client) acquireSlot() bool {
	select {
	case c.slots <- struct{}{}:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) releaseSlot() {
	select {
	case <-c.slots:
	default:
	}
}

func (c *Client) markWantClose() {
	c.mu.Lock()
	already := c.wantClose
	c.wantClose = true
	notify := c.notify
	c.mu.Unlock()
	if !already && notify != nil {
		notify()
	}
}

// clientSnapshot is the exec-restart wire form of a client.
type clientSnapshot struct {
	ID          string                 `mapstructure:"id"`
	Auth        int                    `mapstructure:"auth"`
	ReadOnly    bool                   `mapstructure:"readOnly"`
	MaxRequests int                    `mapstructure:"maxRequests"`
	FD          int                    `mapstructure:"fd"`
	PrivateData map[string]interface{} `mapstructure:"privateData"`
}

// Serialize captures the client for exec-restart.  The connection's
// descriptor is duplicated with close-on-exec cleared so the
// replacement process inherits it; TLS sessions hold handshake state
// that cannot cross an exec and refuse to serialize.
func (c *Client) Serialize() (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("client %s is closed", c.id)
	}
	f, ok := c.conn.(filer)
	if !ok {
		return nil, fmt.Errorf("connection type %T cannot be passed across exec", c.conn)
	}
	file, err := f.File()
	if err != nil {
		return nil, fmt.Errorf("duplicating client descriptor: %v", err)
	}
	if err := clearCloseOnExec(file.Fd()); err != nil {
		file.Close()
		return nil, fmt.Errorf("clearing close-on-exec on client descriptor: %v", err)
	}
	c.execFile = file
	node := map[string]interface{}{
		"id":          c.id.String(),
		"auth":        int(c.auth),
		"readOnly":    c.readOnly,
		"maxRequests": c.maxRequests,
		"fd":          int(file.Fd()),
	}
	if c.privateSerialize != nil {
		priv, err := c.privateSerialize(c.private)
		if err != nil {
			return nil, fmt.Errorf("serializing private data for client %s: %v", c.id, err)
		}
		node["privateData"] = priv
	}
	return node, nil
}

// NewClientFromSnapshot adopts a connection descriptor inherited from
// the previous process.  restorePrivate, when non-nil, rebuilds the
// daemon-private state recorded by SetPrivateData; it is only invoked
// when the snapshot carries private data.
func NewClientFromSnapshot(node map[string]interface{}, restorePrivate func(map[string]interface{}) (interface{}, error)) (*Client, error) {
	var snap clientSnapshot
	for _, key := range []string{"id", "auth", "readOnly", "maxRequests", "fd"} {
		if _, present := node[key]; !present {
			return nil, fmt.Errorf("missing %s data in client snapshot", key)
		}
	}
	if err := decodeSnapshot(node, &snap); err != nil {
		return nil, fmt.Errorf("decoding client snapshot: %v", err)
	}
	id, err := uuid.FromString(snap.ID)
	if err != nil {
		return nil, fmt.Errorf("decoding client id %q: %v", snap.ID, err)
	}
	file := os.NewFile(uintptr(snap.FD), "client")
	conn, err := net.FileConn(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("adopting client descriptor %d: %v", snap.FD, err)
	}
	c, err := NewClient(conn, server.AuthScheme(snap.Auth), snap.ReadOnly, snap.MaxRequests, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.id = id
	c.log = logrus.WithFields(logrus.Fields{
		"client": id.String(),
		"remote": conn.RemoteAddr().String(),
	})
	if restorePrivate != nil && snap.PrivateData != nil {
		private, err := restorePrivate(snap.PrivateData)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("restoring private data for client %s: %v", id, err)
		}
		c.private = private
	}
	return c, nil
}
