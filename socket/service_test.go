// Copyright 2017-2018 Virtkit, Inc.
// This software is released under an MIT/X11 open source license.

package socket

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtkit/go-virtrpc/server"
)

func newTestService(t *testing.T) *Service {
	svc, err := NewService("tcp", "127.0.0.1:0", server.AuthNone, true, 5, nil)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func dialService(t *testing.T, svc *Service) net.Conn {
	conn, err := net.Dial("tcp", svc.ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServiceGetters(t *testing.T) {
	svc := newTestService(t)
	assert.Equal(t, server.AuthNone, svc.AuthScheme())
	assert.True(t, svc.IsReadOnly())
	assert.Equal(t, 5, svc.MaxRequests())
	assert.Nil(t, svc.TLSConfig())
	assert.Greater(t, svc.Port(), 0)
}

func TestServiceDispatchesAcceptedConnections(t *testing.T) {
	svc := newTestService(t)

	accepted := make(chan net.Conn, 4)
	svc.SetDispatcher(func(from server.Service, conn net.Conn) error {
		assert.Same(t, svc, from)
		accepted <- conn
		return nil
	})

	dialService(t, svc)
	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("connection never dispatched")
	}
}

// While toggled off the service accepts nothing; connections wait in
// the kernel backlog until it is toggled back on.
func TestServiceToggle(t *testing.T) {
	svc := newTestService(t)

	accepted := make(chan net.Conn, 4)
	svc.SetDispatcher(func(_ server.Service, conn net.Conn) error {
		accepted <- conn
		return nil
	})

	svc.Toggle(false)
	dialService(t, svc)

	select {
	case <-accepted:
		t.Fatal("connection dispatched while the service was paused")
	case <-time.After(100 * time.Millisecond):
	}

	svc.Toggle(true)
	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("connection never dispatched after resume")
	}
}

// A rejected connection must not stop the accept loop.
func TestServiceSurvivesRejectedConnection(t *testing.T) {
	svc := newTestService(t)

	accepted := make(chan net.Conn, 4)
	first := true
	svc.SetDispatcher(func(_ server.Service, conn net.Conn) error {
		if first {
			first = false
			conn.Close()
			return server.ErrTooManyClients{Max: 1, RemoteAddr: conn.RemoteAddr().String()}
		}
		accepted <- conn
		return nil
	})

	dialService(t, svc)
	dialService(t, svc)

	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("accept loop died after a rejected connection")
	}
}

func TestServiceCloseStopsAccepting(t *testing.T) {
	svc := newTestService(t)
	addr := svc.ln.Addr().String()

	svc.Close()
	svc.Close()

	_, err := net.Dial("tcp", addr)
	assert.Error(t, err)
}

func TestServiceSerializeRoundTrip(t *testing.T) {
	svc := newTestService(t)

	node, err := svc.Serialize()
	require.NoError(t, err)
	assert.Equal(t, "tcp", node["network"])
	assert.Equal(t, 5, node["maxRequests"])
	fd, ok := node["fd"].(int)
	require.True(t, ok)
	assert.Greater(t, fd, 0)

	// The original service never got a dispatcher, so its accept loop
	// stays parked and the restored one owns incoming connections.
	restored, err := NewServiceFromSnapshot(node)
	require.NoError(t, err)
	defer restored.Close()

	assert.Equal(t, 5, restored.MaxRequests())
	assert.Equal(t, svc.Port(), restored.Port())

	accepted := make(chan net.Conn, 4)
	restored.SetDispatcher(func(_ server.Service, conn net.Conn) error {
		accepted <- conn
		return nil
	})

	dialService(t, svc)
	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("restored service never dispatched a connection")
	}
}

func TestServiceSnapshotMissingKey(t *testing.T) {
	_, err := NewServiceFromSnapshot(map[string]interface{}{"auth": 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing readOnly data")
}
