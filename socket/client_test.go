// Copyright 2017-2018 Virtkit, Inc.
// This software is released under an MIT/X11 open source license.

package socket

import (
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ugorji/go/codec"

	"github.com/virtkit/go-virtrpc/message"
	"github.com/virtkit/go-virtrpc/server"
)

// peer drives the remote end of an in-memory connection with the same
// CBOR framing the client uses.
type peer struct {
	conn net.Conn
	enc  *codec.Encoder
	dec  *codec.Decoder

	received chan *message.Message
}

func newPeer(conn net.Conn) *peer {
	handle := message.NewHandle()
	p := &peer{
		conn:     conn,
		enc:      codec.NewEncoder(conn, handle),
		dec:      codec.NewDecoder(conn, handle),
		received: make(chan *message.Message, 16),
	}
	go func() {
		for {
			msg := new(message.Message)
			if err := p.dec.Decode(msg); err != nil {
				close(p.received)
				return
			}
			p.received <- msg
		}
	}()
	return p
}

func (p *peer) send(t *testing.T, msg *message.Message) {
	require.NoError(t, p.enc.Encode(msg))
}

func (p *peer) expect(t *testing.T) *message.Message {
	select {
	case msg, ok := <-p.received:
		require.True(t, ok, "peer connection closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message arrived at the peer")
		return nil
	}
}

func testCall(serial uint32) *message.Message {
	return &message.Message{
		Header: message.Header{
			Program:   7,
			Version:   1,
			Procedure: 2,
			Type:      message.TypeCall,
			Serial:    serial,
		},
		Payload: []byte("request"),
	}
}

// clientPair builds a Client on one end of an in-memory connection
// and a framing peer on the other.
func clientPair(t *testing.T, maxRequests int) (*Client, *peer) {
	local, remote := net.Pipe()
	c, err := NewClient(local, server.AuthNone, false, maxRequests, nil)
	require.NoError(t, err)
	p := newPeer(remote)
	t.Cleanup(func() {
		c.Close()
		remote.Close()
	})
	return c, p
}

func TestClientDispatchesReceivedMessages(t *testing.T) {
	c, p := clientPair(t, 2)

	got := make(chan *message.Message, 4)
	c.SetDispatcher(func(client server.Client, msg *message.Message) error {
		assert.Same(t, c, client)
		got <- msg
		return nil
	})
	require.NoError(t, c.Init())

	p.send(t, testCall(42))
	select {
	case msg := <-got:
		assert.Equal(t, uint32(42), msg.Header.Serial)
		assert.Equal(t, []byte("request"), msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("message never dispatched")
	}
}

func TestClientSendMessage(t *testing.T) {
	c, p := clientPair(t, 2)
	require.NoError(t, c.Init())

	reply := testCall(7)
	reply.Header.Type = message.TypeReply
	reply.Payload = []byte("result")
	require.NoError(t, c.SendMessage(reply))

	msg := p.expect(t)
	assert.Equal(t, message.TypeReply, msg.Header.Type)
	assert.Equal(t, uint32(7), msg.Header.Serial)
	assert.Equal(t, []byte("result"), msg.Payload)
}

// With a single request slot, a second call must wait until a reply
// frees the slot held by the first.
func TestClientSlotFlowControl(t *testing.T) {
	c, p := clientPair(t, 1)

	got := make(chan *message.Message, 4)
	c.SetDispatcher(func(_ server.Client, msg *message.Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, c.Init())

	p.send(t, testCall(1))
	select {
	case msg := <-got:
		assert.Equal(t, uint32(1), msg.Header.Serial)
	case <-time.After(5 * time.Second):
		t.Fatal("first call never dispatched")
	}

	p.send(t, testCall(2))
	select {
	case <-got:
		t.Fatal("second call dispatched while the slot was still held")
	case <-time.After(50 * time.Millisecond):
	}

	reply := testCall(1)
	reply.Header.Type = message.TypeReply
	require.NoError(t, c.SendMessage(reply))
	p.expect(t)

	select {
	case msg := <-got:
		assert.Equal(t, uint32(2), msg.Header.Serial)
	case <-time.After(5 * time.Second):
		t.Fatal("second call never dispatched after the slot was freed")
	}
}

// Keepalive pings are answered inside the connection layer and never
// reach the dispatcher.
func TestClientAnswersKeepalivePing(t *testing.T) {
	c, p := clientPair(t, 2)

	got := make(chan *message.Message, 4)
	c.SetDispatcher(func(_ server.Client, msg *message.Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, c.Init())

	p.send(t, &message.Message{Header: message.Header{
		Program:   message.KeepaliveProgram,
		Version:   message.KeepaliveVersion,
		Procedure: message.KeepaliveProcPing,
		Type:      message.TypeMessage,
	}})

	pong := p.expect(t)
	assert.Equal(t, message.KeepaliveProgram, pong.Header.Program)
	assert.Equal(t, message.KeepaliveProcPong, pong.Header.Procedure)

	select {
	case <-got:
		t.Fatal("keepalive traffic reached the dispatcher")
	default:
	}
}

func TestClientKeepaliveExpiry(t *testing.T) {
	local, remote := net.Pipe()
	c, err := NewClient(local, server.AuthNone, false, 2, nil)
	require.NoError(t, err)
	defer c.Close()
	p := newPeer(remote)
	defer remote.Close()

	clk := clock.NewMock()
	c.SetClock(clk)

	notified := make(chan struct{}, 1)
	c.SetCloseNotifier(func() { notified <- struct{}{} })

	require.NoError(t, c.Init())
	c.InitKeepAlive(time.Second, 3)

	// Each idle tick short of the limit sends a probe; the third
	// consecutive miss reaches the limit and marks the connection for
	// closure without another probe.
	for i := 0; i < 2; i++ {
		time.Sleep(10 * time.Millisecond)
		clk.Add(time.Second)
		ping := p.expect(t)
		assert.Equal(t, message.KeepaliveProcPing, ping.Header.Procedure)
	}
	assert.False(t, c.WantClose())

	time.Sleep(10 * time.Millisecond)
	clk.Add(time.Second)

	select {
	case <-notified:
	case <-time.After(5 * time.Second):
		t.Fatal("close notifier never ran")
	}
	assert.True(t, c.WantClose())
	assert.False(t, c.IsClosed())
}

func TestClientEOFWantsClose(t *testing.T) {
	c, p := clientPair(t, 2)

	notified := make(chan struct{}, 1)
	c.SetCloseNotifier(func() { notified <- struct{}{} })
	require.NoError(t, c.Init())

	p.conn.Close()
	select {
	case <-notified:
	case <-time.After(5 * time.Second):
		t.Fatal("close notifier never ran")
	}
	assert.True(t, c.WantClose())
}

func TestClientCloseIdempotent(t *testing.T) {
	c, _ := clientPair(t, 2)
	require.NoError(t, c.Init())

	c.Close()
	assert.True(t, c.IsClosed())
	c.Close()

	assert.Error(t, c.Init())
}

// Serialization requires a real descriptor, so this runs over TCP.
func TestClientSerializeRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	remote, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer remote.Close()
	conn := <-accepted

	c, err := NewClient(conn, server.AuthNone, false, 3, nil)
	require.NoError(t, err)
	defer c.Close()

	c.SetPrivateData("session-token", func(data interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"token": data.(string)}, nil
	})

	node, err := c.Serialize()
	require.NoError(t, err)
	assert.Equal(t, c.ID(), node["id"])
	assert.Equal(t, 3, node["maxRequests"])
	fd, ok := node["fd"].(int)
	require.True(t, ok)
	assert.Greater(t, fd, 0)

	restored, err := NewClientFromSnapshot(node, func(priv map[string]interface{}) (interface{}, error) {
		return priv["token"], nil
	})
	require.NoError(t, err)
	defer restored.Close()

	assert.Equal(t, c.ID(), restored.ID())
	assert.Equal(t, "session-token", restored.PrivateData())
	assert.Equal(t, 3, restored.maxRequests)
}

func TestClientSerializeRefusesPipe(t *testing.T) {
	c, _ := clientPair(t, 2)
	_, err := c.Serialize()
	assert.Error(t, err)
}

func TestClientSnapshotMissingKey(t *testing.T) {
	_, err := NewClientFromSnapshot(map[string]interface{}{
		"id": "x",
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing auth data")
}
