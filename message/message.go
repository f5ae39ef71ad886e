// Copyright 2017-2018 Virtkit, Inc.
// This software is released under an MIT/X11 open source license.

// Package message defines the structured envelope exchanged between
// RPC clients and the virtrpc server.  A message pairs a fixed header
// (program, version, procedure, serial, type, status) with an opaque
// payload.  The server core routes on the header alone; only program
// procedure handlers interpret the payload.
package message

import (
	"fmt"

	"github.com/ugorji/go/codec"
)

// Type describes the role of a message in the request/reply flow.
type Type uint32

const (
	// TypeCall is a client request that expects a reply.
	TypeCall Type = iota
	// TypeCallWithFDs is a client request carrying file descriptors
	// that expects a reply.
	TypeCallWithFDs
	// TypeReply is a server response to a call.
	TypeReply
	// TypeReplyWithFDs is a server response carrying file descriptors.
	TypeReplyWithFDs
	// TypeMessage is a one-way notification; the sender does not
	// expect a reply, but it still occupies a request slot on the
	// receiving side until a reply-shaped message frees it.
	TypeMessage
	// TypeStream is a chunk of streamed data associated with an
	// earlier call.
	TypeStream
)

// Status qualifies a reply.
type Status uint32

const (
	// StatusOK marks a successful reply; the payload is the result.
	StatusOK Status = iota
	// StatusError marks a failed reply; the payload is an error string.
	StatusError
	// StatusContinue marks an intermediate stream packet.
	StatusContinue
)

// The keepalive exchange is a tiny fixed program handled inside the
// connection layer rather than dispatched to a registered program.
// The program number spells "keep" in ASCII.
const (
	KeepaliveProgram  uint32 = 0x6b656570
	KeepaliveVersion  uint32 = 1
	KeepaliveProcPing uint32 = 1
	KeepaliveProcPong uint32 = 2
)

// Header identifies a message and routes it to a registered program.
type Header struct {
	// Program and Version select the program table the message is
	// dispatched to.
	Program uint32 `codec:"program"`
	Version uint32 `codec:"version"`
	// Procedure selects the handler within the program.
	Procedure uint32 `codec:"procedure"`
	// Type describes the request/reply role of this message.
	Type Type `codec:"type"`
	// Serial is a client-chosen identifier echoed back in replies.
	Serial uint32 `codec:"serial"`
	// Status qualifies replies; it is StatusOK on requests.
	Status Status `codec:"status"`
}

// Message is one complete unit on the wire.
type Message struct {
	Header  Header `codec:"header"`
	Payload []byte `codec:"payload"`
}

// ExpectsReply reports whether the peer is waiting for a reply to
// this message.
func (m *Message) ExpectsReply() bool {
	return m.Header.Type == TypeCall || m.Header.Type == TypeCallWithFDs
}

// Clear drops the payload and status while preserving the routing
// header, so the same message value can be reused as a reply carrying
// the original serial.
func (m *Message) Clear() {
	m.Payload = nil
	m.Header.Status = StatusOK
}

// ErrorReply builds a reply to in whose status is StatusError and
// whose payload is the text of err.  The reply reuses the request's
// program, version, procedure, and serial so the client can correlate
// it.
func ErrorReply(in *Message, err error) *Message {
	return &Message{
		Header: Header{
			Program:   in.Header.Program,
			Version:   in.Header.Version,
			Procedure: in.Header.Procedure,
			Type:      TypeReply,
			Serial:    in.Header.Serial,
			Status:    StatusError,
		},
		Payload: []byte(err.Error()),
	}
}

// UnknownProgramError is the error used for calls whose (program,
// version) pair matches no registered program.
func UnknownProgramError(h Header) error {
	return fmt.Errorf("unknown program %d version %d", h.Program, h.Version)
}

// NewHandle returns a CBOR codec handle configured for Message
// encoding.  Encoders and decoders built from a shared handle may be
// used concurrently; the handle itself holds only configuration.
func NewHandle() *codec.CborHandle {
	handle := new(codec.CborHandle)
	return handle
}
