// Copyright 2017-2018 Virtkit, Inc.
// This software is released under an MIT/X11 open source license.

// Package program provides the standard procedure-table
// implementation of the server's Program contract.  A program is a
// set of remote procedures sharing one (program id, version) pair;
// each procedure carries a handler and a dispatch priority.
package program

import (
	"fmt"

	"github.com/virtkit/go-virtrpc/message"
	"github.com/virtkit/go-virtrpc/server"
)

// Handler implements one remote procedure.  It receives the request
// payload through msg and returns the reply payload.  A returned
// error becomes a structured error reply to the client; it is not
// fatal to the connection.
type Handler func(srv *server.Server, client server.Client, msg *message.Message) ([]byte, error)

type procedure struct {
	handler  Handler
	priority int
}

// Program is a table of procedures registered with a server.
type Program struct {
	id      uint32
	version uint32
	procs   map[uint32]procedure
}

// New creates an empty program for the given id and version.
func New(id, version uint32) *Program {
	return &Program{
		id:      id,
		version: version,
		procs:   make(map[uint32]procedure),
	}
}

// ID returns the program identifier.
func (p *Program) ID() uint32 { return p.id }

// Version returns the program version.
func (p *Program) Version() uint32 { return p.version }

// AddProcedure registers a handler for a procedure number.  Priority
// greater than zero lets the server schedule calls to this procedure
// ahead of normal traffic.  Procedures must be registered before the
// program is added to a server; the table is not safe for concurrent
// mutation.
func (p *Program) AddProcedure(proc uint32, priority int, fn Handler) {
	p.procs[proc] = procedure{handler: fn, priority: priority}
}

// Matches reports whether msg is addressed to this program.
func (p *Program) Matches(msg *message.Message) bool {
	return msg.Header.Program == p.id && msg.Header.Version == p.version
}

// Priority returns the dispatch priority for a procedure, or zero
// for unknown procedures.
func (p *Program) Priority(proc uint32) int {
	return p.procs[proc].priority
}

// Dispatch runs the procedure named by the message header and sends
// the reply through the client.  Handler errors, unknown procedures,
// and non-call message types all still produce exactly one
// reply-shaped message, so the client's request slot is always freed.
// Only a send failure is returned, and it is fatal to the client
// connection.
func (p *Program) Dispatch(srv *server.Server, client server.Client, msg *message.Message) error {
	if !msg.ExpectsReply() {
		// A one-way message addressed to a known program still
		// needs a dummy reply to free the client's slot.
		msg.Clear()
		msg.Header.Type = message.TypeReply
		return client.SendMessage(msg)
	}

	proc, ok := p.procs[msg.Header.Procedure]
	if !ok {
		reply := message.ErrorReply(msg, fmt.Errorf("unknown procedure %d in program %d",
			msg.Header.Procedure, p.id))
		return client.SendMessage(reply)
	}

	payload, err := proc.handler(srv, client, msg)
	if err != nil {
		return client.SendMessage(message.ErrorReply(msg, err))
	}

	msg.Payload = payload
	msg.Header.Type = message.TypeReply
	msg.Header.Status = message.StatusOK
	return client.SendMessage(msg)
}
