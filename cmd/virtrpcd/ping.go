// Copyright 2017-2018 Virtkit, Inc.
// This software is released under an MIT/X11 open source license.

package main

import (
	"github.com/virtkit/go-virtrpc/message"
	"github.com/virtkit/go-virtrpc/program"
	"github.com/virtkit/go-virtrpc/server"
)

const (
	pingProgramID = 1
	pingVersion   = 1

	procPing = 1
)

// newPingProgram builds the builtin liveness program: procedure 1
// echoes the request payload back to the caller.
func newPingProgram() *program.Program {
	p := program.New(pingProgramID, pingVersion)
	p.AddProcedure(procPing, 0, func(_ *server.Server, _ server.Client, msg *message.Message) ([]byte, error) {
		return msg.Payload, nil
	})
	return p
}
