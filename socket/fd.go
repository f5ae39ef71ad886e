// Copyright 2017-2018 Virtkit, Inc.
// This software is released under an MIT/X11 open source license.

package socket

import (
	"os"
	"syscall"

	"github.com/mitchellh/mapstructure"
)

// filer is satisfied by net connections and listeners that can dup
// their descriptor (TCP and Unix sockets; TLS sessions cannot be
// carried across an exec).
type filer interface {
	File() (*os.File, error)
}

// decodeSnapshot decodes a snapshot node into a tagged struct.  The
// node has usually round-tripped through JSON, so numbers arrive as
// float64 and need weak typing to land in integer fields.
func decodeSnapshot(node map[string]interface{}, result interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           result,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(node)
}

// clearCloseOnExec strips FD_CLOEXEC so the descriptor survives the
// re-exec performed during a live upgrade.  The dup returned by
// net.*Conn.File has the flag set.
func clearCloseOnExec(fd uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_FCNTL, fd, syscall.F_SETFD, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
