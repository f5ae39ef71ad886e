// Copyright 2017-2018 Virtkit, Inc.
// This software is released under an MIT/X11 open source license.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"
	"syscall"
)

// execRestart serializes the server and replaces the process image
// with a fresh execution of the same binary.  Services stop accepting
// before the capture so no admission races the snapshot; the restored
// services resume on the other side.  The state document travels
// through an unlinked temporary file whose descriptor is inherited
// across the exec; a pipe would risk blocking the writer once the
// document outgrows the kernel buffer.  On success this never
// returns.  On failure established clients keep being served but the
// services stay paused until the operator resumes them with SIGHUP,
// and serialized connections hold an extra descriptor until they
// close.
func (d *daemon) execRestart() error {
	d.srv.UpdateServices(false)
	state, err := d.srv.PreExecRestart()
	if err != nil {
		return fmt.Errorf("cannot serialize server state: %v", err)
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("cannot encode server state: %v", err)
	}

	f, err := ioutil.TempFile("", "virtrpcd-restart-")
	if err != nil {
		return err
	}
	os.Remove(f.Name())
	if _, err := f.Write(blob); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return err
	}
	if _, _, errno := syscall.Syscall(syscall.SYS_FCNTL, f.Fd(), syscall.F_SETFD, 0); errno != 0 {
		f.Close()
		return errno
	}

	exe, err := os.Executable()
	if err != nil {
		f.Close()
		return err
	}

	args := make([]string, 0, len(os.Args)+1)
	for _, arg := range os.Args {
		if strings.HasPrefix(arg, "--exec-restart-fd") {
			continue
		}
		args = append(args, arg)
	}
	args = append(args, fmt.Sprintf("--exec-restart-fd=%d", f.Fd()))

	return syscall.Exec(exe, args, os.Environ())
}

// loadRestartState reads the state document from the descriptor the
// previous process image passed down.
func loadRestartState(fd int) (map[string]interface{}, error) {
	f := os.NewFile(uintptr(fd), "restart-state")
	defer f.Close()
	blob, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("cannot read restart state: %v", err)
	}
	var state map[string]interface{}
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("cannot decode restart state: %v", err)
	}
	return state, nil
}
