// Copyright 2017-2018 Virtkit, Inc.
// This software is released under an MIT/X11 open source license.

// Package virtrpcd is the reference daemon built on the virtrpc
// server core.  It listens on TCP and/or Unix sockets, serves the
// builtin ping program over CBOR framing, exports Prometheus metrics
// over HTTP, and supports live binary upgrades: SIGUSR1 pauses the
// listeners, serializes the full server state (including open
// connections), and re-execs the daemon in place.  If the upgrade
// fails the listeners stay paused until SIGHUP resumes them.
package main

import (
	"crypto/tls"
	"io/ioutil"
	"net"
	"os"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v2"

	"github.com/virtkit/go-virtrpc/server"
	"github.com/virtkit/go-virtrpc/socket"
)

// daemonConfig is the YAML configuration file format.  The tuning
// defaults follow the usual shape of a small RPC daemon: a handful of
// always-on workers, room to grow under load, and a bounded client
// table.
type daemonConfig struct {
	ListenTCP  string `yaml:"listen_tcp"`
	ListenUnix string `yaml:"listen_unix"`
	ListenHTTP string `yaml:"listen_http"`

	MinWorkers      int `yaml:"min_workers"`
	MaxWorkers      int `yaml:"max_workers"`
	PriorityWorkers int `yaml:"priority_workers"`

	MaxClients        int `yaml:"max_clients"`
	MaxClientRequests int `yaml:"max_client_requests"`

	KeepaliveInterval int  `yaml:"keepalive_interval"`
	KeepaliveCount    int  `yaml:"keepalive_count"`
	KeepaliveRequired bool `yaml:"keepalive_required"`

	AutoShutdownTimeout int `yaml:"auto_shutdown_timeout"`

	MDNSName string `yaml:"mdns_name"`
}

func defaultConfig() daemonConfig {
	return daemonConfig{
		ListenTCP:         ":5972",
		ListenHTTP:        ":5980",
		MinWorkers:        5,
		MaxWorkers:        20,
		PriorityWorkers:   5,
		MaxClients:        120,
		MaxClientRequests: 5,
		KeepaliveInterval: 5,
		KeepaliveCount:    5,
	}
}

func loadConfigYaml(filename string) (daemonConfig, error) {
	result := defaultConfig()
	bytes, err := ioutil.ReadFile(filename)
	if err == nil {
		err = yaml.Unmarshal(bytes, &result)
	}
	return result, err
}

// daemon ties the server core to its concrete socket collaborators.
type daemon struct {
	cfg daemonConfig
	srv *server.Server
}

// newClient wraps an accepted connection and arranges for the run
// loop to wake up when the connection wants to be reaped.
func (d *daemon) newClient(conn net.Conn, auth server.AuthScheme, readOnly bool, maxRequests int, tlsConfig *tls.Config) (server.Client, error) {
	c, err := socket.NewClient(conn, auth, readOnly, maxRequests, tlsConfig)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.SetCloseNotifier(func() { d.srv.Loop().Wakeup() })
	return c, nil
}

func (d *daemon) restoreService(node map[string]interface{}) (server.Service, error) {
	return socket.NewServiceFromSnapshot(node)
}

func (d *daemon) restoreClient(node map[string]interface{}) (server.Client, error) {
	c, err := socket.NewClientFromSnapshot(node, nil)
	if err != nil {
		return nil, err
	}
	c.SetCloseNotifier(func() { d.srv.Loop().Wakeup() })
	return c, nil
}

func (d *daemon) run(ctx *cli.Context) error {
	var err error
	d.cfg = defaultConfig()
	if path := ctx.String("config"); path != "" {
		d.cfg, err = loadConfigYaml(path)
		if err != nil {
			return cli.NewExitError("could not load YAML configuration: "+err.Error(), 1)
		}
	}
	if bind := ctx.String("listen"); bind != "" {
		d.cfg.ListenTCP = bind
	}
	if path := ctx.String("unix"); path != "" {
		d.cfg.ListenUnix = path
	}
	if bind := ctx.String("http"); bind != "" {
		d.cfg.ListenHTTP = bind
	}

	if level, err := logrus.ParseLevel(ctx.String("log-level")); err == nil {
		logrus.SetLevel(level)
	}

	restartFD := ctx.Int("exec-restart-fd")
	if restartFD >= 0 {
		err = d.restoreServer(restartFD)
	} else {
		err = d.buildServer()
	}
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer d.srv.Free()

	d.srv.AddProgram(newPingProgram())

	for _, signum := range []syscall.Signal{syscall.SIGINT, syscall.SIGTERM} {
		if err := d.srv.AddSignalHandler(signum, func(srv *server.Server, sig os.Signal) {
			logrus.WithField("signal", sig).Info("Shutting down on signal")
			srv.Quit()
		}); err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
	}
	if err := d.srv.AddSignalHandler(syscall.SIGHUP, func(srv *server.Server, sig os.Signal) {
		logrus.Info("Resuming paused services")
		srv.UpdateServices(true)
	}); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if err := d.srv.AddSignalHandler(syscall.SIGUSR1, func(srv *server.Server, sig os.Signal) {
		logrus.Info("Live upgrade requested")
		if err := d.execRestart(); err != nil {
			logrus.WithError(err).Error("Live upgrade failed; services stay paused, send SIGHUP to resume")
		}
	}); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	if d.cfg.AutoShutdownTimeout > 0 {
		d.srv.AutoShutdown(d.cfg.AutoShutdownTimeout)
	}

	if d.cfg.ListenHTTP != "" {
		go observe(d.srv)
		go serveHTTP(d.cfg.ListenHTTP)
	}

	logrus.WithFields(logrus.Fields{
		"tcp":  d.cfg.ListenTCP,
		"unix": d.cfg.ListenUnix,
	}).Info("Serving")
	if err := d.srv.Run(); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	return nil
}

// buildServer constructs a fresh server and its listening services
// from configuration.
func (d *daemon) buildServer() error {
	srv, err := server.New(server.Config{
		MinWorkers:        d.cfg.MinWorkers,
		MaxWorkers:        d.cfg.MaxWorkers,
		PriorityWorkers:   d.cfg.PriorityWorkers,
		MaxClients:        d.cfg.MaxClients,
		KeepaliveInterval: d.cfg.KeepaliveInterval,
		KeepaliveCount:    d.cfg.KeepaliveCount,
		KeepaliveRequired: d.cfg.KeepaliveRequired,
		MDNSGroupName:     d.cfg.MDNSName,
		NewClient:         d.newClient,
	})
	if err != nil {
		return err
	}
	d.srv = srv

	if d.cfg.ListenTCP != "" {
		svc, err := socket.NewService("tcp", d.cfg.ListenTCP,
			server.AuthNone, false, d.cfg.MaxClientRequests, nil)
		if err != nil {
			srv.Free()
			return err
		}
		if err := srv.AddService(svc, d.cfg.MDNSName); err != nil {
			svc.Close()
			srv.Free()
			return err
		}
	}
	if d.cfg.ListenUnix != "" {
		svc, err := socket.NewService("unix", d.cfg.ListenUnix,
			server.AuthNone, false, d.cfg.MaxClientRequests, nil)
		if err != nil {
			srv.Free()
			return err
		}
		if err := srv.AddService(svc, ""); err != nil {
			svc.Close()
			srv.Free()
			return err
		}
	}
	return nil
}

// restoreServer adopts the state document and inherited descriptors
// left behind by the previous process image.
func (d *daemon) restoreServer(fd int) error {
	state, err := loadRestartState(fd)
	if err != nil {
		return err
	}
	srv, err := server.NewPostExecRestart(state, server.RestartConfig{
		NewClient: d.newClient,
		Restore: server.RestoreFuncs{
			Service: d.restoreService,
			Client:  d.restoreClient,
		},
	})
	if err != nil {
		return err
	}
	d.srv = srv
	logrus.Info("Restored server state after live upgrade")
	return nil
}

func main() {
	d := &daemon{}
	app := cli.NewApp()
	app.Name = "virtrpcd"
	app.Usage = "generic CBOR-RPC daemon"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "global configuration YAML file",
		},
		cli.StringFlag{
			Name:  "listen",
			Usage: "[ip]:port for the CBOR-RPC interface",
		},
		cli.StringFlag{
			Name:  "unix",
			Usage: "path of the Unix socket RPC interface",
		},
		cli.StringFlag{
			Name:  "http",
			Usage: "[ip]:port for the HTTP metrics interface",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "logging level (debug, info, warning, error)",
		},
		cli.IntFlag{
			Name:   "exec-restart-fd",
			Value:  -1,
			Hidden: true,
			Usage:  "descriptor carrying serialized state from the previous process",
		},
	}
	app.Action = d.run
	app.RunAndExitOnError()
}
