// Copyright 2017-2018 Virtkit, Inc.
// This software is released under an MIT/X11 open source license.

package server

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/virtkit/go-virtrpc/eventloop"
)

// The exec-restart snapshot is a structured value tree capturing the
// server, its services, and its clients, so a freshly exec'd process
// can rebuild an equivalent server without dropping connections.  The
// key names and types below are a cross-version compatibility
// contract: every field the save path writes must be present and
// correctly typed on the restore path, or restoration fails as a
// whole.

// snapshot mirrors the scalar fields of the value tree.
type snapshot struct {
	MinWorkers        int                      `mapstructure:"min_workers"`
	MaxWorkers        int                      `mapstructure:"max_workers"`
	PriorityWorkers   int                      `mapstructure:"priority_workers"`
	MaxClients        int                      `mapstructure:"max_clients"`
	KeepaliveInterval int                      `mapstructure:"keepaliveInterval"`
	KeepaliveCount    int                      `mapstructure:"keepaliveCount"`
	KeepaliveRequired bool                     `mapstructure:"keepaliveRequired"`
	MDNSGroupName     string                   `mapstructure:"mdnsGroupName"`
	Services          []map[string]interface{} `mapstructure:"services"`
	Clients           []map[string]interface{} `mapstructure:"clients"`
}

// requiredSnapshotKeys lists every key that must be present in a
// snapshot; mdnsGroupName is the single optional key.
var requiredSnapshotKeys = []string{
	"min_workers",
	"max_workers",
	"priority_workers",
	"max_clients",
	"keepaliveInterval",
	"keepaliveCount",
	"keepaliveRequired",
	"services",
	"clients",
}

// RestartConfig carries the runtime collaborators a restored server
// needs but that cannot themselves be serialized.
type RestartConfig struct {
	NewClient NewClientFunc
	Inhibit   InhibitHook
	MDNS      MDNSPublisher
	Logger    *logrus.Logger
	Clock     clock.Clock
	Loop      *eventloop.Loop

	// Restore rebuilds services and clients from their snapshot
	// nodes; both functions are required.
	Restore RestoreFuncs
}

// PreExecRestart captures the full server state as a value tree.  A
// nil-error return means the tree is complete; any failure aborts the
// capture, and the caller must treat that as "exec-restart is not
// possible right now" and keep the current process running.
func (s *Server) PreExecRestart() (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	minWorkers, maxWorkers, priorityWorkers := 0, 0, 0
	if s.workers != nil {
		minWorkers = s.workers.MinWorkers()
		maxWorkers = s.workers.MaxWorkers()
		priorityWorkers = s.workers.PriorityWorkers()
	}

	object := map[string]interface{}{
		"min_workers":       minWorkers,
		"max_workers":       maxWorkers,
		"priority_workers":  priorityWorkers,
		"max_clients":       s.maxClients,
		"keepaliveInterval": s.keepaliveInterval,
		"keepaliveCount":    s.keepaliveCount,
		"keepaliveRequired": s.keepaliveRequired,
	}
	if s.mdnsGroupName != "" {
		object["mdnsGroupName"] = s.mdnsGroupName
	}

	services := make([]interface{}, 0, len(s.services))
	for _, svc := range s.services {
		node, err := svc.Serialize()
		if err != nil {
			return nil, fmt.Errorf("cannot serialize service: %v", err)
		}
		services = append(services, node)
	}
	object["services"] = services

	clients := make([]interface{}, 0, len(s.clients))
	for _, client := range s.clients {
		node, err := client.Serialize()
		if err != nil {
			return nil, fmt.Errorf("cannot serialize client %s: %v",
				client.RemoteAddrString(), err)
		}
		clients = append(clients, node)
	}
	object["clients"] = clients

	return object, nil
}

// NewPostExecRestart reconstructs a server from a snapshot produced
// by PreExecRestart in the previous process image.  Required fields
// are validated individually so a truncated or mistyped snapshot
// names the offending key.  Services and clients are re-registered
// through the same bounded paths used at runtime, so the client
// ceiling still holds after restore.  Any failure unwinds the
// partially built server and returns an error; the caller must not
// serve traffic on a partial restore.
func NewPostExecRestart(object map[string]interface{}, rc RestartConfig) (*Server, error) {
	for _, key := range requiredSnapshotKeys {
		if _, ok := object[key]; !ok {
			return nil, fmt.Errorf("missing %s data in server snapshot", key)
		}
	}

	var snap snapshot
	// The snapshot crosses the exec as JSON, which turns every number
	// into a float64; weak typing converts them back.
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &snap,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(object); err != nil {
		return nil, fmt.Errorf("malformed server snapshot: %v", err)
	}

	if rc.Restore.Service == nil || rc.Restore.Client == nil {
		return nil, fmt.Errorf("snapshot restore callbacks not configured")
	}

	srv, err := New(Config{
		MinWorkers:        snap.MinWorkers,
		MaxWorkers:        snap.MaxWorkers,
		PriorityWorkers:   snap.PriorityWorkers,
		MaxClients:        snap.MaxClients,
		KeepaliveInterval: snap.KeepaliveInterval,
		KeepaliveCount:    snap.KeepaliveCount,
		KeepaliveRequired: snap.KeepaliveRequired,
		MDNSGroupName:     snap.MDNSGroupName,
		NewClient:         rc.NewClient,
		Inhibit:           rc.Inhibit,
		MDNS:              rc.MDNS,
		Logger:            rc.Logger,
		Clock:             rc.Clock,
		Loop:              rc.Loop,
	})
	if err != nil {
		return nil, err
	}

	for _, node := range snap.Services {
		svc, err := rc.Restore.Service(node)
		if err != nil {
			srv.Free()
			return nil, fmt.Errorf("cannot restore service: %v", err)
		}
		// Entry names are not preserved across restart, so the
		// restored service is never re-advertised over mDNS.
		if err := srv.AddService(svc, ""); err != nil {
			svc.Close()
			srv.Free()
			return nil, err
		}
	}

	for _, node := range snap.Clients {
		client, err := rc.Restore.Client(node)
		if err != nil {
			srv.Free()
			return nil, fmt.Errorf("cannot restore client: %v", err)
		}
		if err := srv.AddClient(client); err != nil {
			client.Close()
			srv.Free()
			return nil, err
		}
	}

	return srv, nil
}
