// Package monitor is the tick driver of spec.md §2/§5/§6: it owns the
// registry of agents, refreshes each of them in parallel once per tick
// (teacher: server.go's ReplicationManager loop, ancestor
// cloudnautique-replication-manager/repmgr.go's ticker-driven main loop),
// runs the topology analyzer, and exports a JSON diagnostic snapshot.
package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/signal18/marmot/agent"
	"github.com/signal18/marmot/config"
	"github.com/signal18/marmot/dbexec"
	"github.com/signal18/marmot/orchestrator"
	"github.com/signal18/marmot/topology"
)

// Monitor ticks every agent in its registry, runs the topology analyzer
// over the resulting snapshot, and exposes the combined state for
// diagnostics and for driving switchover/failover.
type Monitor struct {
	cfg      *config.Config
	agents   []*agent.Agent
	registry *orchestrator.Registry

	topoMu sync.RWMutex
	topo   topology.Result
}

// New constructs a Monitor for the given backends, dialing one connection
// per backend via dbexec.Open(cfg.DSN(...)). Open does not contact the
// backend, so an unreachable backend is still added to the registry and its
// first tick records the connection error; an error from Open itself (such
// as a malformed DSN) aborts New.
func New(cfg *config.Config) (*Monitor, error) {
	agents := make([]*agent.Agent, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		conn, err := dbexec.Open(cfg.DSN(b))
		if err != nil {
			return nil, err
		}
		a := agent.New(b.Host, b.Port, conn)
		a.Name = b.Name
		agents = append(agents, a)
	}
	return &Monitor{
		cfg:      cfg,
		agents:   agents,
		registry: orchestrator.NewRegistry(agents),
	}, nil
}

// Registry exposes the agent registry so callers can drive
// orchestrator.Switchover/Failover against it.
func (m *Monitor) Registry() *orchestrator.Registry { return m.registry }

// Run drives the tick loop until ctx is cancelled, per spec.md §2's
// single-threaded-per-tick cooperative model: agent refresh is parallel
// within a tick (each agent owns its own connection, spec.md §2 "safe
// per-agent parallelism"), but the topology analysis that follows always
// waits for every agent's refresh to finish first.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick refreshes every agent in parallel, then runs the topology analyzer
// over the resulting snapshot. Per-agent errors are logged but never abort
// the tick for the rest of the registry (spec.md §5 "one agent's failure
// must not block another's refresh or the topology pass").
func (m *Monitor) Tick(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range m.agents {
		a := a
		g.Go(func() error {
			if err := a.MonitorTick(gctx); err != nil {
				log.WithFields(log.Fields{"agent": a.Name, "error": err}).Warn("monitor tick failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	result := topology.Analyze(m.agents, topology.BuildOptions{
		AssumeUniqueHostnames: m.cfg.AssumeUniqueHostnames,
	})
	m.topoMu.Lock()
	m.topo = result
	m.topoMu.Unlock()
}

// Diagnostics returns the JSON diagnostic export of spec.md §6: one object
// per agent with the exact key set name/server_id/read_only/
// gtid_current_pos/gtid_binlog_pos/master_group/slave_connections[].
func (m *Monitor) Diagnostics() ([]byte, error) {
	m.topoMu.RLock()
	topo := m.topo
	m.topoMu.RUnlock()

	out := make([]serverDiagnostic, 0, len(m.agents))
	for _, a := range m.agents {
		snap := a.Snapshot()
		out = append(out, serverDiagnostic{
			Name:           snap.Name,
			ServerID:       snap.ServerID,
			ReadOnly:       snap.ReadOnly,
			GtidCurrentPos: gtidOrNull(snap.GtidCurrentPos),
			GtidBinlogPos:  gtidOrNull(snap.GtidBinlogPos),
			MasterGroup:    masterGroupOf(a, topo),
			SlaveChannels:  slaveChannelsOf(snap.SlaveStatusList),
		})
	}
	return json.Marshal(out)
}

type serverDiagnostic struct {
	Name           string            `json:"name"`
	ServerID       int64             `json:"server_id"`
	ReadOnly       bool              `json:"read_only"`
	GtidCurrentPos interface{}       `json:"gtid_current_pos"`
	GtidBinlogPos  interface{}       `json:"gtid_binlog_pos"`
	MasterGroup    interface{}       `json:"master_group"`
	SlaveChannels  []slaveChannelDoc `json:"slave_connections"`
}

type slaveChannelDoc struct {
	Name                string `json:"name"`
	MasterHost          string `json:"master_host"`
	MasterPort          int    `json:"master_port"`
	IOState             string `json:"io_state"`
	SQLRunning          bool   `json:"sql_running"`
	SecondsBehindMaster int32  `json:"seconds_behind_master"`
}

func slaveChannelsOf(rows []agent.SlaveStatus) []slaveChannelDoc {
	out := make([]slaveChannelDoc, 0, len(rows))
	for _, r := range rows {
		out = append(out, slaveChannelDoc{
			Name:                r.Name,
			MasterHost:          r.MasterHost,
			MasterPort:          r.MasterPort,
			IOState:             r.IOState.String(),
			SQLRunning:          r.SQLRunning,
			SecondsBehindMaster: r.SecondsBehindMaster,
		})
	}
	return out
}

// gtidOrNull encodes an empty GTID list as JSON null rather than "", per
// spec.md §6's "absent" encoding.
func gtidOrNull(l interface {
	IsEmpty() bool
	String() string
}) interface{} {
	if l.IsEmpty() {
		return nil
	}
	return l.String()
}

// masterGroupOf reports the agent's cycle representative name, or nil when
// the agent isn't a member of any multi-node cycle (spec.md §6 "absent when
// not part of a ring").
func masterGroupOf(a *agent.Agent, topo topology.Result) interface{} {
	cycleID := a.TopologySnapshot().CycleID
	if cycleID == 0 {
		return nil
	}
	if name, ok := topo.Representatives[cycleID]; ok {
		return name
	}
	return nil
}
