package monitor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signal18/marmot/agent"
	"github.com/signal18/marmot/config"
	"github.com/signal18/marmot/dbexec"
	"github.com/signal18/marmot/dbexec/dbexectest"
	"github.com/signal18/marmot/orchestrator"
	"github.com/signal18/marmot/topology"
)

func newTickedAgent(name, host string, port int, serverID int64) *agent.Agent {
	a := agent.New(host, port, &dbexectest.Conn{})
	a.Name = name
	a.ServerID = serverID
	return a
}

func newMonitorFromAgents(agents []*agent.Agent) *Monitor {
	return &Monitor{
		cfg:      &config.Config{AssumeUniqueHostnames: true},
		agents:   agents,
		registry: orchestrator.NewRegistry(agents),
	}
}

func TestTickRunsTopologyAnalysisAfterRefresh(t *testing.T) {
	master := newTickedAgent("d", "10.0.0.1", 3306, 1)
	slave := newTickedAgent("p", "10.0.0.2", 3306, 2)
	slave.SlaveStatusList = []agent.SlaveStatus{{
		MasterHost: "10.0.0.1", MasterPort: 3306, MasterServerID: 1,
		IOState: agent.IOStateYes, SQLRunning: true,
	}}

	m := newMonitorFromAgents([]*agent.Agent{master, slave})
	m.Tick(context.Background())

	assert.True(t, master.HasStatus(agent.StatusMaster))
	assert.True(t, slave.HasStatus(agent.StatusSlave))
}

func TestTickContinuesPastOneAgentsFailure(t *testing.T) {
	// force a probe failure on this agent's MonitorTick by giving it a conn
	// that errors on every single-row query.
	conn := dbexectest.Conn{QueryRowxHandlers: []func(string) (dbexec.Row, bool){
		func(string) (dbexec.Row, bool) { return dbexectest.ScalarRow{Err: assertErr()}, true },
	}}
	bad := agent.New("10.0.0.9", 3306, &conn)
	bad.Name = "bad"

	good := newTickedAgent("good", "10.0.0.2", 3306, 2)

	m := newMonitorFromAgents([]*agent.Agent{bad, good})
	require.NotPanics(t, func() { m.Tick(context.Background()) })
}

func assertErr() error { return &testErr{"connection reset"} }

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

func TestDiagnosticsEncodesEmptyGtidAndAbsentMasterGroupAsNull(t *testing.T) {
	a := newTickedAgent("solo", "10.0.0.1", 3306, 1)
	m := newMonitorFromAgents([]*agent.Agent{a})
	m.topo = topology.Result{Representatives: map[int]string{}}

	raw, err := m.Diagnostics()
	require.NoError(t, err)

	var docs []map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &docs))
	require.Len(t, docs, 1)

	doc := docs[0]
	assert.Nil(t, doc["gtid_current_pos"])
	assert.Nil(t, doc["gtid_binlog_pos"])
	assert.Nil(t, doc["master_group"])
	assert.Equal(t, "solo", doc["name"])
}

func TestDiagnosticsReportsRingRepresentativeAsMasterGroup(t *testing.T) {
	a1 := newTickedAgent("a1", "10.0.0.1", 3306, 1)
	a2 := newTickedAgent("a2", "10.0.0.2", 3306, 2)
	a1.SlaveStatusList = []agent.SlaveStatus{{
		MasterHost: "10.0.0.2", MasterPort: 3306, MasterServerID: 2,
		IOState: agent.IOStateYes, SQLRunning: true,
	}}
	a2.SlaveStatusList = []agent.SlaveStatus{{
		MasterHost: "10.0.0.1", MasterPort: 3306, MasterServerID: 1,
		IOState: agent.IOStateYes, SQLRunning: true,
	}}

	m := newMonitorFromAgents([]*agent.Agent{a1, a2})
	result := topology.Analyze(m.agents, topology.BuildOptions{AssumeUniqueHostnames: true})
	m.topo = result

	raw, err := m.Diagnostics()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), `"master_group":"a1"`) ||
		strings.Contains(string(raw), `"master_group":"a2"`))
}
