package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signal18/marmot/agent"
	"github.com/signal18/marmot/dbexec"
	"github.com/signal18/marmot/dbexec/dbexectest"
	"github.com/signal18/marmot/gtid"
	"github.com/signal18/marmot/opctx"
)

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

func gtidRow(conn *dbexectest.Conn, pos string) {
	conn.QueryRowxHandlers = append(conn.QueryRowxHandlers, func(query string) (dbexec.Row, bool) {
		if strings.TrimSpace(query) != "SELECT @@gtid_current_pos, @@gtid_binlog_pos" {
			return nil, false
		}
		return dbexectest.ScalarRow{Values: []interface{}{pos, pos}}, true
	})
}

// TestSwitchoverSoleSlave is spec.md §8 scenario 4: D master, P sole slave,
// no other slaves, budget 30s. Expected final state: P master/read_only=0,
// D slave read_only=1.
func TestSwitchoverSoleSlave(t *testing.T) {
	dConn := &dbexectest.Conn{}
	gtidRow(dConn, "0-1-500")
	d := agent.New("10.0.0.1", 3306, dConn)
	d.ReplSettings.LogBin = true
	d.GtidBinlogPos = parseGtid(t, "0-1-400")
	d.SetStatusBits(agent.StatusMaster)

	pConn := &dbexectest.Conn{}
	gtidRow(pConn, "0-1-500")
	p := agent.New("10.0.0.2", 3306, pConn)
	p.ReplSettings.LogBin = true
	p.Capabilities.Gtid = true
	p.SlaveStatusList = []agent.SlaveStatus{{
		MasterHost:     d.Host,
		MasterPort:     d.Port,
		MasterServerID: d.ServerID,
		IOState:        agent.IOStateYes,
		SQLRunning:     true,
	}}

	reg := NewRegistry([]*agent.Agent{d, p})
	opCtx := opctx.New(30*time.Second, "repl", "replpw", false)

	err := Switchover(context.Background(), opCtx, reg, d.Name, p.Name, 2*time.Second, SQLFiles{})
	require.NoError(t, err)
	assert.True(t, opCtx.ErrorSink.Empty())

	assert.True(t, p.HasStatus(agent.StatusMaster))
	assert.False(t, p.ReadOnly)
	assert.False(t, d.HasStatus(agent.StatusMaster))
	assert.True(t, d.ReadOnly)
}

// TestSwitchoverRedirectsOtherSlaves is spec.md §8 scenario 4 extended with a
// third agent S replicating from D: S must end up redirected to P.
func TestSwitchoverRedirectsOtherSlaves(t *testing.T) {
	dConn := &dbexectest.Conn{}
	gtidRow(dConn, "0-1-500")
	d := agent.New("10.0.0.1", 3306, dConn)
	d.ReplSettings.LogBin = true
	d.GtidBinlogPos = parseGtid(t, "0-1-400")
	d.SetStatusBits(agent.StatusMaster)

	pConn := &dbexectest.Conn{}
	gtidRow(pConn, "0-1-500")
	p := agent.New("10.0.0.2", 3306, pConn)
	p.ReplSettings.LogBin = true
	p.Capabilities.Gtid = true
	p.SlaveStatusList = []agent.SlaveStatus{{
		MasterHost: d.Host, MasterPort: d.Port, IOState: agent.IOStateYes, SQLRunning: true,
	}}

	sConn := &dbexectest.Conn{}
	s := agent.New("10.0.0.3", 3306, sConn)
	s.SlaveStatusList = []agent.SlaveStatus{{
		Name: "main", MasterHost: d.Host, MasterPort: d.Port, IOState: agent.IOStateYes, SQLRunning: true,
	}}

	reg := NewRegistry([]*agent.Agent{d, p, s})
	opCtx := opctx.New(30*time.Second, "repl", "replpw", false)

	err := Switchover(context.Background(), opCtx, reg, d.Name, p.Name, 2*time.Second, SQLFiles{})
	require.NoError(t, err)
	assert.Len(t, sConn.Execs, 3) // STOP SLAVE; CHANGE MASTER; START SLAVE
	assert.Contains(t, sConn.Execs[1], "MASTER_HOST='10.0.0.2'")
}

// TestFailoverPromotesSlaveAndMergesChannels is spec.md §8 scenario 5: D
// down, P and Q slaves of D with distinct channel names; P promoted, Q
// redirected to P, and a channel D had to an external master is merged onto
// P under a synthesized name if it collides.
func TestFailoverPromotesSlaveAndMergesChannels(t *testing.T) {
	d := agent.New("10.0.0.1", 3306, &dbexectest.Conn{})
	d.GtidBinlogPos = parseGtid(t, "0-1-400")
	d.SlaveStatusList = []agent.SlaveStatus{{
		Name: "ext", MasterHost: "10.0.0.9", MasterPort: 3306, IOState: agent.IOStateYes, SQLRunning: true,
	}}

	pConn := &dbexectest.Conn{}
	gtidRow(pConn, "0-1-400")
	p := agent.New("10.0.0.2", 3306, pConn)
	p.ReplSettings.LogBin = true
	p.Capabilities.Gtid = true
	p.SlaveStatusList = []agent.SlaveStatus{{
		Name: "p-chan", MasterHost: d.Host, MasterPort: d.Port, IOState: agent.IOStateYes, SQLRunning: true,
	}}

	qConn := &dbexectest.Conn{}
	q := agent.New("10.0.0.3", 3306, qConn)
	q.SlaveStatusList = []agent.SlaveStatus{{
		Name: "q-chan", MasterHost: d.Host, MasterPort: d.Port, IOState: agent.IOStateYes, SQLRunning: true,
	}}

	reg := NewRegistry([]*agent.Agent{d, p, q})
	opCtx := opctx.New(30*time.Second, "repl", "replpw", false)

	err := Failover(context.Background(), opCtx, reg, d.Name, p.Name, 2*time.Second, "")
	require.NoError(t, err)

	assert.True(t, p.HasStatus(agent.StatusMaster))
	assert.Contains(t, qConn.Execs[1], "MASTER_HOST='10.0.0.2'")

	foundExternal := false
	for _, exec := range pConn.Execs {
		if strings.Contains(exec, "MASTER_HOST='10.0.0.9'") {
			foundExternal = true
		}
	}
	assert.True(t, foundExternal, "P must issue a CHANGE MASTER to D's external master")
}

func parseGtid(t *testing.T, s string) gtid.List {
	t.Helper()
	return gtid.Parse(s)
}
