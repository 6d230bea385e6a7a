package agent

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signal18/marmot/dbexec"
	"github.com/signal18/marmot/dbexec/dbexectest"
	"github.com/signal18/marmot/gtid"
	"github.com/signal18/marmot/opctx"
)

func TestCanBeDemotedSwitchoverRequiresBinlogAndGtid(t *testing.T) {
	a := New("10.0.0.1", 3306, &dbexectest.Conn{})
	ok, reason := a.CanBeDemotedSwitchover()
	assert.False(t, ok)
	assert.Contains(t, reason, "binary log disabled")

	a.ReplSettings.LogBin = true
	ok, reason = a.CanBeDemotedSwitchover()
	assert.False(t, ok)
	assert.Contains(t, reason, "not master")

	a.SetStatusBits(StatusMaster)
	ok, reason = a.CanBeDemotedSwitchover()
	assert.False(t, ok, reason)
	assert.Contains(t, reason, "empty gtid_binlog_pos")

	a.GtidBinlogPos = gtid.Parse("0-1-50")
	ok, _ = a.CanBeDemotedSwitchover()
	assert.True(t, ok)
}

func TestCanBeDemotedFailoverRejectsReachableNode(t *testing.T) {
	a := New("10.0.0.1", 3306, &dbexectest.Conn{})
	a.GtidBinlogPos = gtid.Parse("0-1-50")

	ok, reason := a.CanBeDemotedFailover(true)
	assert.False(t, ok)
	assert.Contains(t, reason, "still reachable")

	ok, _ = a.CanBeDemotedFailover(false)
	assert.True(t, ok)
}

func TestCanBeDemotedFailoverRequiresLastKnownGtid(t *testing.T) {
	a := New("10.0.0.1", 3306, &dbexectest.Conn{})
	ok, reason := a.CanBeDemotedFailover(false)
	assert.False(t, ok)
	assert.Contains(t, reason, "no last-known gtid_binlog_pos")
}

func TestCanBePromotedRejectsMaintenanceServer(t *testing.T) {
	d := New("10.0.0.1", 3306, &dbexectest.Conn{})
	d.ServerID = 1

	p := New("10.0.0.2", 3306, &dbexectest.Conn{})
	p.ReplSettings.LogBin = true
	p.Capabilities.Gtid = true
	p.SlaveStatusList = []SlaveStatus{{
		MasterHost: d.Host, MasterPort: d.Port, IOState: IOStateYes, SQLRunning: true,
	}}

	ok, _ := p.CanBePromoted(PromotionSwitchover, d)
	assert.True(t, ok)

	p.SetMaintenance(true)
	ok, reason := p.CanBePromoted(PromotionSwitchover, d)
	assert.False(t, ok)
	assert.Contains(t, reason, "maintenance")
}

func TestCanBePromotedFailoverToleratesStoppedIOThread(t *testing.T) {
	d := New("10.0.0.1", 3306, &dbexectest.Conn{})
	p := New("10.0.0.2", 3306, &dbexectest.Conn{})
	p.ReplSettings.LogBin = true
	p.Capabilities.Gtid = true
	p.SlaveStatusList = []SlaveStatus{{
		MasterHost: d.Host, MasterPort: d.Port, IOState: IOStateNo, SQLRunning: false,
	}}

	ok, reason := p.CanBePromoted(PromotionFailover, d)
	assert.True(t, ok, reason)

	ok, reason = p.CanBePromoted(PromotionSwitchover, d)
	assert.False(t, ok)
	assert.Contains(t, reason, "IO thread not running")
}

func diskSpaceRowOn(conn *dbexectest.Conn, totalMB, freeMB float64) {
	conn.QueryRowxHandlers = append(conn.QueryRowxHandlers, func(query string) (dbexec.Row, bool) {
		if !strings.Contains(query, "information_schema.FILES") {
			return nil, false
		}
		return dbexectest.ScalarRow{Values: []interface{}{totalMB, freeMB}}, true
	})
}

func TestDiskSpaceOKSetsStatusBitWhenLow(t *testing.T) {
	conn := &dbexectest.Conn{}
	diskSpaceRowOn(conn, 1000, 5)
	a := New("10.0.0.3", 3306, conn)

	ok, err := a.DiskSpaceOK(context.Background(), 80)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, a.HasStatus(StatusDiskSpaceExhausted))
}

func TestDiskSpaceOKClearsStatusBitWhenRoomy(t *testing.T) {
	conn := &dbexectest.Conn{}
	diskSpaceRowOn(conn, 1000, 500)
	a := New("10.0.0.3", 3306, conn)
	a.SetStatusBits(StatusDiskSpaceExhausted)

	ok, err := a.DiskSpaceOK(context.Background(), 80)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, a.HasStatus(StatusDiskSpaceExhausted))
}

func execFailsOn(needle, message string) func(query string) (sql.Result, bool, error) {
	return func(query string) (sql.Result, bool, error) {
		if !strings.Contains(query, needle) {
			return nil, false, nil
		}
		return nil, true, errors.New(message)
	}
}

func TestDemoteRestoresReadOnlyBestEffortWhenFlushLogsFails(t *testing.T) {
	conn := &dbexectest.Conn{}
	conn.ExecHandlers = append(conn.ExecHandlers, execFailsOn("FLUSH LOGS", "flush logs failed"))
	a := New("10.0.0.1", 3306, conn)
	opCtx := opctx.New(time.Minute, "repl", "secret", false)

	err := a.Demote(context.Background(), opCtx, opctx.ServerOperation{ToFromMaster: true}, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush logs")
	assert.Contains(t, conn.Execs, "SET GLOBAL read_only=0")
}

func TestDemoteRestoresReadOnlyBestEffortWhenGtidReReadFails(t *testing.T) {
	conn := &dbexectest.Conn{}
	conn.QueryRowxHandlers = append(conn.QueryRowxHandlers, func(query string) (dbexec.Row, bool) {
		if !strings.Contains(query, "gtid_binlog_pos") {
			return nil, false
		}
		return dbexectest.ScalarRow{Err: errors.New("gtid query failed")}, true
	})
	a := New("10.0.0.1", 3306, conn)
	opCtx := opctx.New(time.Minute, "repl", "secret", false)

	err := a.Demote(context.Background(), opCtx, opctx.ServerOperation{ToFromMaster: true}, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "re-read gtid")
	assert.Contains(t, conn.Execs, "SET GLOBAL read_only=0")
}
