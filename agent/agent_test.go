package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signal18/marmot/dbexec"
	"github.com/signal18/marmot/dbexec/dbexectest"
)

func scalarOn(conn *dbexectest.Conn, want string, vals ...interface{}) {
	conn.QueryRowxHandlers = append(conn.QueryRowxHandlers, func(query string) (dbexec.Row, bool) {
		if strings.TrimSpace(query) != want {
			return nil, false
		}
		return dbexectest.ScalarRow{Values: vals}, true
	})
}

func errorOn(conn *dbexectest.Conn, want string, err error) {
	conn.QueryRowxHandlers = append(conn.QueryRowxHandlers, func(query string) (dbexec.Row, bool) {
		if strings.TrimSpace(query) != want {
			return nil, false
		}
		return dbexectest.ScalarRow{Err: err}, true
	})
}

func rowsOn(conn *dbexectest.Conn, want string, cols []string, rows []map[string]interface{}) {
	conn.QueryxHandlers = append(conn.QueryxHandlers, func(query string) (dbexec.Rows, bool, error) {
		if strings.TrimSpace(query) != want {
			return nil, false, nil
		}
		return dbexectest.NewMapRows(cols, rows), true, nil
	})
}

func mariaDBColumns() []string {
	cols := make([]string, 42)
	for i := range cols {
		cols[i] = "col"
	}
	return cols
}

func newMariaDBAgent(t *testing.T) (*Agent, *dbexectest.Conn) {
	t.Helper()
	conn := &dbexectest.Conn{}
	errorOn(conn, "SELECT @@maxscale_version", assertErr())
	scalarOn(conn, "SELECT VERSION()", "10.5.9-MariaDB")
	scalarOn(conn, "SELECT @@global.server_id, @@read_only, @@global.gtid_domain_id", int64(1), false, int64(0))
	rowsOn(conn, "SHOW ALL SLAVES STATUS", mariaDBColumns(), nil)
	scalarOn(conn, "SELECT @@gtid_current_pos, @@gtid_binlog_pos", "0-1-100", "0-1-100")
	scalarOn(conn, "SELECT @@gtid_strict_mode, @@log_bin, @@log_slave_updates", true, true, true)
	rowsOn(conn, "SELECT EVENT_SCHEMA, EVENT_NAME FROM information_schema.EVENTS WHERE STATUS = 'ENABLED'", []string{"EVENT_SCHEMA", "EVENT_NAME"}, nil)
	return New("10.0.0.1", 3306, conn), conn
}

func assertErr() error { return assertErrVal }

var assertErrVal = &testErr{"no such variable"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

func TestMonitorTickProbesCapabilitiesOnce(t *testing.T) {
	a, _ := newMariaDBAgent(t)
	require.NoError(t, a.MonitorTick(context.Background()))
	assert.True(t, a.Capabilities.Probed)
	assert.True(t, a.Capabilities.Gtid)
	assert.Equal(t, ServerTypeNormal, a.ServerType)

	snap := a.Snapshot()
	assert.Equal(t, int64(1), snap.ServerID)
	assert.False(t, snap.ReadOnly)
	assert.Equal(t, "0-1-100", snap.GtidCurrentPos.String())

	require.NoError(t, a.MonitorTick(context.Background()))
	assert.True(t, a.Capabilities.Probed)
}

func TestMonitorTickAbortsCacheOnTransientFailure(t *testing.T) {
	a, conn := newMariaDBAgent(t)
	require.NoError(t, a.MonitorTick(context.Background()))
	firstGtid := a.Snapshot().GtidCurrentPos

	// Break update_gtids only; read_server_variables and update_slave_status
	// already succeeded earlier in the same tick.
	conn.QueryRowxHandlers = append([]func(string) (dbexec.Row, bool){
		func(query string) (dbexec.Row, bool) {
			if strings.TrimSpace(query) != "SELECT @@gtid_current_pos, @@gtid_binlog_pos" {
				return nil, false
			}
			return dbexectest.ScalarRow{Err: &testErr{"connection reset"}}, true
		},
	}, conn.QueryRowxHandlers...)

	err := a.MonitorTick(context.Background())
	assert.Error(t, err)
	assert.Equal(t, firstGtid, a.Snapshot().GtidCurrentPos, "cache must not update on a failed read")
}

func TestUpdateSlaveStatusMergesForwardLastDataTime(t *testing.T) {
	a, conn := newMariaDBAgent(t)
	a.Capabilities.Gtid = true

	row := map[string]interface{}{
		"Connection_name":          "",
		"Master_Host":              "10.0.0.2",
		"Master_Port":              int64(3306),
		"Master_Server_Id":         int64(2),
		"Slave_IO_Running":         "Yes",
		"Slave_SQL_Running":        "Yes",
		"Seconds_Behind_Master":    int64(0),
		"Gtid_IO_Pos":              "0-2-5",
		"Slave_received_heartbeats": int64(3),
		"Last_Error":               "",
	}
	conn.QueryxHandlers = append([]func(string) (dbexec.Rows, bool, error){
		func(query string) (dbexec.Rows, bool, error) {
			if strings.TrimSpace(query) != "SHOW ALL SLAVES STATUS" {
				return nil, false, nil
			}
			return dbexectest.NewMapRows(mariaDBColumns(), []map[string]interface{}{row}), true, nil
		},
	}, conn.QueryxHandlers...)

	require.NoError(t, a.UpdateSlaveStatus(context.Background()))
	first := a.Snapshot().SlaveStatusList[0]
	assert.True(t, first.SeenConnected)
	firstTime := first.LastDataTime

	require.NoError(t, a.UpdateSlaveStatus(context.Background()))
	second := a.Snapshot().SlaveStatusList[0]
	assert.Equal(t, firstTime, second.LastDataTime, "last_data_time carries forward when nothing moved")
	assert.True(t, second.SeenConnected, "seen_connected stays latched")
	assert.False(t, a.TopologyChanged())
}
