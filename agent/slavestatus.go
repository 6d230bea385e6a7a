package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/signal18/marmot/dbexec"
	"github.com/signal18/marmot/gtid"
)

// expectedColumns is the minimum column count UpdateSlaveStatus accepts for
// each query form (spec.md §4.2.1): SHOW ALL SLAVES STATUS grew the channel
// name and a few GTID-era columns beyond plain SHOW SLAVE STATUS.
const (
	expectedColumnsAllSlaves = 42
	expectedColumnsSlave     = 40
)

// UpdateSlaveStatus issues SHOW ALL SLAVES STATUS when the backend supports
// GTID or is a binlog router, else SHOW SLAVE STATUS, parses every row into a
// SlaveStatus, merges forward sticky fields from the previous tick's array,
// and publishes the result under arrayLock. It is the direct implementation
// of spec.md §4.2 "update_slave_status" and §4.2.1's merge invariant.
func (a *Agent) UpdateSlaveStatus(ctx context.Context) error {
	query := "SHOW SLAVE STATUS"
	minColumns := expectedColumnsSlave
	if a.Capabilities.Gtid || a.ServerType == ServerTypeBinlogRouter {
		query = "SHOW ALL SLAVES STATUS"
		minColumns = expectedColumnsAllSlaves
	}

	rows, err := a.conn.QueryxContext(ctx, query)
	if err != nil {
		return fmt.Errorf("update_slave_status: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("update_slave_status columns: %w", err)
	}
	if len(cols) < minColumns {
		return fmt.Errorf("update_slave_status: %s returned %d columns, want >= %d: %w", query, len(cols), minColumns, dbexec.ErrSchemaMismatch)
	}

	now := time.Now()
	var fresh []SlaveStatus
	for rows.Next() {
		m := make(map[string]interface{}, len(cols))
		if err := rows.MapScan(m); err != nil {
			return fmt.Errorf("update_slave_status scan: %w", err)
		}
		fresh = append(fresh, parseSlaveStatusRow(m))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("update_slave_status iteration: %w", err)
	}

	a.arrayLock.Lock()
	previous := a.SlaveStatusList
	merged := mergeSlaveStatusArrays(previous, fresh, now)
	a.topologyChanged = !topologyArraysEqual(previous, merged)
	a.SlaveStatusList = merged
	a.arrayLock.Unlock()
	return nil
}

func parseSlaveStatusRow(m map[string]interface{}) SlaveStatus {
	s := SlaveStatus{
		Name:                asString(m["Connection_name"]),
		MasterHost:          asString(m["Master_Host"]),
		MasterPort:          asInt(m["Master_Port"]),
		MasterServerID:      asInt64OrUnknown(m["Master_Server_Id"]),
		IOState:             parseIOState(asString(m["Slave_IO_Running"])),
		SQLRunning:          asString(m["Slave_SQL_Running"]) == "Yes",
		SecondsBehindMaster: asInt32OrUndefined(m["Seconds_Behind_Master"]),
		GtidIOPos:           gtid.Parse(asString(m["Gtid_IO_Pos"])),
		ReceivedHeartbeats:  asUint64(m["Slave_received_heartbeats"]),
		LastError:           asString(m["Last_Error"]),
	}
	return s
}

// mergeSlaveStatusArrays carries forward LastDataTime and latches
// SeenConnected per spec.md §4.2.1: identity is (master_host, master_port),
// located first by positional hint then by linear scan.
func mergeSlaveStatusArrays(previous, fresh []SlaveStatus, now time.Time) []SlaveStatus {
	out := make([]SlaveStatus, len(fresh))
	used := make([]bool, len(previous))
	for i, row := range fresh {
		old, ok := findPreviousRow(previous, used, row, i)
		if ok {
			row.LastDataTime = old.LastDataTime
			if row.ReceivedHeartbeats != old.ReceivedHeartbeats || !row.GtidIOPos.Equal(old.GtidIOPos) {
				row.LastDataTime = now
			}
			row.SeenConnected = computeSeenConnected(old, row)
		} else {
			row.LastDataTime = now
			row.SeenConnected = row.IOState == IOStateYes && row.MasterServerID > 0
		}
		out[i] = row
	}
	return out
}

// computeSeenConnected implements the sticky latch of spec.md §3/§4.2.1,
// including the documented "do not latch" behavior for a CONNECTING row
// whose master_server_id changed mid-reconnect (DESIGN.md, "Open Question decisions").
func computeSeenConnected(old, fresh SlaveStatus) bool {
	if old.SeenConnected {
		if fresh.IOState == IOStateYes && fresh.MasterServerID > 0 {
			return true
		}
		if fresh.IOState == IOStateConnecting && fresh.MasterServerID == old.MasterServerID {
			return true
		}
		return false
	}
	if fresh.IOState == IOStateYes && fresh.MasterServerID > 0 {
		return true
	}
	return false
}

// findPreviousRow locates the previous tick's row with the same
// (master_host, master_port): first by positional hint (same index as in the
// new array), falling back to a linear scan, per spec.md §4.2.
func findPreviousRow(previous []SlaveStatus, used []bool, row SlaveStatus, hintIndex int) (SlaveStatus, bool) {
	if hintIndex < len(previous) && !used[hintIndex] {
		cand := previous[hintIndex]
		if cand.MasterHost == row.MasterHost && cand.MasterPort == row.MasterPort {
			used[hintIndex] = true
			return cand, true
		}
	}
	for i, cand := range previous {
		if used[i] {
			continue
		}
		if cand.MasterHost == row.MasterHost && cand.MasterPort == row.MasterPort {
			used[i] = true
			return cand, true
		}
	}
	return SlaveStatus{}, false
}

// topologyArraysEqual is the topology-equality check of spec.md §4.2
// ("topology_changed = !topology_equal(old_array, new_array)"): equal length
// and elementwise TopologyEqual.
func topologyArraysEqual(a, b []SlaveStatus) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].TopologyEqual(b[i]) {
			return false
		}
	}
	return true
}

// TopologyChanged reports whether the most recent UpdateSlaveStatus call
// changed any role-affecting attribute since the previous tick.
func (a *Agent) TopologyChanged() bool {
	a.arrayLock.Lock()
	defer a.arrayLock.Unlock()
	return a.topologyChanged
}

// RemoveSlaveConns drops the named channels from the cached array after the
// backend has forgotten them (SPEC_FULL.md §9's supplemented
// remove_slave_conns, needed by spec.md §8 property #4). Callers are
// expected to have already issued STOP/RESET SLAVE for each name.
func (a *Agent) RemoveSlaveConns(names []string) {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	a.arrayLock.Lock()
	defer a.arrayLock.Unlock()
	kept := a.SlaveStatusList[:0:0]
	for _, row := range a.SlaveStatusList {
		if !drop[row.Name] {
			kept = append(kept, row)
		}
	}
	a.SlaveStatusList = kept
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asInt(v interface{}) int {
	switch t := v.(type) {
	case int64:
		return int(t)
	case int:
		return t
	case []byte:
		var n int
		fmt.Sscanf(string(t), "%d", &n)
		return n
	case string:
		var n int
		fmt.Sscanf(t, "%d", &n)
		return n
	default:
		return 0
	}
}

func asInt64OrUnknown(v interface{}) int64 {
	if v == nil {
		return UnknownServerID
	}
	switch t := v.(type) {
	case int64:
		if t == 0 {
			return UnknownServerID
		}
		return t
	case []byte:
		if len(t) == 0 {
			return UnknownServerID
		}
		var n int64
		fmt.Sscanf(string(t), "%d", &n)
		return n
	default:
		return int64(asInt(v))
	}
}

func asInt32OrUndefined(v interface{}) int32 {
	if v == nil {
		return UndefinedSecondsBehindMaster
	}
	if b, ok := v.([]byte); ok && len(b) == 0 {
		return UndefinedSecondsBehindMaster
	}
	return int32(asInt(v))
}

func asUint64(v interface{}) uint64 {
	switch t := v.(type) {
	case int64:
		return uint64(t)
	case uint64:
		return t
	case []byte:
		var n uint64
		fmt.Sscanf(string(t), "%d", &n)
		return n
	default:
		return 0
	}
}
