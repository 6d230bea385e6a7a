// Package agent implements ServerAgent: the per-backend observation and
// mutation engine of spec.md §4.2. One Agent owns one MariaDB/MySQL
// connection, refreshes its cache once per monitor tick, and executes the
// library of parameterized, time-limited, retryable SQL commands the
// orchestrator drives during switchover/failover.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/signal18/marmot/dbexec"
	"github.com/signal18/marmot/gtid"
)

// Agent is one monitored backend. Zero value is not usable; construct with
// New.
type Agent struct {
	Name string // display identity, host:port
	Host string
	Port int

	conn dbexec.Conn

	// arrayLock guards the cached server state below it (ids, read_only,
	// GTID positions, slave_status, replication settings, enabled events,
	// topology scratch, topologyChanged, Maintenance) against concurrent
	// readers (diagnostics/JSON export) while the tick rewrites it (spec.md
	// §5). Capabilities, ServerType, prevStatusBits and the failure latch are
	// written without it; the status word itself is atomic.
	arrayLock sync.Mutex

	ServerID     int64
	ReadOnly     bool
	GtidDomainID int64

	GtidCurrentPos gtid.List
	GtidBinlogPos  gtid.List

	SlaveStatusList []SlaveStatus

	ReplSettings ReplicationSettings
	Capabilities Capabilities
	ServerType   ServerType

	EnabledEvents map[string]bool

	Topology TopologyNodeData

	statusBits     atomic.Uint64
	prevStatusBits uint64

	topologyChanged bool

	lastError       string
	lastErrorLogged bool
	authFailed      bool

	Maintenance bool
}

// New constructs an Agent bound to conn, identified by host:port.
func New(host string, port int, conn dbexec.Conn) *Agent {
	return &Agent{
		Name:          fmt.Sprintf("%s:%d", host, port),
		Host:          host,
		Port:          port,
		conn:          conn,
		ServerID:      UnknownServerID,
		GtidDomainID:  -1,
		EnabledEvents: make(map[string]bool),
	}
}

// StatusBits returns the current routing-plane status word (lock-free read,
// acquire semantics per spec.md §9).
func (a *Agent) StatusBits() StatusBit {
	return StatusBit(a.statusBits.Load())
}

// SetStatusBits overwrites the routing-plane status word (release semantics).
// Only the topology analyzer and the orchestrator's role-bit updates call
// this, per spec.md §5.
func (a *Agent) SetStatusBits(bits StatusBit) {
	a.prevStatusBits = a.statusBits.Load()
	a.statusBits.Store(uint64(bits))
}

// HasStatus reports whether every bit in want is set.
func (a *Agent) HasStatus(want StatusBit) bool {
	return StatusBit(a.statusBits.Load())&want == want
}

// SetMaintenance toggles the sticky MAINTENANCE bit. Supplied per
// SPEC_FULL.md §9: spec.md says the bit is "preserved across ticks" but never
// names the setter.
func (a *Agent) SetMaintenance(on bool) {
	a.arrayLock.Lock()
	defer a.arrayLock.Unlock()
	a.Maintenance = on
	bits := StatusBit(a.statusBits.Load())
	if on {
		bits |= StatusMaintenance
	} else {
		bits &^= StatusMaintenance
	}
	a.statusBits.Store(uint64(bits))
}

// recordFailure implements the "emit at most once per continuous failure
// run" latch of spec.md §4.2.
func (a *Agent) recordFailure(op string, err error) {
	a.lastError = err.Error()
	a.authFailed = dbexec.IsAccessDenied(err)
	if !a.lastErrorLogged {
		log.WithField("server", a.Name).WithField("op", op).Errorf("monitor tick failed: %v", err)
		a.lastErrorLogged = true
	}
}

func (a *Agent) recordSuccess() {
	a.lastErrorLogged = false
	a.authFailed = false
}

// AuthError reports whether the most recent core read failed with an
// ER_*_DENIED_ERROR, the condition spec.md §4.3 step 4 maps to the
// AUTH_ERROR status bit.
func (a *Agent) AuthError() bool {
	return a.authFailed
}

// TopologySnapshot returns a lock-protected copy of the Tarjan/reachability
// scratch space for diagnostics.
func (a *Agent) TopologySnapshot() TopologyNodeData {
	a.arrayLock.Lock()
	defer a.arrayLock.Unlock()
	return a.Topology
}

// SetTopology publishes the TopologyAnalyzer's per-node scratch space
// (spec.md §4.3) under the same lock diagnostics reads use.
func (a *Agent) SetTopology(t TopologyNodeData) {
	a.arrayLock.Lock()
	defer a.arrayLock.Unlock()
	a.Topology = t
}

// SlaveStatusSnapshot returns a copy of the cached slave_status array for the
// TopologyAnalyzer's graph build, without taking a full Snapshot().
func (a *Agent) SlaveStatusSnapshot() []SlaveStatus {
	a.arrayLock.Lock()
	defer a.arrayLock.Unlock()
	out := make([]SlaveStatus, len(a.SlaveStatusList))
	copy(out, a.SlaveStatusList)
	return out
}

// MonitorTick refreshes all cached state, per spec.md §4.2's sequence:
// capability probe (once), server variables, slave status, GTIDs, enabled
// events. A transient query failure at any step aborts the remaining steps
// for this tick and leaves the failing step's cached fields untouched
// (spec.md §7); steps that already succeeded in this tick keep their new
// values.
func (a *Agent) MonitorTick(ctx context.Context) error {
	if !a.Capabilities.Probed {
		if err := a.probeCapabilities(ctx); err != nil {
			a.recordFailure("probe_capabilities", err)
			return err
		}
	}

	if err := a.ReadServerVariables(ctx); err != nil {
		a.recordFailure("read_server_variables", err)
		return err
	}

	if err := a.UpdateSlaveStatus(ctx); err != nil {
		a.recordFailure("update_slave_status", err)
		return err
	}

	if a.Capabilities.Gtid {
		if err := a.UpdateGtids(ctx); err != nil {
			a.recordFailure("update_gtids", err)
			return err
		}
	}

	if err := a.UpdateReplicationSettings(ctx); err != nil {
		a.recordFailure("update_replication_settings", err)
		return err
	}

	if err := a.updateEnabledEvents(ctx); err != nil {
		// Events listing is best-effort: a missing information_schema grant
		// must not block the rest of the tick.
		log.WithField("server", a.Name).Warnf("could not refresh enabled events: %v", err)
	}

	a.recordSuccess()
	return nil
}

// probeCapabilities issues the binlog-router sentinel probe
// (SELECT @@maxscale_version) followed by a version decode, per spec.md
// §4.2 and the GLOSSARY's "Binlog router" definition.
func (a *Agent) probeCapabilities(ctx context.Context) error {
	row := a.conn.QueryRowxContext(ctx, "SELECT @@maxscale_version")
	var sentinel string
	if err := row.Scan(&sentinel); err == nil {
		a.ServerType = ServerTypeBinlogRouter
		a.Capabilities = Capabilities{Probed: true, BasicSupport: true, Gtid: true, MaxStatementTime: false}
		return nil
	}

	var version string
	if err := a.conn.QueryRowxContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		return fmt.Errorf("probe version: %w", err)
	}
	a.ServerType = ServerTypeNormal
	a.Capabilities = decodeVersionCapabilities(version)
	return nil
}

// decodeVersionCapabilities maps a MariaDB/MySQL VERSION() string to the
// capability set it implies.
func decodeVersionCapabilities(version string) Capabilities {
	c := Capabilities{Probed: true, BasicSupport: true}
	isMariaDB := strings.Contains(strings.ToLower(version), "mariadb")
	c.Gtid = isMariaDB && versionAtLeast(version, 10, 0)
	c.MaxStatementTime = isMariaDB && versionAtLeast(version, 10, 1)
	return c
}

// ReadServerVariables refreshes server_id, read_only, and gtid_domain_id.
func (a *Agent) ReadServerVariables(ctx context.Context) error {
	var serverID int64
	var readOnly bool
	var domainID int64

	query := "SELECT @@global.server_id, @@read_only, @@global.gtid_domain_id"
	if !a.Capabilities.Gtid {
		query = "SELECT @@global.server_id, @@read_only"
	}
	row := a.conn.QueryRowxContext(ctx, query)
	var err error
	if a.Capabilities.Gtid {
		err = row.Scan(&serverID, &readOnly, &domainID)
	} else {
		err = row.Scan(&serverID, &readOnly)
		domainID = -1
	}
	if err != nil {
		return fmt.Errorf("read_server_variables: %w", err)
	}

	a.arrayLock.Lock()
	a.ServerID = serverID
	a.ReadOnly = readOnly
	a.GtidDomainID = domainID
	a.arrayLock.Unlock()
	return nil
}

// UpdateReplicationSettings refreshes gtid_strict_mode/log_bin/log_slave_updates.
func (a *Agent) UpdateReplicationSettings(ctx context.Context) error {
	var strictMode, logBin, logSlaveUpdates bool
	row := a.conn.QueryRowxContext(ctx, "SELECT @@gtid_strict_mode, @@log_bin, @@log_slave_updates")
	if err := row.Scan(&strictMode, &logBin, &logSlaveUpdates); err != nil {
		return fmt.Errorf("update_replication_settings: %w", err)
	}
	a.arrayLock.Lock()
	a.ReplSettings = ReplicationSettings{GtidStrictMode: strictMode, LogBin: logBin, LogSlaveUpdates: logSlaveUpdates}
	a.arrayLock.Unlock()
	return nil
}

// UpdateGtids refreshes gtid_current_pos and gtid_binlog_pos.
func (a *Agent) UpdateGtids(ctx context.Context) error {
	var currentPos, binlogPos string
	row := a.conn.QueryRowxContext(ctx, "SELECT @@gtid_current_pos, @@gtid_binlog_pos")
	if err := row.Scan(&currentPos, &binlogPos); err != nil {
		return fmt.Errorf("update_gtids: %w", err)
	}
	a.arrayLock.Lock()
	a.GtidCurrentPos = gtid.Parse(currentPos)
	a.GtidBinlogPos = gtid.Parse(binlogPos)
	a.arrayLock.Unlock()
	return nil
}

// PreferredCatchupPos returns gtid_binlog_pos when the server both logs its
// own binlog and applies slave updates to it (so the position reflects
// everything durably applied), else gtid_current_pos — the selection rule of
// catchup_to_master (spec.md §4.2).
func (a *Agent) PreferredCatchupPos() gtid.List {
	a.arrayLock.Lock()
	defer a.arrayLock.Unlock()
	if a.ReplSettings.LogBin && a.ReplSettings.LogSlaveUpdates {
		return a.GtidBinlogPos
	}
	return a.GtidCurrentPos
}

// Snapshot is a lock-protected, point-in-time copy of the fields diagnostics
// and the JSON export read concurrently with the tick.
type Snapshot struct {
	Name            string
	ServerID        int64
	ReadOnly        bool
	GtidCurrentPos  gtid.List
	GtidBinlogPos   gtid.List
	SlaveStatusList []SlaveStatus
	StatusBits      StatusBit
}

// Snapshot takes a consistent point-in-time read of slave_status ∪
// gtid_current_pos ∪ gtid_binlog_pos, per spec.md §5's ordering guarantee.
func (a *Agent) Snapshot() Snapshot {
	a.arrayLock.Lock()
	defer a.arrayLock.Unlock()
	rows := make([]SlaveStatus, len(a.SlaveStatusList))
	copy(rows, a.SlaveStatusList)
	return Snapshot{
		Name:            a.Name,
		ServerID:        a.ServerID,
		ReadOnly:        a.ReadOnly,
		GtidCurrentPos:  a.GtidCurrentPos,
		GtidBinlogPos:   a.GtidBinlogPos,
		SlaveStatusList: rows,
		StatusBits:      StatusBit(a.statusBits.Load()),
	}
}

// versionAtLeast reports whether version's leading "major.minor" numbers are
// >= (major, minor). Unparseable input is treated as not meeting the bound.
func versionAtLeast(version string, major, minor int) bool {
	var vMajor, vMinor int
	n, err := fmt.Sscanf(version, "%d.%d", &vMajor, &vMinor)
	if err != nil || n < 2 {
		return false
	}
	if vMajor != major {
		return vMajor > major
	}
	return vMinor >= minor
}
