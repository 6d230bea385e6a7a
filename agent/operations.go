package agent

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/signal18/marmot/dbexec"
	"github.com/signal18/marmot/gtid"
	"github.com/signal18/marmot/opctx"
)

// PromotionKind distinguishes the two orchestrations of spec.md §4.4: a
// switchover promote has a stricter gate (counterpart IO thread must be
// running) than a failover promote, which tolerates a dead demotion target.
type PromotionKind int

const (
	PromotionSwitchover PromotionKind = iota
	PromotionFailover
)

// CanBeDemotedSwitchover is the switchover-demote gate of spec.md §4.2:
// binlog on, is master or (slave and log_slave_updates on), non-empty
// gtid_binlog_pos. It does not check whether the server is reachable or in
// maintenance.
func (a *Agent) CanBeDemotedSwitchover() (bool, string) {
	a.arrayLock.Lock()
	defer a.arrayLock.Unlock()

	if !a.ReplSettings.LogBin {
		return false, "binary log disabled"
	}
	isMaster := a.HasStatus(StatusMaster)
	isReplicatingSlave := len(a.SlaveStatusList) > 0 && a.ReplSettings.LogSlaveUpdates
	if !isMaster && !isReplicatingSlave {
		return false, "not master and not a log-slave-updates slave"
	}
	if a.GtidBinlogPos.IsEmpty() {
		return false, "empty gtid_binlog_pos"
	}
	return true, ""
}

// CanBeDemotedFailover is the failover-demote gate: the caller must report the
// node as unreachable (reachable=false) and the node must have a non-empty
// gtid_binlog_pos from its last successful observation. The gate does not
// probe the node itself; Failover always passes false.
func (a *Agent) CanBeDemotedFailover(reachable bool) (bool, string) {
	if reachable {
		return false, "node is still reachable, not eligible for failover demote"
	}
	a.arrayLock.Lock()
	defer a.arrayLock.Unlock()
	if a.GtidBinlogPos.IsEmpty() {
		return false, "no last-known gtid_binlog_pos"
	}
	return true, ""
}

// CanBePromoted is the promotion gate of spec.md §4.2: not in maintenance,
// not already master, has a GTID channel to counterpart, binlog on (whether
// the server is reachable is not checked); switchover
// additionally requires the counterpart channel's IO thread to be running
// and the node to not be low on disk.
func (a *Agent) CanBePromoted(kind PromotionKind, counterpart *Agent) (bool, string) {
	a.arrayLock.Lock()
	if a.HasStatus(StatusMaster) {
		a.arrayLock.Unlock()
		return false, "already master"
	}
	if a.Maintenance {
		a.arrayLock.Unlock()
		return false, "server is in maintenance"
	}
	if !a.ReplSettings.LogBin {
		a.arrayLock.Unlock()
		return false, "binary log disabled"
	}
	var channel *SlaveStatus
	for i := range a.SlaveStatusList {
		row := &a.SlaveStatusList[i]
		if row.MasterHost == counterpart.Host && row.MasterPort == counterpart.Port {
			channel = row
			break
		}
	}
	a.arrayLock.Unlock()

	if channel == nil {
		return false, "no slave channel to counterpart"
	}
	if channel.GtidIOPos.IsEmpty() && !a.Capabilities.Gtid {
		return false, "channel not using GTID"
	}
	if kind == PromotionSwitchover {
		if channel.IOState != IOStateYes {
			return false, "counterpart channel IO thread not running"
		}
		if ok, reason := a.diskSpaceCachedOK(); !ok {
			return false, reason
		}
	}
	return true, ""
}

// diskSpaceCachedOK reports the last DiskSpaceOK observation; the gate in
// CanBePromoted must not itself perform I/O.
func (a *Agent) diskSpaceCachedOK() (bool, string) {
	if a.HasStatus(StatusDiskSpaceExhausted) {
		return false, "low on disk"
	}
	return true, ""
}

// DiskSpaceOK checks free space via information_schema and sets/clears the
// DISK_SPACE_EXHAUSTED status bit, per SPEC_FULL.md §9's supplemented
// disk-space gate (the bit is named in spec.md §6 but never wired to a
// producer there).
func (a *Agent) DiskSpaceOK(ctx context.Context, thresholdPercent int) (bool, error) {
	var totalMB, freeMB float64
	row := a.conn.QueryRowxContext(ctx, `
		SELECT ROUND(total_extents * @@innodb_page_size / 1024 / 1024) AS total_mb,
		       ROUND(free_extents * @@innodb_page_size / 1024 / 1024) AS free_mb
		FROM information_schema.FILES WHERE file_type = 'TABLESPACE' LIMIT 1`)
	if err := row.Scan(&totalMB, &freeMB); err != nil {
		return false, fmt.Errorf("disk_space_ok: %w", err)
	}
	ok := totalMB == 0 || (freeMB/totalMB*100) >= float64(100-thresholdPercent)
	bits := StatusBit(a.statusBits.Load())
	if ok {
		bits &^= StatusDiskSpaceExhausted
	} else {
		bits |= StatusDiskSpaceExhausted
	}
	a.statusBits.Store(uint64(bits))
	return ok, nil
}

// Demote is the demotion half of spec.md §4.4: stop & RESET SLAVE ALL on
// every channel; when plan.ToFromMaster, clear the MASTER bit, kick
// super-users, set read_only=1 with budget, disable events with
// sql_log_bin=0, run the optional demotion SQL file, FLUSH LOGS, and
// re-read GTID positions so gtid_binlog_pos reflects the post-flush target.
// Steps are ordered so read_only=1 (most likely to fail) runs before
// events/files, per the ordering note of spec.md §4.4.
func (a *Agent) Demote(ctx context.Context, opCtx *opctx.Context, plan opctx.ServerOperation, readTimeout time.Duration) error {
	if err := a.ResetAllSlaveConns(ctx, opCtx, readTimeout); err != nil {
		return fmt.Errorf("demote %s: reset slave conns: %w", a.Name, err)
	}

	if !plan.ToFromMaster {
		return nil
	}

	a.SetStatusBits(a.StatusBits() &^ StatusMaster)

	if err := opCtx.Step(a.Name, func() error { return a.KickOutSuperUsers(ctx, opCtx, readTimeout) }); err != nil {
		log.WithField("server", a.Name).Warnf("kick_out_super_users: %v", err)
	}

	if err := opCtx.Step(a.Name, func() error {
		return a.ExecuteCmdTimeLimit(ctx, "SET GLOBAL read_only=1", opCtx.Remaining(), readTimeout)
	}); err != nil {
		return fmt.Errorf("demote %s: set read_only=1: %w", a.Name, err)
	}
	a.arrayLock.Lock()
	a.ReadOnly = true
	a.arrayLock.Unlock()

	if plan.HandleEvents {
		if err := opCtx.Step(a.Name, func() error { return a.DisableEvents(ctx, true) }); err != nil {
			opCtx.ErrorSink.Add(a.Name, "disable_events failed during demote: "+err.Error())
		}
	}

	if plan.SQLFile != "" {
		if err := opCtx.Step(a.Name, func() error { return a.runSQLFile(ctx, plan.SQLFile) }); err != nil {
			opCtx.ErrorSink.Add(a.Name, "demotion_sql_file failed: "+err.Error())
		}
	}

	if err := opCtx.Step(a.Name, func() error { return a.runCmd(ctx, "FLUSH LOGS") }); err != nil {
		a.RestoreReadOnlyBestEffort(ctx)
		return fmt.Errorf("demote %s: flush logs: %w", a.Name, err)
	}

	if err := a.UpdateGtids(ctx); err != nil {
		a.RestoreReadOnlyBestEffort(ctx)
		return fmt.Errorf("demote %s: re-read gtid after flush: %w", a.Name, err)
	}
	return nil
}

// RestoreReadOnlyBestEffort attempts a zero-budget read_only=0 restore after
// a later demote step fails, per spec.md §4.4's rollback note. Failure is
// swallowed; there is nothing further to roll back to.
func (a *Agent) RestoreReadOnlyBestEffort(ctx context.Context) {
	shortCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.runCmd(shortCtx, "SET GLOBAL read_only=0"); err != nil {
		log.WithField("server", a.Name).Warnf("best-effort read_only restore failed: %v", err)
		return
	}
	a.arrayLock.Lock()
	a.ReadOnly = false
	a.arrayLock.Unlock()
}

// Promote is the promotion half of spec.md §4.4: stop & reset all channels;
// when plan.ToFromMaster, set read_only=0, enable plan.EventsToEnable, run
// the optional promotion SQL file. copy_slave_conns/merge_slave_conns (the
// step that re-targets D's saved channel list onto P) is driven by package
// orchestrator, which alone knows both sides of the swap.
func (a *Agent) Promote(ctx context.Context, opCtx *opctx.Context, plan opctx.ServerOperation, readTimeout time.Duration) error {
	if err := a.ResetAllSlaveConns(ctx, opCtx, readTimeout); err != nil {
		return fmt.Errorf("promote %s: reset slave conns: %w", a.Name, err)
	}

	if !plan.ToFromMaster {
		return nil
	}

	if err := opCtx.Step(a.Name, func() error {
		return a.ExecuteCmdTimeLimit(ctx, "SET GLOBAL read_only=0", opCtx.Remaining(), readTimeout)
	}); err != nil {
		return fmt.Errorf("promote %s: set read_only=0: %w", a.Name, err)
	}
	a.arrayLock.Lock()
	a.ReadOnly = false
	a.arrayLock.Unlock()

	if plan.HandleEvents && len(plan.EventsToEnable) > 0 {
		if err := opCtx.Step(a.Name, func() error { return a.EnableEvents(ctx, plan.EventsToEnable) }); err != nil {
			opCtx.ErrorSink.Add(a.Name, "enable_events failed during promote: "+err.Error())
		}
	}

	if plan.SQLFile != "" {
		if err := opCtx.Step(a.Name, func() error { return a.runSQLFile(ctx, plan.SQLFile) }); err != nil {
			opCtx.ErrorSink.Add(a.Name, "promotion_sql_file failed: "+err.Error())
		}
	}

	a.SetStatusBits(a.StatusBits() | StatusMaster)
	return nil
}

func (a *Agent) runSQLFile(ctx context.Context, path string) error {
	lines, err := readSQLFileLines(path)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if err := a.runCmd(ctx, line); err != nil {
			return fmt.Errorf("sql file %s, statement %q: %w", path, line, err)
		}
	}
	return nil
}

// RedirectExistingSlaveConn re-points an existing replica channel at a new
// master, per spec.md §4.2/§4.4.1: STOP SLAVE, CHANGE MASTER, START SLAVE,
// each bounded by the shared deadline. The password is never included in
// any error or log line.
func (a *Agent) RedirectExistingSlaveConn(ctx context.Context, opCtx *opctx.Context, channelName, newMasterHost string, newMasterPort int, readTimeout time.Duration) error {
	quotedName := quoteChannelName(channelName)

	run := func(sql string) error {
		return a.ExecuteCmdTimeLimit(ctx, sql, opCtx.Remaining(), readTimeout)
	}

	if err := opCtx.Step(a.Name, func() error { return run("STOP SLAVE " + quotedName) }); err != nil {
		return fmt.Errorf("redirect channel %s: stop slave: %w", channelName, err)
	}

	changeMaster := buildChangeMaster(channelName, newMasterHost, newMasterPort, opCtx.ReplicationUser, opCtx.ReplicationPassword, opCtx.ReplicationSSL)
	if err := opCtx.Step(a.Name, func() error { return run(changeMaster) }); err != nil {
		return fmt.Errorf("redirect channel %s: change master: %w", channelName, err)
	}

	if err := opCtx.Step(a.Name, func() error { return run("START SLAVE " + quotedName) }); err != nil {
		return fmt.Errorf("redirect channel %s: start slave: %w", channelName, err)
	}
	return nil
}

// CreateSlaveConn issues CHANGE MASTER followed by START SLAVE for a channel
// that does not yet exist on this agent, the create-side of copy_slave_conns
// / merge_slave_conns (spec.md §4.4 step 4c). Unlike
// RedirectExistingSlaveConn there is nothing to stop first.
func (a *Agent) CreateSlaveConn(ctx context.Context, opCtx *opctx.Context, channelName, masterHost string, masterPort int, readTimeout time.Duration) error {
	run := func(sql string) error {
		return a.ExecuteCmdTimeLimit(ctx, sql, opCtx.Remaining(), readTimeout)
	}

	changeMaster := buildChangeMaster(channelName, masterHost, masterPort, opCtx.ReplicationUser, opCtx.ReplicationPassword, opCtx.ReplicationSSL)
	if err := opCtx.Step(a.Name, func() error { return run(changeMaster) }); err != nil {
		return fmt.Errorf("create channel %s: change master: %w", channelName, err)
	}
	if err := opCtx.Step(a.Name, func() error { return run("START SLAVE " + quoteChannelName(channelName)) }); err != nil {
		return fmt.Errorf("create channel %s: start slave: %w", channelName, err)
	}
	return nil
}

// ResetSlaveConn issues STOP SLAVE '<n>'; RESET SLAVE '<n>' ALL; for a single
// named channel, the failover-path equivalent of ResetAllSlaveConns used when
// only the channel targeting the dead master needs to be torn down (spec.md
// §4.4 "step 1 acts only on P: remove only the channel to D").
func (a *Agent) ResetSlaveConn(ctx context.Context, opCtx *opctx.Context, channelName string, readTimeout time.Duration) error {
	quoted := quoteChannelName(channelName)
	if err := a.ExecuteCmdTimeLimit(ctx, "STOP SLAVE "+quoted, opCtx.Remaining(), readTimeout); err != nil {
		return fmt.Errorf("reset_slave_conn: stop slave %q: %w", channelName, err)
	}
	if err := a.ExecuteCmdTimeLimit(ctx, "RESET SLAVE "+quoted+" ALL", opCtx.Remaining(), readTimeout); err != nil {
		return fmt.Errorf("reset_slave_conn: reset slave %q: %w", channelName, err)
	}
	a.RemoveSlaveConns([]string{channelName})
	return nil
}

// buildChangeMaster renders the CHANGE MASTER statement of spec.md §4.4.1.
// The password is interpolated into the statement text sent to the backend
// (MariaDB has no bind-parameter form for CHANGE MASTER) but this function's
// return value must never itself be logged.
func buildChangeMaster(name, host string, port int, user, password string, ssl bool) string {
	stmt := fmt.Sprintf("CHANGE MASTER %sTO MASTER_HOST='%s', MASTER_PORT=%d, MASTER_USE_GTID=current_pos",
		quotedPrefix(name), escapeLiteral(host), port)
	if ssl {
		stmt += ", MASTER_SSL=1"
	}
	stmt += fmt.Sprintf(", MASTER_USER='%s', MASTER_PASSWORD='%s'", escapeLiteral(user), escapeLiteral(password))
	return stmt + ";"
}

// RedactedChangeMaster renders the same statement with the password elided,
// safe to pass to any log sink (spec.md §4.4.1).
func RedactedChangeMaster(name, host string, port int, user string, ssl bool) string {
	return buildChangeMaster(name, host, port, user, "****", ssl)
}

func quotedPrefix(name string) string {
	if name == "" {
		return ""
	}
	return "'" + escapeLiteral(name) + "' "
}

func quoteChannelName(name string) string {
	if name == "" {
		return ""
	}
	return "'" + escapeLiteral(name) + "'"
}

func escapeLiteral(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// ResetAllSlaveConns issues STOP SLAVE '<n>'; RESET SLAVE '<n>' ALL; for
// every channel. The first failure aborts the loop, leaving partial effects
// in place, per spec.md §4.2/§7.
func (a *Agent) ResetAllSlaveConns(ctx context.Context, opCtx *opctx.Context, readTimeout time.Duration) error {
	a.arrayLock.Lock()
	names := make([]string, len(a.SlaveStatusList))
	for i, row := range a.SlaveStatusList {
		names[i] = row.Name
	}
	a.arrayLock.Unlock()

	for _, name := range names {
		quoted := quoteChannelName(name)
		if err := a.ExecuteCmdTimeLimit(ctx, "STOP SLAVE "+quoted, opCtx.Remaining(), readTimeout); err != nil {
			return fmt.Errorf("reset_all_slave_conns: stop slave %q: %w", name, err)
		}
		if err := a.ExecuteCmdTimeLimit(ctx, "RESET SLAVE "+quoted+" ALL", opCtx.Remaining(), readTimeout); err != nil {
			return fmt.Errorf("reset_all_slave_conns: reset slave %q: %w", name, err)
		}
	}
	a.RemoveSlaveConns(names)
	return nil
}

// EnableEvents iterates information_schema.EVENTS and issues ALTER DEFINER
// ... EVENT ... ENABLE for every matching event, per spec.md §4.2. The
// definer is quoted as user@'host' (host always single-quoted) to preserve
// privileges across the monitor user alteration.
func (a *Agent) EnableEvents(ctx context.Context, names map[string]bool) error {
	return a.alterEvents(ctx, names, "ENABLE")
}

// DisableEvents iterates information_schema.EVENTS and issues ALTER DEFINER
// ... EVENT ... DISABLE ON SLAVE for every enabled event. When binlogMode is
// true, the disablements are wrapped in SET @@session.sql_log_bin=0 (restored
// on exit, ignoring failure of the restore) so they don't generate binlog
// events during rejoin.
func (a *Agent) DisableEvents(ctx context.Context, binlogMode bool) error {
	a.arrayLock.Lock()
	names := make(map[string]bool, len(a.EnabledEvents))
	for n := range a.EnabledEvents {
		names[n] = true
	}
	a.arrayLock.Unlock()
	if len(names) == 0 {
		return nil
	}

	if binlogMode {
		if err := a.runCmd(ctx, "SET @@session.sql_log_bin=0"); err != nil {
			return fmt.Errorf("disable_events: sql_log_bin=0: %w", err)
		}
		defer func() {
			if err := a.runCmd(ctx, "SET @@session.sql_log_bin=1"); err != nil {
				log.WithField("server", a.Name).Warnf("disable_events: failed to restore sql_log_bin: %v", err)
			}
		}()
	}
	return a.alterEvents(ctx, names, "DISABLE ON SLAVE")
}

func (a *Agent) alterEvents(ctx context.Context, names map[string]bool, action string) error {
	rows, err := a.conn.QueryxContext(ctx, "SELECT EVENT_SCHEMA, EVENT_NAME, DEFINER FROM information_schema.EVENTS")
	if err != nil {
		return fmt.Errorf("enable/disable events: list events: %w", err)
	}
	defer rows.Close()

	type eventRow struct {
		schema, name, definer string
	}
	var matched []eventRow
	for rows.Next() {
		m := make(map[string]interface{}, 3)
		if err := rows.MapScan(m); err != nil {
			return fmt.Errorf("enable/disable events: scan: %w", err)
		}
		schema := asString(m["EVENT_SCHEMA"])
		name := asString(m["EVENT_NAME"])
		qualified := schema + "." + name
		if len(names) == 0 || names[qualified] || names[name] {
			matched = append(matched, eventRow{schema: schema, name: name, definer: asString(m["DEFINER"])})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("enable/disable events: iteration: %w", err)
	}

	for _, ev := range matched {
		definer := quoteDefiner(ev.definer)
		stmt := fmt.Sprintf("ALTER DEFINER = %s EVENT %s.%s %s;", definer, ev.schema, ev.name, action)
		if err := a.runCmd(ctx, stmt); err != nil {
			return fmt.Errorf("alter event %s.%s: %w", ev.schema, ev.name, err)
		}
	}
	return nil
}

// quoteDefiner renders "user@'host'" from a DEFINER value of the form
// user@host, preserving privileges across the monitor user alteration
// (spec.md §4.2).
func quoteDefiner(definer string) string {
	for i := 0; i < len(definer); i++ {
		if definer[i] == '@' {
			return definer[:i] + "@'" + definer[i+1:] + "'"
		}
	}
	return definer
}

// KickOutSuperUsers enumerates live non-replication connections whose user
// has SUPER, excludes the monitor's own connection, and issues KILL SOFT
// CONNECTION per row with the shared budget. Access-denied failures are
// downgraded to a warning; other query failures are errors (spec.md §4.2/§7).
func (a *Agent) KickOutSuperUsers(ctx context.Context, opCtx *opctx.Context, readTimeout time.Duration) error {
	rows, err := a.conn.QueryxContext(ctx, `
		SELECT pl.ID
		FROM information_schema.PROCESSLIST pl
		JOIN mysql.user u ON u.User = pl.USER
		WHERE u.Super_priv = 'Y'
		  AND pl.COMMAND != 'Binlog Dump'
		  AND pl.ID != CONNECTION_ID()`)
	if err != nil {
		if dbexec.IsAccessDenied(err) {
			log.WithField("server", a.Name).Warnf("kick_out_super_users: insufficient privilege: %v", err)
			return nil
		}
		return fmt.Errorf("kick_out_super_users: list connections: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		m := make(map[string]interface{}, 1)
		if err := rows.MapScan(m); err != nil {
			return fmt.Errorf("kick_out_super_users: scan: %w", err)
		}
		ids = append(ids, asInt64OrUnknown(m["ID"]))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("kick_out_super_users: iteration: %w", err)
	}

	for _, id := range ids {
		stmt := fmt.Sprintf("KILL SOFT CONNECTION %d", id)
		if err := a.ExecuteCmdTimeLimit(ctx, stmt, opCtx.Remaining(), readTimeout); err != nil {
			if dbexec.IsAccessDenied(err) {
				log.WithField("server", a.Name).Warnf("kick_out_super_users: kill %d denied: %v", id, err)
				continue
			}
			return fmt.Errorf("kick_out_super_users: kill %d: %w", id, err)
		}
	}
	return nil
}

// CatchupToMaster polls the preferred GTID position until it has caught up
// to targetGtid (events_ahead == 0 under IgnoreMissingDomain), per spec.md
// §4.2. Sleep starts at 200ms and grows by 100ms per unsuccessful iteration,
// clamped to the remaining budget; at least one poll always happens.
func (a *Agent) CatchupToMaster(ctx context.Context, opCtx *opctx.Context, targetGtid gtid.List) error {
	sleep := 200 * time.Millisecond
	for {
		if err := a.UpdateGtids(ctx); err != nil {
			return fmt.Errorf("catchup_to_master: %w", err)
		}
		pos := a.PreferredCatchupPos()
		if targetGtid.EventsAhead(pos, gtid.IgnoreMissingDomain) == 0 {
			return nil
		}

		remaining := opCtx.Remaining()
		if remaining <= 0 {
			return fmt.Errorf("catchup_to_master: timed out, gap=%d events", targetGtid.EventsAhead(pos, gtid.IgnoreMissingDomain))
		}

		wait := sleep
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		opCtx.Consume(wait)
		sleep += 100 * time.Millisecond
	}
}
