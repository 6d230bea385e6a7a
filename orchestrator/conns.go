package orchestrator

import (
	"fmt"

	"github.com/signal18/marmot/agent"
	"github.com/signal18/marmot/opctx"
)

// snapshotChannels converts an agent's cached slave_status rows into the
// channel refs a ServerOperation plan carries across a swap (spec.md §3
// ServerOperation.conns_to_copy).
func snapshotChannels(a *agent.Agent) []opctx.SlaveChannelRef {
	rows := a.SlaveStatusSnapshot()
	out := make([]opctx.SlaveChannelRef, 0, len(rows))
	for _, row := range rows {
		out = append(out, opctx.SlaveChannelRef{
			Name:           row.Name,
			MasterHost:     row.MasterHost,
			MasterPort:     row.MasterPort,
			MasterServerID: row.MasterServerID,
		})
	}
	return out
}

// findChannelTo returns the name of the first channel in rows whose master
// matches target, used to locate "the one channel to D" that the failover
// path removes without touching any other channel.
func findChannelTo(rows []opctx.SlaveChannelRef, targetHost string, targetPort int, targetServerID int64) (string, bool) {
	for _, ch := range rows {
		if ch.MasterHost == targetHost && ch.MasterPort == targetPort {
			return ch.Name, true
		}
		if targetServerID != agent.UnknownServerID && ch.MasterServerID == targetServerID {
			return ch.Name, true
		}
	}
	return "", false
}

// copySlaveConns implements spec.md §4.4 step 4c's switchover path: D's saved
// channel list, minus any channel already targeting D itself, with any
// channel whose master_server_id equals P's redirected to D instead to avoid
// a self-loop once P becomes the new master.
func copySlaveConns(saved []opctx.SlaveChannelRef, promotion, demotion *agent.Agent) []opctx.SlaveChannelRef {
	var out []opctx.SlaveChannelRef
	for _, ch := range saved {
		if ch.MasterHost == demotion.Host && ch.MasterPort == demotion.Port {
			continue
		}
		if ch.MasterServerID == promotion.ServerID || (ch.MasterHost == promotion.Host && ch.MasterPort == promotion.Port) {
			ch.MasterHost = demotion.Host
			ch.MasterPort = demotion.Port
			ch.MasterServerID = demotion.ServerID
		}
		out = append(out, ch)
	}
	return out
}

// mergeSlaveConns implements spec.md §4.4 step 4c's failover path: merge
// saved (D's last-known channels) into existing (P's current channels),
// dropping anything that would target P itself or duplicate a channel P
// already has by id or host:port. A name collision with an existing channel
// is resolved by synthesizing "To [host]:port".
func mergeSlaveConns(existing, saved []opctx.SlaveChannelRef, promotion *agent.Agent) []opctx.SlaveChannelRef {
	usedNames := make(map[string]bool, len(existing))
	usedTargets := make(map[string]bool, len(existing)*2)
	for _, ch := range existing {
		usedNames[ch.Name] = true
		markTarget(usedTargets, ch)
	}

	var out []opctx.SlaveChannelRef
	for _, ch := range saved {
		if ch.MasterServerID == promotion.ServerID || (ch.MasterHost == promotion.Host && ch.MasterPort == promotion.Port) {
			continue
		}
		if hasTarget(usedTargets, ch) {
			continue
		}

		name := ch.Name
		if name == "" || usedNames[name] {
			name = fmt.Sprintf("To [%s]:%d", ch.MasterHost, ch.MasterPort)
		}
		usedNames[name] = true
		markTarget(usedTargets, ch)

		ch.Name = name
		out = append(out, ch)
	}
	return out
}

// markTarget/hasTarget key a channel by both its server id (when known) and
// its host:port, so a duplicate is caught whichever identity matches (spec.md
// §4.4 "duplicate an existing P channel by id or by host:port").
func markTarget(seen map[string]bool, ch opctx.SlaveChannelRef) {
	if ch.MasterServerID != agent.UnknownServerID {
		seen[fmt.Sprintf("id:%d", ch.MasterServerID)] = true
	}
	seen[fmt.Sprintf("hp:%s:%d", ch.MasterHost, ch.MasterPort)] = true
}

func hasTarget(seen map[string]bool, ch opctx.SlaveChannelRef) bool {
	if ch.MasterServerID != agent.UnknownServerID && seen[fmt.Sprintf("id:%d", ch.MasterServerID)] {
		return true
	}
	return seen[fmt.Sprintf("hp:%s:%d", ch.MasterHost, ch.MasterPort)]
}
