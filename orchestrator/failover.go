package orchestrator

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/signal18/marmot/agent"
	"github.com/signal18/marmot/opctx"
)

// Failover runs the automated script of spec.md §4.4: D is unreachable, so
// only P's channel to D is torn down (D's own demote is skipped entirely);
// P's other-slave redirect and catchup/promote steps are identical to
// Switchover; the final step merges D's last-known channel set into P's
// rather than copying it wholesale, since D was never re-read post-flush.
func Failover(ctx context.Context, opCtx *opctx.Context, reg *Registry, demotionName, promotionName string, readTimeout time.Duration, promotionSQLFile string) error {
	log.WithField("run_id", opCtx.RunID).Infof("failover: %s -> %s", demotionName, promotionName)
	d, ok := reg.Get(demotionName)
	if !ok {
		return fmt.Errorf("failover: unknown demotion target %q", demotionName)
	}
	p, ok := reg.Get(promotionName)
	if !ok {
		return fmt.Errorf("failover: unknown promotion target %q", promotionName)
	}

	if ok, reason := d.CanBeDemotedFailover(false); !ok {
		return fmt.Errorf("failover: %s cannot be demoted: %s", d.Name, reason)
	}
	if ok, reason := p.CanBePromoted(agent.PromotionFailover, d); !ok {
		return fmt.Errorf("failover: %s cannot be promoted: %s", p.Name, reason)
	}

	savedDChannels := snapshotChannels(d)
	dEvents := d.EnabledEventNames()
	demoteTarget := d.Snapshot().GtidBinlogPos

	if name, found := findChannelTo(snapshotChannels(p), d.Host, d.Port, d.ServerID); found {
		if err := p.ResetSlaveConn(ctx, opCtx, name, readTimeout); err != nil {
			return fmt.Errorf("failover: remove channel to dead master on %s: %w", p.Name, err)
		}
	}

	if err := redirectOtherSlaves(ctx, opCtx, reg, d, p, readTimeout); err != nil {
		opCtx.ErrorSink.Add(d.Name, "redirect of some slaves failed: "+err.Error())
	}

	if err := p.CatchupToMaster(ctx, opCtx, demoteTarget); err != nil {
		return fmt.Errorf("failover: catchup %s: %w", p.Name, err)
	}

	planP := opctx.ServerOperation{TargetName: p.Name, ToFromMaster: true, HandleEvents: true, EventsToEnable: dEvents, SQLFile: promotionSQLFile}
	if err := p.Promote(ctx, opCtx, planP, readTimeout); err != nil {
		return fmt.Errorf("failover: promote %s: %w", p.Name, err)
	}

	existing := snapshotChannels(p)
	for _, ch := range mergeSlaveConns(existing, savedDChannels, p) {
		if err := p.CreateSlaveConn(ctx, opCtx, ch.Name, ch.MasterHost, ch.MasterPort, readTimeout); err != nil {
			opCtx.ErrorSink.Add(p.Name, "merge_slave_conns: "+err.Error())
			log.WithField("server", p.Name).Warnf("merge_slave_conns channel %q: %v", ch.Name, err)
		}
	}

	return nil
}
