package orchestrator

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/signal18/marmot/agent"
	"github.com/signal18/marmot/opctx"
)

// SQLFiles optionally names the demotion/promotion SQL files run during a
// script, per spec.md §4.4 "promotion_sql_file"/"demotion_sql_file".
type SQLFiles struct {
	Demotion  string
	Promotion string
}

// Switchover runs the operator-initiated script of spec.md §4.4: demote D,
// redirect D's other slaves to P, catch P up to D's post-flush
// gtid_binlog_pos, promote P, copy D's saved channels onto P, then start a
// default-named channel on D replicating from P. A failure of the gates,
// demote, catchup or promote aborts the remaining steps; a failed redirect,
// channel copy or D->P channel is recorded and the script continues.
// Everything attempted so far is left in place and reported through
// opCtx.ErrorSink (spec.md §7).
func Switchover(ctx context.Context, opCtx *opctx.Context, reg *Registry, demotionName, promotionName string, readTimeout time.Duration, files SQLFiles) error {
	log.WithField("run_id", opCtx.RunID).Infof("switchover: %s -> %s", demotionName, promotionName)
	d, ok := reg.Get(demotionName)
	if !ok {
		return fmt.Errorf("switchover: unknown demotion target %q", demotionName)
	}
	p, ok := reg.Get(promotionName)
	if !ok {
		return fmt.Errorf("switchover: unknown promotion target %q", promotionName)
	}

	if ok, reason := d.CanBeDemotedSwitchover(); !ok {
		return fmt.Errorf("switchover: %s cannot be demoted: %s", d.Name, reason)
	}
	if ok, reason := p.CanBePromoted(agent.PromotionSwitchover, d); !ok {
		return fmt.Errorf("switchover: %s cannot be promoted: %s", p.Name, reason)
	}

	savedDChannels := snapshotChannels(d)
	dEvents := d.EnabledEventNames()

	planD := opctx.ServerOperation{TargetName: d.Name, ToFromMaster: true, HandleEvents: true, SQLFile: files.Demotion}
	if err := d.Demote(ctx, opCtx, planD, readTimeout); err != nil {
		return fmt.Errorf("switchover: demote %s: %w", d.Name, err)
	}

	demoteTarget := d.Snapshot().GtidBinlogPos

	if err := redirectOtherSlaves(ctx, opCtx, reg, d, p, readTimeout); err != nil {
		opCtx.ErrorSink.Add(d.Name, "redirect of some slaves failed: "+err.Error())
	}

	if err := p.CatchupToMaster(ctx, opCtx, demoteTarget); err != nil {
		return fmt.Errorf("switchover: catchup %s: %w", p.Name, err)
	}

	planP := opctx.ServerOperation{TargetName: p.Name, ToFromMaster: true, HandleEvents: true, EventsToEnable: dEvents, SQLFile: files.Promotion}
	if err := p.Promote(ctx, opCtx, planP, readTimeout); err != nil {
		return fmt.Errorf("switchover: promote %s: %w", p.Name, err)
	}

	for _, ch := range copySlaveConns(savedDChannels, p, d) {
		if err := p.CreateSlaveConn(ctx, opCtx, ch.Name, ch.MasterHost, ch.MasterPort, readTimeout); err != nil {
			opCtx.ErrorSink.Add(p.Name, "copy_slave_conns: "+err.Error())
			log.WithField("server", p.Name).Warnf("copy_slave_conns channel %q: %v", ch.Name, err)
		}
	}

	if err := d.CreateSlaveConn(ctx, opCtx, "", p.Host, p.Port, readTimeout); err != nil {
		opCtx.ErrorSink.Add(d.Name, "replicate from new master: "+err.Error())
		log.WithField("server", d.Name).Warnf("replicate from new master %s: %v", p.Name, err)
	}

	return nil
}

// redirectOtherSlaves implements spec.md §4.4 step 2: every slave agent
// other than P currently replicating from D is redirected to P. The first
// per-slave failure is recorded and the loop continues to the next slave —
// a redirect failing on one replica must not abandon the others.
func redirectOtherSlaves(ctx context.Context, opCtx *opctx.Context, reg *Registry, d, p *agent.Agent, readTimeout time.Duration) error {
	var firstErr error
	for _, s := range reg.All() {
		if s.Name == d.Name || s.Name == p.Name {
			continue
		}
		for _, row := range s.SlaveStatusSnapshot() {
			if row.MasterHost != d.Host || row.MasterPort != d.Port {
				continue
			}
			if err := s.RedirectExistingSlaveConn(ctx, opCtx, row.Name, p.Host, p.Port, readTimeout); err != nil {
				opCtx.ErrorSink.Add(s.Name, "redirect_existing_slave_conn: "+err.Error())
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}
