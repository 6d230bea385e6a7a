// Command marmot runs the tick-driven MariaDB cluster monitor of spec.md:
// it probes every configured backend each tick, maintains the replication
// topology and shared routing-plane status word. With --switchover-from it
// instead runs one operator-requested switchover against its registry and
// exits. Failover is not triggered from this command or its tick loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/signal18/marmot/config"
	"github.com/signal18/marmot/monitor"
	"github.com/signal18/marmot/opctx"
	"github.com/signal18/marmot/orchestrator"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	fs := pflag.NewFlagSet("marmot", pflag.ExitOnError)
	switchoverFrom := fs.String("switchover-from", "", "run a one-shot switchover: demote this backend name and exit")
	switchoverTo := fs.String("switchover-to", "", "switchover promotion target backend name")
	config.AddFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(fs, nil)
	if err != nil {
		return fmt.Errorf("marmot: %w", err)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("marmot: %w", err)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	m, err := monitor.New(cfg)
	if err != nil {
		return fmt.Errorf("marmot: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *switchoverFrom != "" {
		return runSwitchover(ctx, cfg, m, *switchoverFrom, *switchoverTo)
	}

	log.WithField("backends", len(cfg.Backends)).Info("marmot starting")
	return m.Run(ctx)
}

// runSwitchover performs a single tick to seed the cache, then drives one
// operator-initiated switchover against the live registry before exiting
// (spec.md §4.4 "switchover is operator-initiated, not part of the tick
// loop").
func runSwitchover(ctx context.Context, cfg *config.Config, m *monitor.Monitor, from, to string) error {
	m.Tick(ctx)

	opCtx := opctx.New(cfg.OperationBudget, cfg.ReplicationUser, cfg.ReplicationPassword, cfg.ReplicationSSL)
	err := orchestrator.Switchover(ctx, opCtx, m.Registry(), from, to, cfg.ConnectorReadTimeout, orchestrator.SQLFiles{})
	if err != nil {
		return fmt.Errorf("marmot: switchover %s -> %s: %w", from, to, err)
	}
	if !opCtx.ErrorSink.Empty() {
		log.Warnf("marmot: switchover completed with partial errors: %+v", opCtx.ErrorSink.Entries())
	}
	log.WithFields(log.Fields{"from": from, "to": to}).Info("switchover complete")
	return nil
}
