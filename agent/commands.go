package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/signal18/marmot/dbexec"
)

// ExecuteCmdTimeLimit is the command-with-retry primitive of spec.md §4.2.
// It prepends a SET STATEMENT max_statement_time guard when the capability
// and a read timeout are both known, then loops: execute; if the attempt
// took less than one second, sleep the remainder so retries are rate-limited
// to <=1/s; retry iff the error is transient (network, or a
// max_statement_time interruption) and budget remains; always attempts at
// least once even if the budget is already exhausted.
func (a *Agent) ExecuteCmdTimeLimit(ctx context.Context, sql string, budget time.Duration, connectorReadTimeout time.Duration) error {
	cmd := sql
	if a.Capabilities.MaxStatementTime && connectorReadTimeout > 0 {
		timeoutSeconds := connectorReadTimeout.Seconds()
		cmd = fmt.Sprintf("SET STATEMENT max_statement_time=%.3f FOR %s", timeoutSeconds, sql)
	}

	deadline := time.Now().Add(budget)
	attempt := 0
	for {
		attempt++
		start := time.Now()
		_, err := a.conn.ExecContext(ctx, cmd)
		elapsed := time.Since(start)

		if err == nil {
			return nil
		}

		retriable := dbexec.IsNetworkError(err) || dbexec.IsStatementTimeout(err)
		remaining := time.Until(deadline)
		if !retriable || remaining <= 0 {
			if retriable && remaining <= 0 {
				return fmt.Errorf("execute_cmd_time_limit attempt %d: %w: %v", attempt, dbexec.ErrTimeout, err)
			}
			return fmt.Errorf("execute_cmd_time_limit attempt %d: %w", attempt, dbexec.Classify(err))
		}

		if elapsed < time.Second {
			sleepFor := time.Second - elapsed
			if sleepFor > remaining {
				sleepFor = remaining
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleepFor):
			}
		}
	}
}

// runCmd is a budget-free convenience wrapper for statements that don't need
// the retry loop (e.g. a single best-effort restore).
func (a *Agent) runCmd(ctx context.Context, sql string) error {
	_, err := a.conn.ExecContext(ctx, sql)
	return err
}
