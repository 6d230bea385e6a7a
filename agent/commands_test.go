package agent

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signal18/marmot/dbexec/dbexectest"
)

// TestExecuteCmdTimeLimitRetriesNetworkErrors is the retry-rate-bound
// property of spec.md §8: retried k times within budget B, elapsed time is
// >= min(k-1, floor(B)) seconds, since each retry after a sub-second attempt
// sleeps the remainder of that second.
func TestExecuteCmdTimeLimitRetriesNetworkErrors(t *testing.T) {
	conn := &dbexectest.Conn{}
	attempts := 0
	conn.ExecHandlers = append(conn.ExecHandlers, func(query string) (sql.Result, bool, error) {
		attempts++
		if attempts < 2 {
			return dbexectest.FakeResult{}, true, &testErr{"connection reset"}
		}
		return dbexectest.FakeResult{}, true, nil
	})

	a := New("10.0.0.1", 3306, conn)
	start := time.Now()
	err := a.ExecuteCmdTimeLimit(context.Background(), "SET GLOBAL read_only=1", 5*time.Second, 0)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.GreaterOrEqual(t, elapsed, time.Second-50*time.Millisecond)
}

func TestExecuteCmdTimeLimitAlwaysAttemptsOnceWithZeroBudget(t *testing.T) {
	conn := &dbexectest.Conn{}
	attempts := 0
	conn.ExecHandlers = append(conn.ExecHandlers, func(query string) (sql.Result, bool, error) {
		attempts++
		return dbexectest.FakeResult{}, true, &testErr{"connection reset"}
	})

	a := New("10.0.0.1", 3306, conn)
	err := a.ExecuteCmdTimeLimit(context.Background(), "SET GLOBAL read_only=1", 0, 0)
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestExecuteCmdTimeLimitDoesNotRetryNonTransientErrors(t *testing.T) {
	conn := &dbexectest.Conn{}
	attempts := 0
	conn.ExecHandlers = append(conn.ExecHandlers, func(query string) (sql.Result, bool, error) {
		attempts++
		return dbexectest.FakeResult{}, true, &testErr{"Access denied for user"}
	})

	a := New("10.0.0.1", 3306, conn)
	err := a.ExecuteCmdTimeLimit(context.Background(), "SET GLOBAL read_only=1", 5*time.Second, 0)
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}
