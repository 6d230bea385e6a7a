// Package opctx holds the types shared across one orchestration: the
// deadline/credential/error-sink bundle threaded by reference through every
// step (spec.md §3 OperationContext), and the per-side plan a promote/demote
// call consumes (spec.md §3 ServerOperation). Split from package agent and
// package orchestrator so both can depend on it without an import cycle.
package opctx

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signal18/marmot/errsink"
)

// Context is OperationContext: the shared deadline, error sink, and
// replication credentials passed by reference through one orchestration.
type Context struct {
	mu                sync.Mutex
	deadlineRemaining time.Duration

	// RunID identifies this orchestration in logs, the way the teacher
	// tags one ReplicationManager instance with a UUID.
	RunID string

	ErrorSink *errsink.Sink

	ReplicationUser     string
	ReplicationPassword string
	ReplicationSSL      bool
}

// New returns a Context with the given overall budget.
func New(budget time.Duration, user, password string, ssl bool) *Context {
	return &Context{
		deadlineRemaining:   budget,
		RunID:               uuid.NewString(),
		ErrorSink:           errsink.New(),
		ReplicationUser:     user,
		ReplicationPassword: password,
		ReplicationSSL:      ssl,
	}
}

// Remaining returns the time left in the shared budget.
func (c *Context) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadlineRemaining
}

// Consume decrements the shared budget by elapsed, as each orchestration
// step completes (spec.md §3 "decremented as steps complete"). It never goes
// negative; callers observe exhaustion via Remaining() <= 0.
func (c *Context) Consume(elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadlineRemaining -= elapsed
	if c.deadlineRemaining < 0 {
		c.deadlineRemaining = 0
	}
}

// Step runs fn, consuming its wall-clock duration from the shared budget and
// recording fn's error (if any) against server in the shared error sink.
// Returns fn's error unchanged.
func (c *Context) Step(server string, fn func() error) error {
	start := time.Now()
	err := fn()
	c.Consume(time.Since(start))
	if err != nil {
		c.ErrorSink.Add(server, err.Error())
	}
	return err
}

// Exhausted reports whether the shared budget has been used up.
func (c *Context) Exhausted() bool {
	return c.Remaining() <= 0
}
