package engine

import (
	"context"
	"time"

	"go.uber.org/atomic"
)

// CircuitBreaker bounds the wall-clock time of one query execution.
// The dispatcher resets the timer before a SELECT starts; cursors poll
// Check during iteration. A zero timeout disables the breaker.
type CircuitBreaker struct {
	timeout  time.Duration
	deadline atomic.Int64 // unix nanos, 0 when unset
}

func NewCircuitBreaker(timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{timeout: timeout}
}

func (b *CircuitBreaker) ResetTimer() {
	if b.timeout <= 0 {
		b.deadline.Store(0)
		return
	}
	b.deadline.Store(time.Now().Add(b.timeout).UnixNano())
}

func (b *CircuitBreaker) IsTimerSet() bool {
	return b.timeout <= 0 || b.deadline.Load() != 0
}

func (b *CircuitBreaker) Check() error {
	d := b.deadline.Load()
	if d != 0 && time.Now().UnixNano() > d {
		return ErrTimeout
	}
	return nil
}

// ExecContext carries the per-connection execution state into the
// engine: bind variables, circuit breaker, cache bookkeeping.
type ExecContext struct {
	Context context.Context

	binds *BindVariableService
	cb    *CircuitBreaker

	cacheHit       bool
	containsSecret bool
}

func NewExecContext(ctx context.Context, cb *CircuitBreaker) *ExecContext {
	return &ExecContext{
		Context: ctx,
		binds:   NewBindVariableService(),
		cb:      cb,
	}
}

func (c *ExecContext) BindVariableService() *BindVariableService {
	return c.binds
}

func (c *ExecContext) CircuitBreaker() *CircuitBreaker {
	return c.cb
}

func (c *ExecContext) SetCacheHit(hit bool) {
	c.cacheHit = hit
}

func (c *ExecContext) CacheHit() bool {
	return c.cacheHit
}

func (c *ExecContext) SetContainsSecret(secret bool) {
	c.containsSecret = secret
}

func (c *ExecContext) ContainsSecret() bool {
	return c.containsSecret
}
