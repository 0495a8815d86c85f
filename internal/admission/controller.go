// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package admission

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/jeranaias/rigroute/internal/provider"
)

// =============================================================================
// ERRORS AND LIMITS
// =============================================================================

// ErrQueueTimeout is returned when a request's deadline expires while it
// is still waiting for a slot.
var ErrQueueTimeout = errors.New("admission queue timeout")

// Limits bounds the range the optimizer may move a ceiling within.
type Limits struct {
	MinCeiling int
	MaxCeiling int
}

// DefaultLimits returns the standard ceiling bounds.
func DefaultLimits() Limits {
	return Limits{MinCeiling: 1, MaxCeiling: 16}
}

// =============================================================================
// CONTROLLER
// =============================================================================

// waiter is one queued acquisition. ready is closed exactly once when the
// waiter is granted a slot.
type waiter struct {
	ready    chan struct{}
	enqueued time.Time
}

// pool tracks one provider's slots and its FIFO wait queue.
type pool struct {
	ceiling  int
	inFlight int
	waiters  *list.List // of *waiter
}

// Controller is the admission gate in front of every provider invocation.
// Safe for concurrent use.
//
// PERFORMANCE: a single mutex guards all pools. Admission bookkeeping is a
// few pointer operations per acquire/release; invocations themselves run
// outside the lock.
type Controller struct {
	registry *provider.Registry
	limits   Limits
	logger   *log.Logger

	mu    sync.Mutex
	pools map[string]*pool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLimits overrides the default ceiling bounds.
func WithLimits(l Limits) Option {
	return func(c *Controller) { c.limits = l }
}

// WithLogger sets the controller logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController creates a controller with one pool per registered
// provider, seeded from each descriptor's MaxConcurrent.
func NewController(registry *provider.Registry, opts ...Option) *Controller {
	c := &Controller{
		registry: registry,
		limits:   DefaultLimits(),
		logger:   log.WithPrefix("admission"),
		pools:    make(map[string]*pool),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, desc := range registry.List() {
		c.pools[desc.ID] = &pool{
			ceiling: c.clamp(desc.MaxConcurrent),
			waiters: list.New(),
		}
	}
	return c
}

// Slot is one admitted invocation. Release it exactly when the invocation
// finishes, success or not.
type Slot struct {
	c          *Controller
	providerID string
	once       sync.Once
}

// Release frees the slot, handing it to the longest-waiting request if one
// exists. Idempotent.
func (s *Slot) Release() {
	s.once.Do(func() { s.c.release(s.providerID) })
}

// Acquire blocks until a slot for the provider is free or ctx ends.
// Waiters are served strictly first-come first-served.
func (c *Controller) Acquire(ctx context.Context, providerID string) (*Slot, error) {
	c.mu.Lock()
	p, ok := c.pools[providerID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", provider.ErrUnknownProvider, providerID)
	}

	if p.inFlight < p.ceiling && p.waiters.Len() == 0 {
		p.inFlight++
		c.mirrorLoad(providerID, p)
		c.mu.Unlock()
		return &Slot{c: c, providerID: providerID}, nil
	}

	w := &waiter{ready: make(chan struct{}), enqueued: time.Now()}
	elem := p.waiters.PushBack(w)
	c.mu.Unlock()

	select {
	case <-w.ready:
		return &Slot{c: c, providerID: providerID}, nil
	case <-ctx.Done():
		c.mu.Lock()
		// Grant may have raced the cancellation. If we are no longer
		// queued we already own a slot and must hand it back.
		granted := true
		for e := p.waiters.Front(); e != nil; e = e.Next() {
			if e == elem {
				p.waiters.Remove(e)
				granted = false
				break
			}
		}
		if granted {
			c.releaseLocked(providerID, p)
		}
		c.mu.Unlock()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrQueueTimeout, providerID)
		}
		return nil, ctx.Err()
	}
}

func (c *Controller) release(providerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pools[providerID]; ok {
		c.releaseLocked(providerID, p)
	}
}

// releaseLocked frees one slot. When a waiter exists and the ceiling
// allows it, the slot transfers directly: inFlight never dips, so a burst
// of releases cannot let a late arrival jump the queue.
func (c *Controller) releaseLocked(providerID string, p *pool) {
	if head := p.waiters.Front(); head != nil && p.inFlight <= p.ceiling {
		p.waiters.Remove(head)
		close(head.Value.(*waiter).ready)
		c.mirrorLoad(providerID, p)
		return
	}
	if p.inFlight > 0 {
		p.inFlight--
	}
	c.mirrorLoad(providerID, p)
}

// SetCeiling moves a provider's admission ceiling, clamped to the
// configured limits. Raising it admits queued waiters immediately;
// lowering it never cancels in-flight work.
func (c *Controller) SetCeiling(providerID string, ceiling int) {
	ceiling = c.clamp(ceiling)

	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pools[providerID]
	if !ok {
		return
	}
	p.ceiling = ceiling
	c.registry.SetMaxConcurrent(providerID, ceiling)
	for p.inFlight < p.ceiling && p.waiters.Len() > 0 {
		head := p.waiters.Front()
		p.waiters.Remove(head)
		close(head.Value.(*waiter).ready)
		p.inFlight++
	}
	c.mirrorLoad(providerID, p)
	c.logger.Debug("ceiling updated", "provider", providerID, "ceiling", ceiling)
}

// Ceiling returns the current admission ceiling for a provider.
func (c *Controller) Ceiling(providerID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pools[providerID]; ok {
		return p.ceiling
	}
	return 0
}

// =============================================================================
// STATS
// =============================================================================

// QueueStats is a point-in-time view of one provider's pool.
type QueueStats struct {
	InFlight int
	Waiting  int
	Ceiling  int
	// OldestWait is how long the head waiter has been queued; zero when
	// the queue is empty.
	OldestWait time.Duration
}

// Stats returns a snapshot of every pool, keyed by provider id.
func (c *Controller) Stats() map[string]QueueStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]QueueStats, len(c.pools))
	for id, p := range c.pools {
		s := QueueStats{InFlight: p.inFlight, Waiting: p.waiters.Len(), Ceiling: p.ceiling}
		if head := p.waiters.Front(); head != nil {
			s.OldestWait = time.Since(head.Value.(*waiter).enqueued)
		}
		out[id] = s
	}
	return out
}

// mirrorLoad publishes the pool's admitted count onto the registry
// descriptor so the router's availability score sees live queue depth.
func (c *Controller) mirrorLoad(providerID string, p *pool) {
	c.registry.SetLoad(providerID, p.inFlight)
}

func (c *Controller) clamp(n int) int {
	if n < c.limits.MinCeiling {
		return c.limits.MinCeiling
	}
	if n > c.limits.MaxCeiling {
		return c.limits.MaxCeiling
	}
	return n
}
