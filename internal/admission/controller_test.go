// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigroute/internal/privacy"
	"github.com/jeranaias/rigroute/internal/provider"
)

func newTestController(t *testing.T, ceiling int, opts ...Option) (*Controller, *provider.Registry) {
	t.Helper()
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(provider.Descriptor{
		ID: "local", OnDevice: true, MaxPrivacy: privacy.LevelSensitive,
		MaxConcurrent: ceiling,
	}, provider.NewMock()))
	return NewController(reg, opts...), reg
}

func TestAcquireWithinCeiling(t *testing.T) {
	c, reg := newTestController(t, 2)

	s1, err := c.Acquire(context.Background(), "local")
	require.NoError(t, err)
	s2, err := c.Acquire(context.Background(), "local")
	require.NoError(t, err)

	stats := c.Stats()["local"]
	assert.Equal(t, 2, stats.InFlight)
	assert.Equal(t, 0, stats.Waiting)

	desc, ok := reg.Get("local")
	require.True(t, ok)
	assert.Equal(t, 2, desc.CurrentLoad, "load must mirror into the registry")

	s1.Release()
	s2.Release()
	assert.Equal(t, 0, c.Stats()["local"].InFlight)
}

func TestAcquireUnknownProvider(t *testing.T) {
	c, _ := newTestController(t, 1)
	_, err := c.Acquire(context.Background(), "ghost")
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)
}

func TestReleaseIdempotent(t *testing.T) {
	c, _ := newTestController(t, 1)
	s, err := c.Acquire(context.Background(), "local")
	require.NoError(t, err)
	s.Release()
	s.Release()
	assert.Equal(t, 0, c.Stats()["local"].InFlight)
}

// TestFIFOOrder fills a ceiling-1 pool, queues three waiters, and checks
// that releases admit them in arrival order.
func TestFIFOOrder(t *testing.T) {
	c, _ := newTestController(t, 1)

	head, err := c.Acquire(context.Background(), "local")
	require.NoError(t, err)

	var mu sync.Mutex
	var admitted []int
	var wg sync.WaitGroup
	slots := make(chan *Slot, 3)

	for i := 1; i <= 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.Acquire(context.Background(), "local")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			admitted = append(admitted, i)
			mu.Unlock()
			slots <- s
		}()
		// Serialize enqueue order.
		require.Eventually(t, func() bool {
			return c.Stats()["local"].Waiting == i
		}, time.Second, time.Millisecond)
	}

	head.Release()
	for i := 0; i < 3; i++ {
		s := <-slots
		s.Release()
	}
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3}, admitted)
}

func TestAcquireQueueTimeout(t *testing.T) {
	c, _ := newTestController(t, 1)
	s, err := c.Acquire(context.Background(), "local")
	require.NoError(t, err)
	defer s.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx, "local")
	assert.ErrorIs(t, err, ErrQueueTimeout)
	assert.Equal(t, 0, c.Stats()["local"].Waiting, "expired waiter must leave the queue")
}

func TestAcquireCancellation(t *testing.T) {
	c, _ := newTestController(t, 1)
	s, err := c.Acquire(context.Background(), "local")
	require.NoError(t, err)
	defer s.Release()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Acquire(ctx, "local")
		errc <- err
	}()
	require.Eventually(t, func() bool {
		return c.Stats()["local"].Waiting == 1
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, 0, c.Stats()["local"].Waiting)
}

// TestRaiseCeilingAdmitsWaiters checks that widening a saturated pool
// wakes queued requests without any release.
func TestRaiseCeilingAdmitsWaiters(t *testing.T) {
	c, reg := newTestController(t, 1)

	s, err := c.Acquire(context.Background(), "local")
	require.NoError(t, err)
	defer s.Release()

	slots := make(chan *Slot, 2)
	for i := 0; i < 2; i++ {
		go func() {
			s, err := c.Acquire(context.Background(), "local")
			if err != nil {
				t.Error(err)
				return
			}
			slots <- s
		}()
	}
	require.Eventually(t, func() bool {
		return c.Stats()["local"].Waiting == 2
	}, time.Second, time.Millisecond)

	c.SetCeiling("local", 3)

	for i := 0; i < 2; i++ {
		select {
		case s := <-slots:
			defer s.Release()
		case <-time.After(time.Second):
			t.Fatal("waiter not admitted after ceiling raise")
		}
	}
	assert.Equal(t, 3, c.Stats()["local"].InFlight)

	desc, ok := reg.Get("local")
	require.True(t, ok)
	assert.Equal(t, 3, desc.MaxConcurrent, "ceiling must mirror into the registry")
}

// TestLowerCeilingNeverEvicts checks that shrinking below the admitted
// count only blocks new work.
func TestLowerCeilingNeverEvicts(t *testing.T) {
	c, _ := newTestController(t, 3)

	var slots []*Slot
	for i := 0; i < 3; i++ {
		s, err := c.Acquire(context.Background(), "local")
		require.NoError(t, err)
		slots = append(slots, s)
	}

	c.SetCeiling("local", 1)
	assert.Equal(t, 3, c.Stats()["local"].InFlight, "in-flight work survives the shrink")

	// New admissions stay blocked until the pool drains under the new
	// ceiling.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Acquire(ctx, "local")
	assert.ErrorIs(t, err, ErrQueueTimeout)

	slots[0].Release()
	slots[1].Release()
	assert.Equal(t, 1, c.Stats()["local"].InFlight)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel2()
	_, err = c.Acquire(ctx2, "local")
	assert.ErrorIs(t, err, ErrQueueTimeout, "still at the lowered ceiling")

	slots[2].Release()
	s, err := c.Acquire(context.Background(), "local")
	require.NoError(t, err)
	s.Release()
}

func TestSetCeilingClamped(t *testing.T) {
	c, _ := newTestController(t, 2, WithLimits(Limits{MinCeiling: 1, MaxCeiling: 4}))

	c.SetCeiling("local", 100)
	assert.Equal(t, 4, c.Ceiling("local"))

	c.SetCeiling("local", 0)
	assert.Equal(t, 1, c.Ceiling("local"))
}
