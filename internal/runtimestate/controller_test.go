package runtimestate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimits() Limits {
	return Limits{
		MaxTotalActiveRequests:      4,
		MaxTotalActiveLLM:           2,
		MaxParallelSubagentsPerRun:  4,
		MaxConcurrentOrchestrations: 2,
		ReservationTTL:              50 * time.Millisecond,
	}
}

func newTestController(t *testing.T) *Controller {
	c := NewController(testLimits())
	t.Cleanup(c.Close)
	return c
}

func TestTryReserveRespectsLimits(t *testing.T) {
	c := newTestController(t)

	r1, reasons := c.TryReserve(1, 1)
	require.Nil(t, reasons)
	require.NotNil(t, r1)

	r2, reasons := c.TryReserve(1, 1)
	require.Nil(t, reasons)
	require.NotNil(t, r2)

	_, reasons = c.TryReserve(1, 1)
	require.NotNil(t, reasons)
	assert.Contains(t, reasons, ReasonMaxTotalLLM)

	r1.Release()
	r3, reasons := c.TryReserve(1, 1)
	require.Nil(t, reasons)
	require.NotNil(t, r3)
}

func TestReleaseIsIdempotentAndCommutative(t *testing.T) {
	c := newTestController(t)
	r, _ := c.TryReserve(2, 1)
	require.NotNil(t, r)

	r.Release()
	snap1 := c.Snapshot()
	r.Release()
	snap2 := c.Snapshot()

	assert.Equal(t, snap1.ActiveRequests, snap2.ActiveRequests)
	assert.Equal(t, snap1.ActiveLLM, snap2.ActiveLLM)
	assert.Equal(t, 0, snap2.ActiveRequests)
	assert.Equal(t, 0, snap2.ActiveLLM)
}

func TestReserveWithWaitTimesOut(t *testing.T) {
	c := newTestController(t)
	_, reasons := c.TryReserve(0, 2) // saturate LLM capacity
	require.Nil(t, reasons)

	result := c.ReserveWithWait(context.Background(), 0, 1, 30*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, WaitTimedOut, result.Outcome)
	assert.Contains(t, result.Reasons, ReasonMaxTotalLLM)
}

func TestReserveWithWaitCancellation(t *testing.T) {
	c := newTestController(t)
	_, _ = c.TryReserve(0, 2)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result := c.ReserveWithWait(ctx, 0, 1, time.Second, 5*time.Millisecond)
	assert.Equal(t, WaitAborted, result.Outcome)
}

func TestReservationExpiryIsReclaimedBySweeper(t *testing.T) {
	c := newTestController(t)
	r, _ := c.TryReserve(0, 2)
	require.NotNil(t, r)

	assert.Eventually(t, func() bool {
		return c.Snapshot().ActiveLLM == 0
	}, time.Second, 5*time.Millisecond)
	_ = r
}

func TestHeartbeatPreventsExpiry(t *testing.T) {
	limits := testLimits()
	limits.ReservationTTL = 40 * time.Millisecond
	c := NewController(limits)
	defer c.Close()

	r, _ := c.TryReserve(0, 1)
	require.NotNil(t, r)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.Heartbeat()
			}
		}
	}()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, ReservationHeld, r.State())
}

func TestOrchestrationTurnHigherPriorityFirst(t *testing.T) {
	c := newTestController(t)

	l1, outcome := c.AcquireOrchestrationTurn(context.Background(), "a", "interactive", time.Second, time.Millisecond)
	require.Equal(t, WaitAllowed, outcome)
	l2, outcome := c.AcquireOrchestrationTurn(context.Background(), "b", "interactive", time.Second, time.Millisecond)
	require.Equal(t, WaitAllowed, outcome)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		lease, outcome := c.AcquireOrchestrationTurn(context.Background(), "c", "background", time.Second, time.Millisecond)
		require.Equal(t, WaitAllowed, outcome)
		mu.Lock()
		order = append(order, "c")
		mu.Unlock()
		lease.Release()
	}()
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		lease, outcome := c.AcquireOrchestrationTurn(context.Background(), "d", "interactive", time.Second, time.Millisecond)
		require.Equal(t, WaitAllowed, outcome)
		mu.Lock()
		order = append(order, "d")
		mu.Unlock()
		lease.Release()
	}()

	time.Sleep(20 * time.Millisecond)
	l1.Release()
	l2.Release()
	wg.Wait()

	require.Len(t, order, 2)
	assert.Equal(t, "d", order[0], "higher-priority source must be admitted before a lower-priority one enqueued earlier")
}

func TestAcquireDispatchPermitReleasesLeaseOnReservationFailure(t *testing.T) {
	c := newTestController(t)
	_, _ = c.TryReserve(0, 2) // saturate LLM

	_, outcome, reasons := c.AcquireDispatchPermit(context.Background(), "x", "interactive", 0, 1, 30*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, WaitTimedOut, outcome)
	assert.Contains(t, reasons, ReasonMaxTotalLLM)

	snap := c.Snapshot()
	assert.Empty(t, snap.ActiveOrchestrationIDs, "lease must be released when the capacity reservation fails")
}
