//go:build unit

package timer_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hugolhafner/go-pubsub/internal/timer"
	"github.com/stretchr/testify/require"
)

func TestAfterFunc_Fires(t *testing.T) {
	s := timer.New()
	defer s.Close()

	fired := make(chan struct{})
	s.AfterFunc(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	require.Equal(t, 0, s.Len())
}

func TestAfterFunc_FiresInDeadlineOrder(t *testing.T) {
	s := timer.New()
	defer s.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)
	record := func(i int) func() {
		return func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}
	}

	s.AfterFunc(60*time.Millisecond, record(3))
	s.AfterFunc(20*time.Millisecond, record(1))
	s.AfterFunc(40*time.Millisecond, record(2))
	wg.Wait()

	require.Equal(t, []int{1, 2, 3}, order)
}

func TestStop_PreventsFiring(t *testing.T) {
	s := timer.New()
	defer s.Close()

	var fired atomic.Bool
	tm := s.AfterFunc(20*time.Millisecond, func() { fired.Store(true) })

	require.True(t, tm.Stop())
	require.False(t, tm.Stop(), "second stop reports nothing pending")
	require.Equal(t, 0, s.Len())

	time.Sleep(50 * time.Millisecond)
	require.False(t, fired.Load())
}

func TestStop_NilTimer(t *testing.T) {
	var tm *timer.Timer
	require.False(t, tm.Stop())
}

func TestReset_PostponesAndRearms(t *testing.T) {
	s := timer.New()
	defer s.Close()

	var count atomic.Int32
	tm := s.AfterFunc(20*time.Millisecond, func() { count.Add(1) })

	require.True(t, tm.Reset(80*time.Millisecond))
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, int32(0), count.Load(), "reset pushed the deadline out")

	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.True(t, tm.Reset(10*time.Millisecond), "a fired one-shot can be re-armed")
	require.Eventually(t, func() bool { return count.Load() == 2 }, time.Second, 5*time.Millisecond)

	tm.Stop()
	require.False(t, tm.Reset(time.Millisecond))
}

func TestEvery_RepeatsUntilStopped(t *testing.T) {
	s := timer.New()
	defer s.Close()

	var count atomic.Int32
	tm := s.Every(10*time.Millisecond, func() { count.Add(1) })

	require.Eventually(t, func() bool { return count.Load() >= 3 }, time.Second, 5*time.Millisecond)
	require.True(t, tm.Stop())

	n := count.Load()
	time.Sleep(40 * time.Millisecond)
	require.LessOrEqual(t, count.Load(), n+1)
}

func TestEvery_PanicsOnZeroInterval(t *testing.T) {
	s := timer.New()
	defer s.Close()

	require.Panics(t, func() { s.Every(0, func() {}) })
}

func TestStop_FromAnotherCallback(t *testing.T) {
	s := timer.New()
	defer s.Close()

	var fired atomic.Bool
	var victim *timer.Timer
	ready := make(chan struct{})

	// Both expire together; the first one to run cancels the second after it was popped.
	s.AfterFunc(20*time.Millisecond, func() {
		<-ready
		victim.Stop()
	})
	victim = s.AfterFunc(20*time.Millisecond, func() { fired.Store(true) })
	close(ready)

	time.Sleep(60 * time.Millisecond)
	require.False(t, fired.Load())
}

func TestClose_DropsPendingTimers(t *testing.T) {
	s := timer.New()

	var fired atomic.Bool
	s.AfterFunc(20*time.Millisecond, func() { fired.Store(true) })
	require.Equal(t, 1, s.Len())

	s.Close()
	s.Close()
	require.Equal(t, 0, s.Len())

	tm := s.AfterFunc(time.Millisecond, func() { fired.Store(true) })
	require.False(t, tm.Reset(time.Millisecond))

	time.Sleep(40 * time.Millisecond)
	require.False(t, fired.Load())
}
