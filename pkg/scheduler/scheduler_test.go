package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sambigeara/lonip/pkg/types"
)

type fakeTimer struct {
	f       func()
	d       time.Duration
	stopped bool
}

type fakeClock struct {
	timers []*fakeTimer
	mu     sync.Mutex
}

func (c *fakeClock) afterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		was := !t.stopped
		t.stopped = true
		return was
	}
}

// live returns the only timer not stopped.
func (c *fakeClock) live(t *testing.T) *fakeTimer {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out *fakeTimer
	for _, tm := range c.timers {
		if !tm.stopped {
			require.Nil(t, out, "more than one live timer")
			out = tm
		}
	}
	return out
}

func (c *fakeClock) fire(t *testing.T) time.Duration {
	t.Helper()
	tm := c.live(t)
	require.NotNil(t, tm)
	c.mu.Lock()
	tm.stopped = true
	c.mu.Unlock()
	tm.f()
	return tm.d
}

func newTestScheduler() (*Scheduler, *fakeClock, *int) {
	c := &fakeClock{}
	wakes := new(int)
	s := New(func() { *wakes++ }, WithAfterFunc(c.afterFunc))
	s.SetServer(true)
	return s, c, wakes
}

func TestIntervalSchedule(t *testing.T) {
	require.Equal(t, 500*time.Millisecond, Interval(1))
	for n := 2; n <= 10; n++ {
		require.Equal(t, time.Second, Interval(n), n)
	}
	require.Equal(t, 30*time.Second, Interval(11))
	require.Equal(t, 30*time.Second, Interval(50))
}

func TestUnansweredCyclesBackOff(t *testing.T) {
	s, c, wakes := newTestScheduler()
	s.Arm(types.Requests(types.RequestMembers), false)

	var got []time.Duration
	for range 12 {
		got = append(got, c.fire(t))
		require.Equal(t, types.Requests(types.RequestMembers), s.Due())
	}
	require.Equal(t, 12, *wakes)

	want := []time.Duration{500 * time.Millisecond}
	for range 9 {
		want = append(want, time.Second)
	}
	want = append(want, 30*time.Second, 30*time.Second)
	require.Equal(t, want, got)
}

func TestImmediateResetsBackoff(t *testing.T) {
	s, c, _ := newTestScheduler()
	s.Arm(types.Requests(types.RequestMembers), false)
	for range 11 {
		c.fire(t)
		s.Due()
	}
	require.Equal(t, 30*time.Second, c.live(t).d)

	s.Arm(types.Requests(types.RequestRouting), true)
	require.Equal(t, 500*time.Millisecond, c.live(t).d)
	require.Zero(t, s.Cycle())

	c.fire(t)
	require.Equal(t, types.Requests(types.RequestMembers, types.RequestRouting), s.Due())
	require.Equal(t, time.Second, c.live(t).d)
}

func TestArmDoesNotPostponeRunningTimer(t *testing.T) {
	s, c, _ := newTestScheduler()
	s.Arm(types.Requests(types.RequestMembers), false)
	first := c.live(t)

	s.Arm(types.Requests(types.RequestRouting), false)
	require.Same(t, first, c.live(t))
	require.Equal(t, types.Requests(types.RequestMembers, types.RequestRouting), s.Pending())
}

func TestClearCancelsWhenDrained(t *testing.T) {
	s, c, _ := newTestScheduler()
	s.Arm(types.Requests(types.RequestMembers, types.RequestRouting), false)
	c.fire(t)
	s.Due()
	require.Equal(t, 1, s.Cycle())

	s.Clear(types.RequestMembers)
	require.NotNil(t, c.live(t))
	require.Equal(t, 1, s.Cycle())

	s.Clear(types.RequestRouting)
	require.Nil(t, c.live(t))
	require.Zero(t, s.Cycle())
	require.True(t, s.Pending().Empty())
}

func TestNoServerClearsInsteadOfRetrying(t *testing.T) {
	s, c, _ := newTestScheduler()
	s.Arm(types.Requests(types.RequestMembers), false)
	require.NotNil(t, c.live(t))

	s.SetServer(false)
	require.Nil(t, c.live(t))
	require.True(t, s.Pending().Empty())

	s.Arm(types.Requests(types.RequestDeviceResponse), true)
	require.Nil(t, c.live(t))
	require.True(t, s.Pending().Empty())
}

func TestStopMakesArmNoop(t *testing.T) {
	s, c, wakes := newTestScheduler()
	s.Arm(types.Requests(types.RequestMembers), false)
	tm := c.live(t)

	s.Stop()
	require.Nil(t, c.live(t))

	// A callback that raced with Stop must not wake the owner.
	tm.f()
	require.Zero(t, *wakes)

	s.Arm(types.Requests(types.RequestRouting), true)
	require.Nil(t, c.live(t))
	require.True(t, s.Due().Empty())
}

func TestStaleTimerIgnored(t *testing.T) {
	s, c, wakes := newTestScheduler()
	s.Arm(types.Requests(types.RequestMembers), false)
	stale := c.live(t)

	s.Arm(0, true)
	stale.f()
	require.Zero(t, *wakes)

	c.fire(t)
	require.Equal(t, 1, *wakes)
}

func TestRealTimerWakes(t *testing.T) {
	woke := make(chan struct{}, 1)
	s := New(func() { woke <- struct{}{} })
	s.SetServer(true)
	s.Arm(types.Requests(types.RequestMembers), true)
	defer s.Stop()

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler never woke")
	}
	require.Equal(t, types.Requests(types.RequestMembers), s.Due())
}
