package clock_test

import (
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/internal/clock"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_AfterFuncFiresInDeadlineOrder(t *testing.T) {
	c := clock.Fake(epoch)

	var fired []string
	var firedAt []time.Time
	c.AfterFunc(2*time.Second, func() {
		fired = append(fired, "second")
		firedAt = append(firedAt, c.Now())
	})
	c.AfterFunc(time.Second, func() {
		fired = append(fired, "first")
		firedAt = append(firedAt, c.Now())
	})
	require.Equal(t, 2, c.Pending())

	c.Advance(5 * time.Second)

	require.Equal(t, []string{"first", "second"}, fired)
	require.Equal(t, epoch.Add(time.Second), firedAt[0])
	require.Equal(t, epoch.Add(2*time.Second), firedAt[1])
	require.Equal(t, epoch.Add(5*time.Second), c.Now())
	require.Zero(t, c.Pending())
}

func TestFakeClock_StoppedTimerDoesNotFire(t *testing.T) {
	c := clock.Fake(epoch)

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	require.True(t, timer.Stop())
	require.False(t, timer.Stop())

	c.Advance(time.Minute)
	require.False(t, fired)
}

func TestFakeClock_NonPositiveAfterFuncRunsImmediately(t *testing.T) {
	c := clock.Fake(epoch)

	fired := false
	c.AfterFunc(0, func() { fired = true })
	require.True(t, fired)
	require.Zero(t, c.Pending())
}

func TestFakeClock_CallbackRegisteredDuringAdvanceFires(t *testing.T) {
	c := clock.Fake(epoch)

	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		c.AfterFunc(time.Minute, tick)
	}
	c.AfterFunc(time.Minute, tick)

	c.Advance(3 * time.Minute)
	require.Equal(t, 3, ticks)
	require.Equal(t, 1, c.Pending())
}

func TestFakeClock_AfterDelivers(t *testing.T) {
	c := clock.Fake(epoch)

	ch := c.After(time.Second)
	go func() {
		c.WaitForTimers(1)
		c.Advance(time.Second)
	}()

	select {
	case at := <-ch:
		require.Equal(t, epoch.Add(time.Second), at)
	case <-time.After(5 * time.Second):
		t.Fatal("After did not deliver")
	}
}
