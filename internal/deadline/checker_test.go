package deadline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainWithin(t *testing.T, c *Checker, timeout time.Duration, n int) []Elapsed {
	t.Helper()
	var got []Elapsed
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case e := <-c.Events():
			got = append(got, e)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(got))
		}
	}
	return got
}

func TestFiresInAscendingOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(ctx)

	now := time.Now()
	c.TrackDeadline("idle", "b", now.Add(40*time.Millisecond))
	c.TrackDeadline("idle", "a", now.Add(10*time.Millisecond))
	c.TrackDeadline("expire", "c", now.Add(20*time.Millisecond))

	got := drainWithin(t, c, time.Second, 3)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
	assert.Equal(t, "b", got[2].ID)
}

func TestStopTrackingPreventsFiring(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(ctx)

	c.TrackDeadline("idle", "a", time.Now().Add(15*time.Millisecond))
	c.TrackDeadline("idle", "b", time.Now().Add(20*time.Millisecond))
	c.StopTracking("idle", "a")

	got := drainWithin(t, c, time.Second, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestStopTrackingCategory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(ctx)

	c.TrackDeadline("idle", "a", time.Now().Add(10*time.Millisecond))
	c.TrackDeadline("expire", "b", time.Now().Add(10*time.Millisecond))
	c.StopTrackingCategory("idle")

	got := drainWithin(t, c, time.Second, 1)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "expire", got[0].Category)

	select {
	case e := <-c.Events():
		t.Fatalf("unexpected extra event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRetrackReplacesDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(ctx)

	c.TrackDeadline("idle", "a", time.Now().Add(time.Hour))
	c.TrackDeadline("idle", "a", time.Now().Add(10*time.Millisecond))

	got := drainWithin(t, c, time.Second, 1)
	assert.Equal(t, "a", got[0].ID)
}
