package notifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNotifyWakesWaiter(t *testing.T) {
	n := New[string]()
	sub := n.Listen("agreement-1")

	done := make(chan Outcome, 1)
	go func() { done <- sub.Wait(context.Background(), time.Second) }()

	time.Sleep(10 * time.Millisecond)
	n.Notify("agreement-1")

	assert.Equal(t, Ok, <-done)
}

func TestWaitTimesOut(t *testing.T) {
	n := New[string]()
	sub := n.Listen("agreement-1")
	assert.Equal(t, Timeout, sub.Wait(context.Background(), 10*time.Millisecond))
}

func TestStopNotifyingWakesAllWaiters(t *testing.T) {
	n := New[string]()
	const waiters = 5

	var wg sync.WaitGroup
	outcomes := make([]Outcome, waiters)
	for i := 0; i < waiters; i++ {
		sub := n.Listen("sub-1")
		wg.Add(1)
		go func(i int, sub Subscription[string]) {
			defer wg.Done()
			outcomes[i] = sub.Wait(context.Background(), time.Second)
		}(i, sub)
	}

	time.Sleep(10 * time.Millisecond)
	n.StopNotifying("sub-1")
	wg.Wait()

	for _, o := range outcomes {
		assert.Equal(t, Unsubscribed, o)
	}
}

func TestAwaitUntilReturnsImmediatelyWhenAlreadySettled(t *testing.T) {
	n := New[string]()
	result, outcome := AwaitUntil(context.Background(), n, "k", time.Second, func() (string, bool) {
		return "settled", true
	})
	assert.Equal(t, Ok, outcome)
	assert.Equal(t, "settled", result)
}

func TestAwaitUntilSettlesAfterNotify(t *testing.T) {
	n := New[string]()
	var settled bool

	go func() {
		time.Sleep(10 * time.Millisecond)
		settled = true
		n.Notify("k")
	}()

	result, outcome := AwaitUntil(context.Background(), n, "k", time.Second, func() (int, bool) {
		if settled {
			return 42, true
		}
		return 0, false
	})
	assert.Equal(t, Ok, outcome)
	assert.Equal(t, 42, result)
}

func TestAwaitUntilTimesOut(t *testing.T) {
	n := New[string]()
	_, outcome := AwaitUntil(context.Background(), n, "k", 20*time.Millisecond, func() (int, bool) {
		return 0, false
	})
	assert.Equal(t, Timeout, outcome)
}
