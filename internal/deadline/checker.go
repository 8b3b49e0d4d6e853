// Package deadline implements the generic priority-queue timer service
// described in spec.md §4.5: TrackDeadline/StopTracking/
// StopTrackingCategory mutate a per-category min-heap of (deadline, id)
// pairs, and a single background goroutine sleeps until the global
// minimum across all categories, firing DeadlineElapsed events for every
// entry whose deadline has passed.
package deadline

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Elapsed is emitted once per tracked entry whose deadline has passed.
type Elapsed struct {
	Category string
	ID       string
	Deadline time.Time
}

// Checker is the priority-queue timer service. The zero value is not
// usable; construct with New.
type Checker struct {
	mu         sync.Mutex
	byCategory map[string]*entryHeap
	byID       map[trackKey]*entry // fast StopTracking lookup
	events     chan Elapsed

	wake   chan struct{}
	timer  *time.Timer
	closed bool
}

type trackKey struct {
	category string
	id       string
}

type entry struct {
	category string
	id       string
	deadline time.Time
	index    int // heap index, maintained by container/heap
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool   { return h[i].deadline.Before(h[j].deadline) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// New starts a Checker whose background wakeup loop runs until ctx is
// cancelled.
func New(ctx context.Context) *Checker {
	c := &Checker{
		byCategory: make(map[string]*entryHeap),
		byID:       make(map[trackKey]*entry),
		events:     make(chan Elapsed, 64),
		wake:       make(chan struct{}, 1),
		timer:      time.NewTimer(time.Hour),
	}
	c.timer.Stop()
	go c.run(ctx)
	return c
}

// Events returns the channel on which Elapsed notifications are
// delivered, in ascending deadline order within each drain.
func (c *Checker) Events() <-chan Elapsed { return c.events }

// TrackDeadline registers (or replaces, if id already tracked in
// category) a deadline.
func (c *Checker) TrackDeadline(category, id string, when time.Time) {
	c.mu.Lock()
	key := trackKey{category, id}
	if existing, ok := c.byID[key]; ok {
		existing.deadline = when
		heap.Fix(c.byCategory[category], existing.index)
	} else {
		h := c.byCategory[category]
		if h == nil {
			h = &entryHeap{}
			c.byCategory[category] = h
		}
		e := &entry{category: category, id: id, deadline: when}
		heap.Push(h, e)
		c.byID[key] = e
	}
	c.mu.Unlock()
	c.poke()
}

// StopTracking removes a single (category, id) entry, if present.
func (c *Checker) StopTracking(category, id string) {
	c.mu.Lock()
	c.removeLocked(category, id)
	c.mu.Unlock()
	c.poke()
}

// StopTrackingCategory removes every entry in category.
func (c *Checker) StopTrackingCategory(category string) {
	c.mu.Lock()
	if h := c.byCategory[category]; h != nil {
		for _, e := range *h {
			delete(c.byID, trackKey{category, e.id})
		}
		delete(c.byCategory, category)
	}
	c.mu.Unlock()
	c.poke()
}

func (c *Checker) removeLocked(category, id string) {
	key := trackKey{category, id}
	e, ok := c.byID[key]
	if !ok {
		return
	}
	delete(c.byID, key)
	h := c.byCategory[category]
	heap.Remove(h, e.index)
	if h.Len() == 0 {
		delete(c.byCategory, category)
	}
}

// poke asks the run loop to recompute its sleep deadline.
func (c *Checker) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// minDeadline returns the earliest deadline across all categories and
// whether any entry exists.
func (c *Checker) minDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var min time.Time
	found := false
	for _, h := range c.byCategory {
		if h.Len() == 0 {
			continue
		}
		d := (*h)[0].deadline
		if !found || d.Before(min) {
			min = d
			found = true
		}
	}
	return min, found
}

// drainElapsed removes and returns every entry whose deadline has passed
// as of now, across all categories, in ascending deadline order.
func (c *Checker) drainElapsed(now time.Time) []Elapsed {
	c.mu.Lock()
	defer c.mu.Unlock()

	var fired []Elapsed
	for {
		var bestCategory string
		var bestEntry *entry
		for cat, h := range c.byCategory {
			if h.Len() == 0 {
				continue
			}
			top := (*h)[0]
			if !top.deadline.After(now) {
				if bestEntry == nil || top.deadline.Before(bestEntry.deadline) {
					bestEntry = top
					bestCategory = cat
				}
			}
		}
		if bestEntry == nil {
			break
		}
		c.removeLocked(bestCategory, bestEntry.id)
		fired = append(fired, Elapsed{Category: bestCategory, ID: bestEntry.id, Deadline: bestEntry.deadline})
	}
	return fired
}

func (c *Checker) run(ctx context.Context) {
	defer c.timer.Stop()
	for {
		min, found := c.minDeadline()
		if found {
			d := time.Until(min)
			if d < 0 {
				d = 0
			}
			c.timer.Reset(d)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			if !c.timer.Stop() {
				select {
				case <-c.timer.C:
				default:
				}
			}
			continue
		case <-c.timer.C:
			for _, el := range c.drainElapsed(time.Now()) {
				select {
				case c.events <- el:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
