// Package taskgroup coordinates the lifecycle of the daemon's
// components. It renders the teacher's cmd/flow-ingester/main.go use of
// gazette's task.Group (tasks.Queue/tasks.GoRun/tasks.Wait, cancelled by
// a signal handler) over golang.org/x/sync/errgroup, since the gazette
// package itself belongs to the broker data plane we are not carrying.
package taskgroup

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group runs a set of named goroutines, cancelling a shared context and
// propagating the first error when any goroutine returns one.
type Group struct {
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	names  []string
}

// New returns a Group deriving from parent.
func New(parent context.Context) *Group {
	ctx, cancel := context.WithCancel(parent)
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{group: eg, ctx: ctx, cancel: cancel}
}

// Context returns the group's context, cancelled when the group is
// cancelled or any queued function returns a non-nil error.
func (g *Group) Context() context.Context { return g.ctx }

// Queue schedules fn to run as a named goroutine of the group.
func (g *Group) Queue(name string, fn func(ctx context.Context) error) {
	g.names = append(g.names, name)
	g.group.Go(func() error { return fn(g.ctx) })
}

// Cancel cancels the group's context without waiting.
func (g *Group) Cancel() { g.cancel() }

// Wait blocks until every queued function has returned, then cancels the
// context (a no-op if Cancel already ran) and returns the first non-nil
// error.
func (g *Group) Wait() error {
	defer g.cancel()
	return g.group.Wait()
}
