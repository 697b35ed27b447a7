// Package groutine launches named goroutines so adapter callbacks and
// session workers show up with readable labels in pprof and logs.
package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// SpawnFunc launches fn on a goroutine labelled name
type SpawnFunc func(parentCtx context.Context, name string, fn func(ctx context.Context))

// Go starts a goroutine with a name, optional parent context
// Example usage:
//
//	groutine.Go(ctx, "ble-connect", func(ctx context.Context) {
//	    // work
//	})
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Group tracks goroutines started through a SpawnFunc so their owner can wait for them
type Group struct {
	spawn SpawnFunc
	wg    sync.WaitGroup
}

// NewGroup creates a Group; a nil spawn falls back to Go
func NewGroup(spawn SpawnFunc) *Group {
	if spawn == nil {
		spawn = Go
	}
	return &Group{spawn: spawn}
}

// Go launches fn and counts it until it returns
func (g *Group) Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	g.spawn(parentCtx, name, func(ctx context.Context) {
		defer g.wg.Done()
		fn(ctx)
	})
}

// Wait blocks until every goroutine started by the group has returned
func (g *Group) Wait() {
	g.wg.Wait()
}
