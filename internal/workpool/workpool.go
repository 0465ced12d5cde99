// Package workpool runs independent tasks across a bounded number of
// goroutines with first-error-wins cancellation semantics: every task
// still in flight is awaited, every error is collected for a diagnostic
// summary, and the first one is returned to the caller.
package workpool

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/xyproto/kpacktool/internal/kperr"
)

// Pool runs submitted tasks with at most Limit concurrent goroutines. A
// zero Limit means unbounded (errgroup's default).
type Pool struct {
	Limit int

	mu     sync.Mutex
	errs   kperr.Multi
	first  error
	firstOnce sync.Once
}

// Run executes every task, waits for all of them, and returns the first
// error encountered (if any). Every error — not only the first — is
// available afterward via Errors for a diagnostic summary.
func (p *Pool) Run(ctx context.Context, tasks []func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if p.Limit > 0 {
		g.SetLimit(p.Limit)
	}
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			err := task(gctx)
			if err != nil {
				p.record(err)
			}
			return err
		})
	}
	return g.Wait()
}

func (p *Pool) record(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs.Add(err)
	p.firstOnce.Do(func() { p.first = err })
}

// Errors returns every error collected across all submitted tasks, in
// completion order.
func (p *Pool) Errors() *kperr.Multi {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &p.errs
}

// First returns the first error observed, or nil.
func (p *Pool) First() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.first
}
