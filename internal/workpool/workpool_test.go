package workpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/xyproto/kpacktool/internal/kperr"
)

func TestRunAllSucceed(t *testing.T) {
	var n int32
	p := &Pool{Limit: 2}
	tasks := make([]func(context.Context) error, 5)
	for i := range tasks {
		tasks[i] = func(context.Context) error {
			atomic.AddInt32(&n, 1)
			return nil
		}
	}
	if err := p.Run(context.Background(), tasks); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 5 {
		t.Fatalf("ran %d tasks, want 5", n)
	}
	if !p.Errors().Empty() {
		t.Fatal("expected no errors")
	}
	if p.First() != nil {
		t.Fatal("expected no first error")
	}
}

func TestRunCollectsAllErrorsReturnsOne(t *testing.T) {
	p := &Pool{}
	errA := kperr.New(kperr.IO, "x", "a failed")
	errB := kperr.New(kperr.IO, "x", "b failed")
	tasks := []func(context.Context) error{
		func(context.Context) error { return errA },
		func(context.Context) error { return errB },
		func(context.Context) error { return nil },
	}
	err := p.Run(context.Background(), tasks)
	if err == nil {
		t.Fatal("expected a non-nil error")
	}
	if p.Errors().Empty() {
		t.Fatal("expected collected errors to be non-empty")
	}
	if len(p.Errors().Errs) != 2 {
		t.Fatalf("collected %d errors, want 2", len(p.Errors().Errs))
	}
	if p.First() == nil {
		t.Fatal("expected First() to be non-nil")
	}
}

func TestRunPropagatesContextCancellation(t *testing.T) {
	p := &Pool{}
	boom := errors.New("boom")
	tasks := []func(context.Context) error{
		func(context.Context) error { return boom },
		func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	if err := p.Run(context.Background(), tasks); err == nil {
		t.Fatal("expected an error")
	}
}
