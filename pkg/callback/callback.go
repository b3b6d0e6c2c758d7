// Package callback models the asynchronous completion handle every
// group-scoped RPC carries. Exactly one of OnSuccess or OnError is expected
// to be invoked per call.
package callback

import (
	"context"
	"sync"
)

type Handler[T any] interface {
	OnSuccess(result T)
	OnError(err error)
}

// Future is a single-shot Handler. Only the first completion is recorded,
// later ones are dropped.
type Future[T any] struct {
	once   sync.Once
	done   chan struct{}
	result T
	err    error
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) OnSuccess(result T) {
	f.once.Do(func() {
		f.result = result
		close(f.done)
	})
}

func (f *Future[T]) OnError(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Funcs adapts a pair of functions to Handler. Nil functions are skipped.
type Funcs[T any] struct {
	Success func(T)
	Error   func(error)
}

func (f Funcs[T]) OnSuccess(result T) {
	if f.Success != nil {
		f.Success(result)
	}
}

func (f Funcs[T]) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}
