package future

import (
	"context"
	"sync"
	"time"
)

type Promise[T any] interface {
	Deadline() time.Time
	Reject(error)
	Resolve(T)
}

// Future is the read side of a request that settles exactly once. Later
// settlements of the paired Promise are ignored.
type Future[T any] interface {
	Await(ctx context.Context) (T, error)
	Done() <-chan struct{}
}

func Map[T any, U any](f Future[T], mapper func(T) (U, error)) Future[U] {
	return futureMapper[T, U]{
		f:      f,
		mapper: mapper,
	}
}

func NewFuture[T any](deadline time.Time) (Future[T], Promise[T]) {
	f := &futureImpl[T]{
		done: make(chan struct{}),
	}
	p := funcPromise[T]{
		deadline: deadline,
		f:        f.settle,
	}
	return f, p
}

func NewFuncPromise[T any](deadline time.Time, f func(T, error)) Promise[T] {
	var once sync.Once
	return funcPromise[T]{
		deadline: deadline,
		f: func(val T, err error) {
			once.Do(func() {
				f(val, err)
			})
		},
	}
}

func Resolved[T any](val T) Future[T] {
	f, p := NewFuture[T](time.Time{})
	p.Resolve(val)
	return f
}

func Rejected[T any](err error) Future[T] {
	f, p := NewFuture[T](time.Time{})
	p.Reject(err)
	return f
}

type futureImpl[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func (f *futureImpl[T]) settle(val T, err error) {
	f.once.Do(func() {
		f.val = val
		f.err = err
		close(f.done)
	})
}

func (f *futureImpl[T]) Done() <-chan struct{} {
	return f.done
}

func (f *futureImpl[T]) Await(ctx context.Context) (T, error) {
	var defaultVal T

	select {
	case <-ctx.Done():
		return defaultVal, ctx.Err()
	case <-f.done:
		if f.err != nil {
			return defaultVal, f.err
		}
		return f.val, nil
	}
}

type futureMapper[T any, U any] struct {
	f      Future[T]
	mapper func(T) (U, error)
}

func (f futureMapper[T, U]) Done() <-chan struct{} {
	return f.f.Done()
}

func (f futureMapper[T, U]) Await(ctx context.Context) (U, error) {
	var defaultVal U

	v, err := f.f.Await(ctx)
	if err != nil {
		return defaultVal, err
	}

	u, err := f.mapper(v)
	if err != nil {
		return defaultVal, err
	}
	return u, nil
}

type funcPromise[T any] struct {
	deadline time.Time
	f        func(val T, err error)
}

func (p funcPromise[T]) Reject(err error) {
	var defaultVal T
	p.f(defaultVal, err)
}

func (p funcPromise[T]) Resolve(val T) {
	p.f(val, nil)
}

func (p funcPromise[T]) Deadline() time.Time {
	return p.deadline
}
