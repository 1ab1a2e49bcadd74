package openiap

import (
	"context"
	"errors"
	"sync"
	"time"
)

// oneshot carries exactly one result from a trampoline to a waiting caller.
type oneshot[T any] struct {
	ch   chan result[T]
	once sync.Once
}

type result[T any] struct {
	val T
	err error
}

func newOneshot[T any]() *oneshot[T] {
	return &oneshot[T]{ch: make(chan result[T], 1)}
}

// Fire stores the result. Only the first call has any effect, and it
// never blocks.
func (o *oneshot[T]) Fire(v T, err error) {
	o.once.Do(func() { o.ch <- result[T]{val: v, err: err} })
}

// Wait blocks for the result, ctx, or the timeout, whichever comes first.
func (o *oneshot[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-o.ch:
		return r.val, r.err
	case <-t.C:
		var zero T
		return zero, errWaitTimeout
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

var errWaitTimeout = &Error{Kind: KindTimeout, Message: "no callback within the deadline"}

// bridge turns callback-completed native calls into blocking calls. The
// pending entry is registered before the native call is issued, and is
// removed by whichever of completion and timeout happens first; a
// completion that finds no entry is dropped.
type bridge[T any] struct {
	pending *registry[int32, *oneshot[T]]
}

func newBridge[T any]() *bridge[T] {
	return &bridge[T]{pending: newRegistry[int32, *oneshot[T]]()}
}

// Call registers id, runs issue, and waits. issue returns an error when the
// native call failed synchronously and no callback will follow.
func (b *bridge[T]) Call(ctx context.Context, op string, id int32, timeout time.Duration, issue func() error) (T, error) {
	var zero T
	o := newOneshot[T]()
	if !b.pending.Add(id, o) {
		return zero, newError(KindPrecondition, op, "duplicate request id")
	}
	if err := issue(); err != nil {
		b.pending.Remove(id)
		return zero, err
	}
	v, err := o.Wait(ctx, timeout)
	if err == nil {
		return v, nil
	}
	if _, stillPending := b.pending.Take(id); !stillPending {
		// Completed while we were giving up; the result is already buffered.
		select {
		case r := <-o.ch:
			return r.val, r.err
		default:
		}
	}
	if err == errWaitTimeout {
		return zero, newError(KindTimeout, op, "no response within "+timeout.String())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return zero, wrapError(KindTimeout, op, err)
	}
	return zero, wrapError(KindPrecondition, op, err)
}

// Complete delivers the result for id. It reports false when nobody is
// waiting any more.
func (b *bridge[T]) Complete(id int32, v T, err error) bool {
	o, ok := b.pending.Take(id)
	if !ok {
		return false
	}
	o.Fire(v, err)
	return true
}

// Abandon fails every pending call, used on Close.
func (b *bridge[T]) Abandon(err error) {
	var zero T
	for _, o := range b.pending.Drain() {
		o.Fire(zero, err)
	}
}
