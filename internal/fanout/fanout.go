package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNegativeQuorum = errors.New("quorum must not be negative")
	ErrTimeout        = errors.New("request timed out")
	ErrCancelled      = errors.New("request cancelled")
	ErrPanic          = errors.New("request panicked")
)

// Request is one call of a fan-out. Call must honour ctx; a call that
// ignores it is reported as timed out but keeps its goroutine until it returns.
type Request[T any] struct {
	Name string
	Call func(ctx context.Context) (T, error)
}

type Result[T any] struct {
	Name    string
	Index   int
	Value   T
	Err     error
	Latency time.Duration
}

func (r Result[T]) OK() bool {
	return r.Err == nil
}

type Options[T any] struct {
	// Quorum stops the fan-out once that many results succeeded. 0 collects everything.
	Quorum int
	// Timeout applies to each request on its own.
	Timeout time.Duration
	// Succeeded decides whether a result counts towards the quorum.
	Succeeded func(Result[T]) bool
	// Concurrency caps requests running at once; 0 starts all of them.
	Concurrency int
}

func (o Options[T]) succeeded(r Result[T]) bool {
	if o.Succeeded != nil {
		return o.Succeeded(r)
	}
	return r.OK()
}

// Batch tracks the goroutines of one fan-out, including stragglers that
// were cancelled after the caller already got its results.
type Batch struct {
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	pending atomic.Int64
}

// Pending is the number of requests that have not reached a terminal state.
func (b *Batch) Pending() int {
	return int(b.pending.Load())
}

// Cancel stops every request still running. It never blocks.
func (b *Batch) Cancel() {
	b.cancel()
}

// Wait blocks until every request goroutine of the batch has returned.
func (b *Batch) Wait() {
	b.wg.Wait()
}

// Dispatch issues all requests concurrently and returns their results in
// completion order. See DispatchBatch for the quorum rules.
func Dispatch[T any](ctx context.Context, requests []Request[T], opts Options[T]) ([]Result[T], error) {
	results, _, err := DispatchBatch(ctx, requests, opts)
	return results, err
}

// DispatchBatch is Dispatch that also hands back the batch so callers can
// await the termination of cancelled stragglers.
//
// With a positive quorum the call returns as soon as quorum results
// succeeded, cancelling the rest. If the quorum can never be met it returns
// the successes obtained once every request is terminal. If there are fewer
// requests than the quorum, every terminal result is returned.
func DispatchBatch[T any](ctx context.Context, requests []Request[T], opts Options[T]) ([]Result[T], *Batch, error) {
	if opts.Quorum < 0 {
		return nil, nil, fmt.Errorf("%w: %d", ErrNegativeQuorum, opts.Quorum)
	}

	batchCtx, cancel := context.WithCancel(ctx)
	b := &Batch{cancel: cancel}
	if len(requests) == 0 {
		cancel()
		return []Result[T]{}, b, nil
	}

	var sem chan struct{}
	if opts.Concurrency > 0 {
		sem = make(chan struct{}, opts.Concurrency)
	}

	out := make(chan Result[T], len(requests))
	b.pending.Store(int64(len(requests)))
	for i, req := range requests {
		b.wg.Add(1)
		go func(i int, req Request[T]) {
			defer b.wg.Done()
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-batchCtx.Done():
					b.pending.Add(-1)
					out <- Result[T]{Name: req.Name, Index: i, Err: contextError(batchCtx.Err())}
					return
				}
			}
			res := execute(batchCtx, &b.wg, req, opts.Timeout)
			res.Index = i
			b.pending.Add(-1)
			out <- res
		}(i, req)
	}

	quorum := opts.Quorum
	keepAll := quorum == 0 || len(requests) < quorum

	collected := make([]Result[T], 0, len(requests))
	successes := 0
	for received := 0; received < len(requests); received++ {
		res := <-out
		ok := opts.succeeded(res)
		if keepAll {
			collected = append(collected, res)
			continue
		}
		if !ok {
			continue
		}
		collected = append(collected, res)
		successes++
		if successes == quorum {
			break
		}
	}
	cancel()
	return collected, b, nil
}

// execute runs a single call with its own timeout and converts panics and
// context expiry into failed results.
func execute[T any](parent context.Context, wg *sync.WaitGroup, req Request[T], timeout time.Duration) Result[T] {
	ctx, cancel := parent, context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan Result[T], 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		var res Result[T]
		defer func() {
			if r := recover(); r != nil {
				res = Result[T]{Err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
			done <- res
		}()
		res.Value, res.Err = req.Call(ctx)
	}()

	var res Result[T]
	select {
	case res = <-done:
		if res.Err != nil && ctx.Err() != nil && errors.Is(res.Err, ctx.Err()) {
			res.Err = contextError(ctx.Err())
		}
	case <-ctx.Done():
		res = Result[T]{Err: contextError(ctx.Err())}
	}
	res.Name = req.Name
	res.Latency = time.Since(start)
	return res
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}
