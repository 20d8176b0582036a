package fanout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrPoolFull = errors.New("pool has no free slot")

// Pool is a bounded in-flight set of requests consumed in completion order.
// Submit and Next are meant to be driven by a single goroutine; Pending is
// safe to read from anywhere.
type Pool[T any] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	size    int
	results chan Result[T]
	wg      sync.WaitGroup
	pending atomic.Int64
	seq     int
}

func NewPool[T any](ctx context.Context, size int, timeout time.Duration) *Pool[T] {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Pool[T]{
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		size:    size,
		results: make(chan Result[T], size),
	}
}

func (p *Pool[T]) Pending() int {
	return int(p.pending.Load())
}

func (p *Pool[T]) Full() bool {
	return p.Pending() >= p.size
}

// Submit starts req without waiting for it. It fails when every slot is taken.
func (p *Pool[T]) Submit(req Request[T]) error {
	if p.Full() {
		return ErrPoolFull
	}
	index := p.seq
	p.seq++
	p.pending.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		res := execute(p.ctx, &p.wg, req, p.timeout)
		res.Index = index
		p.results <- res
	}()
	return nil
}

// Next waits for the next completed request. It returns false when nothing
// is in flight or ctx ends first.
func (p *Pool[T]) Next(ctx context.Context) (Result[T], bool) {
	if p.Pending() == 0 {
		return Result[T]{}, false
	}
	select {
	case res := <-p.results:
		p.pending.Add(-1)
		return res, true
	case <-ctx.Done():
		return Result[T]{}, false
	}
}

// Drain collects every request still in flight.
func (p *Pool[T]) Drain(ctx context.Context) []Result[T] {
	var out []Result[T]
	for {
		res, ok := p.Next(ctx)
		if !ok {
			return out
		}
		out = append(out, res)
	}
}

// Close cancels in-flight requests and waits for their goroutines.
func (p *Pool[T]) Close() {
	p.cancel()
	p.wg.Wait()
}
