// Package worker runs batches of requests against a bounded set of
// long-lived workers.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelism is used when a Pool is built with Parallelism <= 0.
const DefaultParallelism = 10

// Worker handles one request at a time. A Worker is only ever used from a
// single goroutine, so it may hold non-shared state.
type Worker[Req, Resp any] interface {
	Work(ctx context.Context, req Req) (Resp, error)
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Work calls fn(ctx, req).
func (fn WorkerFunc[Req, Resp]) Work(ctx context.Context, req Req) (Resp, error) {
	return fn(ctx, req)
}

// Factory builds one Worker per goroutine.
type Factory[Req, Resp any] func() Worker[Req, Resp]

// ProgressFunc is called on the goroutine that invoked Do after each response
// has been collected.
type ProgressFunc func(completed, total int)

// Result holds the outcome for the request at the same position. Value is the
// zero value whenever Err is set.
type Result[Resp any] struct {
	Value Resp
	Err   error
}

// OK reports whether the request succeeded.
func (r Result[Resp]) OK() bool {
	return r.Err == nil
}

// Pool fans a batch of requests out to Parallelism workers and reassembles the
// responses in request order.
type Pool[Req, Resp any] struct {
	Parallelism int
	Factory     Factory[Req, Resp]
	Progress    ProgressFunc
	Logger      log.FieldLogger
}

type task[Req any] struct {
	index int
	req   Req
}

type response[Resp any] struct {
	index  int
	result Result[Resp]
}

// Do blocks until every request has a result. A failing or panicking request
// only affects its own position; the error is logged once and never returned.
// Requests not yet handed to a worker when ctx is cancelled get ctx.Err().
func (p *Pool[Req, Resp]) Do(ctx context.Context, requests []Req) []Result[Resp] {
	results := make([]Result[Resp], len(requests))
	if len(requests) == 0 {
		return results
	}

	parallelism := p.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	if parallelism > len(requests) {
		parallelism = len(requests)
	}

	logger := p.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	var (
		tasks     = make(chan task[Req])
		responses = make(chan response[Resp], len(requests))
		g         errgroup.Group
	)

	for i := 0; i < parallelism; i++ {
		g.Go(func() error {
			w := p.Factory()
			for t := range tasks {
				value, err := safeWork(ctx, w, t.req)
				if err != nil {
					logger.WithField("request", t.index).Errorf("Worker failed: %s", err)
				}
				responses <- response[Resp]{index: t.index, result: Result[Resp]{Value: value, Err: err}}
			}
			return nil
		})
	}

	go func() {
		defer close(tasks)
		cancelFrom := func(i int) {
			for j := i; j < len(requests); j++ {
				responses <- response[Resp]{index: j, result: Result[Resp]{Err: ctx.Err()}}
			}
		}
		for i, req := range requests {
			if ctx.Err() != nil {
				cancelFrom(i)
				return
			}
			select {
			case tasks <- task[Req]{index: i, req: req}:
			case <-ctx.Done():
				cancelFrom(i)
				return
			}
		}
	}()

	for completed := 1; completed <= len(requests); completed++ {
		r := <-responses
		results[r.index] = r.result
		if p.Progress != nil {
			p.Progress(completed, len(requests))
		}
	}

	_ = g.Wait()
	return results
}

// safeWork converts a panic inside the worker into an error.
func safeWork[Req, Resp any](ctx context.Context, w Worker[Req, Resp], req Req) (value Resp, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero Resp
			value = zero
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	value, err = w.Work(ctx, req)
	if err != nil {
		var zero Resp
		value = zero
	}
	return value, err
}
