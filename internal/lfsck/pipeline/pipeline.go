// Package pipeline implements AssistantPipeline (§4.3): the
// producer/consumer queue a checker's assistant thread uses to fetch
// objects ahead of the scan, dedup in-flight requests, and hand
// finished work to a consumer while tracking the double-scan
// transition.
//
// Grounded on the uploadQueue/backgroundUploader pattern in
// backend/raid3/heal.go: a mutex-guarded dedup map paired with a
// buffered job channel, workers draining the channel under a
// ctx.Done()/channel select, golang.org/x/sync/errgroup supervising the
// worker pool instead of a bare sync.WaitGroup.
package pipeline

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sdsc/lfsck/internal/lfsck/fid"
)

// Request is one unit of prefetch work: resolve the object named by
// FID and hand its Attr/xattrs to the consumer.
type Request struct {
	FID  fid.FID
	Kind string // "layout", "namespace", ...
	Data any    // checker-specific payload (e.g. a LayoutReq)
}

// Result is the outcome of processing one Request.
type Result struct {
	Request Request
	Attr    any
	Err     error
}

// Fetcher performs the actual (possibly remote) lookup for a Request.
// The engine supplies this; the pipeline only supervises concurrency
// and dedup.
type Fetcher func(ctx context.Context, req Request) (any, error)

// Pipeline is the AssistantPipeline (§4.3): req_list/lock/waitq in the
// source map to a buffered channel plus a dedup set here; prefetched
// and post_result are plain counters guarded by the same mutex.
type Pipeline struct {
	fetch   Fetcher
	workers int

	mu           sync.Mutex
	pending      map[fid.FID]bool
	prefetched   int64
	postResult   int64
	toDoubleScan bool
	inDoubleScan bool
	exiting      bool

	reqs    chan Request
	results chan Result
}

// New creates a Pipeline with the given worker count and Fetcher.
// queueDepth bounds the number of in-flight prefetch requests, the
// same role uploadQueue's buffered "jobs" channel plays for heal
// uploads.
func New(workers, queueDepth int, fetch Fetcher) *Pipeline {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = 100
	}
	return &Pipeline{
		fetch:   fetch,
		workers: workers,
		pending: make(map[fid.FID]bool),
		reqs:    make(chan Request, queueDepth),
		results: make(chan Result, queueDepth),
	}
}

// Submit enqueues req for prefetch, deduplicating against any request
// for the same FID already in flight. It returns false if the request
// was already pending or the pipeline is exiting.
func (p *Pipeline) Submit(req Request) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exiting || p.pending[req.FID] {
		return false
	}
	p.pending[req.FID] = true
	p.reqs <- req
	return true
}

// Results returns the channel of completed Results for the consumer to
// drain.
func (p *Pipeline) Results() <-chan Result {
	return p.results
}

// Run starts the worker pool and blocks until ctx is cancelled or Stop
// is called, at which point it drains outstanding work and returns.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			return p.worker(ctx)
		})
	}
	return g.Wait()
}

func (p *Pipeline) worker(ctx context.Context) error {
	for {
		select {
		case req, ok := <-p.reqs:
			if !ok {
				return nil
			}
			attr, err := p.fetch(ctx, req)

			p.mu.Lock()
			delete(p.pending, req.FID)
			p.prefetched++
			p.mu.Unlock()

			select {
			case p.results <- Result{Request: req, Attr: attr, Err: err}:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// MarkConsumed records that the consumer finished post-processing one
// result, the post_result counter (§4.3).
func (p *Pipeline) MarkConsumed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.postResult++
}

// Stats returns the current prefetched/post_result/pending counters.
func (p *Pipeline) Stats() (prefetched, postResult int64, pendingCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prefetched, p.postResult, len(p.pending)
}

// RequestDoubleScan marks the pipeline for transition into phase-2
// (double-scan) mode once phase-1 prefetch work drains (§4.5-§4.7
// phase transition).
func (p *Pipeline) RequestDoubleScan() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toDoubleScan = true
}

// EnterDoubleScan transitions the pipeline into double-scan mode if it
// was requested and all in-flight prefetch work has drained; it
// reports whether the transition happened.
func (p *Pipeline) EnterDoubleScan() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.toDoubleScan || len(p.pending) > 0 {
		return false
	}
	p.inDoubleScan = true
	p.toDoubleScan = false
	return true
}

// InDoubleScan reports whether the pipeline is currently in phase-2.
func (p *Pipeline) InDoubleScan() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inDoubleScan
}

// Stop marks the pipeline as exiting: Submit stops accepting new
// requests and closes the request channel so workers drain and exit.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.exiting {
		p.mu.Unlock()
		return
	}
	p.exiting = true
	p.mu.Unlock()
	close(p.reqs)
}
