package client

import (
	"context"
	"errors"
	"sync"
)

// workFunc is the signature of one scheduled download.
type workFunc func(ctx context.Context) error

// pool runs per-request work with bounded concurrency. Each worker
// performs one blocking call at a time; retry sleeps and limiter waits
// suspend only the issuing worker.
type pool struct {
	wg   sync.WaitGroup
	mu   sync.Mutex
	sem  chan struct{}
	errs []error
}

// newPool creates a pool with the given concurrency limit.
// If maxConcurrent <= 0, concurrency is unlimited.
func newPool(maxConcurrent int) *pool {
	p := &pool{}
	if maxConcurrent > 0 {
		p.sem = make(chan struct{}, maxConcurrent)
	}
	return p
}

// start launches fn in a new goroutine managed by the pool.
func (p *pool) start(ctx context.Context, fn workFunc) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		if p.sem != nil {
			select {
			case p.sem <- struct{}{}:
				defer func() {
					<-p.sem
				}()
			case <-ctx.Done():
				p.recordErr(ctx.Err())
				return
			}
		}

		if err := fn(ctx); err != nil {
			p.recordErr(err)
		}
	}()
}

// wait blocks until all scheduled work completes and returns the
// recorded errors joined via errors.Join.
func (p *pool) wait() error {
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	return errors.Join(p.errs...)
}

// recordErr appends err to the pool's error slice under the mutex.
func (p *pool) recordErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, err)
}
