package training

import (
	"context"
	"fmt"
	"sync"
)

// DefaultPrefetchDepth is the number of collated batches kept ready
const DefaultPrefetchDepth = 3

type prefetched struct {
	batch *Batch
	err   error
}

// Prefetcher collates the batches of a Loader in a background goroutine so
// padding the next batch overlaps with the forward pass of the current one.
// Batches arrive in loader order. A Prefetcher covers a single pass.
type Prefetcher struct {
	loader *Loader
	depth  int

	batches chan prefetched
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mutex     sync.Mutex
	isRunning bool
	started   bool
}

// NewPrefetcher prepares a pass over loader keeping up to depth batches ready
func NewPrefetcher(loader *Loader, depth int) (*Prefetcher, error) {
	if loader == nil {
		return nil, fmt.Errorf("loader cannot be nil")
	}
	if depth <= 0 {
		depth = DefaultPrefetchDepth
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Prefetcher{
		loader:  loader,
		depth:   depth,
		batches: make(chan prefetched, depth),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the background collation
func (p *Prefetcher) Start() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.started {
		return fmt.Errorf("prefetcher has already been started")
	}
	p.started = true
	p.isRunning = true

	p.wg.Add(1)
	go p.produce()
	return nil
}

func (p *Prefetcher) produce() {
	defer p.wg.Done()
	defer close(p.batches)

	for i := 0; i < p.loader.Len(); i++ {
		batch, err := p.loader.Batch(i)
		select {
		case p.batches <- prefetched{batch: batch, err: err}:
		case <-p.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Next blocks until the next batch is collated. It returns a nil batch and
// a nil error once the pass is exhausted.
func (p *Prefetcher) Next() (*Batch, error) {
	item, ok := <-p.batches
	if !ok {
		return nil, nil
	}
	return item.batch, item.err
}

// Stop cancels collation and discards batches nobody consumed
func (p *Prefetcher) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.isRunning {
		return
	}
	p.cancel()
	p.wg.Wait()
	for range p.batches {
	}
	p.isRunning = false
}
