package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Pool runs N Worker instances, each with a distinct identity, so that
// concurrency comes from running more claim loops rather than fanning out
// within one (spec.md §4.2, §6 "a pool of N workers each independently
// identified").
type Pool struct {
	workers []*Worker
}

// NewPool constructs size Worker instances sharing store and dispatchClient,
// deriving each instance's id from baseID by appending its index so
// locked_by values stay distinguishable across the pool.
func NewPool(size int, baseID string, store Store, dispatchClient Dispatcher, cfg Config, logger *slog.Logger) *Pool {
	p := &Pool{workers: make([]*Worker, 0, size)}
	for i := 0; i < size; i++ {
		wcfg := cfg
		wcfg.ID = fmt.Sprintf("%s-%d", baseID, i)
		p.workers = append(p.workers, New(store, dispatchClient, wcfg, logger))
	}
	return p
}

// Workers returns the pool's members, e.g. so a caller can wire Store.Listen
// to broadcast Notify to every instance.
func (p *Pool) Workers() []*Worker { return p.workers }

// Run starts every instance and blocks until ctx is cancelled and all of
// them have drained.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Notify wakes every instance in the pool; used as the Store.Listen callback
// so a single jobs:insert notification is fanned out to all idle workers.
func (p *Pool) Notify() {
	for _, w := range p.workers {
		w.Notify()
	}
}
