package web

import (
	"context"
	"sync"

	"github.com/nutriscan/nutriscan/logging"
)

// runRegistry tracks training runs launched over the API so they can be stopped.
type runRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
	logger  logging.Logger
}

func newRunRegistry(logger logging.Logger) *runRegistry {
	return &runRegistry{cancels: map[string]context.CancelFunc{}, logger: logger}
}

// start runs fn in the background under id. It returns false once the registry is closed or
// when id is already running.
func (r *runRegistry) start(id string, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if _, ok := r.cancels[id]; ok {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancels[id] = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.cancels, id)
			r.mu.Unlock()
			cancel()
		}()
		fn(ctx)
	}()
	return true
}

// stop cancels the run; false when id is not running.
func (r *runRegistry) stop(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.cancels[id]
	if ok {
		r.logger.Infow("stopping run", "session_id", id)
		cancel()
	}
	return ok
}

func (r *runRegistry) running(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancels[id]
	return ok
}

func (r *runRegistry) active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.cancels))
	for id := range r.cancels {
		ids = append(ids, id)
	}
	return ids
}

// wait blocks until every started run returned.
func (r *runRegistry) wait() {
	r.wg.Wait()
}

func (r *runRegistry) close() {
	r.mu.Lock()
	r.closed = true
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}
