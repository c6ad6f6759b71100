// Package registry tracks the running hedge instances of one process and
// owns their lifecycle: concurrent starts, graceful stops and shutdown of
// the whole set.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"funding-hedge-bot/internal/engine"

	"go.uber.org/zap"
)

// Runner is the engine surface the registry drives.
type Runner interface {
	Run(ctx context.Context) error
	RequestStop()
	Phase() engine.Phase
	Cycle() int
}

type Status struct {
	ID      string
	Phase   engine.Phase
	Cycle   int
	Running bool
}

type instance struct {
	runner Runner
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (i *instance) finished() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

func (i *instance) runErr() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

type Registry struct {
	log *zap.Logger

	mu        sync.Mutex
	instances map[string]*instance
}

func New(log *zap.Logger) *Registry {
	return &Registry{log: log, instances: make(map[string]*instance)}
}

// Start launches a runner under the given id. Starting an id that is already
// registered is an error even if its runner has finished; Stop removes it.
func (r *Registry) Start(ctx context.Context, id string, runner Runner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[id]; exists {
		return fmt.Errorf("instance %q already registered", id)
	}
	runCtx, cancel := context.WithCancel(ctx)
	inst := &instance{runner: runner, cancel: cancel, done: make(chan struct{})}
	r.instances[id] = inst

	go func() {
		defer close(inst.done)
		err := runner.Run(runCtx)
		inst.mu.Lock()
		inst.err = err
		inst.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("instance exited with error", zap.String("instance", id), zap.Error(err))
		} else {
			r.log.Info("instance finished", zap.String("instance", id))
		}
	}()
	r.log.Info("instance started", zap.String("instance", id))
	return nil
}

// Stop winds an instance down gracefully, escalating to a hard cancel when
// the grace period runs out, and removes it from the registry.
func (r *Registry) Stop(id string, grace time.Duration) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown instance %q", id)
	}

	inst.runner.RequestStop()
	select {
	case <-inst.done:
	case <-time.After(grace):
		r.log.Warn("graceful stop timed out, cancelling", zap.String("instance", id))
		inst.cancel()
		<-inst.done
	}
	inst.cancel()

	r.mu.Lock()
	delete(r.instances, id)
	r.mu.Unlock()
	return inst.runErr()
}

// StopAll stops every registered instance concurrently and returns the first
// error any of them exited with.
func (r *Registry) StopAll(grace time.Duration) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.Stop(id, grace); err != nil {
				errCh <- fmt.Errorf("instance %s: %w", id, err)
			}
		}(id)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

// List reports all registered instances sorted by id.
func (r *Registry) List() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.instances))
	for id, inst := range r.instances {
		out = append(out, Status{
			ID:      id,
			Phase:   inst.runner.Phase(),
			Cycle:   inst.runner.Cycle(),
			Running: !inst.finished(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Wait blocks until every instance registered at call time has finished or
// the context is cancelled, and returns the first run error.
func (r *Registry) Wait(ctx context.Context) error {
	r.mu.Lock()
	snapshot := make([]*instance, 0, len(r.instances))
	for _, inst := range r.instances {
		snapshot = append(snapshot, inst)
	}
	r.mu.Unlock()

	var firstErr error
	for _, inst := range snapshot {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-inst.done:
			if err := inst.runErr(); err != nil && firstErr == nil && !errors.Is(err, context.Canceled) {
				firstErr = err
			}
		}
	}
	return firstErr
}
