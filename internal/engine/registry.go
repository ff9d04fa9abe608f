package engine

import (
	"context"
	"sync"

	"forwardbot/internal/storage"
	"forwardbot/internal/transport"
	"forwardbot/pkg/logx"
)

type jobKey struct {
	ownerID int64
	taskID  int
}

type jobHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry maps (owner, task id) to a running forwarding job. It is a
// derived cache over the store: never persisted, rebuilt by RestoreAll at
// startup. The store remains the system of record.
type Registry struct {
	store  storage.Store
	fw     transport.Forwarder
	notify Notifier
	cfg    Config
	log    logx.Logger

	mu   sync.Mutex
	jobs map[jobKey]*jobHandle
	wg   sync.WaitGroup
}

func NewRegistry(store storage.Store, fw transport.Forwarder, notify Notifier, cfg Config, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		store:  store,
		fw:     fw,
		notify: notify,
		cfg:    cfg.withDefaults(),
		log:    log,
		jobs:   map[jobKey]*jobHandle{},
	}
}

// StartJob spawns the forwarding loop for an active task. Starting a second
// job for the same task id is rejected rather than silently replacing the
// registry entry, which would leak the previous goroutine.
func (r *Registry) StartJob(task storage.Task) error {
	key := jobKey{ownerID: task.OwnerID, taskID: task.ID}

	r.mu.Lock()
	if _, ok := r.jobs[key]; ok {
		r.mu.Unlock()
		return ErrJobExists
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &jobHandle{cancel: cancel, done: make(chan struct{})}
	r.jobs[key] = h
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer close(h.done)
		r.runJob(ctx, task, key, h)
	}()

	r.log.Info("job started",
		logx.Int64("owner", task.OwnerID),
		logx.Int("task", task.ID),
		logx.Int("interval_hours", task.IntervalHours))
	return nil
}

// StopJob cancels a running job, removes its registry entry and persists the
// stopped status. It reports whether a running job was actually found, so
// callers can tell "stopped" apart from "no such task / already stopped".
func (r *Registry) StopJob(ctx context.Context, ownerID int64, taskID int) (bool, error) {
	key := jobKey{ownerID: ownerID, taskID: taskID}

	r.mu.Lock()
	h, ok := r.jobs[key]
	if ok {
		delete(r.jobs, key)
	}
	r.mu.Unlock()
	if !ok {
		return false, nil
	}

	// Cancellation first, then the durable status flip. The job checks its
	// context before persisting a success, so no success update can land
	// after the stopped mark.
	h.cancel()
	if err := r.store.MarkStopped(ctx, ownerID, taskID); err != nil {
		return true, err
	}
	r.log.Info("job stopped", logx.Int64("owner", ownerID), logx.Int("task", taskID))
	return true, nil
}

// RestoreAll starts a job for every persisted active task. Called once at
// boot; this is how tasks survive process restarts.
func (r *Registry) RestoreAll(ctx context.Context) (int, error) {
	byOwner, err := r.store.ActiveTasks(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, tasks := range byOwner {
		for _, t := range tasks {
			if err := r.StartJob(t); err != nil {
				r.log.Warn("restore skipped task",
					logx.Int64("owner", t.OwnerID), logx.Int("task", t.ID), logx.Err(err))
				continue
			}
			n++
		}
	}
	if n > 0 {
		r.log.Info("restored tasks", logx.Int("count", n))
	}
	return n, nil
}

// Running reports whether a job for the task is currently registered.
func (r *Registry) Running(ownerID int64, taskID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[jobKey{ownerID: ownerID, taskID: taskID}]
	return ok
}

// Count returns the number of registered jobs.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Shutdown cancels every job and waits for the loops to exit, bounded by ctx.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	for key, h := range r.jobs {
		h.cancel()
		delete(r.jobs, key)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("shutdown timed out waiting for jobs", logx.Err(ctx.Err()))
	}
}

// removeIfCurrent deletes the registry entry only if it still maps to h.
// Used by a faulting job to deregister itself without racing a concurrent
// StopJob that may already have removed (or replaced) the entry.
func (r *Registry) removeIfCurrent(key jobKey, h *jobHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.jobs[key]; ok && cur == h {
		delete(r.jobs, key)
		return true
	}
	return false
}
