// Package tasks is the detached-work seam: request handlers spawn
// fire-and-forget work here and respond without waiting. Each task gets
// its own error boundary; nothing a task does can reach the caller.
package tasks

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"stash/api/internal/logger"
)

type Runner struct {
	log logger.Logger
	wg  sync.WaitGroup
}

func NewRunner(log logger.Logger) *Runner {
	return &Runner{log: log}
}

// Spawn runs fn on its own goroutine with a fresh context. Errors and
// panics are logged and dropped, never propagated.
func (r *Runner) Spawn(name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				r.log.Error("task_panic", zap.String("task", name), zap.Any("panic", recovered))
			}
		}()
		if err := fn(context.Background()); err != nil {
			r.log.Error("task_error", zap.String("task", name), zap.Error(err))
		}
	}()
}

// Wait blocks until all spawned tasks finish. Used by tests and
// shutdown.
func (r *Runner) Wait() {
	r.wg.Wait()
}
