package groups

import (
	"context"
	"sync"

	"github.com/relves/swarmsync/pkg/types"
)

// Scope serializes work per group: tasks for the same group run
// strictly in submission order, tasks for different groups run
// independently. Membership operations go through the scope so that
// e.g. an invite and a removal for the same group cannot interleave.
type Scope struct {
	mu     sync.Mutex
	queues map[types.AccountID]*scopeQueue
}

type scopeQueue struct {
	tasks []scopeTask
	busy  bool
}

type scopeTask struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// NewScope creates an empty scope.
func NewScope() *Scope {
	return &Scope{queues: make(map[types.AccountID]*scopeQueue)}
}

// Do runs fn after all previously submitted tasks for the group have
// finished, and returns its error. A task whose ctx ends before it
// starts is skipped with the ctx error.
func (s *Scope) Do(ctx context.Context, group types.AccountID, fn func(context.Context) error) error {
	task := scopeTask{ctx: ctx, fn: fn, done: make(chan error, 1)}

	s.mu.Lock()
	q := s.queues[group]
	if q == nil {
		q = &scopeQueue{}
		s.queues[group] = q
	}
	q.tasks = append(q.tasks, task)
	if !q.busy {
		q.busy = true
		go s.drain(group, q)
	}
	s.mu.Unlock()

	select {
	case err := <-task.done:
		return err
	case <-ctx.Done():
		// The task still runs (or is skipped) in order; we just stop
		// waiting for it.
		return ctx.Err()
	}
}

func (s *Scope) drain(group types.AccountID, q *scopeQueue) {
	for {
		s.mu.Lock()
		if len(q.tasks) == 0 {
			q.busy = false
			delete(s.queues, group)
			s.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		s.mu.Unlock()

		if err := task.ctx.Err(); err != nil {
			task.done <- err
			continue
		}
		task.done <- task.fn(task.ctx)
	}
}
