package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/travelops/internal/logger"
)

// Inline runs tasks in-process. It is both Client and Server so a single
// API instance without Redis still delivers background work. Task ids are
// remembered for deduplication for the life of the process.
type Inline struct {
	mu       sync.Mutex
	handlers map[string]Handler
	seen     map[string]struct{}
	async    bool
	ctx      context.Context
	wg       sync.WaitGroup
}

var (
	_ Client = (*Inline)(nil)
	_ Server = (*Inline)(nil)
)

// NewInline returns a queue that runs each task on its own goroutine, or
// on the caller's goroutine when async is false.
func NewInline(async bool) *Inline {
	return &Inline{
		handlers: make(map[string]Handler),
		seen:     make(map[string]struct{}),
		async:    async,
		ctx:      context.Background(),
	}
}

func (q *Inline) Register(taskType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[taskType] = h
}

func (q *Inline) Enqueue(ctx context.Context, t Task, opts ...EnqueueOption) (string, error) {
	id := uuid.NewString()
	q.mu.Lock()
	h, ok := q.handlers[t.Type]
	if len(opts) > 0 && opts[0].TaskID != "" {
		id = opts[0].TaskID
		if _, dup := q.seen[id]; dup {
			q.mu.Unlock()
			return "", ErrDuplicateTask
		}
		q.seen[id] = struct{}{}
	}
	runCtx := q.ctx
	q.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("queue: no handler for %s", t.Type)
	}

	run := func() {
		if err := h(runCtx, t); err != nil {
			logger.Errorf("queue task=%s id=%s: %v", t.Type, id, err)
		}
	}
	if !q.async {
		run()
		return id, nil
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		run()
	}()
	return id, nil
}

// Run makes ctx the parent of task contexts and waits for running tasks
// once it ends.
func (q *Inline) Run(ctx context.Context) error {
	q.mu.Lock()
	q.ctx = ctx
	q.mu.Unlock()
	<-ctx.Done()
	q.wg.Wait()
	return nil
}

func (q *Inline) Close() error {
	q.wg.Wait()
	return nil
}
