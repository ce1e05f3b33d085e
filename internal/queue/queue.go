// Package queue runs background tasks. Asynq backs it when Redis is
// configured; Inline runs tasks in-process otherwise.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateTask is returned by Enqueue when a task with the same
// TaskID is already queued.
var ErrDuplicateTask = errors.New("queue: duplicate task id")

// Task is a job type plus an opaque payload.
type Task struct {
	Type    string
	Payload []byte
}

// Handler processes a Task. A non-nil error asks for a retry, so handlers
// must be idempotent.
type Handler func(ctx context.Context, task Task) error

// EnqueueOption maps to backend options; zero values mean unset.
type EnqueueOption struct {
	Queue     string
	TaskID    string // deduplicates enqueues across instances
	ProcessIn time.Duration
	MaxRetry  int
	Retention time.Duration
}

type Client interface {
	Enqueue(ctx context.Context, t Task, opts ...EnqueueOption) (id string, err error)
	Close() error
}

// Server blocks in Run until ctx is canceled.
type Server interface {
	Register(taskType string, h Handler)
	Run(ctx context.Context) error
}
