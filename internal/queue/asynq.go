package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/travelops/internal/logger"
)

// AsynqClient enqueues tasks into Redis.
type AsynqClient struct {
	client *asynq.Client
}

var _ Client = (*AsynqClient)(nil)

func NewAsynqClient(redisURL string) (*AsynqClient, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	return &AsynqClient{client: asynq.NewClient(opt)}, nil
}

func (a *AsynqClient) Enqueue(ctx context.Context, t Task, opts ...EnqueueOption) (string, error) {
	if t.Type == "" {
		return "", errors.New("queue: task type is required")
	}
	var aopts []asynq.Option
	if len(opts) > 0 {
		op := opts[0]
		if op.Queue != "" {
			aopts = append(aopts, asynq.Queue(op.Queue))
		}
		if op.TaskID != "" {
			aopts = append(aopts, asynq.TaskID(op.TaskID))
		}
		if op.ProcessIn > 0 {
			aopts = append(aopts, asynq.ProcessIn(op.ProcessIn))
		}
		if op.MaxRetry > 0 {
			aopts = append(aopts, asynq.MaxRetry(op.MaxRetry))
		}
		if op.Retention > 0 {
			aopts = append(aopts, asynq.Retention(op.Retention))
		}
	}
	info, err := a.client.EnqueueContext(ctx, asynq.NewTask(t.Type, t.Payload), aopts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return "", ErrDuplicateTask
	}
	if err != nil {
		return "", fmt.Errorf("queue.Enqueue %s: %w", t.Type, err)
	}
	return info.ID, nil
}

func (a *AsynqClient) Close() error {
	return a.client.Close()
}

// AsynqServer consumes tasks from Redis.
type AsynqServer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

var _ Server = (*AsynqServer)(nil)

func NewAsynqServer(redisURL string, queueName string, concurrency int) (*AsynqServer, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 10
	}
	queues := map[string]int{"default": 1}
	if queueName != "" {
		queues[queueName] = 3
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      queues,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Errorf("queue task=%s: %v", task.Type(), err)
		}),
	})
	return &AsynqServer{server: srv, mux: asynq.NewServeMux()}, nil
}

func (s *AsynqServer) Register(taskType string, h Handler) {
	s.mux.HandleFunc(taskType, func(ctx context.Context, t *asynq.Task) error {
		return h(ctx, Task{Type: t.Type(), Payload: t.Payload()})
	})
}

// Run starts the workers and shuts them down gracefully when ctx ends.
func (s *AsynqServer) Run(ctx context.Context) error {
	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("queue.Run: %w", err)
	}
	<-ctx.Done()
	s.server.Shutdown()
	return nil
}
