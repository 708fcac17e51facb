// Package queue is the in-process import-task queue between the fan-out
// scheduler and the dispatcher's worker pool.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vitalsync/server/pkg/types"
)

// Queue is a bounded channel-backed task queue. Enqueue blocks when the
// buffer is full rather than dropping tasks.
type Queue struct {
	ch chan types.ImportTask
}

func New(buffer int) *Queue {
	if buffer < 1 {
		buffer = 1
	}
	return &Queue{ch: make(chan types.ImportTask, buffer)}
}

// Enqueue adds a task, blocking until there is room or ctx is cancelled.
func (q *Queue) Enqueue(ctx context.Context, task types.ImportTask) error {
	select {
	case q.ch <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of buffered tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Consume runs a fixed-size worker pool over the queue until ctx is
// cancelled. Each worker hands one task at a time to fn.
func (q *Queue) Consume(ctx context.Context, workers int, logger *slog.Logger, fn func(ctx context.Context, task types.ImportTask)) {
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-q.ch:
					logger.Debug("Worker picked up task", "worker", worker, "user_id", task.UserID, "platform", task.PlatformName)
					fn(ctx, task)
				}
			}
		}(i)
	}
	wg.Wait()
}

// EncodeTask serializes a task into a queue-message payload.
func EncodeTask(task types.ImportTask) ([]byte, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode import task: %w", err)
	}
	return data, nil
}

// DecodeTask parses a queue-message payload.
func DecodeTask(payload []byte) (types.ImportTask, error) {
	var task types.ImportTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return task, fmt.Errorf("decode import task: %w", err)
	}
	if task.UserID == "" || task.PlatformName == "" {
		return task, fmt.Errorf("import task missing user id or platform name")
	}
	return task, nil
}
